package domain

import "time"

// DownloadRecord is one persisted entry of the download history.
type DownloadRecord struct {
	Site         string       `json:"site"`
	ItemID       ItemID       `json:"item_id"`
	Tier         DownloadTier `json:"tier"`
	Title        string       `json:"title,omitempty"`
	Path         string       `json:"path"`
	Checksum     string       `json:"checksum"`
	Size         int64        `json:"size"`
	DownloadedAt time.Time    `json:"downloaded_at"`
}
