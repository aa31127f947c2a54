package downloader

import (
	"context"
	"io"
)

// Downloader fetches media bytes from URLs.
type Downloader interface {
	// Download fetches url, sending referer when non-empty. It returns the
	// content reader and its size (-1 when unknown). Caller closes the reader.
	Download(ctx context.Context, url, referer string) (io.ReadCloser, int64, error)

	// Probe checks URL accessibility without downloading full content.
	Probe(ctx context.Context, url, referer string) (*ProbeResult, error)
}

// ProbeResult contains information about a media URL.
type ProbeResult struct {
	ContentType   string
	ContentLength int64
	Accessible    bool
	Error         string
}
