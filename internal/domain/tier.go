package domain

import (
	"fmt"
	"strings"
)

// DownloadTier ranks candidate locations of one picture by fidelity.
// TierAuto is a request-time directive only and never a candidate's tier.
type DownloadTier int

const (
	TierAuto      DownloadTier = -1
	TierThumbnail DownloadTier = 0
	TierSmall     DownloadTier = 1
	TierMedium    DownloadTier = 2
	TierLarge     DownloadTier = 3
	TierOrigin    DownloadTier = 4
)

var tierNames = map[DownloadTier]string{
	TierAuto:      "auto",
	TierThumbnail: "thumbnail",
	TierSmall:     "small",
	TierMedium:    "medium",
	TierLarge:     "large",
	TierOrigin:    "origin",
}

// String returns the lower-case name of the tier.
func (t DownloadTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether t is a concrete, storable tier.
func (t DownloadTier) Valid() bool {
	return t >= TierThumbnail && t <= TierOrigin
}

// ParseTier converts a tier name to a DownloadTier. An empty string means auto.
func ParseTier(s string) (DownloadTier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return TierAuto, nil
	}
	for tier, name := range tierNames {
		if name == s {
			return tier, nil
		}
	}
	return TierAuto, fmt.Errorf("unknown download tier %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t DownloadTier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DownloadTier) UnmarshalText(text []byte) error {
	parsed, err := ParseTier(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TierOption names a tier a site can serve.
type TierOption struct {
	Name string       `json:"name"`
	Tier DownloadTier `json:"tier"`
}

// TierOptions builds the list of tiers offered by a site with the automatic
// choice ("prefer largest image") first.
func TierOptions(tiers ...DownloadTier) []TierOption {
	opts := make([]TierOption, 0, len(tiers)+1)
	opts = append(opts, TierOption{Name: "auto (prefer largest)", Tier: TierAuto})
	for _, t := range tiers {
		if !t.Valid() {
			continue
		}
		opts = append(opts, TierOption{Name: t.String(), Tier: t})
	}
	return opts
}
