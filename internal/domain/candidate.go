package domain

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
)

// MediaCandidate is one downloadable location for a logical picture.
type MediaCandidate struct {
	tier DownloadTier

	URL      string
	Referer  string
	Size     uint64 // expected byte size, 0 if unknown
	Checksum string // hex BLAKE2b-256 of the downloaded bytes

	resolver      Resolver
	postProcessor PostProcessor
}

// CandidateOption configures optional candidate attributes.
type CandidateOption func(*MediaCandidate)

// WithReferer sets the Referer header value to send with the transfer.
func WithReferer(referer string) CandidateOption {
	return func(c *MediaCandidate) { c.Referer = referer }
}

// WithSize records the expected byte size.
func WithSize(size uint64) CandidateOption {
	return func(c *MediaCandidate) { c.Size = size }
}

// WithResolver attaches a URL-resolution hook.
func WithResolver(r Resolver) CandidateOption {
	return func(c *MediaCandidate) { c.resolver = r }
}

// WithPostProcessor attaches an after-effect hook.
func WithPostProcessor(p PostProcessor) CandidateOption {
	return func(c *MediaCandidate) { c.postProcessor = p }
}

// NewCandidate validates and builds a candidate.
func NewCandidate(tier DownloadTier, rawURL string, opts ...CandidateOption) (*MediaCandidate, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: tier %s cannot be stored", ErrInvalidCandidate, tier)
	}
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("%w: empty url", ErrInvalidCandidate)
	}
	c := &MediaCandidate{tier: tier, URL: rawURL}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Tier returns the candidate's fidelity tier.
func (c *MediaCandidate) Tier() DownloadTier {
	return c.tier
}

// HasResolver reports whether the candidate needs URL resolution before transfer.
func (c *MediaCandidate) HasResolver() bool {
	return c.resolver != nil
}

// HasPostProcessor reports whether the candidate carries an after-effect.
func (c *MediaCandidate) HasPostProcessor() bool {
	return c.postProcessor != nil
}

// ResolveURL runs the URL-resolution hook, if any. It must be called
// immediately before the candidate's bytes are requested.
func (c *MediaCandidate) ResolveURL(ctx context.Context, item *MediaItem) error {
	if c.resolver == nil {
		return nil
	}
	if err := CheckContext(ctx); err != nil {
		return err
	}
	if err := c.resolver.ResolveURL(ctx, item, c); err != nil {
		if IsContextError(err) {
			return Cancelled(err)
		}
		return fmt.Errorf("%w: %s: %w", ErrResolutionFailed, c.tier, err)
	}
	if c.URL == "" {
		return fmt.Errorf("%w: %s: resolver produced empty url", ErrResolutionFailed, c.tier)
	}
	return nil
}

// RunAfterEffect runs the after-effect hook, if any, against the item's
// downloaded file. A failure never removes the raw file.
func (c *MediaCandidate) RunAfterEffect(ctx context.Context, item *MediaItem) error {
	if c.postProcessor == nil {
		return nil
	}
	if err := CheckContext(ctx); err != nil {
		return err
	}
	if err := c.postProcessor.RunAfterEffect(ctx, item, c); err != nil {
		if IsContextError(err) && !errors.Is(err, ErrCancelled) {
			err = Cancelled(err)
		}
		return NewItemError(item.ID, "after_effect", err)
	}
	return nil
}

// FormattedSize returns the expected size in human form, or "" when unknown.
func (c *MediaCandidate) FormattedSize() string {
	if c.Size == 0 {
		return ""
	}
	return humanize.Bytes(c.Size)
}

// FileExt returns the lower-case file extension of the URL path without the
// leading dot. Query strings are ignored and implausibly long extensions
// yield "".
func (c *MediaCandidate) FileExt() string {
	if c.URL == "" {
		return ""
	}
	p := c.URL
	if u, err := url.Parse(c.URL); err == nil {
		p = u.Path
	} else if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimSuffix(p, "/")
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if len(ext) >= 5 {
		return ""
	}
	return ext
}

// CandidateSet is an ordered collection of candidates for one logical picture.
// Insertion order is kept for display; selection orders by tier.
type CandidateSet struct {
	items []*MediaCandidate
}

// Add validates and appends a new candidate.
func (s *CandidateSet) Add(tier DownloadTier, rawURL string, opts ...CandidateOption) (*MediaCandidate, error) {
	c, err := NewCandidate(tier, rawURL, opts...)
	if err != nil {
		return nil, err
	}
	s.items = append(s.items, c)
	return c, nil
}

// Remove drops c from the set. It reports whether c was present.
func (s *CandidateSet) Remove(c *MediaCandidate) bool {
	for i, existing := range s.items {
		if existing == c {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of candidates.
func (s *CandidateSet) Len() int {
	return len(s.items)
}

// All returns the candidates in insertion order.
func (s *CandidateSet) All() []*MediaCandidate {
	out := make([]*MediaCandidate, len(s.items))
	copy(out, s.items)
	return out
}

func (s *CandidateSet) truncate(n int) {
	if n < len(s.items) {
		s.items = s.items[:n]
	}
}

// byTier returns the candidates in ascending tier order; equal tiers keep
// insertion order.
func (s *CandidateSet) byTier() []*MediaCandidate {
	sorted := s.All()
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].tier < sorted[j].tier
	})
	return sorted
}

// Minimum returns the candidate with the lowest tier, or nil for an empty set.
func (s *CandidateSet) Minimum() *MediaCandidate {
	var min *MediaCandidate
	for _, c := range s.items {
		if min == nil || c.tier < min.tier {
			min = c
		}
	}
	return min
}

// Preview returns a candidate better than the worst one but not necessarily
// full quality, suitable for lightweight rendering. A single candidate is its
// own preview; nil is returned when all candidates share one tier.
func (s *CandidateSet) Preview() *MediaCandidate {
	switch len(s.items) {
	case 0:
		return nil
	case 1:
		return s.items[0]
	}
	min := s.Minimum()
	for _, c := range s.byTier() {
		if c.tier > min.tier {
			return c
		}
	}
	return nil
}

// Resolve returns the candidate for tier. TierAuto selects the highest tier
// present. A concrete tier that is absent fails with ErrCandidateNotFound.
func (s *CandidateSet) Resolve(tier DownloadTier) (*MediaCandidate, error) {
	if len(s.items) == 0 {
		return nil, fmt.Errorf("%w: empty set", ErrCandidateNotFound)
	}
	if tier == TierAuto {
		var best *MediaCandidate
		for _, c := range s.items {
			if best == nil || c.tier > best.tier {
				best = c
			}
		}
		return best, nil
	}
	for _, c := range s.items {
		if c.tier == tier {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: tier %s", ErrCandidateNotFound, tier)
}

// ResolveOrBest resolves tier and falls back to the highest tier available
// when the requested one is absent. fellBack reports whether the fallback was used.
func (s *CandidateSet) ResolveOrBest(tier DownloadTier) (c *MediaCandidate, fellBack bool, err error) {
	c, err = s.Resolve(tier)
	if err == nil || tier == TierAuto || !errors.Is(err, ErrCandidateNotFound) {
		return c, false, err
	}
	c, err = s.Resolve(TierAuto)
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}
