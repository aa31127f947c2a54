package domain

import (
	"context"
	"time"
)

// ItemID is a site-scoped identifier for a media item.
type ItemID string

// String returns the string representation of the ItemID.
func (id ItemID) String() string {
	return string(id)
}

// MediaKind distinguishes still pictures from packed animations.
type MediaKind string

const (
	KindImage     MediaKind = "image"
	KindAnimation MediaKind = "animation"
)

// Sidecar is a text payload persisted next to the final artifact.
type Sidecar struct {
	Ext     string // without leading dot
	Content string
}

// FrameDescriptor holds the timing for one frame of a packed animation. The
// frame index is implied by archive entry order.
type FrameDescriptor struct {
	Delay uint32 // milliseconds
}

// DetailExpander discovers full-resolution candidates and child items that a
// lightweight listing did not include.
type DetailExpander interface {
	ExpandDetail(ctx context.Context, item *MediaItem) error
}

// Resolver rewrites a candidate's URL immediately before transfer.
type Resolver interface {
	ResolveURL(ctx context.Context, item *MediaItem, c *MediaCandidate) error
}

// PostProcessor processes an item's file after its bytes have been persisted.
type PostProcessor interface {
	RunAfterEffect(ctx context.Context, item *MediaItem, c *MediaCandidate) error
}

// DetailExpanderFunc adapts a function to DetailExpander.
type DetailExpanderFunc func(ctx context.Context, item *MediaItem) error

func (f DetailExpanderFunc) ExpandDetail(ctx context.Context, item *MediaItem) error {
	return f(ctx, item)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, item *MediaItem, c *MediaCandidate) error

func (f ResolverFunc) ResolveURL(ctx context.Context, item *MediaItem, c *MediaCandidate) error {
	return f(ctx, item, c)
}

// PostProcessorFunc adapts a function to PostProcessor.
type PostProcessorFunc func(ctx context.Context, item *MediaItem, c *MediaCandidate) error

func (f PostProcessorFunc) RunAfterEffect(ctx context.Context, item *MediaItem, c *MediaCandidate) error {
	return f(ctx, item, c)
}

// MediaItem is one logical result from a site query.
type MediaItem struct {
	ID         ItemID
	Site       string
	Title      string
	Uploader   string
	UploaderID string
	Width      int
	Height     int
	Kind       MediaKind
	Tags       []string
	PostedAt   time.Time
	DetailURL  string

	Candidates CandidateSet
	Children   []*MediaItem

	// LocalPath is set once the raw bytes are on disk. An after-effect may
	// replace it with the path of the final artifact.
	LocalPath string
	Sidecar   *Sidecar

	// Err records the last pipeline failure attached to this item.
	Err error

	expander DetailExpander
	expanded bool
}

// NewMediaItem creates an item for a site.
func NewMediaItem(site string, id ItemID) *MediaItem {
	return &MediaItem{
		ID:   id,
		Site: site,
		Kind: KindImage,
	}
}

// SetDetailExpander attaches the one-shot detail-expansion hook.
func (i *MediaItem) SetDetailExpander(e DetailExpander) {
	i.expander = e
}

// HasDetailExpander reports whether the item carries a detail-expansion hook.
func (i *MediaItem) HasDetailExpander() bool {
	return i.expander != nil
}

// DetailExpanded reports whether ExpandDetail has already been invoked.
func (i *MediaItem) DetailExpanded() bool {
	return i.expanded
}

// AddChild appends a child item, e.g. one page of a multi-page work.
func (i *MediaItem) AddChild(child *MediaItem) {
	if child.Site == "" {
		child.Site = i.Site
	}
	i.Children = append(i.Children, child)
}

// ExpandDetail runs the detail-expansion hook at most once. Without a hook it
// is a no-op. When the hook fails, candidates and children added during the
// failed attempt are dropped so the item keeps exactly what it had before.
func (i *MediaItem) ExpandDetail(ctx context.Context) error {
	if i.expander == nil {
		return nil
	}
	if i.expanded {
		return NewItemError(i.ID, "expand_detail", ErrDetailAlreadyExpanded)
	}
	if err := CheckContext(ctx); err != nil {
		return NewItemError(i.ID, "expand_detail", err)
	}
	i.expanded = true

	nCandidates, nChildren := i.Candidates.Len(), len(i.Children)
	if err := i.expander.ExpandDetail(ctx, i); err != nil {
		i.Candidates.truncate(nCandidates)
		if nChildren < len(i.Children) {
			i.Children = i.Children[:nChildren]
		}
		if IsContextError(err) {
			err = Cancelled(err)
		}
		return NewItemError(i.ID, "expand_detail", err)
	}
	return nil
}

// Key returns the site-qualified identity of the item.
func (i *MediaItem) Key() string {
	return i.Site + ":" + i.ID.String()
}
