// Package pixiv adapts the Pixiv web AJAX API to media items with deferred
// detail expansion.
package pixiv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iconidentify/moegrabba/internal/config"
	"github.com/iconidentify/moegrabba/internal/domain"
	"github.com/iconidentify/moegrabba/internal/downloader"
)

// SiteName is the site key used for items from this adapter.
const SiteName = "pixiv"

const (
	illustTypeUgoira = 2
	imageHost        = "https://i.pximg.net"
)

// AnimationConverter builds the after-effect that turns a downloaded frame
// archive into an animation.
type AnimationConverter interface {
	AfterEffect(frames []domain.FrameDescriptor) domain.PostProcessor
}

// Session holds per-site request state. It is a value type: each request
// works on its own copy.
type Session struct {
	Cookie    string
	UserAgent string
	Referer   string
}

// Clone returns an independent copy with the given referer.
func (s Session) Clone(referer string) Session {
	s.Referer = referer
	return s
}

func (s Session) apply(req *http.Request) {
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}
	if s.Cookie != "" {
		req.Header.Set("Cookie", s.Cookie)
	}
	if s.Referer != "" {
		req.Header.Set("Referer", s.Referer)
	}
	req.Header.Set("Accept", "application/json")
}

// Client fetches work metadata from Pixiv.
type Client struct {
	httpClient *http.Client
	baseURL    string
	imageProxy string
	session    Session
	converter  AnimationConverter
	retry      downloader.RetryConfig
	logger     *slog.Logger
}

// NewClient creates a Pixiv client. converter may be nil, in which case
// animated works are fetched as plain archives.
func NewClient(cfg config.PixivConfig, userAgent string, converter AnimationConverter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		imageProxy: strings.TrimSuffix(cfg.ImageProxy, "/"),
		session:    Session{Cookie: cfg.Cookie, UserAgent: userAgent},
		converter:  converter,
		retry:      downloader.DefaultRetryConfig(),
		logger:     logger,
	}
}

// Name returns the site key.
func (c *Client) Name() string {
	return SiteName
}

// TierOptions lists the tiers this site serves.
func (c *Client) TierOptions() []domain.TierOption {
	return domain.TierOptions(domain.TierOrigin, domain.TierLarge)
}

// Lookup fetches a single work by ID and returns a lightweight item whose
// full-resolution candidates are discovered by ExpandDetail.
func (c *Client) Lookup(ctx context.Context, id domain.ItemID) (*domain.MediaItem, error) {
	if _, err := strconv.ParseUint(id.String(), 10, 64); err != nil {
		return nil, fmt.Errorf("%w: invalid pixiv id %q", domain.ErrItemNotFound, id)
	}

	var body illustBody
	url := fmt.Sprintf("%s/ajax/illust/%s", c.baseURL, id)
	if _, err := c.getJSON(ctx, url, c.artworkURL(id), &body); err != nil {
		return nil, err
	}

	item := c.newItem(listing{
		ID:         body.ID,
		Title:      body.Title,
		URL:        body.URLs.Thumb,
		UserName:   body.UserName,
		UserID:     body.UserID,
		Width:      body.Width,
		Height:     body.Height,
		IllustType: body.IllustType,
	}, body.tagNames())
	if item == nil {
		return nil, fmt.Errorf("%w: pixiv work %s has no thumbnail", domain.ErrItemNotFound, id)
	}
	if t, err := time.Parse(time.RFC3339, body.CreateDate); err == nil {
		item.PostedAt = t
	}
	return item, nil
}

// Latest returns the newest public works as lightweight items.
func (c *Client) Latest(ctx context.Context, limit int) ([]*domain.MediaItem, error) {
	if limit <= 0 {
		limit = 20
	}
	var body struct {
		Illusts []listing `json:"illusts"`
	}
	url := fmt.Sprintf("%s/ajax/illust/new?limit=%d&type=illust", c.baseURL, limit)
	if _, err := c.getJSON(ctx, url, c.baseURL+"/new_illust.php", &body); err != nil {
		return nil, err
	}

	items := make([]*domain.MediaItem, 0, len(body.Illusts))
	for _, l := range body.Illusts {
		if item := c.newItem(l, l.Tags); item != nil {
			items = append(items, item)
		}
	}
	return items, nil
}

func (c *Client) newItem(l listing, tags []string) *domain.MediaItem {
	id := domain.ItemID(l.ID)
	item := domain.NewMediaItem(SiteName, id)
	item.Title = l.Title
	item.Uploader = l.UserName
	item.UploaderID = l.UserID
	item.Width = l.Width
	item.Height = l.Height
	item.Tags = tags
	item.DetailURL = c.artworkURL(id)
	item.PostedAt = DateFromURL(l.URL)

	if _, err := item.Candidates.Add(domain.TierThumbnail, l.URL, c.imageOptions(c.baseURL+"/")...); err != nil {
		c.logger.Debug("skipping work without thumbnail", "item_id", id, "error", err)
		return nil
	}

	if int(l.IllustType) == illustTypeUgoira {
		item.Kind = domain.KindAnimation
		item.SetDetailExpander(domain.DetailExpanderFunc(c.expandUgoira))
	} else {
		item.SetDetailExpander(domain.DetailExpanderFunc(c.expandPages))
	}
	return item
}

// expandPages adds large and original candidates for page 0 to the item and
// one child per additional page.
func (c *Client) expandPages(ctx context.Context, item *domain.MediaItem) error {
	var pages []pageBody
	url := fmt.Sprintf("%s/ajax/illust/%s/pages", c.baseURL, item.ID)
	referer := c.artworkURL(item.ID)
	if _, err := c.getJSON(ctx, url, referer, &pages); err != nil {
		return err
	}
	if len(pages) == 0 {
		return fmt.Errorf("%w: pixiv work %s has no pages", domain.ErrCandidateNotFound, item.ID)
	}

	if err := c.addPage(item, pages[0], referer); err != nil {
		return err
	}
	for i, p := range pages[1:] {
		child := domain.NewMediaItem(SiteName, domain.ItemID(fmt.Sprintf("%s_p%d", item.ID, i+1)))
		child.Title = item.Title
		child.Uploader = item.Uploader
		child.UploaderID = item.UploaderID
		child.Width, child.Height = p.Width, p.Height
		child.PostedAt = item.PostedAt
		child.DetailURL = item.DetailURL
		if err := c.addPage(child, p, referer); err != nil {
			return err
		}
		item.AddChild(child)
	}
	return nil
}

func (c *Client) addPage(item *domain.MediaItem, p pageBody, referer string) error {
	opts := c.imageOptions(referer)
	if p.URLs.Regular != "" {
		if _, err := item.Candidates.Add(domain.TierLarge, p.URLs.Regular, opts...); err != nil {
			return err
		}
	}
	if _, err := item.Candidates.Add(domain.TierOrigin, p.URLs.Original, opts...); err != nil {
		return err
	}
	return nil
}

// expandUgoira adds the frame archive candidates and stores the raw frame
// metadata as the item's sidecar.
func (c *Client) expandUgoira(ctx context.Context, item *domain.MediaItem) error {
	var meta ugoiraBody
	url := fmt.Sprintf("%s/ajax/illust/%s/ugoira_meta", c.baseURL, item.ID)
	referer := c.artworkURL(item.ID)
	raw, err := c.getJSON(ctx, url, referer, &meta)
	if err != nil {
		return err
	}

	opts := c.imageOptions(referer)
	if c.converter != nil {
		opts = append(opts, domain.WithPostProcessor(c.converter.AfterEffect(meta.frameDescriptors())))
	}
	if meta.Src != "" {
		if _, err := item.Candidates.Add(domain.TierLarge, meta.Src, opts...); err != nil {
			return err
		}
	}
	if _, err := item.Candidates.Add(domain.TierOrigin, meta.OriginalSrc, opts...); err != nil {
		return err
	}

	item.Kind = domain.KindAnimation
	item.Sidecar = &domain.Sidecar{Ext: "json", Content: string(raw)}
	return nil
}

func (c *Client) imageOptions(referer string) []domain.CandidateOption {
	opts := []domain.CandidateOption{domain.WithReferer(referer)}
	if c.imageProxy != "" {
		opts = append(opts, domain.WithResolver(proxyResolver(c.imageProxy)))
	}
	return opts
}

// proxyResolver rewrites the image host to a mirror just before transfer.
func proxyResolver(proxy string) domain.Resolver {
	return domain.ResolverFunc(func(ctx context.Context, item *domain.MediaItem, cand *domain.MediaCandidate) error {
		if strings.HasPrefix(cand.URL, imageHost) {
			cand.URL = proxy + strings.TrimPrefix(cand.URL, imageHost)
		}
		return nil
	})
}

func (c *Client) artworkURL(id domain.ItemID) string {
	return fmt.Sprintf("%s/artworks/%s", c.baseURL, id)
}

// getJSON fetches an AJAX endpoint and decodes its "body" into out. It
// returns the raw response for callers that persist it.
func (c *Client) getJSON(ctx context.Context, url, referer string, out any) ([]byte, error) {
	session := c.session.Clone(referer)

	raw, err := downloader.RetryWithCheck(ctx, c.retry, func() ([]byte, error) {
		return c.fetch(ctx, url, session)
	}, isRetryable)
	if err != nil {
		if domain.IsContextError(err) {
			return nil, domain.Cancelled(err)
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if env.Error {
		return nil, fmt.Errorf("pixiv API error: %s", env.Message)
	}
	if err := json.Unmarshal(env.Body, out); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return raw, nil
}

func (c *Client) fetch(ctx context.Context, url string, session Session) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	session.apply(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", domain.ErrItemNotFound, url)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, domain.ErrRateLimited
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("API error (status %d): %s", resp.StatusCode, truncate(string(body), 200))
	}
	return body, nil
}

func isRetryable(err error) bool {
	return !domain.IsContextError(err) && !errors.Is(err, domain.ErrItemNotFound)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// DateFromURL extracts the upload time from the /img/YYYY/MM/DD/HH/mm/ss/
// segment of a Pixiv image URL. It returns the zero time when absent.
func DateFromURL(url string) time.Time {
	i := strings.Index(url, "/img/")
	if i < 0 {
		return time.Time{}
	}
	s := url[i+len("/img/"):]
	if len(s) < 19 {
		return time.Time{}
	}
	t, err := time.ParseInLocation("2006/01/02/15/04/05", s[:19], jst)
	if err != nil {
		return time.Time{}
	}
	return t
}

var jst = time.FixedZone("JST", 9*60*60)

// ParseFrames decodes the frames list of an ugoira_meta response.
func ParseFrames(raw []byte) ([]domain.FrameDescriptor, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	var meta ugoiraBody
	if err := json.Unmarshal(env.Body, &meta); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return meta.frameDescriptors(), nil
}
