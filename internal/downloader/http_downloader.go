package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iconidentify/moegrabba/internal/config"
	"github.com/iconidentify/moegrabba/internal/domain"
)

// maxAttempts bounds transfer attempts per Download call.
const maxAttempts = 3

// HTTPDownloader implements Downloader using HTTP requests.
type HTTPDownloader struct {
	// client is used for short requests (Probe) with an overall timeout
	client *http.Client
	// streamClient is used for transfers; stalls are caught per read instead
	streamClient *http.Client
	userAgent    string
	cfg          config.DownloadConfig
	logger       *slog.Logger
}

// NewHTTPDownloader creates a new HTTP media downloader.
func NewHTTPDownloader(cfg config.DownloadConfig, logger *slog.Logger) *HTTPDownloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPDownloader{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		streamClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		userAgent: cfg.UserAgent,
		cfg:       cfg,
		logger:    logger,
	}
}

// Download fetches url with retry. Expired URLs are not retried.
func (d *HTTPDownloader) Download(ctx context.Context, url, referer string) (io.ReadCloser, int64, error) {
	type transfer struct {
		body io.ReadCloser
		size int64
	}

	retryCfg := RetryConfig{
		MaxAttempts:   maxAttempts,
		InitialDelay:  d.cfg.RetryDelay,
		MaxDelay:      d.cfg.MaxRetryDelay,
		BackoffFactor: 2.0,
	}
	attempt := 0
	res, err := RetryWithCheck(ctx, retryCfg, func() (transfer, error) {
		attempt++
		body, size, err := d.downloadOnce(ctx, url, referer)
		if err != nil {
			d.logger.Debug("transfer attempt failed", "url", url, "attempt", attempt, "error", err)
		}
		return transfer{body: body, size: size}, err
	}, isRetryableError)
	if err != nil {
		if domain.IsContextError(err) {
			return nil, 0, domain.Cancelled(err)
		}
		return nil, 0, fmt.Errorf("download failed after %d attempts: %w", attempt, err)
	}
	return res.body, res.size, nil
}

func (d *HTTPDownloader) newRequest(ctx context.Context, method, url, referer string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/*,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	return req, nil
}

func (d *HTTPDownloader) downloadOnce(ctx context.Context, url, referer string) (io.ReadCloser, int64, error) {
	req, err := d.newRequest(ctx, http.MethodGet, url, referer)
	if err != nil {
		return nil, 0, err
	}

	resp, err := d.streamClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("send request: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		resp.Body.Close()
		return nil, 0, domain.ErrURLExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		resp.Body.Close()
		return nil, 0, domain.ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, 0, domain.ErrItemNotFound
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return newProgressReader(resp.Body, resp.ContentLength, d.cfg.ReadTimeout, d.logger, url), resp.ContentLength, nil
}

// Probe checks URL accessibility without downloading full content.
func (d *HTTPDownloader) Probe(ctx context.Context, url, referer string) (*ProbeResult, error) {
	req, err := d.newRequest(ctx, http.MethodHead, url, referer)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if domain.IsContextError(err) {
			return nil, domain.Cancelled(err)
		}
		return &ProbeResult{
			Accessible: false,
			Error:      err.Error(),
		}, nil
	}
	defer resp.Body.Close()

	result := &ProbeResult{
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
		Accessible:    resp.StatusCode == http.StatusOK,
	}
	if !result.Accessible {
		result.Error = fmt.Sprintf("status code %d", resp.StatusCode)
	}
	return result, nil
}

func isRetryableError(err error) bool {
	switch {
	case domain.IsContextError(err):
		return false
	case errors.Is(err, domain.ErrURLExpired), errors.Is(err, domain.ErrItemNotFound):
		return false
	}
	return true
}

// progressReader wraps an io.ReadCloser to track transfer progress
// and detect stalls (no data for readTimeout).
type progressReader struct {
	reader      io.ReadCloser
	total       int64
	downloaded  int64
	readTimeout time.Duration
	lastRead    time.Time
	lastLog     time.Time
	logger      *slog.Logger
	url         string
	mu          sync.Mutex
	closed      bool
}

func newProgressReader(r io.ReadCloser, total int64, readTimeout time.Duration, logger *slog.Logger, url string) *progressReader {
	now := time.Now()
	return &progressReader{
		reader:      r,
		total:       total,
		readTimeout: readTimeout,
		lastRead:    now,
		lastLog:     now,
		logger:      logger,
		url:         url,
	}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.reader.Read(buf)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if n > 0 {
		p.downloaded += int64(n)
		if now.Sub(p.lastLog) > 30*time.Second {
			p.logProgress()
			p.lastLog = now
		}
		p.lastRead = now
		return n, err
	}

	if err == nil && p.readTimeout > 0 && now.Sub(p.lastRead) > p.readTimeout {
		return n, fmt.Errorf("transfer stalled: no data received for %v", p.readTimeout)
	}
	return n, err
}

func (p *progressReader) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.reader.Close()
}

func (p *progressReader) logProgress() {
	if p.total > 0 {
		pct := float64(p.downloaded) / float64(p.total) * 100
		p.logger.Info("transfer progress",
			"url", p.url,
			"downloaded", humanize.Bytes(uint64(p.downloaded)),
			"total", humanize.Bytes(uint64(p.total)),
			"percent", fmt.Sprintf("%.1f%%", pct),
		)
		return
	}
	p.logger.Info("transfer progress",
		"url", p.url,
		"downloaded", humanize.Bytes(uint64(p.downloaded)),
	)
}
