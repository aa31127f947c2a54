package repository

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/blake2b"

	"github.com/iconidentify/moegrabba/internal/config"
	"github.com/iconidentify/moegrabba/internal/domain"
)

// FilesystemMediaStore implements MediaStore on the local filesystem.
// Files are laid out as <base>/<site>/<item id>_<tier>.<ext>.
type FilesystemMediaStore struct {
	basePath     string
	minFreeBytes uint64
	freeSpace    func(path string) (uint64, error)
	logger       *slog.Logger
}

// NewFilesystemMediaStore creates a media store rooted at cfg.BasePath.
func NewFilesystemMediaStore(cfg config.StorageConfig, logger *slog.Logger) *FilesystemMediaStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilesystemMediaStore{
		basePath:     cfg.BasePath,
		minFreeBytes: cfg.MinFreeBytes,
		freeSpace:    FreeDiskSpace,
		logger:       logger,
	}
}

// PathFor returns the final location for the item's bytes from candidate c.
// Each tier gets its own file so that downloads of one item at different
// tiers never overwrite each other.
func (s *FilesystemMediaStore) PathFor(item *domain.MediaItem, c *domain.MediaCandidate) string {
	ext := c.FileExt()
	if ext == "" {
		ext = "bin"
	}
	name := sanitize(item.ID.String()) + "_" + c.Tier().String() + "." + ext
	return filepath.Join(s.basePath, sanitize(item.Site), name)
}

// Save streams content to a temp file beside the target while hashing it,
// then fsyncs and renames it into place.
func (s *FilesystemMediaStore) Save(ctx context.Context, item *domain.MediaItem, c *domain.MediaCandidate, content io.Reader) (n int64, err error) {
	if err := domain.CheckContext(ctx); err != nil {
		return 0, err
	}

	target := s.PathFor(item, c)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	if err := s.ensureSpace(dir, c.Size); err != nil {
		return 0, err
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*.part")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tempName := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tempName)
		}
	}()

	hash, err := blake2b.New256(nil)
	if err != nil {
		return 0, fmt.Errorf("init checksum: %w", err)
	}

	n, err = io.Copy(io.MultiWriter(f, hash), &contextReader{ctx: ctx, r: content})
	if err != nil {
		if domain.IsContextError(err) {
			return 0, domain.Cancelled(err)
		}
		return 0, fmt.Errorf("write media: %w", err)
	}
	if err = f.Sync(); err != nil {
		return 0, fmt.Errorf("sync media: %w", err)
	}
	if err = f.Close(); err != nil {
		return 0, fmt.Errorf("close media: %w", err)
	}
	if err = domain.CheckContext(ctx); err != nil {
		return 0, err
	}
	if err = os.Rename(tempName, target); err != nil {
		return 0, fmt.Errorf("move media to final location: %w", err)
	}

	item.LocalPath = target
	c.Checksum = hex.EncodeToString(hash.Sum(nil))

	s.logger.Debug("media saved",
		"item_id", item.ID,
		"path", target,
		"size", humanize.Bytes(uint64(n)),
	)
	return n, nil
}

// Exists reports whether a regular file exists at path.
func (s *FilesystemMediaStore) Exists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func (s *FilesystemMediaStore) ensureSpace(dir string, expected uint64) error {
	if s.minFreeBytes == 0 || s.freeSpace == nil {
		return nil
	}
	free, err := s.freeSpace(dir)
	if err != nil {
		s.logger.Warn("free space check failed", "path", dir, "error", err)
		return nil
	}
	if free < s.minFreeBytes+expected {
		return fmt.Errorf("%w: %s free, need %s", domain.ErrStorageFull,
			humanize.Bytes(free), humanize.Bytes(s.minFreeBytes+expected))
	}
	return nil
}

func sanitize(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', 0:
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
