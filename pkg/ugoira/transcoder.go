// Package ugoira rebuilds animated GIFs from frame archives ("ugoira"): a zip
// holding one still image per frame plus a separate list of frame delays.
package ugoira

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"image"
	"image/gif"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	// Frame decoders.
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/iconidentify/moegrabba/internal/domain"
)

const (
	// DefaultPaletteSize is the number of colours shared by every frame.
	DefaultPaletteSize = 256

	// DefaultMaxSamples bounds the pixels fed to the palette quantizer.
	DefaultMaxSamples = 1 << 20
)

// Request describes one reconstruction.
type Request struct {
	ArchivePath string
	Frames      []domain.FrameDescriptor
	OutputPath  string
	// Sidecar, when set, is written to OutputPath's stem with Sidecar.Ext.
	Sidecar *domain.Sidecar
}

// Result describes the artifacts of a successful reconstruction.
type Result struct {
	OutputPath  string
	SidecarPath string
	Frames      int
	Width       int
	Height      int
}

// Transcoder converts frame archives to animated GIFs. It holds no state
// between calls and is safe for concurrent use.
type Transcoder struct {
	paletteSize int
	maxSamples  int
	logger      *slog.Logger
}

// NewTranscoder creates a transcoder with a 256-colour global palette.
func NewTranscoder(logger *slog.Logger) *Transcoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transcoder{
		paletteSize: DefaultPaletteSize,
		maxSamples:  DefaultMaxSamples,
		logger:      logger,
	}
}

// OutputPath replaces the extension of raw with ext.
func OutputPath(raw, ext string) string {
	return strings.TrimSuffix(raw, filepath.Ext(raw)) + "." + strings.TrimPrefix(ext, ".")
}

// Transcode decodes every frame of the archive, maps them onto one shared
// palette, crops unchanged regions and writes the GIF and optional sidecar.
// Either both artifacts exist afterwards or neither does.
func (t *Transcoder) Transcode(ctx context.Context, req Request) (*Result, error) {
	if err := domain.CheckContext(ctx); err != nil {
		return nil, err
	}

	frames, err := t.decodeArchive(ctx, req.ArchivePath, len(req.Frames))
	if err != nil {
		return nil, err
	}

	if err := domain.CheckContext(ctx); err != nil {
		return nil, err
	}
	palette := buildPalette(frames, t.paletteSize, t.maxSamples)

	canvas := frames[0].Bounds()
	canvas = image.Rect(0, 0, canvas.Dx(), canvas.Dy())
	paletted, err := ditherFrames(ctx, frames, canvas, palette)
	if err != nil {
		return nil, err
	}
	frames = nil

	if err := domain.CheckContext(ctx); err != nil {
		return nil, err
	}
	anim := &gif.GIF{
		Image:    optimizeFrames(paletted),
		Delay:    Centiseconds(req.Frames),
		Disposal: make([]byte, len(paletted)),
		Config: image.Config{
			ColorModel: palette,
			Width:      canvas.Dx(),
			Height:     canvas.Dy(),
		},
	}
	for i := range anim.Disposal {
		anim.Disposal[i] = gif.DisposalNone
	}

	res, err := t.write(ctx, req, anim)
	if err != nil {
		return nil, err
	}
	res.Frames = len(paletted)
	res.Width = canvas.Dx()
	res.Height = canvas.Dy()

	t.logger.Debug("animation encoded",
		"output", res.OutputPath,
		"frames", res.Frames,
		"colors", len(palette),
	)
	return res, nil
}

// Centiseconds converts millisecond frame delays to GIF delay units,
// truncating. A zero result is kept as zero.
func Centiseconds(frames []domain.FrameDescriptor) []int {
	delays := make([]int, len(frames))
	for i, f := range frames {
		delays[i] = int(f.Delay / 10)
	}
	return delays
}

func (t *Transcoder) decodeArchive(ctx context.Context, path string, want int) ([]image.Image, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open archive %s: %w", domain.ErrTranscodeIO, path, err)
	}
	defer zr.Close()

	entries := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries = append(entries, f)
	}
	if len(entries) != want {
		return nil, fmt.Errorf("%w: archive has %d frames, metadata lists %d",
			domain.ErrMalformedAnimation, len(entries), want)
	}
	if want == 0 {
		return nil, fmt.Errorf("%w: no frames", domain.ErrMalformedAnimation)
	}

	frames := make([]image.Image, 0, len(entries))
	for i, f := range entries {
		if err := domain.CheckContext(ctx); err != nil {
			return nil, err
		}
		img, err := decodeEntry(f)
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d (%s): %w", domain.ErrMalformedAnimation, i, f.Name, err)
		}
		if i > 0 && img.Bounds().Size() != frames[0].Bounds().Size() {
			return nil, fmt.Errorf("%w: frame %d (%s) is %v, first frame is %v", domain.ErrMalformedAnimation,
				i, f.Name, img.Bounds().Size(), frames[0].Bounds().Size())
		}
		frames = append(frames, img)
	}
	return frames, nil
}

func decodeEntry(f *zip.File) (image.Image, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	img, _, err := image.Decode(bufio.NewReader(rc))
	return img, err
}

// write encodes to temp files next to the targets and renames them into
// place only once everything has been written.
func (t *Transcoder) write(ctx context.Context, req Request, anim *gif.GIF) (res *Result, err error) {
	dir := filepath.Dir(req.OutputPath)
	res = &Result{OutputPath: req.OutputPath}

	var temps []string
	defer func() {
		if err != nil {
			for _, p := range temps {
				os.Remove(p)
			}
		}
	}()

	gifTemp, err := writeTemp(dir, filepath.Base(req.OutputPath), func(w *bufio.Writer) error {
		return gif.EncodeAll(w, anim)
	})
	if gifTemp != "" {
		temps = append(temps, gifTemp)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: write %s: %w", domain.ErrTranscodeIO, req.OutputPath, err)
	}

	var sidecarTemp string
	if req.Sidecar != nil {
		res.SidecarPath = OutputPath(req.OutputPath, req.Sidecar.Ext)
		sidecarTemp, err = writeTemp(dir, filepath.Base(res.SidecarPath), func(w *bufio.Writer) error {
			_, werr := w.WriteString(req.Sidecar.Content)
			return werr
		})
		if sidecarTemp != "" {
			temps = append(temps, sidecarTemp)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: write %s: %w", domain.ErrTranscodeIO, res.SidecarPath, err)
		}
	}

	if err := domain.CheckContext(ctx); err != nil {
		return nil, err
	}

	if sidecarTemp != "" {
		if err := os.Rename(sidecarTemp, res.SidecarPath); err != nil {
			return nil, fmt.Errorf("%w: commit sidecar: %w", domain.ErrTranscodeIO, err)
		}
	}
	if err := os.Rename(gifTemp, req.OutputPath); err != nil {
		if sidecarTemp != "" {
			os.Remove(res.SidecarPath)
		}
		return nil, fmt.Errorf("%w: commit animation: %w", domain.ErrTranscodeIO, err)
	}
	return res, nil
}

func writeTemp(dir, base string, fill func(w *bufio.Writer) error) (string, error) {
	f, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return "", err
	}
	name := f.Name()

	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		f.Close()
		return name, err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return name, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return name, err
	}
	return name, f.Close()
}

// AfterEffect returns a post-processor that converts the item's downloaded
// archive into <stem>.gif using frames, writes the item's sidecar next to
// it, and points item.LocalPath at the GIF. The archive itself is kept.
func (t *Transcoder) AfterEffect(frames []domain.FrameDescriptor) domain.PostProcessor {
	return domain.PostProcessorFunc(func(ctx context.Context, item *domain.MediaItem, _ *domain.MediaCandidate) error {
		if item.LocalPath == "" {
			return fmt.Errorf("%w: item has no local file", domain.ErrTranscodeIO)
		}
		res, err := t.Transcode(ctx, Request{
			ArchivePath: item.LocalPath,
			Frames:      frames,
			OutputPath:  OutputPath(item.LocalPath, "gif"),
			Sidecar:     item.Sidecar,
		})
		if err != nil {
			return err
		}
		item.LocalPath = res.OutputPath
		return nil
	})
}
