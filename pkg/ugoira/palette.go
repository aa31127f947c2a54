package ugoira

import (
	"context"
	"image"
	"image/color"
	"image/color/palette"
	"image/draw"
	"math"

	"github.com/ericpauley/go-quantize/quantize"

	"github.com/iconidentify/moegrabba/internal/domain"
)

// buildPalette quantizes a pixel sample drawn evenly from every frame into a
// single palette of at most size colours.
func buildPalette(frames []image.Image, size, maxSamples int) color.Palette {
	total := 0
	for _, f := range frames {
		b := f.Bounds()
		total += b.Dx() * b.Dy()
	}
	stride := 1
	if maxSamples > 0 && total > maxSamples {
		stride = int(math.Ceil(math.Sqrt(float64(total) / float64(maxSamples))))
	}

	var samples []color.Color
	for _, f := range frames {
		b := f.Bounds()
		for y := b.Min.Y; y < b.Max.Y; y += stride {
			for x := b.Min.X; x < b.Max.X; x += stride {
				samples = append(samples, f.At(x, y))
			}
		}
	}
	if len(samples) == 0 {
		return palette.WebSafe
	}

	sample := image.NewRGBA(image.Rect(0, 0, len(samples), 1))
	for x, c := range samples {
		sample.Set(x, 0, c)
	}

	q := quantize.MedianCutQuantizer{}
	p := q.Quantize(make(color.Palette, 0, size), sample)
	if len(p) == 0 {
		return palette.WebSafe
	}
	return p
}

// ditherFrames maps every frame onto the shared palette using Floyd-Steinberg
// error diffusion. Decoded frames are released as they are converted.
func ditherFrames(ctx context.Context, frames []image.Image, canvas image.Rectangle, p color.Palette) ([]*image.Paletted, error) {
	out := make([]*image.Paletted, len(frames))
	for i, f := range frames {
		if err := domain.CheckContext(ctx); err != nil {
			return nil, err
		}
		dst := image.NewPaletted(canvas, p)
		draw.FloydSteinberg.Draw(dst, canvas, f, f.Bounds().Min)
		out[i] = dst
		frames[i] = nil
	}
	return out, nil
}

// optimizeFrames crops every frame after the first to the rectangle that
// differs from its predecessor. Frames are composited with DisposalNone, so
// pixels outside the patch keep the previous frame's values. A frame identical
// to its predecessor becomes a single-pixel patch.
func optimizeFrames(frames []*image.Paletted) []*image.Paletted {
	if len(frames) == 0 {
		return frames
	}
	out := make([]*image.Paletted, len(frames))
	out[0] = frames[0]
	for i := 1; i < len(frames); i++ {
		r := changedBounds(frames[i-1], frames[i])
		if r.Empty() {
			r = image.Rect(0, 0, 1, 1).Add(frames[i].Rect.Min)
		}
		out[i] = frames[i].SubImage(r).(*image.Paletted)
	}
	return out
}

// changedBounds returns the smallest rectangle containing every pixel whose
// palette index differs between a and b. Both frames share one canvas.
func changedBounds(a, b *image.Paletted) image.Rectangle {
	r := b.Rect
	minX, minY := r.Max.X, r.Max.Y
	maxX, maxY := r.Min.X-1, r.Min.Y-1

	for y := r.Min.Y; y < r.Max.Y; y++ {
		rowA := a.Pix[a.PixOffset(r.Min.X, y):a.PixOffset(r.Max.X-1, y)+1]
		rowB := b.Pix[b.PixOffset(r.Min.X, y):b.PixOffset(r.Max.X-1, y)+1]
		for x := range rowB {
			if rowA[x] == rowB[x] {
				continue
			}
			px := r.Min.X + x
			if px < minX {
				minX = px
			}
			if px > maxX {
				maxX = px
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}
		}
	}
	if maxX < minX {
		return image.Rectangle{}
	}
	return image.Rect(minX, minY, maxX+1, maxY+1)
}
