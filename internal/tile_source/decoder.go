package tile_source

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"

	"github.com/cshum/vipsgen/vips"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// GoDecoder decodes PNG, JPEG and WebP in pure Go.
type GoDecoder struct {
	size int
}

func NewGoDecoder(size int) *GoDecoder {
	return &GoDecoder{size: size}
}

func (d *GoDecoder) Decode(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if err == image.ErrFormat {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return nil, fmt.Errorf("failed to decode %s: %w", format, err)
	}
	return d.fit(img), nil
}

// fit returns img as RGBA at the tile size.
func (d *GoDecoder) fit(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, d.size, d.size))
	if b.Dx() == d.size && b.Dy() == d.size {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// VipsDecoder decodes and resizes with libvips, which covers more formats
// and handles large upstream tiles faster than the pure Go path. The caller
// must have started vips.
type VipsDecoder struct {
	size int
	fit  *GoDecoder
}

func NewVipsDecoder(size int) *VipsDecoder {
	return &VipsDecoder{size: size, fit: NewGoDecoder(size)}
}

func (d *VipsDecoder) Decode(data []byte) (image.Image, error) {
	img, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load tile: %w", err)
	}
	defer img.Close()

	if w := img.Width(); w != d.size && w > 0 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := img.Resize(float64(d.size)/float64(w), resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}

	// PNG keeps the exchange lossless.
	buf, err := img.PngsaveBuffer(vips.DefaultPngsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	decoded, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to read vips output: %w", err)
	}
	// Non-square sources are squared off here.
	return d.fit.fit(decoded), nil
}
