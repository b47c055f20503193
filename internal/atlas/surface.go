package atlas

import (
	"errors"
	"image"

	"golang.org/x/image/draw"
)

var ErrNilImage = errors.New("atlas: nil image")

// Surfaces holds the RGBA atlas textures. Textures are created lazily the
// first time a slot in them is written.
type Surfaces struct {
	atlasSize int
	tileSize  int
	textures  []*image.RGBA
}

func NewSurfaces(atlasSize, tileSize int) *Surfaces {
	return &Surfaces{
		atlasSize: atlasSize,
		tileSize:  tileSize,
	}
}

func (s *Surfaces) ensure(atlas int) {
	for len(s.textures) <= atlas {
		s.textures = append(s.textures, image.NewRGBA(image.Rect(0, 0, s.atlasSize, s.atlasSize)))
	}
}

// CellRect returns the pixel rectangle of slot inside its atlas.
func (s *Surfaces) CellRect(slot Slot) image.Rectangle {
	x := slot.CellX * s.tileSize
	y := slot.CellY * s.tileSize
	return image.Rect(x, y, x+s.tileSize, y+s.tileSize)
}

// Write copies img into slot, scaling it when its size differs from the
// tile size.
func (s *Surfaces) Write(slot Slot, img image.Image) error {
	if img == nil {
		return ErrNilImage
	}
	r := s.CellRect(slot)
	if slot.Atlas < 0 || r.Min.X < 0 || r.Min.Y < 0 || r.Max.X > s.atlasSize || r.Max.Y > s.atlasSize {
		return ErrSlotOutOfBounds
	}
	s.ensure(slot.Atlas)
	blit(s.textures[slot.Atlas], r, img)
	return nil
}

// Texture returns atlas i.
func (s *Surfaces) Texture(i int) (*image.RGBA, bool) {
	if i < 0 || i >= len(s.textures) {
		return nil, false
	}
	return s.textures[i], true
}

// Len returns the number of atlas textures.
func (s *Surfaces) Len() int {
	return len(s.textures)
}

// BaseSurface is the always-resident low-resolution surface that holds the
// zoom-0 tile. It lives outside the atlas and never competes for slots.
type BaseSurface struct {
	img    *image.RGBA
	loaded bool
}

func NewBaseSurface(size int) *BaseSurface {
	return &BaseSurface{img: image.NewRGBA(image.Rect(0, 0, size, size))}
}

func (b *BaseSurface) Write(img image.Image) error {
	if img == nil {
		return ErrNilImage
	}
	blit(b.img, b.img.Bounds(), img)
	b.loaded = true
	return nil
}

func (b *BaseSurface) Texture() *image.RGBA { return b.img }

func (b *BaseSurface) Loaded() bool { return b.loaded }

func blit(dst *image.RGBA, r image.Rectangle, src image.Image) {
	sb := src.Bounds()
	if sb.Dx() == r.Dx() && sb.Dy() == r.Dy() {
		draw.Draw(dst, r, src, sb.Min, draw.Src)
		return
	}
	draw.ApproxBiLinear.Scale(dst, r, src, sb, draw.Src, nil)
}
