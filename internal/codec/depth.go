package codec

import (
	"fmt"
	"image"
	"image/color"
)

// DepthImage is a decoded raw-depth frame: one 16-bit sample per pixel, row
// major.
type DepthImage struct {
	Width  int
	Height int
	Values []uint16
}

// At returns the sample at (x, y).
func (d *DepthImage) At(x, y int) uint16 {
	return d.Values[y*d.Width+x]
}

// PackDepth writes 16-bit samples into the red/green channels of dst so that
// they survive a lossless 8-bit-per-channel image: R = low byte, G = high
// byte, B = 0, A = 255. dst must be exactly width x height.
func PackDepth(dst *image.NRGBA, values []uint16) error {
	b := dst.Bounds()
	if b.Dx()*b.Dy() != len(values) {
		return fmt.Errorf("pack depth: %d values for a %dx%d surface", len(values), b.Dx(), b.Dy())
	}

	w := b.Dx()
	for i, d := range values {
		off := (i/w)*dst.Stride + (i%w)*4
		dst.Pix[off+0] = byte(d & 0xFF)
		dst.Pix[off+1] = byte((d >> 8) & 0xFF)
		dst.Pix[off+2] = 0
		dst.Pix[off+3] = 255
	}
	return nil
}

// UnpackDepth is the exact inverse of PackDepth: d = G<<8 | R.
func UnpackDepth(img image.Image) *DepthImage {
	b := img.Bounds()
	out := &DepthImage{
		Width:  b.Dx(),
		Height: b.Dy(),
		Values: make([]uint16, b.Dx()*b.Dy()),
	}

	// Fast paths. The png encoder drops the alpha channel of an opaque
	// surface, so a packed frame usually decodes as *image.RGBA with A=255,
	// where premultiplied and straight values coincide.
	var pix []byte
	var stride int
	switch m := img.(type) {
	case *image.NRGBA:
		pix, stride = m.Pix, m.Stride
	case *image.RGBA:
		if m.Opaque() {
			pix, stride = m.Pix, m.Stride
		}
	}
	if pix != nil {
		for y := 0; y < out.Height; y++ {
			row := pix[y*stride : y*stride+out.Width*4]
			for x := 0; x < out.Width; x++ {
				out.Values[y*out.Width+x] = uint16(row[x*4+1])<<8 | uint16(row[x*4])
			}
		}
		return out
	}

	for y := 0; y < out.Height; y++ {
		for x := 0; x < out.Width; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			out.Values[y*out.Width+x] = uint16(c.G)<<8 | uint16(c.R)
		}
	}
	return out
}
