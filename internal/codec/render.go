package codec

import (
	"image"

	"github.com/1ureka/depthrelay/internal/frame"
)

// MaxReliableDepth is the far clipping distance (mm) used when rendering depth
// samples to 8-bit grey.
const MaxReliableDepth = 4500

// depthToGrey maps a depth sample to 0..255; farther is brighter, no reading
// is black.
func depthToGrey(d uint16) byte {
	if d >= MaxReliableDepth {
		return 255
	}
	return byte(uint32(d) * 255 / MaxReliableDepth)
}

// irToGrey keeps the high byte of an infrared intensity.
func irToGrey(v uint16) byte { return byte(v >> 8) }

// renderFrame fills dst (already sized to the frame) from the native buffers
// of f, according to its kind. Buffer sizes have been validated.
func renderFrame(dst *image.NRGBA, f *frame.Frame) {
	n := f.PixelCount()

	switch f.Kind {
	case frame.Color, frame.Depth, frame.Infrared, frame.LongExposureInfrared:
		if len(f.Pixels) == n*4 {
			copyPixels(dst, f.Pixels, f.Width)
			return
		}
		toGrey := irToGrey
		if f.Kind == frame.Depth {
			toGrey = depthToGrey
		}
		for i, v := range f.Values {
			setPixel(dst, i, f.Width, g3(toGrey(v)), 255)
		}

	case frame.Key:
		// Colour where a body is present, transparent elsewhere.
		for i := 0; i < n; i++ {
			a := byte(255)
			if f.BodyIndex[i] == frame.NoBody {
				a = 0
			}
			setPixel(dst, i, f.Width, [3]byte{f.Pixels[i*4], f.Pixels[i*4+1], f.Pixels[i*4+2]}, a)
		}

	case frame.DepthKey:
		for i := 0; i < n; i++ {
			if f.BodyIndex[i] == frame.NoBody {
				setPixel(dst, i, f.Width, [3]byte{}, 0)
				continue
			}
			setPixel(dst, i, f.Width, g3(depthToGrey(f.Values[i])), 255)
		}

	case frame.RGBD:
		// Colour with depth in the alpha channel.
		for i := 0; i < n; i++ {
			setPixel(dst, i, f.Width, [3]byte{f.Pixels[i*4], f.Pixels[i*4+1], f.Pixels[i*4+2]}, depthToGrey(f.Values[i]))
		}
	}
}

func g3(v byte) [3]byte { return [3]byte{v, v, v} }

func setPixel(dst *image.NRGBA, i, width int, rgb [3]byte, a byte) {
	off := (i/width)*dst.Stride + (i%width)*4
	dst.Pix[off+0] = rgb[0]
	dst.Pix[off+1] = rgb[1]
	dst.Pix[off+2] = rgb[2]
	dst.Pix[off+3] = a
}

func copyPixels(dst *image.NRGBA, src []byte, width int) {
	if dst.Stride == width*4 {
		copy(dst.Pix, src)
		return
	}
	rows := len(src) / (width * 4)
	for y := 0; y < rows; y++ {
		copy(dst.Pix[y*dst.Stride:y*dst.Stride+width*4], src[y*width*4:(y+1)*width*4])
	}
}

// validate checks that f carries the buffers its kind needs, with sizes that
// match Width x Height.
func validate(f *frame.Frame) error {
	if f == nil {
		return &EncodeError{Reason: "nil frame"}
	}
	if f.Kind.IsBody() {
		if f.Bodies == nil {
			return &EncodeError{Feed: f.Kind, Reason: "empty body list"}
		}
		return nil
	}
	if f.Width <= 0 || f.Height <= 0 {
		return &EncodeError{Feed: f.Kind, Reason: "empty frame"}
	}

	n := f.PixelCount()
	hasPixels := len(f.Pixels) == n*4
	hasValues := len(f.Values) == n
	hasIndex := len(f.BodyIndex) == n

	var ok bool
	switch f.Kind {
	case frame.Color, frame.Depth, frame.Infrared, frame.LongExposureInfrared:
		ok = hasPixels || hasValues
	case frame.RawDepth:
		ok = hasValues
	case frame.Key:
		ok = hasPixels && hasIndex
	case frame.DepthKey:
		ok = hasValues && hasIndex
	case frame.RGBD:
		ok = hasPixels && hasValues
	default:
		return &EncodeError{Feed: f.Kind, Reason: "not an encodable modality"}
	}
	if !ok {
		return &EncodeError{
			Feed:   f.Kind,
			Reason: "buffer size does not match frame dimensions",
		}
	}
	return nil
}
