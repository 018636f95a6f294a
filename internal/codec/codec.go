// Package codec turns native sensor buffers into wire payloads and back.
//
// Image modalities are drawn onto a per-modality pixel surface and compressed
// (jpeg or png, per modality). Raw depth is packed into the red/green channels
// of a png so 16-bit samples survive an 8-bit container; see PackDepth.
// Skeleton frames pass through as structured data.
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"

	xdraw "golang.org/x/image/draw"

	"github.com/1ureka/depthrelay/internal/frame"
)

// Format is the compression used for an image modality.
type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"
)

// Options configures one modality.
type Options struct {
	Format  Format  `yaml:"format"`
	Quality int     `yaml:"quality"` // jpeg only, 1..100
	Scale   float64 `yaml:"scale"`   // output size factor in (0,1]; 0 means 1
}

const defaultJPEGQuality = 80

// DefaultOptions returns the built-in options for k: lossy for colour and
// infrared, lossless wherever pixel values carry meaning.
func DefaultOptions(k frame.Kind) Options {
	switch k {
	case frame.Color, frame.Infrared, frame.LongExposureInfrared:
		return Options{Format: JPEG, Quality: defaultJPEGQuality, Scale: 1}
	}
	return Options{Format: PNG, Scale: 1}
}

// Payload is the encoded form of one frame.
type Payload struct {
	Kind     frame.Kind
	Data     []byte // compressed image bytes; nil for skeleton kinds
	Encoding Format
	Width    int
	Height   int

	Bodies         []frame.Skeleton
	FloorClipPlane *frame.Plane
}

// surface is the off-screen pixel buffer reused by one modality's encodes.
// The gate guarantees a single encode per modality at a time, so a surface is
// never touched concurrently.
type surface struct {
	full   *image.NRGBA
	scaled *image.NRGBA
	buf    bytes.Buffer
}

// Codec encodes and decodes frames. Safe for concurrent use across
// modalities.
type Codec struct {
	pngEnc png.Encoder

	mu       sync.Mutex
	options  map[frame.Kind]Options
	surfaces map[frame.Kind]*surface
}

// New creates a codec. overrides replaces the defaults per modality; zero
// fields in an override fall back to the default.
func New(overrides map[frame.Kind]Options) *Codec {
	c := &Codec{
		pngEnc:   png.Encoder{CompressionLevel: png.BestSpeed},
		options:  make(map[frame.Kind]Options),
		surfaces: make(map[frame.Kind]*surface),
	}
	for k, o := range overrides {
		c.options[k] = mergeOptions(k, o)
	}
	return c
}

func mergeOptions(k frame.Kind, o Options) Options {
	d := DefaultOptions(k)
	if o.Format != "" {
		d.Format = o.Format
	}
	if o.Quality > 0 {
		d.Quality = o.Quality
	}
	if o.Scale > 0 && o.Scale <= 1 {
		d.Scale = o.Scale
	}
	if d.Format == JPEG && d.Quality == 0 {
		d.Quality = defaultJPEGQuality
	}
	// Raw depth must round-trip exactly.
	if k == frame.RawDepth {
		d.Format, d.Scale = PNG, 1
	}
	return d
}

// Options returns the effective options for k.
func (c *Codec) Options(k frame.Kind) Options {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.options[k]; ok {
		return o
	}
	return mergeOptions(k, Options{})
}

// surfaceFor returns k's surface with its full-size buffer sized w x h.
func (c *Codec) surfaceFor(k frame.Kind, w, h int) *surface {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.surfaces[k]
	if !ok {
		s = &surface{}
		c.surfaces[k] = s
	}
	if s.full == nil || s.full.Rect.Dx() != w || s.full.Rect.Dy() != h {
		s.full = image.NewNRGBA(image.Rect(0, 0, w, h))
	}
	return s
}

// Encode converts f into a wire payload. Empty or mismatched buffers fail with
// *EncodeError.
func (c *Codec) Encode(f *frame.Frame) (*Payload, error) {
	if err := validate(f); err != nil {
		return nil, err
	}

	if f.Kind.IsBody() {
		bodies := f.Bodies
		if f.Kind == frame.TrackedBody {
			bodies = frame.TrackedOnly(bodies)
		}
		return &Payload{Kind: f.Kind, Bodies: bodies, FloorClipPlane: f.FloorClipPlane}, nil
	}

	opts := c.Options(f.Kind)
	s := c.surfaceFor(f.Kind, f.Width, f.Height)

	var img *image.NRGBA
	if f.Kind == frame.RawDepth {
		if err := PackDepth(s.full, f.Values); err != nil {
			return nil, &EncodeError{Feed: f.Kind, Reason: "pack", Err: err}
		}
		img = s.full
	} else {
		renderFrame(s.full, f)
		img = s.scale(opts)
	}

	s.buf.Reset()
	var err error
	switch opts.Format {
	case JPEG:
		err = jpeg.Encode(&s.buf, img, &jpeg.Options{Quality: opts.Quality})
	default:
		err = c.pngEnc.Encode(&s.buf, img)
	}
	if err != nil {
		return nil, &EncodeError{Feed: f.Kind, Reason: "compress", Err: err}
	}

	return &Payload{
		Kind:     f.Kind,
		Data:     bytes.Clone(s.buf.Bytes()),
		Encoding: opts.Format,
		Width:    img.Rect.Dx(),
		Height:   img.Rect.Dy(),
	}, nil
}

// scale downsizes the full surface when opts asks for it. Lossless formats use
// nearest-neighbour so no new pixel values are invented.
func (s *surface) scale(opts Options) *image.NRGBA {
	if opts.Scale <= 0 || opts.Scale >= 1 {
		return s.full
	}

	w := max(1, int(float64(s.full.Rect.Dx())*opts.Scale+0.5))
	h := max(1, int(float64(s.full.Rect.Dy())*opts.Scale+0.5))
	if s.scaled == nil || s.scaled.Rect.Dx() != w || s.scaled.Rect.Dy() != h {
		s.scaled = image.NewNRGBA(image.Rect(0, 0, w, h))
	}

	var interp xdraw.Interpolator = xdraw.ApproxBiLinear
	if opts.Format == PNG {
		interp = xdraw.NearestNeighbor
	}
	interp.Scale(s.scaled, s.scaled.Rect, s.full, s.full.Rect, xdraw.Src, nil)
	return s.scaled
}

// Decode reverses Encode. The result is an image.Image for image kinds, a
// *DepthImage for raw depth and a []frame.Skeleton for skeleton kinds.
func Decode(k frame.Kind, p *Payload) (any, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload for %s", ErrDecode, k)
	}

	switch {
	case k.IsBody():
		return p.Bodies, nil

	case k == frame.RawDepth:
		img, err := png.Decode(bytes.NewReader(p.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: raw depth: %v", ErrDecode, err)
		}
		d := UnpackDepth(img)
		if p.Width > 0 && (d.Width != p.Width || d.Height != p.Height) {
			return nil, fmt.Errorf("%w: raw depth is %dx%d, header says %dx%d",
				ErrDecode, d.Width, d.Height, p.Width, p.Height)
		}
		return d, nil

	case k.IsImage():
		img, _, err := image.Decode(bytes.NewReader(p.Data))
		if err != nil {
			return nil, fmt.Errorf("%w: %s image: %v", ErrDecode, k, err)
		}
		return img, nil
	}

	return nil, fmt.Errorf("%w: %s is not a frame modality", ErrDecode, k)
}
