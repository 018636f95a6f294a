package sensor

import (
	"math"
	"sync"
	"time"

	"github.com/1ureka/depthrelay/internal/frame"
	"github.com/1ureka/depthrelay/internal/util"
)

// SyntheticConfig sizes the generated frames.
type SyntheticConfig struct {
	Width  int
	Height int
	FPS    int
}

// DefaultSyntheticConfig matches the depth sensor's native resolution at 30 fps.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{Width: 512, Height: 424, FPS: 30}
}

// bodySlots is the number of skeleton slots a device reports every tick.
const bodySlots = 6

// Synthetic is a device session producing moving test patterns for every
// modality: ramps for depth and infrared, a body blob in the body index and
// one tracked skeleton standing on a level floor.
type Synthetic struct {
	*hub
	cfg SyntheticConfig

	mu   sync.Mutex
	seq  uint64
	stop chan struct{}
	done chan struct{}
}

// NewSynthetic creates a closed synthetic session.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	def := DefaultSyntheticConfig()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.FPS <= 0 {
		cfg.FPS = def.FPS
	}
	return &Synthetic{hub: newHub(), cfg: cfg}
}

// Open starts the frame clock. Opening an open session does nothing.
func (s *Synthetic) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.hub.setOpen(true)
	go s.run(s.stop, s.done)

	util.LogDebug("synthetic sensor open (%dx%d @ %d fps)", s.cfg.Width, s.cfg.Height, s.cfg.FPS)
	return nil
}

// Close stops the clock and drops all listeners.
func (s *Synthetic) Close() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	s.hub.setOpen(false)
	return nil
}

func (s *Synthetic) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.hub.listening() {
				s.hub.dispatch(s.Next())
			}
		case <-stop:
			return
		}
	}
}

// Next generates the following sample without dispatching it.
func (s *Synthetic) Next() *Sample {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	w, h := s.cfg.Width, s.cfg.Height
	n := w * h
	phase := float64(seq) / float64(s.cfg.FPS) // seconds

	smp := &Sample{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Color:     make([]byte, n*4),
		Depth:     make([]uint16, n),
		Infrared:  make([]uint16, n),
		LongIR:    make([]uint16, n),
		BodyIndex: make([]byte, n),
	}

	// The body blob drifts left and right across the frame.
	cx := float64(w) * (0.5 + 0.3*math.Sin(phase))
	cy := float64(h) * 0.5
	r := float64(min(w, h)) * 0.2
	shift := int(seq)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			smp.Color[i*4+0] = byte((x + shift) * 255 / w)
			smp.Color[i*4+1] = byte(y * 255 / h)
			smp.Color[i*4+2] = byte(shift)
			smp.Color[i*4+3] = 255

			smp.Depth[i] = uint16(500 + (x*4000)/w)
			smp.Infrared[i] = uint16((y * 0xFFFF) / h)
			smp.LongIR[i] = 0xFFFF - smp.Infrared[i]

			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy <= r*r {
				smp.BodyIndex[i] = 0
				smp.Depth[i] = 1500
			} else {
				smp.BodyIndex[i] = frame.NoBody
			}
		}
	}

	smp.Bodies, smp.Floor = syntheticBodies(cx/float64(w), cy/float64(h), phase)
	return smp
}

// syntheticBodies returns six slots with body 0 tracked at normalized depth
// position (nx, ny), its spine base 0.9 m above the floor plane y = -1.
func syntheticBodies(nx, ny, phase float64) ([]frame.Skeleton, *frame.Plane) {
	bodies := make([]frame.Skeleton, bodySlots)
	for i := range bodies {
		bodies[i].Index = i
	}

	camX := (nx - 0.5) * 2
	joints := make(map[frame.JointName]frame.Joint, len(frame.Joints))
	for j, name := range frame.Joints {
		// Spread the joints vertically around the spine base.
		offset := float64(j%8) * 0.1
		joints[name] = frame.Joint{
			DepthX:  nx,
			DepthY:  ny - offset*0.5,
			CameraX: camX,
			CameraY: -0.1 + offset,
			CameraZ: 1.5,
		}
	}

	left, right := frame.HandOpen, frame.HandClosed
	if math.Sin(phase*2) > 0 {
		left, right = right, left
	}
	hl, hr := joints[frame.HandLeft], joints[frame.HandRight]
	hl.HandState, hr.HandState = &left, &right
	joints[frame.HandLeft], joints[frame.HandRight] = hl, hr

	bodies[0].Tracked = true
	bodies[0].TrackingID = 72057594037927936 + 1
	bodies[0].Joints = joints

	return bodies, &frame.Plane{X: 0, Y: 1, Z: 0, W: 1}
}
