package sensor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edsrzf/mmap-go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/1ureka/depthrelay/internal/frame"
	"github.com/1ureka/depthrelay/internal/util"
)

// Shared memory layout, little endian:
//
//	header (32 B)  magic "DRSM" | version u16 | slots u16 | width u32 |
//	               height u32 | bodyCap u32 | reserved
//	slot table     slots x (seq u64 | length u32 | reserved u32 | unixNano i64)
//	slot data      color RGBA | depth u16 | infrared u16 | longIR u16 |
//	               bodyIndex u8 | bodies (msgpack, up to bodyCap bytes)
//
// Each slot is guarded by a sequence lock: the writer makes seq odd while it
// copies, then even again. A reader accepts a slot only when seq is even,
// has advanced, and is unchanged after the copy.
const (
	shmMagic       = "DRSM"
	shmVersion     = 1
	shmHeaderSize  = 32
	shmSlotDesc    = 24
	DefaultBodyCap = 64 * 1024
)

// Slot order in the table.
const (
	slotColor = iota
	slotDepth
	slotInfrared
	slotLongIR
	slotBodyIndex
	slotBodies
	slotCount
)

// ErrBadLayout is returned when a mapped file is not a frame exchange file.
var ErrBadLayout = errors.New("shared memory: bad layout")

type shmLayout struct {
	width, height, bodyCap int
	offsets                [slotCount]int
	caps                   [slotCount]int
	size                   int
}

func newLayout(width, height, bodyCap int) shmLayout {
	n := width * height
	l := shmLayout{width: width, height: height, bodyCap: bodyCap}
	l.caps = [slotCount]int{n * 4, n * 2, n * 2, n * 2, n, bodyCap}

	off := shmHeaderSize + slotCount*shmSlotDesc
	for i, c := range l.caps {
		l.offsets[i] = off
		off += c
	}
	l.size = off
	return l
}

func readLayout(m []byte) (shmLayout, error) {
	if len(m) < shmHeaderSize || string(m[0:4]) != shmMagic {
		return shmLayout{}, fmt.Errorf("%w: missing magic", ErrBadLayout)
	}
	if v := binary.LittleEndian.Uint16(m[4:]); v != shmVersion {
		return shmLayout{}, fmt.Errorf("%w: version %d", ErrBadLayout, v)
	}
	if s := binary.LittleEndian.Uint16(m[6:]); s != slotCount {
		return shmLayout{}, fmt.Errorf("%w: %d slots", ErrBadLayout, s)
	}
	l := newLayout(
		int(binary.LittleEndian.Uint32(m[8:])),
		int(binary.LittleEndian.Uint32(m[12:])),
		int(binary.LittleEndian.Uint32(m[16:])),
	)
	if l.width <= 0 || l.height <= 0 || l.size > len(m) {
		return shmLayout{}, fmt.Errorf("%w: %dx%d needs %d bytes, file has %d", ErrBadLayout, l.width, l.height, l.size, len(m))
	}
	return l, nil
}

func descAt(slot int) int { return shmHeaderSize + slot*shmSlotDesc }

type shmBodies struct {
	Bodies []frame.Skeleton `msgpack:"bodies"`
	Floor  *frame.Plane     `msgpack:"floor,omitempty"`
}

// ---------------------------------------------------------------------------
// Reader session
// ---------------------------------------------------------------------------

// SharedMemoryConfig configures a SharedMemory session.
type SharedMemoryConfig struct {
	Path string
	FPS  int // poll rate; 30 when zero
}

// SharedMemory is a device session backed by a frame exchange file that the
// native driver bridge keeps mapped and writes into.
type SharedMemory struct {
	*hub
	cfg SharedMemoryConfig

	mu      sync.Mutex
	file    *os.File
	data    mmap.MMap
	layout  shmLayout
	lastSeq [slotCount]uint64
	stop    chan struct{}
	done    chan struct{}
}

// NewSharedMemory creates a closed session for cfg.Path.
func NewSharedMemory(cfg SharedMemoryConfig) *SharedMemory {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	return &SharedMemory{hub: newHub(), cfg: cfg}
}

// Open maps the exchange file and starts polling. A missing or malformed
// file fails the open.
func (s *SharedMemory) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data != nil {
		return nil
	}

	file, err := os.Open(s.cfg.Path)
	if err != nil {
		return err
	}
	data, err := mmap.Map(file, mmap.RDONLY, 0)
	if err != nil {
		file.Close()
		return err
	}
	layout, err := readLayout(data)
	if err != nil {
		data.Unmap()
		file.Close()
		return err
	}

	s.file, s.data, s.layout = file, data, layout
	// Frames already in the file are stale; only report what arrives next.
	for i := range s.lastSeq {
		s.lastSeq[i] = binary.LittleEndian.Uint64(data[descAt(i):])
	}
	s.stop, s.done = make(chan struct{}), make(chan struct{})
	s.hub.setOpen(true)
	go s.run(s.stop, s.done)

	util.LogDebug("shared memory sensor open: %s (%dx%d)", s.cfg.Path, layout.width, layout.height)
	return nil
}

// Close stops polling and unmaps the file.
func (s *SharedMemory) Close() error {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	err := errors.Join(s.data.Unmap(), s.file.Close())
	s.data, s.file = nil, nil
	return err
}

func (s *SharedMemory) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if smp := s.Poll(); smp != nil {
				s.hub.dispatch(smp)
			}
		case <-stop:
			return
		}
	}
}

// Poll reads every slot whose sequence advanced since the last poll. It
// returns nil when nothing is new.
func (s *SharedMemory) Poll() *Sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}

	l := s.layout
	smp := &Sample{Width: l.width, Height: l.height}
	fresh := false

	for slot := 0; slot < slotCount; slot++ {
		buf, seq, ts, ok := s.readSlot(slot)
		if !ok {
			continue
		}
		fresh = true
		s.lastSeq[slot] = seq
		if seq/2 > smp.Seq {
			smp.Seq = seq / 2
		}
		if ts.After(smp.Timestamp) {
			smp.Timestamp = ts
		}

		switch slot {
		case slotColor:
			smp.Color = buf
		case slotDepth:
			smp.Depth = bytesToU16(buf)
		case slotInfrared:
			smp.Infrared = bytesToU16(buf)
		case slotLongIR:
			smp.LongIR = bytesToU16(buf)
		case slotBodyIndex:
			smp.BodyIndex = buf
		case slotBodies:
			var b shmBodies
			if err := msgpack.Unmarshal(buf, &b); err != nil {
				util.LogDebug("shared memory: bad body slot: %v", err)
				continue
			}
			if b.Bodies == nil {
				b.Bodies = []frame.Skeleton{}
			}
			smp.Bodies, smp.Floor = b.Bodies, b.Floor
		}
	}

	if !fresh {
		return nil
	}
	return smp
}

// readSlot copies one slot out of the mapping if it holds a complete, new
// write. Caller holds s.mu.
func (s *SharedMemory) readSlot(slot int) (buf []byte, seq uint64, ts time.Time, ok bool) {
	d := s.data[descAt(slot):]
	seq = binary.LittleEndian.Uint64(d)
	if seq%2 == 1 || seq <= s.lastSeq[slot] {
		return nil, 0, time.Time{}, false
	}

	length := int(binary.LittleEndian.Uint32(d[8:]))
	if length > s.layout.caps[slot] {
		return nil, 0, time.Time{}, false
	}
	ts = time.Unix(0, int64(binary.LittleEndian.Uint64(d[16:])))

	off := s.layout.offsets[slot]
	buf = make([]byte, length)
	copy(buf, s.data[off:off+length])

	if binary.LittleEndian.Uint64(d) != seq {
		return nil, 0, time.Time{}, false // torn
	}
	return buf, seq, ts, true
}

func bytesToU16(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return out
}

// ---------------------------------------------------------------------------
// Writer
// ---------------------------------------------------------------------------

// SharedMemoryWriter is the producing side of the exchange file. The native
// driver bridge implements the same layout; this writer backs the synthetic
// bridge and tests.
type SharedMemoryWriter struct {
	file   *os.File
	data   mmap.MMap
	layout shmLayout
}

// CreateSharedMemory creates (or truncates) path and maps it for writing.
func CreateSharedMemory(path string, width, height int) (*SharedMemoryWriter, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	l := newLayout(width, height, DefaultBodyCap)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	if err := file.Truncate(int64(l.size)); err != nil {
		file.Close()
		return nil, err
	}
	data, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		file.Close()
		return nil, err
	}

	copy(data[0:4], shmMagic)
	binary.LittleEndian.PutUint16(data[4:], shmVersion)
	binary.LittleEndian.PutUint16(data[6:], slotCount)
	binary.LittleEndian.PutUint32(data[8:], uint32(width))
	binary.LittleEndian.PutUint32(data[12:], uint32(height))
	binary.LittleEndian.PutUint32(data[16:], uint32(l.bodyCap))

	return &SharedMemoryWriter{file: file, data: data, layout: l}, nil
}

// Write publishes every buffer present in smp. Sizes must match the file's
// frame size.
func (w *SharedMemoryWriter) Write(smp *Sample) error {
	n := w.layout.width * w.layout.height
	ts := smp.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	if smp.Color != nil {
		if len(smp.Color) != n*4 {
			return fmt.Errorf("color: %d bytes, want %d", len(smp.Color), n*4)
		}
		w.put(slotColor, smp.Color, ts)
	}
	for _, v := range []struct {
		slot   int
		values []uint16
	}{
		{slotDepth, smp.Depth},
		{slotInfrared, smp.Infrared},
		{slotLongIR, smp.LongIR},
	} {
		if v.values == nil {
			continue
		}
		if len(v.values) != n {
			return fmt.Errorf("slot %d: %d samples, want %d", v.slot, len(v.values), n)
		}
		buf := make([]byte, n*2)
		for i, x := range v.values {
			binary.LittleEndian.PutUint16(buf[i*2:], x)
		}
		w.put(v.slot, buf, ts)
	}
	if smp.BodyIndex != nil {
		if len(smp.BodyIndex) != n {
			return fmt.Errorf("body index: %d bytes, want %d", len(smp.BodyIndex), n)
		}
		w.put(slotBodyIndex, smp.BodyIndex, ts)
	}
	if smp.Bodies != nil {
		buf, err := msgpack.Marshal(&shmBodies{Bodies: smp.Bodies, Floor: smp.Floor})
		if err != nil {
			return err
		}
		if len(buf) > w.layout.bodyCap {
			return fmt.Errorf("bodies: %d bytes exceed slot capacity %d", len(buf), w.layout.bodyCap)
		}
		w.put(slotBodies, buf, ts)
	}
	return nil
}

func (w *SharedMemoryWriter) put(slot int, buf []byte, ts time.Time) {
	d := w.data[descAt(slot):]
	seq := binary.LittleEndian.Uint64(d)
	binary.LittleEndian.PutUint64(d, seq+1) // odd: writing

	off := w.layout.offsets[slot]
	copy(w.data[off:], buf)
	binary.LittleEndian.PutUint32(d[8:], uint32(len(buf)))
	binary.LittleEndian.PutUint64(d[16:], uint64(ts.UnixNano()))

	binary.LittleEndian.PutUint64(d, seq+2)
}

// Close unmaps and closes the file. The file itself is left in place.
func (w *SharedMemoryWriter) Close() error {
	return errors.Join(w.data.Flush(), w.data.Unmap(), w.file.Close())
}
