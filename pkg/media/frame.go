package media

import (
	"image"
	"sync/atomic"
	"time"

	"github.com/dmisol/loopback-call/pkg/defs"
)

// Frame is an immutable timestamped picture. Whoever holds it owns it and
// must Close it exactly once.
type Frame struct {
	img      image.Image
	ts       time.Duration
	released int32
	release  func()
}

func NewFrame(img image.Image, ts time.Duration, release func()) *Frame {
	return &Frame{img: img, ts: ts, release: release}
}

func (f *Frame) Image() image.Image       { return f.img }
func (f *Frame) Timestamp() time.Duration { return f.ts }
func (f *Frame) Bounds() image.Rectangle  { return f.img.Bounds() }

func (f *Frame) Released() bool {
	return atomic.LoadInt32(&f.released) != 0
}

func (f *Frame) Close() error {
	if !atomic.CompareAndSwapInt32(&f.released, 0, 1) {
		return defs.ErrFrameReleased
	}
	if f.release != nil {
		f.release()
	}
	return nil
}

// Release closes f unless it is nil or was already handed back.
func Release(f *Frame) {
	if f != nil {
		f.Close()
	}
}

type Stats struct {
	Acquired int64
	Released int64
	Live     int64
	Peak     int64
}

// Ledger accounts for every frame created through it. A nil *Ledger hands
// out untracked frames.
type Ledger struct {
	acquired int64
	released int64
	live     int64
	peak     int64
}

func (l *Ledger) NewFrame(img image.Image, ts time.Duration) *Frame {
	if l == nil {
		return NewFrame(img, ts, nil)
	}
	atomic.AddInt64(&l.acquired, 1)
	live := atomic.AddInt64(&l.live, 1)
	for {
		peak := atomic.LoadInt64(&l.peak)
		if live <= peak || atomic.CompareAndSwapInt64(&l.peak, peak, live) {
			break
		}
	}
	return NewFrame(img, ts, l.onRelease)
}

func (l *Ledger) onRelease() {
	atomic.AddInt64(&l.released, 1)
	atomic.AddInt64(&l.live, -1)
}

func (l *Ledger) Stats() (s Stats) {
	if l == nil {
		return
	}
	s.Acquired = atomic.LoadInt64(&l.acquired)
	s.Released = atomic.LoadInt64(&l.released)
	s.Live = atomic.LoadInt64(&l.live)
	s.Peak = atomic.LoadInt64(&l.peak)
	return
}
