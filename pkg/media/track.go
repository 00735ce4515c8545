package media

import (
	"context"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

type Settings struct {
	W   int `json:"width"`
	H   int `json:"height"`
	FPS int `json:"frameRate"`
}

// Constraints mirror the browser ones: width and height are ideal values,
// the frame rate is only binding when ExactFrameRate is set.
type Constraints struct {
	W              int
	H              int
	FPS            int
	ExactFrameRate bool
}

type Mode struct {
	W   int
	H   int
	FPS []int
}

func (m Mode) supports(fps int) bool {
	for _, v := range m.FPS {
		if v == fps {
			return true
		}
	}
	return false
}

// Track is a live capture track. It produces frames at its frame rate and
// keeps at most one of them waiting for the consumer; frames produced while
// that slot is taken are released right away.
type Track struct {
	id    string
	kind  Kind
	label string
	modes []Mode
	paint func(img *image.RGBA, n int)

	ledger *Ledger
	clock  func() time.Duration

	mu       sync.Mutex
	settings Settings
	reset    chan struct{}

	frames   chan *Frame
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	dropped int64
	log     zerolog.Logger
}

func NewTrack(kind Kind, label string, modes []Mode, l *Ledger, clock func() time.Duration) (t *Track) {
	t = &Track{
		id:     uuid.NewString(),
		kind:   kind,
		label:  label,
		modes:  modes,
		paint:  testPattern,
		ledger: l,
		clock:  clock,
		reset:  make(chan struct{}, 1),
		frames: make(chan *Frame, 1),
		done:   make(chan struct{}),
	}
	t.log = log.With().Str("track", label).Logger()
	if len(modes) > 0 {
		m := modes[0]
		t.settings = Settings{W: m.W, H: m.H}
		if len(m.FPS) > 0 {
			t.settings.FPS = m.FPS[0]
		}
	}
	t.wg.Add(1)
	go t.run()
	return
}

func (t *Track) ID() string    { return t.id }
func (t *Track) Kind() Kind    { return t.kind }
func (t *Track) Label() string { return t.label }

func (t *Track) Settings() Settings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

func (t *Track) Dropped() int64 { return atomic.LoadInt64(&t.dropped) }

func (t *Track) ApplyConstraints(c Constraints) (err error) {
	if len(t.modes) == 0 {
		return errors.Wrap(defs.ErrConstraintUnsatisfiable, "no capture modes")
	}

	best := -1
	bestDist := 0
	for i, m := range t.modes {
		if c.ExactFrameRate && c.FPS > 0 && !m.supports(c.FPS) {
			continue
		}
		d := 0
		if c.W > 0 {
			d += abs(m.W - c.W)
		}
		if c.H > 0 {
			d += abs(m.H - c.H)
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return errors.Wrapf(defs.ErrConstraintUnsatisfiable, "%s: no mode with exactly %d fps", t.label, c.FPS)
	}

	m := t.modes[best]
	s := Settings{W: m.W, H: m.H, FPS: nearest(m.FPS, c.FPS)}

	t.mu.Lock()
	t.settings = s
	t.mu.Unlock()

	select {
	case t.reset <- struct{}{}:
	default:
	}
	t.log.Debug().Int("width", s.W).Int("height", s.H).Int("fps", s.FPS).Msg("constraints applied")
	return
}

// Pull blocks until a frame is captured, the track is stopped (done) or ctx
// is cancelled.
func (t *Track) Pull(ctx context.Context) (f *Frame, done bool, err error) {
	select {
	case f = <-t.frames:
		return
	case <-t.done:
		done = true
		return
	case <-ctx.Done():
		err = ctx.Err()
		return
	}
}

func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		t.wg.Wait()
		for {
			select {
			case f := <-t.frames:
				Release(f)
			default:
				t.log.Debug().Int64("dropped", t.Dropped()).Msg("stopped")
				return
			}
		}
	})
}

func (t *Track) run() {
	defer t.wg.Done()

	n := 0
	for {
		s := t.Settings()
		period := time.Second
		if s.FPS > 0 {
			period = time.Second / time.Duration(s.FPS)
		}
		ticker := time.NewTicker(period)

	loop:
		for {
			select {
			case <-t.done:
				ticker.Stop()
				return
			case <-t.reset:
				break loop
			case <-ticker.C:
				t.deliver(s, n)
				n++
			}
		}
		ticker.Stop()
	}
}

func (t *Track) deliver(s Settings, n int) {
	img := image.NewRGBA(image.Rect(0, 0, s.W, s.H))
	t.paint(img, n)
	f := t.ledger.NewFrame(img, t.clock())

	select {
	case t.frames <- f:
	default:
		atomic.AddInt64(&t.dropped, 1)
		f.Close()
	}
}

// testPattern draws a vertical bar sweeping across a grey gradient.
func testPattern(img *image.RGBA, n int) {
	b := img.Bounds()
	if b.Dx() == 0 {
		return
	}
	bar := (n * 8) % b.Dx()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := uint8(x * 255 / b.Dx())
			if x >= bar && x < bar+16 {
				img.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
				continue
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
}

func nearest(fps []int, want int) int {
	if len(fps) == 0 {
		return 0
	}
	if want <= 0 {
		return fps[0]
	}
	best := fps[0]
	for _, v := range fps[1:] {
		if abs(v-want) < abs(best-want) {
			best = v
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
