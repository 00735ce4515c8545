package codec

import (
	"bytes"
	"sync"
	"time"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/dmisol/loopback-call/pkg/media"
	"github.com/gen2brain/x264-go"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type SampleWriter interface {
	WriteSample(s pionmedia.Sample) error
}

// Encoder turns frames into H.264 access units and writes them as samples,
// so a local static sample track can carry the relayed picture.
// x264enc -> buffer -> track
type Encoder struct {
	mu     sync.Mutex
	enc    *x264.Encoder
	buf    bytes.Buffer
	out    SampleWriter
	bounds media.Settings

	period time.Duration
	last   time.Duration
	count  int64
	closed bool

	log zerolog.Logger
}

func NewEncoder(s media.Settings, out SampleWriter) (e *Encoder, err error) {
	if s.W <= 0 || s.H <= 0 {
		return nil, errors.Errorf("bad frame size %dx%d", s.W, s.H)
	}
	fps := s.FPS
	if fps <= 0 {
		fps = 15
	}

	e = &Encoder{
		out:    out,
		bounds: s,
		period: time.Second / time.Duration(fps),
		last:   -1,
		log:    log.With().Str("codec", webrtc.MimeTypeH264).Logger(),
	}

	opts := &x264.Options{
		Width:     s.W,
		Height:    s.H,
		FrameRate: fps,
		Tune:      "zerolatency",
		Preset:    "veryfast",
		Profile:   "baseline",
	}
	if e.enc, err = x264.NewEncoder(&e.buf, opts); err != nil {
		return nil, errors.Wrap(err, "x264")
	}
	e.log.Debug().Int("width", s.W).Int("height", s.H).Int("fps", fps).Msg("encoder ready")
	return
}

func (e *Encoder) WriteFrame(f *media.Frame) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return defs.ErrClosed
	}
	b := f.Bounds()
	if b.Dx() != e.bounds.W || b.Dy() != e.bounds.H {
		return errors.Errorf("frame %dx%d does not fit encoder %dx%d", b.Dx(), b.Dy(), e.bounds.W, e.bounds.H)
	}

	e.buf.Reset()
	if err = e.enc.Encode(f.Image()); err != nil {
		return errors.Wrap(err, "encode")
	}
	if e.buf.Len() == 0 {
		return
	}

	dur := e.period
	if e.last >= 0 && f.Timestamp() > e.last {
		dur = f.Timestamp() - e.last
	}
	e.last = f.Timestamp()

	data := make([]byte, e.buf.Len())
	copy(data, e.buf.Bytes())
	if err = e.out.WriteSample(pionmedia.Sample{Data: data, Duration: dur}); err != nil {
		return errors.Wrap(err, "write sample")
	}
	e.count++
	return
}

func (e *Encoder) Samples() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *Encoder) Close() (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}
	e.closed = true
	e.log.Debug().Int64("samples", e.count).Msg("encoder closed")
	return e.enc.Close()
}
