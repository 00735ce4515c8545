package media

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource hands out n ledger frames, then reports done.
type sliceSource struct {
	l    *Ledger
	n    int
	sent int
}

func (s *sliceSource) Pull(ctx context.Context) (*Frame, bool, error) {
	if s.sent == s.n {
		return nil, true, nil
	}
	s.sent++
	return s.l.NewFrame(image.NewRGBA(image.Rect(0, 0, 8, 6)), time.Duration(s.sent)*time.Millisecond), false, nil
}

// blockingSource never yields.
type blockingSource struct{}

func (blockingSource) Pull(ctx context.Context) (*Frame, bool, error) {
	<-ctx.Done()
	return nil, false, ctx.Err()
}

type recordingSink struct {
	mu   sync.Mutex
	ts   []time.Duration
	fail error
}

func (s *recordingSink) Push(ctx context.Context, f *Frame) error {
	defer f.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.ts = append(s.ts, f.Timestamp())
	return nil
}

func TestRelayReleasesEveryFrame(t *testing.T) {
	src := &Ledger{}
	tmp := &Ledger{}
	sink := &recordingSink{}
	clock := func() time.Duration { return time.Hour }

	r := NewRelay("test", &sliceSource{l: src, n: 25}, sink, Redraw(tmp, clock))
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, int64(25), r.Frames())
	assert.Equal(t, Stats{Acquired: 25, Released: 25, Live: 0, Peak: 1}, src.Stats())
	assert.Equal(t, int64(50), tmp.Stats().Acquired) // bitmap + output per frame
	assert.Equal(t, int64(0), tmp.Stats().Live)
	require.Len(t, sink.ts, 25)
	assert.Equal(t, time.Hour, sink.ts[0])
}

func TestRelayTransformFailure(t *testing.T) {
	src := &Ledger{}
	boom := errors.New("boom")
	n := 0
	failing := TransformFunc(func(ctx context.Context, in *Frame) (*Frame, error) {
		n++
		if n == 3 {
			return nil, boom
		}
		return in, nil
	})

	r := NewRelay("cam", &sliceSource{l: src, n: 10}, &recordingSink{}, failing)
	err := r.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, defs.ErrRelayAborted)
	assert.ErrorIs(t, err, boom)
	var pe *defs.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "cam", pe.Endpoint)
	assert.Equal(t, "transform", pe.Phase)

	assert.Equal(t, int64(2), r.Frames())
	assert.Equal(t, int64(3), src.Stats().Acquired)
	assert.Equal(t, int64(0), src.Stats().Live)
}

func TestRelayPushFailure(t *testing.T) {
	src := &Ledger{}
	sink := &recordingSink{fail: errors.New("sink gone")}

	err := NewRelay("cam", &sliceSource{l: src, n: 10}, sink).Run(context.Background())

	assert.ErrorIs(t, err, defs.ErrRelayAborted)
	var pe *defs.PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "push", pe.Phase)
	assert.Equal(t, Stats{Acquired: 1, Released: 1, Peak: 1}, src.Stats())
}

func TestRelayCancelInterruptsPull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- NewRelay("idle", blockingSource{}, &recordingSink{}).Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelayFromCaptureTrack(t *testing.T) {
	l := &Ledger{}
	cam, err := NewTestPattern(l, nil, DefaultDevice).GetUserMedia(context.Background(), Request{Video: true})
	require.NoError(t, err)
	require.NoError(t, cam.ApplyConstraints(Constraints{W: 320, H: 240, FPS: 30, ExactFrameRate: true}))

	preview := &Snapshot{}
	gen := NewGenerator("generator", cam.Settings(), preview)
	w := &countingWriter{}
	detach := gen.Attach("counter", w)
	defer detach()

	r := NewRelay("cam", cam, gen, Redraw(l, func() time.Duration { return 0 }))
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return w.count() >= 3 }, 3*time.Second, 10*time.Millisecond)
	cam.Stop()
	require.NoError(t, <-done)

	assert.NotNil(t, preview.JPEG())
	require.Eventually(t, func() bool { return l.Stats().Live == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, l.Stats().Acquired, l.Stats().Released)
}

func TestRelayLogsFrameCount(t *testing.T) {
	var buf bytes.Buffer
	saved := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	defer func() { log.Logger = saved }()

	r := NewRelay("counted", &sliceSource{l: &Ledger{}, n: 4}, &recordingSink{})
	require.NoError(t, r.Run(context.Background()))

	var finished struct {
		Frames  int64  `json:"frames"`
		Message string `json:"message"`
	}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		require.NoError(t, json.Unmarshal([]byte(line), &finished))
	}
	assert.Equal(t, "finished", finished.Message)
	assert.Equal(t, int64(4), finished.Frames)
}
