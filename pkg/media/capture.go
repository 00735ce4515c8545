package media

import (
	"context"
	"time"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/pkg/errors"
)

type Request struct {
	Video    bool
	Audio    bool
	DeviceID string
}

// Capturer hands out live tracks, the way getUserMedia does.
type Capturer interface {
	GetUserMedia(ctx context.Context, req Request) (*Track, error)
}

type Device struct {
	ID    string
	Label string
	Modes []Mode
}

// DefaultDevice is a webcam-like device offering the usual VGA and HD modes.
var DefaultDevice = Device{
	ID:    "testpattern",
	Label: "Test Pattern Camera",
	Modes: []Mode{
		{W: 640, H: 480, FPS: []int{30, 15, 10}},
		{W: 1280, H: 720, FPS: []int{30, 15}},
		{W: 320, H: 240, FPS: []int{30, 15, 5}},
	},
}

// TestPattern is a synthetic capture source. Every track it hands out paints
// a moving bar, counted by the given ledger.
type TestPattern struct {
	Devices []Device
	Ledger  *Ledger
	Clock   func() time.Duration
}

func NewTestPattern(l *Ledger, clock func() time.Duration, devices ...Device) *TestPattern {
	if clock == nil {
		start := time.Now()
		clock = func() time.Duration { return time.Since(start) }
	}
	return &TestPattern{Devices: devices, Ledger: l, Clock: clock}
}

func (p *TestPattern) GetUserMedia(ctx context.Context, req Request) (t *Track, err error) {
	if err = ctx.Err(); err != nil {
		return
	}
	if !req.Video {
		err = errors.Wrap(defs.ErrCaptureUnavailable, "only video capture is available")
		return
	}
	for _, d := range p.Devices {
		if req.DeviceID != "" && d.ID != req.DeviceID {
			continue
		}
		t = NewTrack(KindVideo, d.Label, d.Modes, p.Ledger, p.Clock)
		return
	}
	if req.DeviceID != "" {
		err = errors.Wrapf(defs.ErrCaptureUnavailable, "device %q not found", req.DeviceID)
		return
	}
	err = errors.Wrap(defs.ErrCaptureUnavailable, "no capture device")
	return
}
