package media

import (
	"context"
	"sync/atomic"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type FrameSource interface {
	Pull(ctx context.Context) (*Frame, bool, error)
}

// Transformer consumes its input frame and returns a new one owned by the
// caller. It must not keep a reference to either.
type Transformer interface {
	Transform(ctx context.Context, in *Frame) (*Frame, error)
}

// FrameSink takes ownership of the pushed frame, also when Push fails.
type FrameSink interface {
	Push(ctx context.Context, f *Frame) error
}

type TransformFunc func(ctx context.Context, in *Frame) (*Frame, error)

func (fn TransformFunc) Transform(ctx context.Context, in *Frame) (*Frame, error) {
	return fn(ctx, in)
}

// Relay moves frames from a source to a sink through the transforms, one
// frame at a time.
type Relay struct {
	label      string
	src        FrameSource
	sink       FrameSink
	transforms []Transformer

	frames int64
	log    zerolog.Logger
}

func NewRelay(label string, src FrameSource, sink FrameSink, transforms ...Transformer) (r *Relay) {
	r = &Relay{
		label:      label,
		src:        src,
		sink:       sink,
		transforms: transforms,
		log:        log.With().Str("relay", label).Logger(),
	}
	return
}

func (r *Relay) Frames() int64 { return atomic.LoadInt64(&r.frames) }

// Run repeats pull, transform and push until the source is done or ctx is
// cancelled, both of which return nil. A failing transform or push aborts
// with ErrRelayAborted.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Debug().Msg("started")
	defer func() { r.log.Debug().Int64("frames", r.Frames()).Msg("finished") }()

	for {
		f, done, err := r.src.Pull(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return defs.NewPhaseError(defs.ErrRelayAborted, r.label, "pull", err)
		}
		if done {
			return nil
		}
		if err = r.step(ctx, f); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		atomic.AddInt64(&r.frames, 1)
	}
}

func (r *Relay) step(ctx context.Context, in *Frame) (err error) {
	cur := in
	defer func() {
		// whatever is still ours at this point never reached the sink
		Release(cur)
	}()

	for _, t := range r.transforms {
		prev := cur
		cur, err = t.Transform(ctx, prev)
		if cur != prev {
			Release(prev)
		}
		if err != nil {
			Release(cur)
			cur = nil
			return defs.NewPhaseError(defs.ErrRelayAborted, r.label, "transform", err)
		}
		if cur == nil {
			return defs.NewPhaseError(defs.ErrRelayAborted, r.label, "transform", errors.New("no frame"))
		}
	}

	out := cur
	cur = nil
	if err = r.sink.Push(ctx, out); err != nil {
		return defs.NewPhaseError(defs.ErrRelayAborted, r.label, "push", err)
	}
	return
}
