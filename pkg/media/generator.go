package media

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// FrameWriter consumes a frame it does not own; it must not keep it past
// the call.
type FrameWriter interface {
	WriteFrame(f *Frame) error
}

// Renderer is a presentation surface. Its failures never stop the media.
type Renderer interface {
	Render(f *Frame) error
}

// Generator is the sink end of a relay and the local track offered to the
// peer. Pushed frames go to the preview and to every attached writer, then
// they are released.
type Generator struct {
	id       string
	label    string
	settings Settings
	preview  Renderer

	slot chan struct{}

	mu      sync.Mutex
	writers map[string]FrameWriter

	log zerolog.Logger
}

func NewGenerator(label string, s Settings, preview Renderer) (g *Generator) {
	g = &Generator{
		id:       uuid.NewString(),
		label:    label,
		settings: s,
		preview:  preview,
		slot:     make(chan struct{}, 1),
		writers:  make(map[string]FrameWriter),
		log:      log.With().Str("generator", label).Logger(),
	}
	return
}

func (g *Generator) ID() string         { return g.id }
func (g *Generator) Kind() Kind         { return KindVideo }
func (g *Generator) Label() string      { return g.label }
func (g *Generator) Settings() Settings { return g.settings }

// Attach adds a writer under id and returns the function removing it.
func (g *Generator) Attach(id string, w FrameWriter) (detach func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.writers[id] = w
	g.log.Debug().Str("writer", id).Int("total", len(g.writers)).Msg("attached")

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()

		delete(g.writers, id)
		g.log.Debug().Str("writer", id).Int("remaining", len(g.writers)).Msg("detached")
	}
}

func (g *Generator) Push(ctx context.Context, f *Frame) (err error) {
	defer Release(f)

	select {
	case g.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.slot }()

	if g.preview != nil {
		if err := g.preview.Render(f); err != nil {
			g.log.Warn().Err(err).Msg("preview")
		}
	}

	g.mu.Lock()
	writers := make(map[string]FrameWriter, len(g.writers))
	for id, w := range g.writers {
		writers[id] = w
	}
	g.mu.Unlock()

	for id, w := range writers {
		if err = w.WriteFrame(f); err != nil {
			return errors.Wrapf(err, "writer %s", id)
		}
	}
	return
}
