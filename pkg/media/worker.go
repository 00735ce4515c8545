package media

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"sync"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/rs/zerolog/log"
)

const squareMin = 50

var red = image.NewUniform(color.RGBA{R: 255, A: 255})

type paintJob struct {
	src   image.Image
	reply chan *image.RGBA
}

// CanvasWorker owns a canvas and paints on it from its own goroutine. Each
// job clears the canvas, draws the source picture and a red square at a
// random spot, then answers with a copy of the canvas.
type CanvasWorker struct {
	jobs chan paintJob
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	rnd    *rand.Rand
	canvas *image.RGBA
}

func NewCanvasWorker(seed int64) (w *CanvasWorker) {
	w = &CanvasWorker{
		jobs: make(chan paintJob),
		done: make(chan struct{}),
		rnd:  rand.New(rand.NewSource(seed)),
	}
	w.wg.Add(1)
	go w.run()
	return
}

func (w *CanvasWorker) Stop() {
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()
	})
}

// Paint submits src and waits for the "ready" answer.
func (w *CanvasWorker) Paint(ctx context.Context, src image.Image) (img *image.RGBA, err error) {
	job := paintJob{src: src, reply: make(chan *image.RGBA, 1)}
	select {
	case w.jobs <- job:
	case <-w.done:
		return nil, defs.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case img = <-job.reply:
		return
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *CanvasWorker) run() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			log.Debug().Msg("canvas worker stopped")
			return
		case job := <-w.jobs:
			job.reply <- w.paint(job.src)
		}
	}
}

func (w *CanvasWorker) paint(src image.Image) *image.RGBA {
	b := src.Bounds()
	width, height := b.Dx(), b.Dy()
	if w.canvas == nil || w.canvas.Bounds().Dx() != width || w.canvas.Bounds().Dy() != height {
		w.canvas = image.NewRGBA(image.Rect(0, 0, width, height))
	}

	draw.Draw(w.canvas, w.canvas.Bounds(), image.Transparent, image.Point{}, draw.Src)
	draw.Draw(w.canvas, w.canvas.Bounds(), src, b.Min, draw.Src)

	x := squareMin + int(float64(width-squareMin)*w.rnd.Float64())
	y := squareMin + int(float64(height-squareMin)*w.rnd.Float64())
	sq := image.Rect(x, y, x+squareMin*2, y+squareMin*2).Intersect(w.canvas.Bounds())
	draw.Draw(w.canvas, sq, red, image.Point{}, draw.Src)

	out := image.NewRGBA(w.canvas.Bounds())
	copy(out.Pix, w.canvas.Pix)
	return out
}

// Overlay offloads drawing to the worker.
func Overlay(w *CanvasWorker, l *Ledger) Transformer {
	return TransformFunc(func(ctx context.Context, in *Frame) (*Frame, error) {
		defer Release(in)

		img, err := w.Paint(ctx, in.Image())
		if err != nil {
			return nil, err
		}
		return l.NewFrame(img, in.Timestamp()), nil
	})
}
