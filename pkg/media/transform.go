package media

import (
	"context"
	"image"
	"image/draw"
	"time"
)

func Chain(ts ...Transformer) Transformer {
	return TransformFunc(func(ctx context.Context, in *Frame) (out *Frame, err error) {
		out = in
		for _, t := range ts {
			prev := out
			out, err = t.Transform(ctx, prev)
			if out != prev {
				Release(prev)
			}
			if err != nil {
				Release(out)
				return nil, err
			}
		}
		return
	})
}

// Redraw copies the frame into an intermediate bitmap and stamps the result
// with the current clock value.
func Redraw(l *Ledger, clock func() time.Duration) Transformer {
	return TransformFunc(func(ctx context.Context, in *Frame) (*Frame, error) {
		defer Release(in)

		bitmap := l.NewFrame(clone(in.Image()), in.Timestamp())
		defer bitmap.Close()

		return l.NewFrame(bitmap.Image(), clock()), nil
	})
}

func clone(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}
