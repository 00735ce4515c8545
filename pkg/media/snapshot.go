package media

import (
	"bytes"
	"image/jpeg"
	"sync"

	"github.com/rs/zerolog/log"
)

// Snapshot renders into a JPEG kept for whoever asks for the preview.
type Snapshot struct {
	Quality int

	mu      sync.RWMutex
	jpg     []byte
	w, h    int
	renders int64
}

func (s *Snapshot) Render(f *Frame) (err error) {
	q := s.Quality
	if q == 0 {
		q = 75
	}
	var buf bytes.Buffer
	if err = jpeg.Encode(&buf, f.Image(), &jpeg.Options{Quality: q}); err != nil {
		return
	}

	b := f.Bounds()

	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Dx() != s.w || b.Dy() != s.h {
		log.Info().Int("videoWidth", b.Dx()).Int("videoHeight", b.Dy()).Msg("preview size changed")
		s.w, s.h = b.Dx(), b.Dy()
	}
	s.jpg = buf.Bytes()
	s.renders++
	return
}

// JPEG returns the last rendered picture, nil before the first frame.
func (s *Snapshot) JPEG() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jpg
}

func (s *Snapshot) Renders() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.renders
}
