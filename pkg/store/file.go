package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

// FileStore serves the recordings of remote tracks.
type FileStore struct {
	mu   sync.Mutex
	conf *defs.Conf
}

func NewFileStore(c *defs.Conf) (x *FileStore, err error) {
	x = &FileStore{
		conf: c,
	}
	if err = os.MkdirAll(c.Folder, 0777); err != nil {
		log.Error().Err(err).Str("folder", c.Folder).Msg("storage folder not created")
		return nil, err
	}
	return
}

func (x *FileStore) Handler(r *fasthttp.RequestCtx) {
	qa := r.QueryArgs()
	filename := string(qa.Peek("f"))
	if filename == "" || filename != filepath.Base(filename) || filename == "." || filename == ".." {
		r.Error("invalid request", fasthttp.StatusBadRequest)
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()

	name := filepath.Join(x.conf.Folder, filename)
	l := log.With().Str("file", filename).Logger()

	switch string(r.Method()) {
	case fasthttp.MethodGet:
		if _, err := os.Stat(name); err != nil {
			r.Error("not found", fasthttp.StatusNotFound)
			return
		}
		l.Info().Msg("downloading file")
		r.SendFile(name)
	case fasthttp.MethodDelete:
		if err := os.Remove(name); err != nil {
			l.Warn().Err(err).Msg("error deleting file")
			r.Error("error deleting file", fasthttp.StatusNotFound)
			return
		}
		l.Info().Msg("deleted file")
	default:
		r.Error("method not supported", fasthttp.StatusMethodNotAllowed)
	}
}
