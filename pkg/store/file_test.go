package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dmisol/loopback-call/pkg/defs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func request(x *FileStore, method, uri string) *fasthttp.RequestCtx {
	r := &fasthttp.RequestCtx{}
	r.Request.Header.SetMethod(method)
	r.Request.SetRequestURI(uri)
	x.Handler(r)
	return r
}

func TestFileStore(t *testing.T) {
	c := &defs.Conf{Folder: filepath.Join(t.TempDir(), "rec")}
	x, err := NewFileStore(c)
	require.NoError(t, err)

	name := filepath.Join(c.Folder, "a.h264")
	require.NoError(t, os.WriteFile(name, []byte{0, 0, 0, 1}, 0644))

	for _, tc := range []struct {
		method, uri string
		status      int
	}{
		{fasthttp.MethodGet, "/rec", fasthttp.StatusBadRequest},
		{fasthttp.MethodGet, "/rec?f=../conf.yaml", fasthttp.StatusBadRequest},
		{fasthttp.MethodGet, "/rec?f=missing.h264", fasthttp.StatusNotFound},
		{fasthttp.MethodPost, "/rec?f=a.h264", fasthttp.StatusMethodNotAllowed},
		{fasthttp.MethodGet, "/rec?f=a.h264", fasthttp.StatusOK},
		{fasthttp.MethodDelete, "/rec?f=a.h264", fasthttp.StatusOK},
		{fasthttp.MethodDelete, "/rec?f=a.h264", fasthttp.StatusNotFound},
	} {
		r := request(x, tc.method, tc.uri)
		assert.Equal(t, tc.status, r.Response.StatusCode(), "%s %s", tc.method, tc.uri)
	}

	_, err = os.Stat(name)
	assert.True(t, os.IsNotExist(err))
}
