package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/prl900/tilebot/config"
)

func TestHandler(t *testing.T) {
	r := require.New(t)
	srv := httptest.NewServer(handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	r.NoError(err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	r.Equal(http.StatusOK, resp.StatusCode)
	r.Equal("ok\n", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	r.NoError(err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	r.Equal(http.StatusOK, resp.StatusCode)
	r.Contains(string(body), "go_goroutines")
}

func TestNewProcessor(t *testing.T) {
	r := require.New(t)
	s := config.Settings{
		Output:   config.Output{Bucket: t.TempDir(), Format: "snp"},
		TileSize: 256,
	}

	p, err := newProcessor(s, zaptest.NewLogger(t))
	r.NoError(err)
	r.NotNil(p)

	s.Output.Format = "tiff"
	_, err = newProcessor(s, zaptest.NewLogger(t))
	r.Error(err)
}

func TestReaderNames(t *testing.T) {
	require.Equal(t, []string{"assets", "bands", "raster"}, readerNames())
}
