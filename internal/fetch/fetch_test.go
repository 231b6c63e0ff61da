package fetch

import (
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhawk/streamhawk/internal/config"
)

func testConfig() config.FetchConfig {
	return config.FetchConfig{
		Timeout:          5 * time.Second,
		RetryAttempts:    2,
		MaxManifestBytes: config.ByteSize(64 * 1024),
	}
}

func TestGetReplaysHeaders(t *testing.T) {
	var gotCookie, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotReferer = r.Header.Get("Referer")
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer srv.Close()

	c := New(testConfig(), nil)
	res, err := c.Get(context.Background(), srv.URL, map[string]string{
		"Cookie":  "sid=abc",
		"Referer": "https://watch.example.com/ep1",
	})
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(res.Body))
	assert.Equal(t, "application/vnd.apple.mpegurl", res.ContentType)
	assert.Equal(t, "sid=abc", gotCookie)
	assert.Equal(t, "https://watch.example.com/ep1", gotReferer)
}

func TestGetRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer srv.Close()

	c := New(testConfig(), nil)
	res, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(res.Body))
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetDoesNotRetryPermanentStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(testConfig(), nil)
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetDecompressesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("Accept-Encoding"), "br")
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		gz.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000\n"))
		gz.Close()
	}))
	defer srv.Close()

	cfg := testConfig()
	c := New(cfg, nil)
	// The standard transport must not decompress for us.
	c.http.Transport = &http.Transport{DisableCompression: true}

	res, err := c.Get(context.Background(), srv.URL, nil)
	require.NoError(t, err)
	assert.Contains(t, string(res.Body), "#EXT-X-STREAM-INF")
}

func TestGetEnforcesSizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		big := make([]byte, 8*1024)
		for range 16 {
			w.Write(big)
		}
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxManifestBytes = config.ByteSize(4 * 1024)
	c := New(cfg, nil)

	_, err := c.Get(context.Background(), srv.URL, nil)
	assert.ErrorIs(t, err, ErrTooLarge)
}
