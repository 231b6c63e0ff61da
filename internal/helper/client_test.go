package helper

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamhawk/streamhawk/internal/config"
)

// pipeDialer hands the client one end of an in-memory pipe and runs a fake
// helper on the other end.
type pipeDialer struct {
	mu    sync.Mutex
	serve func(conn net.Conn)
	dials int
}

func (d *pipeDialer) Dial(context.Context) (io.ReadWriteCloser, error) {
	d.mu.Lock()
	d.dials++
	serve := d.serve
	d.mu.Unlock()

	client, server := net.Pipe()
	go serve(server)
	return client, nil
}

func (d *pipeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testHelperConfig() config.HelperConfig {
	return config.HelperConfig{
		RequestTimeout:    2 * time.Second,
		DownloadTimeout:   5 * time.Second,
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectMaxDelay: 50 * time.Millisecond,
	}
}

// answer reads requests and replies through fn until the pipe closes.
func answer(conn net.Conn, fn func(req request, reply func(any) error)) {
	defer conn.Close()
	reader := newFrameReader(conn)
	writer := newFrameWriter(conn)
	for {
		var req request
		if err := reader.Decode(&req); err != nil {
			return
		}
		fn(req, writer.Encode)
	}
}

func alive(id int64) map[string]any {
	return map[string]any{"id": id, "alive": true}
}

func waitConnected(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProbeRoundTrip(t *testing.T) {
	dialer := &pipeDialer{serve: func(conn net.Conn) {
		answer(conn, func(req request, reply func(any) error) {
			switch req.Command {
			case cmdHeartbeat:
				reply(alive(req.ID))
			case cmdProbe:
				reply(map[string]any{
					"id": req.ID,
					"streamInfo": map[string]any{
						"container": "mp4",
						"width":     1920,
						"height":    1080,
						"duration":  632.5,
						"hasVideo":  true,
						"hasAudio":  true,
					},
				})
			}
		})
	}}

	c := NewClient(testHelperConfig(), dialer, nil)
	c.Start()
	defer c.Close()
	waitConnected(t, c)

	meta, err := c.Probe(context.Background(), "https://cdn.example.com/movie.mp4", map[string]string{"Cookie": "sid=1"}, false)
	require.NoError(t, err)
	assert.Equal(t, "mp4", meta.Container)
	assert.Equal(t, 1920, meta.Width)
	assert.Equal(t, 1080, meta.Height)
	assert.InDelta(t, 632.5, meta.Duration, 0.001)
	assert.True(t, meta.HasVideo)
}

func TestCommandError(t *testing.T) {
	dialer := &pipeDialer{serve: func(conn net.Conn) {
		answer(conn, func(req request, reply func(any) error) {
			reply(map[string]any{"id": req.ID, "error": "unsupported input"})
		})
	}}

	c := NewClient(testHelperConfig(), dialer, nil)
	c.Start()
	defer c.Close()
	waitConnected(t, c)

	_, err := c.Probe(context.Background(), "https://cdn.example.com/x", nil, false)
	require.Error(t, err)
	assert.Equal(t, "unsupported input", CommandMessage(err))
	assert.False(t, IsTransport(err))
}

func TestDownloadStreamsProgress(t *testing.T) {
	dialer := &pipeDialer{serve: func(conn net.Conn) {
		answer(conn, func(req request, reply func(any) error) {
			if req.Command != cmdDownload {
				reply(alive(req.ID))
				return
			}
			reply(map[string]any{"id": req.ID, "command": "progress", "progress": 25.0, "speed": "4MB/s"})
			reply(map[string]any{"id": req.ID, "command": "progress", "progress": 80.0})
			reply(map[string]any{"id": req.ID, "success": true, "path": "/tmp/out.mp4"})
		})
	}}

	c := NewClient(testHelperConfig(), dialer, nil)
	c.Start()
	defer c.Close()
	waitConnected(t, c)

	var mu sync.Mutex
	var seen []float64
	res, err := c.Download(context.Background(), DownloadRequest{
		DownloadID:  "d1",
		DownloadURL: "https://cdn.example.com/movie.mp4",
		Filename:    "movie.mp4",
		Type:        "direct",
	}, func(p Progress) {
		mu.Lock()
		seen = append(seen, p.Percent)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/out.mp4", res.Path)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{25, 80}, seen)
}

func TestRequestTimeout(t *testing.T) {
	dialer := &pipeDialer{serve: func(conn net.Conn) {
		answer(conn, func(req request, reply func(any) error) {
			if req.Command == cmdHeartbeat {
				reply(alive(req.ID))
			}
			// Probe requests are swallowed.
		})
	}}

	cfg := testHelperConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	c := NewClient(cfg, dialer, nil)
	c.Start()
	defer c.Close()
	waitConnected(t, c)

	_, err := c.Probe(context.Background(), "https://cdn.example.com/x", nil, false)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestDisconnectFailsInFlightAndReconnects(t *testing.T) {
	var mu sync.Mutex
	killOnProbe := true

	dialer := &pipeDialer{}
	dialer.serve = func(conn net.Conn) {
		answer(conn, func(req request, reply func(any) error) {
			mu.Lock()
			kill := killOnProbe
			mu.Unlock()
			if req.Command == cmdProbe && kill {
				mu.Lock()
				killOnProbe = false
				mu.Unlock()
				conn.Close()
				return
			}
			if req.Command == cmdProbe {
				reply(map[string]any{"id": req.ID, "streamInfo": map[string]any{"container": "mp4"}})
				return
			}
			reply(alive(req.ID))
		})
	}

	var states []bool
	var stateMu sync.Mutex
	c := NewClient(testHelperConfig(), dialer, nil)
	c.OnStateChange(func(up bool) {
		stateMu.Lock()
		states = append(states, up)
		stateMu.Unlock()
	})
	c.Start()
	defer c.Close()
	waitConnected(t, c)

	_, err := c.Probe(context.Background(), "https://cdn.example.com/x", nil, false)
	require.Error(t, err)
	assert.True(t, IsTransport(err))

	waitConnected(t, c)
	require.GreaterOrEqual(t, dialer.dialCount(), 2)

	meta, err := c.Probe(context.Background(), "https://cdn.example.com/x", nil, false)
	require.NoError(t, err)
	assert.Equal(t, "mp4", meta.Container)

	stateMu.Lock()
	defer stateMu.Unlock()
	require.GreaterOrEqual(t, len(states), 3)
	assert.Equal(t, []bool{true, false, true}, states[:3])
}

func TestHeartbeatFailureForcesReconnect(t *testing.T) {
	dialer := &pipeDialer{serve: func(conn net.Conn) {
		answer(conn, func(req request, reply func(any) error) {
			// Heartbeats are never answered.
		})
	}}

	cfg := testHelperConfig()
	cfg.HeartbeatInterval = 30 * time.Millisecond
	c := NewClient(cfg, dialer, nil)
	c.Start()
	defer c.Close()

	deadline := time.Now().Add(5 * time.Second)
	for dialer.dialCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat failure never triggered a reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRequestWhileDisconnected(t *testing.T) {
	dialer := &pipeDialer{serve: func(conn net.Conn) { conn.Close() }}

	cfg := testHelperConfig()
	// Long reconnect delay keeps the client in the disconnected state.
	cfg.ReconnectDelay = time.Hour
	c := NewClient(cfg, dialer, nil)
	c.Start()
	defer c.Close()

	time.Sleep(50 * time.Millisecond)
	_, err := c.Probe(context.Background(), "https://cdn.example.com/x", nil, false)
	assert.True(t, IsTransport(err))
}

func TestAttachDownloadRoutesFramesByDownloadID(t *testing.T) {
	// Frames from a download started by a previous daemon process carry a
	// request id this client never issued; only the download id matches.
	dialer := &pipeDialer{serve: func(conn net.Conn) {
		defer conn.Close()
		w := newFrameWriter(conn)
		w.Encode(map[string]any{"id": int64(991), "command": "progress", "downloadId": "d-old", "progress": 55.0})
		w.Encode(map[string]any{"id": int64(991), "downloadId": "d-old", "success": true, "path": "/tmp/old.mp4", "size": int64(2048)})
		var f frame
		newFrameReader(conn).Decode(&f) // hold the connection open
	}}

	c := NewClient(testHelperConfig(), dialer, nil)

	var seen []float64
	var res DownloadResult
	var attachErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		res, attachErr = c.AttachDownload(context.Background(), "d-old", func(p Progress) {
			seen = append(seen, p.Percent)
		})
	}()

	// The watcher registers before the connection comes up, like a restore
	// that runs while the helper is still reconnecting.
	deadline := time.Now().Add(5 * time.Second)
	for {
		c.mu.Lock()
		_, registered := c.watchers["d-old"]
		c.mu.Unlock()
		if registered {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("watcher never registered")
		}
		time.Sleep(time.Millisecond)
	}

	c.Start()
	defer c.Close()

	<-done
	require.NoError(t, attachErr)
	assert.Equal(t, "/tmp/old.mp4", res.Path)
	assert.Equal(t, int64(2048), res.TotalSize)
	assert.Equal(t, []float64{55}, seen)

	c.mu.Lock()
	_, stillWatching := c.watchers["d-old"]
	c.mu.Unlock()
	assert.False(t, stillWatching)
}

func TestFramingRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		w := newFrameWriter(server)
		w.Encode(map[string]any{"id": int64(1), "alive": true})
	}()

	var f frame
	require.NoError(t, newFrameReader(client).Decode(&f))
	require.NotNil(t, f.ID)
	assert.Equal(t, int64(1), *f.ID)
	require.NotNil(t, f.Alive)
	assert.True(t, *f.Alive)
}
