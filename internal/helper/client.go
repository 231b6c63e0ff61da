// Package helper maintains the connection to the external helper
// subprocess: length-prefixed JSON framing, request correlation, streaming
// progress, heartbeat supervision and reconnect with backoff.
package helper

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamhawk/streamhawk/internal/config"
	"github.com/streamhawk/streamhawk/internal/observability"
	"github.com/streamhawk/streamhawk/internal/stream"
)

// Dialer establishes a framed duplex channel to the helper. The production
// dialer spawns the helper subprocess; tests substitute an in-memory pipe.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// StateListener is notified when the helper connection comes up or goes
// down. Listeners must not block.
type StateListener func(connected bool)

type callResult struct {
	frame *frame
	err   error
}

type pendingCall struct {
	command    string
	onProgress func(Progress)
	done       chan callResult
}

// Client is the process-wide helper connection. Concurrent requests are
// allowed; each carries a unique monotonically increasing id.
type Client struct {
	cfg    config.HelperConfig
	dialer Dialer
	logger *slog.Logger

	mu        sync.Mutex
	conn      io.ReadWriteCloser
	writer    *frameWriter
	pending   map[int64]*pendingCall
	watchers  map[string]*pendingCall // re-attached downloads, by download id
	connected bool

	nextID    atomic.Int64
	listeners []StateListener

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewClient creates a client. Call Start to begin connecting.
func NewClient(cfg config.HelperConfig, dialer Dialer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		dialer:  dialer,
		logger:   observability.WithComponent(logger, "helper"),
		pending:  make(map[int64]*pendingCall),
		watchers: make(map[string]*pendingCall),
		ctx:      ctx,
		stop:     stop,
	}
}

// OnStateChange registers a connection-state listener. Wire listeners
// before Start.
func (c *Client) OnStateChange(fn StateListener) {
	c.listeners = append(c.listeners, fn)
}

// Start launches the connection manager.
func (c *Client) Start() {
	c.wg.Add(1)
	go c.run()
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.stop()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Connected reports whether a helper connection is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// run dials, supervises one connection at a time, and reconnects with
// doubling backoff capped at ReconnectMaxDelay.
func (c *Client) run() {
	defer c.wg.Done()

	delay := c.cfg.ReconnectDelay
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.dialer.Dial(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Warn("helper dial failed", slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
			if !sleepCtx(c.ctx, delay) {
				return
			}
			delay = nextDelay(delay, c.cfg.ReconnectMaxDelay)
			continue
		}

		c.mu.Lock()
		c.conn = conn
		c.writer = newFrameWriter(conn)
		c.connected = true
		c.mu.Unlock()
		c.notify(true)
		c.logger.Info("helper connected")
		delay = c.cfg.ReconnectDelay

		hbCtx, hbStop := context.WithCancel(c.ctx)
		hbDone := make(chan struct{})
		go func() {
			defer close(hbDone)
			c.heartbeatLoop(hbCtx, conn)
		}()

		readErr := c.readLoop(conn)
		hbStop()
		conn.Close()
		<-hbDone

		c.mu.Lock()
		c.conn = nil
		c.writer = nil
		c.connected = false
		c.mu.Unlock()
		c.failPending(&TransportError{Err: readErr})
		c.notify(false)

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("helper disconnected", slog.String("error", readErr.Error()),
			slog.Duration("retry_in", delay))
		if !sleepCtx(c.ctx, delay) {
			return
		}
		delay = nextDelay(delay, c.cfg.ReconnectMaxDelay)
	}
}

func nextDelay(current, max time.Duration) time.Duration {
	next := current * 2
	if max > 0 && next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) notify(connected bool) {
	for _, fn := range c.listeners {
		fn(connected)
	}
}

// readLoop routes inbound frames to their pending calls until the
// connection dies.
func (c *Client) readLoop(conn io.Reader) error {
	reader := newFrameReader(conn)
	for {
		var f frame
		if err := reader.Decode(&f); err != nil {
			return err
		}

		call := c.route(&f)
		if call == nil {
			c.logger.Debug("unroutable helper frame",
				slog.String("command", f.Command),
				slog.String("download_id", f.DownloadID))
			continue
		}
		switch {
		case f.isProgress():
			if call.onProgress != nil {
				call.onProgress(f.toProgress())
			}
		case f.isTerminal():
			call.done <- callResult{frame: &f}
		}
	}
}

// route resolves a frame to its call: by request id when this process
// issued the request, otherwise by download id for downloads re-attached
// after a restart. Terminal frames unregister the call.
func (c *Client) route(f *frame) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f.ID != nil {
		if call := c.pending[*f.ID]; call != nil {
			if f.isTerminal() {
				delete(c.pending, *f.ID)
			}
			return call
		}
	}
	if f.DownloadID != "" {
		if call := c.watchers[f.DownloadID]; call != nil {
			if f.isTerminal() {
				delete(c.watchers, f.DownloadID)
			}
			return call
		}
	}
	return nil
}

// heartbeatLoop probes liveness; a failed or late heartbeat closes the
// connection to force a reconnect.
func (c *Client) heartbeatLoop(ctx context.Context, conn io.Closer) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		hbCtx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatInterval)
		f, err := c.do(hbCtx, request{Command: cmdHeartbeat}, c.cfg.HeartbeatInterval, nil)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if err != nil || f.Alive == nil || !*f.Alive {
			c.logger.Warn("helper heartbeat failed, forcing reconnect")
			conn.Close()
			return
		}
	}
}

// failPending rejects every in-flight request of the dead connection.
// Download watchers stay registered: the helper process outlives the
// connection and re-reports their frames once it is back.
func (c *Client) failPending(err error) {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for _, call := range calls {
		call.done <- callResult{err: err}
	}
}

// do sends one request and waits for its terminal frame, invoking
// onProgress for intermediate frames.
func (c *Client) do(ctx context.Context, req request, timeout time.Duration, onProgress func(Progress)) (*frame, error) {
	req.ID = c.nextID.Add(1)
	call := &pendingCall{
		command:    req.Command,
		onProgress: onProgress,
		done:       make(chan callResult, 1),
	}

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	writer := c.writer
	c.pending[req.ID] = call
	c.mu.Unlock()

	if err := writer.Encode(req); err != nil {
		c.unregister(req.ID)
		return nil, &TransportError{Err: err}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		if res.err != nil {
			return nil, res.err
		}
		if res.frame.Error != "" {
			return nil, &CommandError{Command: req.Command, Message: res.frame.Error}
		}
		return res.frame, nil
	case <-timer.C:
		c.unregister(req.ID)
		return nil, &TimeoutError{Command: req.Command, Timeout: timeout}
	case <-ctx.Done():
		c.unregister(req.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Probe asks the helper for technical stream metadata. Light probes read
// only enough of the source to classify it.
func (c *Client) Probe(ctx context.Context, url string, headers map[string]string, light bool) (*stream.ProbeMeta, error) {
	f, err := c.do(ctx, request{
		Command: cmdProbe,
		URL:     url,
		Headers: headers,
		Light:   light,
	}, c.cfg.RequestTimeout, nil)
	if err != nil {
		return nil, err
	}
	if len(f.Info) == 0 {
		return nil, &CommandError{Command: cmdProbe, Message: "response missing streamInfo"}
	}
	var si streamInfo
	if err := json.Unmarshal(f.Info, &si); err != nil {
		return nil, &CommandError{Command: cmdProbe, Message: err.Error()}
	}
	return si.toProbeMeta(), nil
}

// GeneratePreview asks the helper to render a preview and returns its URL.
func (c *Client) GeneratePreview(ctx context.Context, url string, headers map[string]string) (string, error) {
	f, err := c.do(ctx, request{
		Command: cmdPreview,
		URL:     url,
		Headers: headers,
	}, c.cfg.RequestTimeout, nil)
	if err != nil {
		return "", err
	}
	if f.Preview == "" {
		return "", &CommandError{Command: cmdPreview, Message: "response missing previewUrl"}
	}
	return f.Preview, nil
}

// Download runs a download to completion, streaming progress to onProgress.
func (c *Client) Download(ctx context.Context, req DownloadRequest, onProgress func(Progress)) (DownloadResult, error) {
	f, err := c.do(ctx, request{
		Command:            cmdDownload,
		DownloadID:         req.DownloadID,
		DownloadURL:        req.DownloadURL,
		Filename:           req.Filename,
		SavePath:           req.SavePath,
		Type:               req.Type,
		PreferredContainer: req.PreferredContainer,
		OriginalContainer:  req.OriginalContainer,
		AudioOnly:          req.AudioOnly,
		StreamSelection:    req.StreamSelection,
		MasterURL:          req.MasterURL,
		Duration:           req.Duration,
		Headers:            req.Headers,
	}, c.cfg.DownloadTimeout, onProgress)
	if err != nil {
		return DownloadResult{}, err
	}
	return f.toDownloadResult(), nil
}

// AttachDownload resumes listening for a download the helper was already
// running before a daemon restart. No command is sent; the helper
// re-reports frames for the download id once the connection is up, and the
// watcher survives reconnects until the terminal frame arrives.
func (c *Client) AttachDownload(ctx context.Context, downloadID string, onProgress func(Progress)) (DownloadResult, error) {
	call := &pendingCall{
		command:    cmdDownload,
		onProgress: onProgress,
		done:       make(chan callResult, 1),
	}

	c.mu.Lock()
	if _, busy := c.watchers[downloadID]; busy {
		c.mu.Unlock()
		return DownloadResult{}, &CommandError{Command: cmdDownload, Message: "download already attached: " + downloadID}
	}
	c.watchers[downloadID] = call
	c.mu.Unlock()

	timer := time.NewTimer(c.cfg.DownloadTimeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		if res.err != nil {
			return DownloadResult{}, res.err
		}
		if res.frame.Error != "" {
			return DownloadResult{}, &CommandError{Command: cmdDownload, Message: res.frame.Error}
		}
		return res.frame.toDownloadResult(), nil
	case <-timer.C:
		c.unwatch(downloadID)
		return DownloadResult{}, &TimeoutError{Command: cmdDownload, Timeout: c.cfg.DownloadTimeout}
	case <-ctx.Done():
		c.unwatch(downloadID)
		return DownloadResult{}, ctx.Err()
	}
}

func (c *Client) unwatch(downloadID string) {
	c.mu.Lock()
	delete(c.watchers, downloadID)
	c.mu.Unlock()
}

// CancelDownload asks the helper to abort a running download. The download
// request itself still terminates with its own final frame.
func (c *Client) CancelDownload(ctx context.Context, downloadID string) error {
	_, err := c.do(ctx, request{
		Command:    cmdCancelDownload,
		DownloadID: downloadID,
	}, c.cfg.RequestTimeout, nil)
	return err
}
