// Package fetch is the HTTP client used for manifest retrieval. It replays
// captured browser headers, retries transient failures with backoff, and
// transparently decompresses gzip, deflate and brotli bodies. Bodies are
// read through a hard size cap so a mislabeled URL cannot balloon memory.
package fetch

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/streamhawk/streamhawk/internal/config"
	"github.com/streamhawk/streamhawk/internal/observability"
	"github.com/streamhawk/streamhawk/internal/version"
)

// ErrMaxRetries is returned when every attempt failed.
var ErrMaxRetries = errors.New("max retries exceeded")

// ErrTooLarge is returned when a body exceeds the manifest size cap.
var ErrTooLarge = errors.New("response exceeds size limit")

const (
	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"

	acceptedEncodings = "gzip, deflate, br"

	retryBaseDelay = 500 * time.Millisecond
	retryMaxDelay  = 5 * time.Second
)

// Result is a fetched manifest body plus the response facts the caller
// cares about.
type Result struct {
	Body        []byte
	FinalURL    string
	StatusCode  int
	ContentType string
}

// Client fetches manifests.
type Client struct {
	http     *http.Client
	cfg      config.FetchConfig
	maxBytes int64
	logger   *slog.Logger
}

// New creates a manifest fetch client.
func New(cfg config.FetchConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		maxBytes: cfg.MaxManifestBytes.Bytes(),
		logger:   observability.WithComponent(logger, "fetch"),
	}
}

// Get fetches a URL with the given replay headers and returns the full
// (size-capped) body.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) (*Result, error) {
	var lastErr error
	delay := retryBaseDelay

	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying fetch",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}

		res, err := c.attempt(ctx, rawURL, headers)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTooLarge) {
			return nil, err
		}
		var pe *permanentStatusError
		if errors.As(err, &pe) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

// permanentStatusError marks a status that will not improve on retry.
type permanentStatusError struct {
	code int
}

func (e *permanentStatusError) Error() string {
	return fmt.Sprintf("status %d", e.code)
}

func (c *Client) attempt(ctx context.Context, rawURL string, headers map[string]string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	if req.Header.Get(headerUserAgent) == "" {
		req.Header.Set(headerUserAgent, version.UserAgent())
	}
	if req.Header.Get(headerAcceptEncoding) == "" {
		req.Header.Set(headerAcceptEncoding, acceptedEncodings)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		if isRetryableStatus(resp.StatusCode) {
			return nil, fmt.Errorf("retryable status %d", resp.StatusCode)
		}
		return nil, &permanentStatusError{code: resp.StatusCode}
	}

	body, err := readAll(decompress(resp), c.maxBytes)
	if err != nil {
		return nil, err
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	c.logger.Debug("fetch completed",
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Duration("duration", time.Since(start)))

	return &Result{
		Body:        body,
		FinalURL:    finalURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// readAll reads up to limit bytes and fails if the body is larger.
func readAll(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, ErrTooLarge
	}
	return body, nil
}

// decompress wraps the body reader per the Content-Encoding header.
func decompress(resp *http.Response) io.Reader {
	switch strings.ToLower(resp.Header.Get(headerContentEncoding)) {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return resp.Body
		}
		return reader
	case "deflate":
		return flate.NewReader(resp.Body)
	case "br":
		return brotli.NewReader(resp.Body)
	default:
		return resp.Body
	}
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
