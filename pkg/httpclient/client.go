// Package httpclient provides the outbound HTTP client used for external
// collaborators: automatic retries with exponential backoff, transparent
// response decompression (gzip, deflate, brotli) and structured logging.
//
// Failure tracking across collaborators is not handled here; callers wrap
// requests in the controller's persisted circuit breaker, which is shared
// between the pipeline steps and the recovery workers.
package httpclient

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
)

// ErrMaxRetries wraps the last failure after the retry budget is spent.
var ErrMaxRetries = errors.New("max retries exceeded")

// ErrResponseTooLarge is returned by the response body reader when the
// decompressed payload exceeds Config.MaxResponseSize.
var ErrResponseTooLarge = errors.New("response body exceeds maximum size limit")

const (
	defaultTimeout       = 30 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = time.Second
	defaultRetryMaxDelay = 30 * time.Second
	defaultUserAgent     = "fetcharr"

	acceptEncoding = "gzip, deflate, br"
)

// Config holds the client configuration.
type Config struct {
	// Timeout is the overall per-attempt request timeout.
	Timeout time.Duration

	// RetryAttempts is how many times a failed request is retried.
	// Zero disables retries; non-idempotent callers use that.
	RetryAttempts int

	// RetryDelay seeds the exponential backoff between retries,
	// capped at RetryMaxDelay.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	// UserAgent is sent when the request carries none.
	UserAgent string

	Logger *slog.Logger

	// EnableDecompression transparently decodes compressed response bodies.
	EnableDecompression bool

	// MaxResponseSize caps the decompressed response body size. The limit
	// applies after decompression so a small compressed payload cannot
	// expand unchecked. Zero means no limit.
	MaxResponseSize int64

	// BaseClient overrides the underlying http.Client.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             defaultTimeout,
		RetryAttempts:       defaultRetryAttempts,
		RetryDelay:          defaultRetryDelay,
		RetryMaxDelay:       defaultRetryMaxDelay,
		UserAgent:           defaultUserAgent,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Client is an HTTP client with retry and decompression support.
type Client struct {
	config Config
	client *http.Client
	logger *slog.Logger
}

// New creates a client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}

	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config: cfg,
		client: base,
		logger: cfg.Logger,
	}
}

// Do executes a request with retries using the request's own context.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoWithContext(req.Context(), req)
}

// DoWithContext executes a request with retries. Responses with a retryable
// status (429, 502, 503, 504) are retried until the budget runs out; any
// other status is returned to the caller as-is, success or not.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}

	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying request",
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("url", req.URL.String()),
			)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			delay *= 2
			if delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}
		}

		start := time.Now()
		resp, err := c.client.Do(req.WithContext(ctx))
		duration := time.Since(start)

		if err != nil {
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", req.URL.String()),
				slog.String("method", req.Method),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)

			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			c.logger.Warn("retryable status code",
				slog.String("url", req.URL.String()),
				slog.String("method", req.Method),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt),
			)
			resp.Body.Close()
			continue
		}

		c.logger.Debug("request completed",
			slog.String("url", req.URL.String()),
			slog.String("method", req.Method),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", duration),
		)

		if c.config.EnableDecompression {
			resp.Body = c.wrapDecompression(resp)
		}
		if c.config.MaxResponseSize > 0 {
			resp.Body = &limitedReader{body: resp.Body, remaining: c.config.MaxResponseSize}
		}

		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

// Get performs a GET request to the given URL.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.DoWithContext(ctx, req)
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()))
			return resp.Body
		}
		return &decompressReader{reader: reader, closer: resp.Body}
	case "deflate":
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}
	case "br":
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}
	default:
		return resp.Body
	}
}

// decompressReader pairs a decoding reader with the original body closer.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (d *decompressReader) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decompressReader) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.closer.Close()
}

// limitedReader fails the read once the decompressed size limit is exceeded.
type limitedReader struct {
	body      io.ReadCloser
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		return 0, ErrResponseTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.body.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, ErrResponseTooLarge
	}
	return n, err
}

func (l *limitedReader) Close() error {
	return l.body.Close()
}
