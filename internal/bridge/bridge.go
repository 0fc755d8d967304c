// Package bridge adapts external collaborators onto the pipeline's narrow
// interfaces. The indexer and torrent client are plain JSON-over-HTTP
// services; every adapter here returns typed external-unavailable errors so
// the circuit breaker and retry classification see them correctly.
//
// An adapter built from a config section with an empty URL is a disabled
// stub: every call fails as external-unavailable without touching the
// network, which parks the affected pipeline steps until an operator wires
// the collaborator up.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/pkg/httpclient"
)

const defaultTimeout = 30 * time.Second

func newClient(timeout time.Duration, logger *slog.Logger) *httpclient.Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = timeout
	cfg.Logger = logger
	// Transport-level retries stay off: the pipeline's own breaker and
	// attempt budget decide when a collaborator call is retried.
	cfg.RetryAttempts = 0
	return httpclient.New(cfg)
}

// decodeBody decodes a JSON response body into out, draining the remainder
// so the connection can be reused.
func decodeBody(resp *http.Response, out any) error {
	defer drain(resp)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(apperrors.KindExternalUnavailable, err, "decoding response")
	}
	return nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// unavailable wraps a transport error as external-unavailable.
func unavailable(err error, format string, args ...any) error {
	return apperrors.Wrap(apperrors.KindExternalUnavailable, err, format, args...)
}

// statusError classifies an unexpected HTTP status.
func statusError(service string, code int) error {
	return apperrors.New(apperrors.KindExternalUnavailable, "%s returned status %d", service, code)
}

// joinURL glues a base URL and a path without doubling slashes.
func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func newRequest(ctx context.Context, method, url string, body io.Reader, apiKey string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-Api-Key", apiKey)
	}
	return req, nil
}
