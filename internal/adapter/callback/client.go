// Package callback delivers analysis results to caller-supplied
// webhook URLs (C3).
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bfhealy/nmma-relay/internal/domain"
)

// Client delivers a single callback attempt per Deliver call. Unlike
// the system this service relays for, retrying on failure is left to
// the Retrieval Worker's upload-failure budget rather than an internal
// sleep loop, so a stuck webhook cannot block a worker tick.
type Client struct {
	hc *http.Client
}

// New constructs a callback Client with tracing instrumentation on its
// transport.
func New() *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Callback %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{hc: &http.Client{Transport: transport}}
}

var _ domain.CallbackClient = (*Client)(nil)

// Deliver posts payload to url if method is POST; any other method is
// treated as a no-op success, mirroring the original implementation's
// behavior of skipping non-POST callback URLs without error.
func (c *Client) Deliver(ctx context.Context, url, method string, payload []byte, timeout time.Duration) (bool, string) {
	if !strings.EqualFold(method, "POST") {
		slog.Warn("callback method is not POST, skipping delivery", slog.String("method", method), slog.String("url", url))
		return true, ""
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Sprintf("failed to build callback request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return false, fmt.Sprintf("callback transport error: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Sprintf("callback returned status %d: %s", resp.StatusCode, extractErrorMessage(body))
	}

	return true, ""
}

// extractErrorMessage pulls a human-readable message out of a
// non-200 callback response body: top-level "message", else
// "data.message", else the raw body.
func extractErrorMessage(body []byte) string {
	var parsed struct {
		Message string `json:"message"`
		Data    struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Data.Message != "" {
			return parsed.Data.Message
		}
	}
	return string(body)
}
