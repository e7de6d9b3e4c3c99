// Package gateway forwards browser requests to the visa API, which rejects
// cross-origin calls and non-browser clients.
package gateway

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

	"VisaTracker/internal/domain"
	"VisaTracker/internal/infrastructure/metrics"
	"VisaTracker/internal/infrastructure/visaapi"
)

// MaxBodyBytes caps forwarded request bodies.
const MaxBodyBytes = 1 << 20

// ConnectFailedDetails is reported when the visa API cannot be reached.
const ConnectFailedDetails = "Failed to connect to visa API"

// Options configure the Forwarder.
type Options struct {
	UpstreamURL string
	UserAgent   string
	// Timeout bounds one upstream call; zero disables it.
	Timeout    time.Duration
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Forwarder relays requests to the visa API check-status endpoint.
type Forwarder struct {
	base      string
	userAgent string
	client    *http.Client
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// Response is what the caller gets back: status, the two passthrough headers and the raw body.
type Response struct {
	StatusCode    int
	ContentType   string
	ContentLength string
	Body          []byte
}

// NewForwarder builds a Forwarder.
func NewForwarder(opts Options) *Forwarder {
	f := &Forwarder{
		base:      opts.UpstreamURL,
		userAgent: opts.UserAgent,
		client:    opts.HTTPClient,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if !strings.HasSuffix(f.base, "/") {
		f.base += "/"
	}
	if f.userAgent == "" {
		f.userAgent = "Mozilla/5.0"
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: opts.Timeout}
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// TaskPath derives the upstream sub-path. queryPath wins when the hosting layer
// rewrote the URL into ?path=; otherwise prefix is stripped from rawPath. Any
// query string and leading slashes are dropped.
func TaskPath(rawPath, prefix, queryPath string) string {
	p := queryPath
	if p == "" {
		p = strings.TrimPrefix(rawPath, prefix)
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return strings.TrimLeft(p, "/")
}

// Target returns the upstream URL for a sub-path.
func (f *Forwarder) Target(path string) string {
	return f.base + path
}

// Forward sends method to the upstream sub-path. POST bodies that are JSON are
// re-serialized compactly; anything else is sent as is.
func (f *Forwarder) Forward(ctx context.Context, method, path string, body []byte) (*Response, error) {
	var reader io.Reader
	if method == http.MethodPost && len(body) > 0 {
		if json.Valid(body) {
			var buf bytes.Buffer
			if err := json.Compact(&buf, body); err == nil {
				body = buf.Bytes()
			}
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.Target(path), reader)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	visaapi.SetBrowserHeaders(req.Header, f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.metrics.ObserveProxy(method, http.StatusInternalServerError)
		f.logger.Error("proxy request failed", "method", method, "path", path, "error", err)
		return nil, &domain.Error{
			Kind:    domain.KindUpstreamUnavailable,
			Message: err.Error(),
			Details: ConnectFailedDetails,
			Err:     err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		f.metrics.ObserveProxy(method, http.StatusInternalServerError)
		return nil, &domain.Error{
			Kind:    domain.KindUpstreamUnavailable,
			Message: err.Error(),
			Details: ConnectFailedDetails,
			Err:     err,
		}
	}

	f.metrics.ObserveProxy(method, resp.StatusCode)
	return &Response{
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.Header.Get("Content-Length"),
		Body:          raw,
	}, nil
}
