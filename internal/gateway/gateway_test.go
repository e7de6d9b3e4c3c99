package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/logging"
)

var allowList = []string{"https://visa.unibridge.uz", "http://localhost:5500"}

func TestAllowOrigin(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		policy   FallbackPolicy
		origin   string
		referer  string
		expected string
	}{
		{"wildcard echoes allowed", FallbackWildcard, "https://visa.unibridge.uz", "", "https://visa.unibridge.uz"},
		{"wildcard prefix match", FallbackWildcard, "http://localhost:5500/x", "", "http://localhost:5500/x"},
		{"wildcard unknown origin", FallbackWildcard, "https://evil.example", "", "*"},
		{"wildcard missing origin", FallbackWildcard, "", "https://visa.unibridge.uz/page", "*"},
		{"first allowed unknown origin", FallbackFirstAllowed, "https://evil.example", "", "https://visa.unibridge.uz"},
		{"first allowed referer fallback", FallbackFirstAllowed, "", "http://localhost:5500/index.html", "http://localhost:5500/index.html"},
		{"first allowed file origin", FallbackFirstAllowed, "", "", "file://"},
		{"first allowed explicit file origin", FallbackFirstAllowed, "file:///home/u/index.html", "", "file:///home/u/index.html"},
		{"none unknown origin", FallbackNone, "https://evil.example", "", ""},
		{"none allowed origin", FallbackNone, "https://visa.unibridge.uz", "", "https://visa.unibridge.uz"},
		{"none missing origin", FallbackNone, "", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cors := CORS{AllowedOrigins: allowList, Fallback: tc.policy}
			assert.Equal(t, tc.expected, cors.AllowOrigin(tc.origin, tc.referer))
		})
	}
}

func TestTaskPath(t *testing.T) {
	t.Parallel()

	cases := []struct {
		raw, prefix, query, want string
	}{
		{"/check-status/abc123", "/check-status", "", "abc123"},
		{"/check-status", "/check-status", "", ""},
		{"/check-status/", "/check-status", "", ""},
		{"/api/check-status/abc?x=1", "/api/check-status", "", "abc"},
		{"/api/check-status", "/api/check-status", "/task-9", "task-9"},
		{"/api/check-status", "/api/check-status", "task-9?cache=0", "task-9"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TaskPath(tc.raw, tc.prefix, tc.query), "TaskPath(%q, %q, %q)", tc.raw, tc.prefix, tc.query)
	}
}

func TestForwardGetToTaskPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/uz/visas/v2/check-status/abc123", r.URL.Path)
		assert.Equal(t, "https://visadoctors.uz", r.Header.Get("Origin"))
		assert.Equal(t, "https://visadoctors.uz/visa-status", r.Header.Get("Referer"))
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream-Secret", "nope")
		_, _ = io.WriteString(w, `{"status":"PENDING"}`)
	}))
	defer srv.Close()

	f := NewForwarder(Options{UpstreamURL: srv.URL + "/api/uz/visas/v2/check-status", Logger: logging.Discard()})
	path := TaskPath("/check-status/abc123", "/check-status", "")

	resp, err := f.Forward(context.Background(), http.MethodGet, path, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.ContentType)
	assert.Equal(t, `{"status":"PENDING"}`, string(resp.Body))
}

func TestForwardCompactsJSONBody(t *testing.T) {
	t.Parallel()

	bodies := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies <- string(raw)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewForwarder(Options{UpstreamURL: srv.URL, Logger: logging.Discard()})
	resp, err := f.Forward(context.Background(), http.MethodPost, "", []byte("{\n  \"passport_number\": \"AA1234567\"\n}"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, `{"passport_number":"AA1234567"}`, <-bodies)

	_, err = f.Forward(context.Background(), http.MethodPost, "", []byte("a=b&c=d"))
	require.NoError(t, err)
	assert.Equal(t, "a=b&c=d", <-bodies)
}

func TestForwardConnectFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := NewForwarder(Options{UpstreamURL: url, Logger: logging.Discard()})
	_, err := f.Forward(context.Background(), http.MethodGet, "x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrUpstreamUnavailable))

	var derr *domain.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, ConnectFailedDetails, derr.Details)
}
