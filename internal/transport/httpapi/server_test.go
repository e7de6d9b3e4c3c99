package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/gateway"
	"VisaTracker/internal/infrastructure/metrics"
	"VisaTracker/internal/infrastructure/storage"
	"VisaTracker/internal/infrastructure/telegram"
	"VisaTracker/internal/logging"
	"VisaTracker/internal/usecase"
)

var origins = []string{"https://visa.unibridge.uz", "http://localhost:5500"}

type fakeSender struct {
	mu      sync.Mutex
	enabled bool
	err     error
	texts   []string
}

func (f *fakeSender) Enabled() bool { return f.enabled }

func (f *fakeSender) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return f.err
}

type fakeRunner struct {
	result usecase.RunResult
	err    error
	calls  int
}

func (f *fakeRunner) RunOnce(context.Context) (usecase.RunResult, error) {
	f.calls++
	return f.result, f.err
}

type stubChecker struct{ payload string }

func (s stubChecker) CheckStatus(context.Context, domain.Record) (domain.CheckOutcome, error) {
	return domain.CheckOutcome{Payload: json.RawMessage(s.payload)}, nil
}

type testEnv struct {
	server Server
	repo   *storage.MemoryRepository
	sender *fakeSender
	runner *fakeRunner
}

func newTestEnv(t *testing.T, upstreamURL, secret string) *testEnv {
	t.Helper()

	log := logging.Discard()
	repo := storage.NewMemoryRepository()
	reconciler := usecase.NewReconciler(usecase.ReconcilerDeps{
		Repository: repo,
		Checker:    stubChecker{payload: `{"response_data":{"visa_data":{"status":"TASDIQLANGAN"}}}`},
		Logger:     log,
	})
	env := &testEnv{
		repo:   repo,
		sender: &fakeSender{enabled: true},
		runner: &fakeRunner{},
	}
	env.server = NewServer(&Options{
		AllowedOrigins: origins,
		CronSecret:     secret,
		DisableReqLogs: true,
		Forwarder:      gateway.NewForwarder(gateway.Options{UpstreamURL: upstreamURL, Logger: log}),
		Sender:         env.sender,
		Reconciler:     env.runner,
		Records: usecase.NewRecordService(usecase.RecordServiceDeps{
			Repository: repo,
			Reconciler: reconciler,
			Logger:     log,
		}),
		Feed:    repo,
		Metrics: metrics.New(),
		Logger:  log,
	})
	return env
}

func (e *testEnv) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func TestProxyForwardsTaskPath(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/uz/visas/v2/check-status/abc123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "session=1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"id":"abc123","status":"PENDING"}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL+"/api/uz/visas/v2/check-status/", "")
	rec := env.do(http.MethodGet, "/check-status/abc123", "", map[string]string{"Origin": "https://evil.example"})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, `{"id":"abc123","status":"PENDING"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Set-Cookie"))
	assert.Equal(t, "https://visa.unibridge.uz", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "POST, GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestProxyServerlessVariant(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 2)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		_, _ = io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL+"/base/", "")

	rec := env.do(http.MethodGet, "/api/check-status?path=task-7", "", map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "/base/task-7", <-paths)

	rec = env.do(http.MethodPost, "/api/check-status", `{"passport_number": "AA1234567"}`, map[string]string{"Origin": "http://localhost:5500"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://localhost:5500", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "/base/", <-paths)
}

func TestProxyKeepsTrailingSlash(t *testing.T) {
	t.Parallel()

	paths := make(chan string, 3)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		_, _ = io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	env := newTestEnv(t, upstream.URL+"/api/uz/visas/v2/check-status/", "")

	for _, target := range []string{
		"/check-status/abc123/",
		"/api/check-status/abc123/",
		"/api/check-status?path=abc123/",
	} {
		rec := env.do(http.MethodGet, target, "", nil)
		require.Equal(t, http.StatusOK, rec.Code, target)
		assert.Equal(t, "/api/uz/visas/v2/check-status/abc123/", <-paths, target)
	}

	rec := env.do(http.MethodGet, "/api/records/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProxyPreflightAndConnectFailure(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.NotFoundHandler())
	url := upstream.URL
	upstream.Close()

	env := newTestEnv(t, url, "")

	rec := env.do(http.MethodOptions, "/check-status", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, "file://", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(http.MethodGet, "/check-status/x", "", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Failed to connect to visa API", body["details"])
	assert.NotEmpty(t, body["error"])
}

func TestNotifyTelegram(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "http://127.0.0.1:1", "")
	payload := `{"fullName":"JOHN DOE","passport":"AA1234567","newStatus":"APPROVED","applicationDate":"2024-01-01"}`

	rec := env.do(http.MethodPost, "/api/notify-telegram", payload, map[string]string{"Origin": "https://visa.unibridge.uz"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["ok"])
	assert.Equal(t, "https://visa.unibridge.uz", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Len(t, env.sender.texts, 1)
	assert.True(t, strings.HasPrefix(env.sender.texts[0], "🟢 Visa Status Update"))

	rec = env.do(http.MethodPost, "/api/notify-telegram", payload, map[string]string{"Origin": "https://evil.example"})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(http.MethodGet, "/api/notify-telegram", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "Method not allowed", decode(t, rec)["error"])
}

func TestNotifyTelegramFailures(t *testing.T) {
	t.Parallel()

	payload := `{"fullName":"JOHN DOE","newStatus":"REJECTED"}`

	env := newTestEnv(t, "http://127.0.0.1:1", "")
	env.sender.err = &domain.Error{
		Kind:    domain.KindNotifyDeliveryFailed,
		Message: "Telegram API request failed",
		Err:     &telegram.APIError{StatusCode: 400, Response: map[string]any{"ok": false, "description": "chat not found"}},
	}
	rec := env.do(http.MethodPost, "/api/notify-telegram", payload, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Telegram API request failed", body["error"])
	assert.Equal(t, "chat not found", body["details"].(map[string]any)["description"])

	env.sender.err = &domain.Error{Kind: domain.KindNotifyDeliveryFailed, Message: "Failed to send Telegram message", Details: "dial tcp: refused"}
	rec = env.do(http.MethodPost, "/api/notify-telegram", payload, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, "Failed to send Telegram message", body["error"])
	assert.Equal(t, "dial tcp: refused", body["details"])

	env.sender.enabled = false
	rec = env.do(http.MethodPost, "/api/notify-telegram", payload, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Missing TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID environment variable", decode(t, rec)["error"])
}

func TestCronAutoCheck(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "http://127.0.0.1:1", "s3cret")
	env.runner.result = usecase.RunResult{Checked: 3, Changed: 1}

	rec := env.do(http.MethodGet, "/api/cron-auto-check", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Unauthorized", decode(t, rec)["error"])

	rec = env.do(http.MethodGet, "/api/cron-auto-check", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, env.runner.calls)

	rec = env.do(http.MethodGet, "/api/cron-auto-check", "", map[string]string{"Authorization": "Bearer s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"ok": true, "checked": 3.0, "changed": 1.0}, decode(t, rec))

	rec = env.do(http.MethodPost, "/api/cron-auto-check", "", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	env.runner.err = domain.ErrRunInProgress
	rec = env.do(http.MethodGet, "/api/cron-auto-check", "", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, false, decode(t, rec)["ok"])

	env.runner.err = errors.New("list auto-check records: boom")
	rec = env.do(http.MethodGet, "/api/cron-auto-check", "", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, map[string]any{"ok": false, "error": "list auto-check records: boom"}, decode(t, rec))
}

func TestCronWithoutSecretIsOpen(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "http://127.0.0.1:1", "")
	rec := env.do(http.MethodGet, "/api/cron-auto-check", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.runner.calls)
}

func TestRecordsLifecycle(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "http://127.0.0.1:1", "")

	rec := env.do(http.MethodPost, "/api/records", `{"fullName":"john doe","passport":"aa1234567","birthday":"2000-01-01"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	assert.Equal(t, "AA1234567", created["passport"])
	assert.Equal(t, "Pending", created["status"])

	rec = env.do(http.MethodPost, "/api/records", `{"fullName":"x","passport":"AA1234567","birthday":"2000-01-01"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/api/records", `{"fullName":"x","passport":"123","birthday":"2000-01-01"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["details"], "passport")

	rec = env.do(http.MethodPut, "/api/records/AA1234567", `{"fullName":"john x doe","birthday":"2000-01-02","autoCheck":false}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "JOHN X DOE", decode(t, rec)["fullName"])

	rec = env.do(http.MethodPost, "/api/records/AA1234567/check", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	check := decode(t, rec)
	assert.Equal(t, "APPROVED", check["status"])
	assert.Equal(t, true, check["changed"])

	rec = env.do(http.MethodGet, "/api/records?category=approved", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode(t, rec)
	assert.Len(t, list["records"], 1)
	assert.Equal(t, 1.0, list["counts"].(map[string]any)["approved"])

	rec = env.do(http.MethodDelete, "/api/records/AA1234567", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(http.MethodGet, "/api/records/AA1234567", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordsStream(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "http://127.0.0.1:1", "")
	require.NoError(t, env.repo.Create(context.Background(), domain.Record{Passport: "AA1234567", FullName: "JOHN"}))

	srv := httptest.NewServer(env.server)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/records/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var event, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return event, data
			}
		}
	}

	event, data := readEvent()
	assert.Equal(t, "added", event)
	assert.Contains(t, data, `"passport":"AA1234567"`)

	event, _ = readEvent()
	assert.Equal(t, "synced", event)

	require.NoError(t, env.repo.Delete(context.Background(), "AA1234567"))
	event, _ = readEvent()
	assert.Equal(t, "removed", event)
}

func TestHealthzAndMetrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, "http://127.0.0.1:1", "")
	rec := env.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = env.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
