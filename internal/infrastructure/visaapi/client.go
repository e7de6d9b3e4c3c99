package visaapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"VisaTracker/internal/domain"
	"VisaTracker/internal/infrastructure/metrics"
	"VisaTracker/internal/ports"
)

const (
	siteOrigin  = "https://visadoctors.uz"
	siteReferer = "https://visadoctors.uz/visa-status"

	statusPending = "PENDING"
	maxBodyBytes  = 4 << 20
)

// SetBrowserHeaders makes a request look like it came from the visa site's own form.
func SetBrowserHeaders(h http.Header, userAgent string) {
	h.Set("Accept", "application/json")
	h.Set("Origin", siteOrigin)
	h.Set("Referer", siteReferer)
	h.Set("User-Agent", userAgent)
}

// DefaultMaxRetries is the poll budget used when Options.MaxRetries is zero.
const DefaultMaxRetries = 10

// Options configure the Client. Zero values fall back to sane defaults;
// a negative MaxRetries disables polling.
type Options struct {
	Endpoint     string
	PollInterval time.Duration
	MaxRetries   int
	Timeout      time.Duration
	UserAgent    string
	HTTPClient   *http.Client
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	Now          func() time.Time
}

// Client submits status checks to the visa API and polls queued tasks.
type Client struct {
	endpoint     string
	pollInterval time.Duration
	maxRetries   int
	userAgent    string
	http         *http.Client
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

var _ ports.StatusChecker = (*Client)(nil)

// NewClient builds a Client.
func NewClient(opts Options) *Client {
	c := &Client{
		endpoint:     opts.Endpoint,
		pollInterval: opts.PollInterval,
		maxRetries:   opts.MaxRetries,
		userAgent:    opts.UserAgent,
		http:         opts.HTTPClient,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 2 * time.Second
	}
	switch {
	case c.maxRetries == 0:
		c.maxRetries = DefaultMaxRetries
	case c.maxRetries < 0:
		c.maxRetries = 0
	}
	if c.userAgent == "" {
		c.userAgent = "Mozilla/5.0"
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: opts.Timeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

type checkRequest struct {
	PassportNumber string  `json:"passport_number"`
	EnglishName    string  `json:"english_name"`
	BirthDate      string  `json:"birth_date"`
	Website        string  `json:"website"`
	FormStartTime  float64 `json:"_form_start_time"`
}

// CheckStatus submits one check and polls while the upstream task stays PENDING.
// The returned outcome carries the last payload received; TimedOut is set when
// the retry budget ran out before the task left PENDING.
func (c *Client) CheckStatus(ctx context.Context, record domain.Record) (domain.CheckOutcome, error) {
	body, err := json.Marshal(checkRequest{
		PassportNumber: record.Passport,
		EnglishName:    record.FullName,
		BirthDate:      record.Birthday,
		FormStartTime:  float64(c.now().UnixMilli()) / 1000,
	})
	if err != nil {
		return domain.CheckOutcome{}, fmt.Errorf("encode check request: %w", err)
	}

	payload, err := c.submit(ctx, body)
	if err != nil {
		c.metrics.ObserveCheck(metrics.OutcomeFailed, 0)
		return domain.CheckOutcome{}, err
	}

	outcome := domain.CheckOutcome{Payload: payload}
	taskID, status := taskState(payload)
	outcome.TaskID = taskID

	for status == statusPending && taskID != "" && outcome.Polls < c.maxRetries {
		if err := c.wait(ctx); err != nil {
			return outcome, err
		}
		outcome.Polls++

		next, ok := c.poll(ctx, taskID)
		if !ok {
			continue
		}
		outcome.Payload = next
		_, status = taskState(next)
	}

	if status == statusPending && taskID != "" {
		outcome.TimedOut = true
		c.logger.Warn("visa task still pending after retry budget",
			"passport", record.Passport, "error", outcome.Err())
		c.metrics.ObserveCheck(metrics.OutcomeTimedOut, outcome.Polls)
		return outcome, nil
	}

	c.metrics.ObserveCheck(metrics.OutcomeOK, outcome.Polls)
	return outcome, nil
}

func (c *Client) submit(ctx context.Context, body []byte) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	SetBrowserHeaders(req.Header, c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewError(domain.KindUpstreamUnavailable, "visa API request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, domain.NewError(domain.KindUpstreamUnavailable, "visa API request failed",
			fmt.Errorf("read body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.NewError(domain.KindUpstreamUnavailable, "visa API request failed",
			fmt.Errorf("status %d: %s", resp.StatusCode, errorDetail(resp.Header.Get("Content-Type"), raw)))
	}
	if !json.Valid(raw) {
		return nil, domain.NewError(domain.KindUpstreamUnavailable, "visa API request failed",
			fmt.Errorf("undecodable body: %s", errorDetail(resp.Header.Get("Content-Type"), raw)))
	}
	return raw, nil
}

// poll fetches the task once. Any failure keeps the previous payload.
func (c *Client) poll(ctx context.Context, taskID string) (json.RawMessage, bool) {
	url := strings.TrimRight(c.endpoint, "/") + "/" + taskID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false
	}
	SetBrowserHeaders(req.Header, c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("poll visa task", "task_id", taskID, "error", err)
		return nil, false
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil || resp.StatusCode < 200 || resp.StatusCode > 299 || !json.Valid(raw) {
		c.logger.Debug("poll visa task", "task_id", taskID, "status", resp.StatusCode)
		return nil, false
	}
	return raw, true
}

func (c *Client) wait(ctx context.Context) error {
	timer := time.NewTimer(c.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// taskState reads the task id and workflow status from a payload object.
func taskState(raw json.RawMessage) (string, string) {
	var envelope struct {
		ID     any `json:"id"`
		Status any `json:"status"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", ""
	}
	status, _ := envelope.Status.(string)

	switch id := envelope.ID.(type) {
	case string:
		return id, status
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), status
	default:
		return "", status
	}
}

// errorDetail summarizes an error body: the <title> of HTML pages, otherwise the trimmed text.
func errorDetail(contentType string, raw []byte) string {
	text := strings.TrimSpace(string(raw))
	if strings.Contains(contentType, "html") || strings.HasPrefix(text, "<") {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw)); err == nil {
			if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
				return title
			}
		}
	}
	if len(text) > 200 {
		text = text[:200]
	}
	if text == "" {
		return "empty body"
	}
	return text
}
