package telegram

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
	"VisaTracker/internal/ports"
)

const defaultAPIURL = "https://api.telegram.org"

// APIError is a non-success answer of the Bot API. Response holds the decoded body.
type APIError struct {
	StatusCode int
	Response   any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api status %d", e.StatusCode)
}

// Options configure the Notifier.
type Options struct {
	BotToken   string
	ChatID     string
	APIURL     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Notifier sends status updates to a Telegram chat via bot API.
type Notifier struct {
	botToken string
	chatID   string
	apiURL   string
	client   *http.Client
	logger   *slog.Logger
}

var _ ports.Notifier = (*Notifier)(nil)

// NewNotifier registers bot token and chat identifier.
func NewNotifier(opts Options) *Notifier {
	n := &Notifier{
		botToken: opts.BotToken,
		chatID:   opts.ChatID,
		apiURL:   strings.TrimRight(opts.APIURL, "/"),
		client:   opts.HTTPClient,
		logger:   opts.Logger,
	}
	if n.apiURL == "" {
		n.apiURL = defaultAPIURL
	}
	if n.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		n.client = &http.Client{Timeout: timeout}
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	return n
}

// Enabled reports whether token and chat id are both configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.botToken != "" && n.chatID != ""
}

// Notify composes and sends the status-change message for record.
func (n *Notifier) Notify(ctx context.Context, record domain.Record, newStatus, applicationDate string) error {
	return n.Send(ctx, Compose(Message{
		FullName:        record.FullName,
		StudentID:       record.StudentID,
		ApplicationDate: applicationDate,
		Status:          newStatus,
	}))
}

type sendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

// Send posts a plain text message to the configured chat.
func (n *Notifier) Send(ctx context.Context, text string) error {
	if !n.Enabled() {
		return domain.NewError(domain.KindConfigMissing,
			"Missing TELEGRAM_BOT_TOKEN or TELEGRAM_CHAT_ID environment variable", nil)
	}

	payload, err := json.Marshal(sendMessageRequest{ChatID: n.chatID, Text: text, DisableWebPagePreview: true})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.apiURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		// the token is part of the URL; keep it out of error details
		msg := strings.ReplaceAll(err.Error(), n.botToken, "<token>")
		return &domain.Error{
			Kind:    domain.KindNotifyDeliveryFailed,
			Message: "Failed to send Telegram message",
			Details: msg,
			Err:     fmt.Errorf("do request: %s", msg),
		}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var decoded struct {
		OK bool `json:"ok"`
	}
	jsonErr := json.Unmarshal(raw, &decoded)
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 && jsonErr == nil && decoded.OK {
		n.logger.Debug("telegram message sent", "chat_id", n.chatID)
		return nil
	}

	var response any = strings.TrimSpace(string(raw))
	var body any
	if json.Unmarshal(raw, &body) == nil {
		response = body
	}
	return &domain.Error{
		Kind:    domain.KindNotifyDeliveryFailed,
		Message: domain.ErrNotifyDeliveryFailed.Message,
		Details: response,
		Err:     &APIError{StatusCode: resp.StatusCode, Response: response},
	}
}
