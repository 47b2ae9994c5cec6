// Package notify delivers execution outcomes to outside collaborators.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/taskpilot/taskpilot/internal/domain"
	"github.com/taskpilot/taskpilot/internal/infra/metrics"
)

const (
	// MaxMessageLen and MaxOutputLen bound the text carried in a notification.
	MaxMessageLen = 100
	MaxOutputLen  = 500

	DefaultWebhookTimeout = 10 * time.Second

	// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set.
	SignatureHeader = "X-Taskpilot-Signature"
)

// ─── Log ────────────────────────────────────────────────────────────────────

// LogNotifier writes each outcome to the structured log.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: slog.Default().With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, note domain.Notification) error {
	p := NewPayload(note)
	attrs := []any{
		"task_id", p.TaskID,
		"status", p.Status,
		"message", p.Message,
		"duration_seconds", p.DurationSeconds,
	}
	if note.Success {
		n.log.InfoContext(ctx, "task finished", append(attrs, "result", p.Result)...)
	} else {
		n.log.WarnContext(ctx, "task finished", append(attrs, "error", p.Error, "exit_code", p.ExitCode)...)
	}
	metrics.Notifications.WithLabelValues("log", "ok").Inc()
	return nil
}

// ─── Webhook ────────────────────────────────────────────────────────────────

// Payload is the JSON body posted to webhooks.
type Payload struct {
	Event           string            `json:"event"` // task.completed | task.failed
	TaskID          string            `json:"task_id"`
	UserID          string            `json:"user_id,omitempty"`
	Priority        string            `json:"priority"`
	Status          domain.TaskStatus `json:"status"`
	Message         string            `json:"message"`
	Result          string            `json:"result,omitempty"`
	Error           string            `json:"error,omitempty"`
	ExitCode        int               `json:"exit_code"`
	DurationSeconds float64           `json:"duration_seconds"`
	SentAt          time.Time         `json:"sent_at"`
}

// NewPayload builds the truncated view of a notification.
func NewPayload(note domain.Notification) Payload {
	p := Payload{
		TaskID:          note.TaskID,
		UserID:          note.Task.UserID,
		Priority:        note.Task.Priority,
		Status:          note.Task.Status,
		Message:         domain.Truncate(note.Task.Message, MaxMessageLen),
		ExitCode:        note.Outcome.ExitCode,
		DurationSeconds: note.Outcome.Duration.Seconds(),
		SentAt:          time.Now().UTC(),
	}
	if note.Success {
		p.Event = "task.completed"
		p.Result = domain.Truncate(note.Outcome.Output, MaxOutputLen)
	} else {
		p.Event = "task.failed"
		p.Error = domain.Truncate(note.Outcome.ErrorText(), MaxOutputLen)
	}
	return p
}

// WebhookNotifier posts a JSON Payload to a URL.
type WebhookNotifier struct {
	url    string
	secret []byte
	client *http.Client
	log    *slog.Logger
}

// WebhookOption configures a WebhookNotifier.
type WebhookOption func(*WebhookNotifier)

// WithSecret signs each body with HMAC-SHA256.
func WithSecret(secret string) WebhookOption {
	return func(w *WebhookNotifier) { w.secret = []byte(secret) }
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *WebhookNotifier) { w.client = c }
}

func NewWebhookNotifier(url string, opts ...WebhookOption) *WebhookNotifier {
	w := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: DefaultWebhookTimeout},
		log:    slog.Default().With("component", "notify", "notifier", "webhook"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *WebhookNotifier) Notify(ctx context.Context, note domain.Notification) error {
	body, err := json.Marshal(NewPayload(note))
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "taskpilot")
	if len(w.secret) > 0 {
		req.Header.Set(SignatureHeader, Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		metrics.Notifications.WithLabelValues("webhook", "error").Inc()
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.Notifications.WithLabelValues("webhook", "error").Inc()
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	metrics.Notifications.WithLabelValues("webhook", "ok").Inc()
	w.log.DebugContext(ctx, "notification delivered", "task_id", note.TaskID, "status", resp.StatusCode)
	return nil
}

// Sign returns "sha256=<hex hmac>" for body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ─── Fan-out ────────────────────────────────────────────────────────────────

// Multi delivers to every notifier and joins their errors.
type Multi []domain.Notifier

func (m Multi) Notify(ctx context.Context, note domain.Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
