// Package notify delivers incident and remediation notifications. Delivery
// failures are reported to the caller but are never fatal to the operation
// that triggered them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/msageha/fleetguard/internal/metrics"
	"github.com/msageha/fleetguard/internal/model"
)

// Notification kinds.
const (
	KindIncidentOpened    = "incident_opened"
	KindIncidentEscalated = "incident_escalated"
	KindRunDeadLettered   = "run_dead_lettered"
	KindRollback          = "run_rollback"
	KindWorkflowStep      = "workflow_step"
)

type Message struct {
	Kind   string    `json:"kind"`
	Target string    `json:"target,omitempty"`
	Title  string    `json:"title"`
	Detail string    `json:"detail,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// Dispatcher delivers one message.
type Dispatcher interface {
	Notify(ctx context.Context, msg Message) error
}

// Sink is a named dispatcher that may only accept some kinds.
type Sink interface {
	Dispatcher
	Name() string
	Accepts(kind string) bool
}

// Webhook POSTs messages as JSON.
type Webhook struct {
	name   string
	url    string
	kinds  []string
	client *http.Client
}

func NewWebhook(cfg model.WebhookConfig, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		name:   cfg.Name,
		url:    cfg.URL,
		kinds:  cfg.Kinds,
		client: &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) Name() string { return w.name }

// Accepts reports whether kind is in the webhook's kinds. No kinds means all.
func (w *Webhook) Accepts(kind string) bool {
	return len(w.kinds) == 0 || slices.Contains(w.kinds, kind)
}

func (w *Webhook) Notify(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("webhook %s: marshal: %w", w.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", w.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("webhook %s: status %d: %s", w.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Log writes messages to a logger. It is always configured so that every
// notification leaves a trace even without webhooks.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Name() string { return "log" }
func (l *Log) Accepts(string) bool { return true }

func (l *Log) Notify(_ context.Context, msg Message) error {
	l.logger.Info("notification", "kind", msg.Kind, "target", msg.Target, "title", msg.Title, "detail", msg.Detail)
	return nil
}

// Multi fans a message out to every sink that accepts its kind.
type Multi struct {
	sinks   []Sink
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewMulti builds a Multi. m may be nil.
func NewMulti(m *metrics.Metrics, sinks ...Sink) *Multi {
	return &Multi{sinks: sinks, metrics: m, now: time.Now}
}

// FromConfig builds the log sink plus one webhook per configured entry.
func FromConfig(cfg model.NotifyConfig, logger *slog.Logger, m *metrics.Metrics) *Multi {
	sinks := []Sink{NewLog(logger)}
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	for _, wc := range cfg.Webhooks {
		sinks = append(sinks, NewWebhook(wc, timeout))
	}
	return NewMulti(m, sinks...)
}

// Notify delivers to all accepting sinks and joins their errors.
func (mu *Multi) Notify(ctx context.Context, msg Message) error {
	if msg.SentAt.IsZero() {
		msg.SentAt = mu.now().UTC()
	}
	var errs []error
	for _, s := range mu.sinks {
		if !s.Accepts(msg.Kind) {
			continue
		}
		err := s.Notify(ctx, msg)
		if mu.metrics != nil {
			mu.metrics.Notifications.WithLabelValues(s.Name(), metrics.Result(err)).Inc()
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards messages.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }
