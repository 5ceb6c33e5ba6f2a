package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tonimelisma/fieldsync/internal/conflict"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookBacklog        = 256
)

// Webhook delivery headers.
const (
	HeaderEvent    = "X-Fieldsync-Event"
	HeaderDelivery = "X-Fieldsync-Delivery"
	HeaderSecret   = "X-Fieldsync-Secret"
)

// WebhookConfig describes one outbound webhook.
type WebhookConfig struct {
	URL     string
	Secret  string
	Events  []string // empty = every event
	Timeout time.Duration
}

// Webhooks posts events as JSON to configured URLs from a background
// worker. Notify never blocks: when the backlog is full the event is dropped
// and logged. Events sent after Close are dropped.
type Webhooks struct {
	hooks  []WebhookConfig
	client *http.Client
	logger *slog.Logger

	mu     sync.Mutex // guards closed and sends on events
	closed bool
	events chan conflict.Event
	done   chan struct{}
}

// NewWebhooks starts a delivery worker for hooks. Call Close to stop it.
func NewWebhooks(hooks []WebhookConfig, client *http.Client, logger *slog.Logger) *Webhooks {
	if logger == nil {
		logger = slog.Default()
	}

	if client == nil {
		client = &http.Client{}
	}

	w := &Webhooks{
		hooks:  hooks,
		client: client,
		logger: logger,
		events: make(chan conflict.Event, webhookBacklog),
		done:   make(chan struct{}),
	}

	go w.run()

	return w
}

// Notify implements conflict.Notifier.
func (w *Webhooks) Notify(_ context.Context, ev conflict.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		w.logger.Debug("webhooks closed, dropping event",
			slog.String("event", string(ev.Type)),
			slog.String("conflict_id", ev.ConflictID),
		)

		return
	}

	select {
	case w.events <- ev:
	default:
		w.logger.Warn("webhook backlog full, dropping event",
			slog.String("event", string(ev.Type)),
			slog.String("conflict_id", ev.ConflictID),
		)
	}
}

// Close stops accepting events and waits for queued deliveries. It is safe
// to call more than once.
func (w *Webhooks) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.events)
	}
	w.mu.Unlock()

	<-w.done
}

func (w *Webhooks) run() {
	defer close(w.done)

	for ev := range w.events {
		for _, hook := range w.hooks {
			if !wants(hook, ev.Type) {
				continue
			}

			if err := w.post(hook, ev); err != nil {
				w.logger.Warn("webhook delivery failed",
					slog.String("url", hook.URL),
					slog.String("event", string(ev.Type)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func wants(hook WebhookConfig, t conflict.EventType) bool {
	if strings.TrimSpace(hook.URL) == "" {
		return false
	}

	if len(hook.Events) == 0 {
		return true
	}

	for _, e := range hook.Events {
		if strings.TrimSpace(e) == string(t) {
			return true
		}
	}

	return false
}

func (w *Webhooks) post(hook WebhookConfig, ev conflict.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encoding event: %w", err)
	}

	timeout := hook.Timeout
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("notify: building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderDelivery, ev.ConflictID)

	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(HeaderSecret, hook.Secret)
	}

	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: posting to %s: %w", hook.URL, err)
	}
	defer res.Body.Close()

	if res.StatusCode < http.StatusOK || res.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("notify: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	return nil
}
