package server

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

	"opsync/internal/config"
	"opsync/internal/events"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher posts change-log entries to configured URLs. Each hook
// keeps its own cursor; a failed delivery is retried on the next tick.
type WebhookDispatcher struct {
	Changes  events.Writer
	Webhooks []config.WebhookConfig
	Interval time.Duration
	Logger   *slog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

// StartWebhooks runs a dispatcher until ctx ends. It returns nil when no
// hook is configured.
func StartWebhooks(ctx context.Context, changes events.Writer, hooks []config.WebhookConfig, logger *slog.Logger) *WebhookDispatcher {
	if len(hooks) == 0 {
		return nil
	}
	d := &WebhookDispatcher{Changes: changes, Webhooks: hooks, Logger: logger}
	go d.Run(ctx)
	return d
}

func (d *WebhookDispatcher) init() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		d.client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	if d.cursors == nil {
		d.cursors = make(map[int]int64)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// Run dispatches on every tick until ctx ends.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	d.init()
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every enabled hook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	d.init()
	for i, hook := range d.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	changes, err := d.Changes.After(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.Logger.Warn("webhook: fetch changes failed", "err", err)
		return
	}
	typeFilter := newEventFilter(hook.Events)
	collFilter := newEventFilter(hook.Collections)
	for _, c := range changes {
		if !typeFilter.match(c.Type) || !collFilter.match(c.Collection) {
			d.setCursor(idx, c.ID)
			continue
		}
		if err := d.postChange(ctx, hook, c); err != nil {
			d.Logger.Warn("webhook: delivery failed", "url", hook.URL, "change", c.ID, "err", err)
			return
		}
		d.setCursor(idx, c.ID)
	}
}

// cursorFor starts new hooks at the head of the log so history is not replayed.
func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Changes.LatestID(ctx)
	if err != nil {
		d.Logger.Warn("webhook: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookChange struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Collection string          `json:"collection"`
	DocID      string          `json:"doc_id"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postChange(ctx context.Context, hook config.WebhookConfig, c events.Change) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if c.Payload != "" {
		if json.Valid([]byte(c.Payload)) {
			payload = json.RawMessage([]byte(c.Payload))
		} else {
			raw = c.Payload
		}
	}
	data, err := json.Marshal(webhookChange{
		ID:         c.ID,
		Type:       c.Type,
		Collection: c.Collection,
		DocID:      c.DocID,
		ActorID:    c.ActorID,
		TS:         c.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Opsync-Event", c.Type)
	req.Header.Set("X-Opsync-Delivery", fmt.Sprintf("%d", c.ID))
	req.Header.Set("X-Opsync-Collection", c.Collection)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Opsync-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(values []string) eventFilter {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if key := strings.TrimSpace(v); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(v string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[v]
	return ok
}
