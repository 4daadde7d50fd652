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

	"casetrack/internal/config"
	"casetrack/internal/domain"
	"casetrack/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookOptions tunes the dispatcher; zero values use the defaults.
type WebhookOptions struct {
	Interval time.Duration
	Logger   *slog.Logger
	// FromStart delivers the existing history instead of starting at the
	// latest lifecycle event.
	FromStart bool
}

type webhookDispatcher struct {
	engine    engine.Engine
	webhooks  []config.WebhookConfig
	client    *http.Client
	logger    *slog.Logger
	fromStart bool
	mu        sync.Mutex
	cursors   map[int]int64
}

// StartWebhookDispatcher polls lifecycle events and posts them to the
// configured hooks until ctx is done. It returns false when no hook is
// configured.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, opts WebhookOptions) bool {
	d := newWebhookDispatcher(e, opts)
	if d == nil {
		return false
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	go d.run(ctx, interval)
	return true
}

func newWebhookDispatcher(e engine.Engine, opts WebhookOptions) *webhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookDispatcher{
		engine:    e,
		webhooks:  e.Config.Webhooks,
		client:    &http.Client{Timeout: defaultWebhookTimeout},
		logger:    logger,
		fromStart: opts.FromStart,
		cursors:   make(map[int]int64),
	}
}

func (d *webhookDispatcher) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, ok := d.cursorFor(ctx, idx)
	if !ok {
		return
	}
	evts, err := d.engine.Repo.LifecycleEventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("webhook: fetch lifecycle events failed", "err", err)
		}
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

// cursorFor returns the hook's cursor, initializing it on first use. A failed
// initialization is not cached; the next pass tries again.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur, true
	}
	var cur int64
	if !d.fromStart {
		latest, err := d.engine.Repo.LatestLifecycleEventID(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("webhook: init cursor failed", "err", err)
			}
			return 0, false
		}
		cur = latest
	}
	d.cursors[idx] = cur
	return cur, true
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

func webhookEventType(evt domain.LifecycleEvent) string {
	return "case." + string(evt.ToStatus)
}

type webhookEvent struct {
	ID         int64             `json:"id"`
	Type       string            `json:"type"`
	CaseID     string            `json:"case_id"`
	FromStatus domain.CaseStatus `json:"from_status"`
	ToStatus   domain.CaseStatus `json:"to_status"`
	Reason     string            `json:"reason"`
	ActorID    string            `json:"actor_id,omitempty"`
	TS         string            `json:"ts"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.LifecycleEvent) error {
	body := webhookEvent{
		ID:         evt.ID,
		Type:       webhookEventType(evt),
		CaseID:     evt.CaseID,
		FromStatus: evt.FromStatus,
		ToStatus:   evt.ToStatus,
		Reason:     evt.Reason,
		TS:         evt.TS,
	}
	if evt.ActorID != nil {
		body.ActorID = *evt.ActorID
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Casetrack-Event", body.Type)
	req.Header.Set("X-Casetrack-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Casetrack-Case", evt.CaseID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Casetrack-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

// eventFilter matches a lifecycle event by its type ("case.complete"), its
// target status ("complete") or its reason ("auto-completed").
type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := domain.Normalize(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt domain.LifecycleEvent) bool {
	if f.all {
		return true
	}
	for _, key := range []string{webhookEventType(evt), string(evt.ToStatus), domain.Normalize(evt.Reason)} {
		if _, ok := f.set[key]; ok {
			return true
		}
	}
	return false
}
