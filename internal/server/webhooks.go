package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"missionline/internal/config"
	"missionline/internal/feed"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// Webhooks posts change-log rows to the configured endpoints. Each hook keeps its
// own cursor and retries from the first undelivered row on the next tick.
type Webhooks struct {
	Log      feed.ChangeLog
	Hooks    []config.WebhookConfig
	Interval time.Duration
	Logger   zerolog.Logger

	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func NewWebhooks(log feed.ChangeLog, hooks []config.WebhookConfig, logger zerolog.Logger) *Webhooks {
	return &Webhooks{
		Log:     log,
		Hooks:   hooks,
		Logger:  logger.With().Str("component", "server.webhooks").Logger(),
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		cursors: make(map[int]int64),
	}
}

// Run delivers until ctx is done. It returns at once when no hook is enabled.
func (d *Webhooks) Run(ctx context.Context) error {
	if !d.anyEnabled() {
		return nil
	}
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
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Webhooks) anyEnabled() bool {
	for _, hook := range d.Hooks {
		if hookEnabled(hook) {
			return true
		}
	}
	return false
}

func hookEnabled(hook config.WebhookConfig) bool {
	if hook.Enabled != nil && !*hook.Enabled {
		return false
	}
	return strings.TrimSpace(hook.URL) != ""
}

// DispatchAll runs one delivery pass over every enabled hook.
func (d *Webhooks) DispatchAll(ctx context.Context) {
	for i, hook := range d.Hooks {
		if !hookEnabled(hook) {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Webhooks) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	changes, err := d.Log.ChangesAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("fetch changes failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, c := range changes {
		if !filter.match(EventName(c)) {
			d.setCursor(idx, c.Seq)
			continue
		}
		if err := d.postChange(ctx, hook, c); err != nil {
			d.Logger.Warn().Err(err).Str("url", hook.URL).Int64("seq", c.Seq).Msg("webhook delivery failed")
			return
		}
		d.setCursor(idx, c.Seq)
	}
}

// cursorFor starts a hook at the current end of the log, so only new writes are sent.
func (d *Webhooks) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.Log.LatestChangeID(ctx)
	if err != nil {
		d.Logger.Warn().Err(err).Msg("init webhook cursor failed")
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *Webhooks) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

// EventName is the webhook event type of c, e.g. "mission.updated" or "message.created".
func EventName(c feed.Change) string {
	kind := "mission"
	if c.Table == feed.TableMessages {
		kind = "message"
	}
	switch c.Type {
	case feed.ChangeInsert:
		return kind + ".created"
	case feed.ChangeDelete:
		return kind + ".deleted"
	}
	return kind + ".updated"
}

type webhookEvent struct {
	ID        int64        `json:"id"`
	Type      string       `json:"type"`
	MissionID string       `json:"mission_id"`
	EntityID  string       `json:"entity_id"`
	ActorID   string       `json:"actor_id,omitempty"`
	TS        string       `json:"ts"`
	Change    *feed.Change `json:"change"`
}

func (d *Webhooks) postChange(ctx context.Context, hook config.WebhookConfig, c feed.Change) error {
	event := EventName(c)
	data, err := json.Marshal(webhookEvent{
		ID:        c.Seq,
		Type:      event,
		MissionID: c.MissionID,
		EntityID:  c.EntityID,
		ActorID:   c.ActorID,
		TS:        c.At.UTC().Format(time.RFC3339Nano),
		Change:    &c,
	})
	if err != nil {
		return err
	}
	client := d.client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
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
	req.Header.Set("X-Missionline-Event", event)
	req.Header.Set("X-Missionline-Delivery", fmt.Sprintf("%d", c.Seq))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Missionline-Secret", hook.Secret)
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
		key := strings.TrimSpace(evt)
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

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
