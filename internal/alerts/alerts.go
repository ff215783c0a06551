// Package alerts implements the AlertManager: severity-tagged operator
// notifications with mute-rule suppression, a short dedup window, and
// fanout across the console/Slack/webhook channels.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/orchestra-systems/orchestrator/internal/config"
	"github.com/orchestra-systems/orchestrator/internal/events"
	"github.com/orchestra-systems/orchestrator/internal/logging"
	"github.com/orchestra-systems/orchestrator/internal/store"
)

// Severity classifies an alert's urgency.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

const (
	dedupWindow = 5 * time.Minute
	historyCap  = 1000
)

// MuteRule suppresses alerts whose title, source, or message contains
// Pattern (case-insensitive substring) until ExpiresAt.
type MuteRule struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	ExpiresAt time.Time `json:"expires_at"`
}

// active reports whether the rule is still in effect at now. A rule with a
// zero or past ExpiresAt is never active, matching the spec's rule that a
// non-positive duration is pruned on the very next read.
func (r MuteRule) active(now time.Time) bool {
	return now.Before(r.ExpiresAt)
}

// Event is one recorded alert, dispatched or suppressed.
type Event struct {
	ID         string         `json:"id"`
	Severity   Severity       `json:"severity"`
	Source     string         `json:"source"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Dispatched bool           `json:"dispatched"`
	Channels   []string       `json:"channels,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Channel delivers one dispatched event. A channel's own failure never
// aborts delivery to the others.
type Channel interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Manager is the AlertManager: the single entry point (SendAlert) every
// other component uses to surface something an operator should see.
type Manager struct {
	mu    sync.Mutex
	rules []MuteRule

	history  []Event
	channels []Channel
	bus      *events.EventBus
	logger   *logging.Logger

	historyStore *store.Collection[string, []Event]
	seq          uint64
}

// Config groups a Manager's collaborators.
type Config struct {
	Channels []Channel
	Bus      *events.EventBus
	Logger   *logging.Logger
}

// New constructs a Manager. historyFilePath may be empty for in-memory-only
// history (tests).
func New(cfg Config, historyFilePath string) (*Manager, error) {
	historyStore := store.NewCollection[string, []Event](store.CollectionConfig{FilePath: historyFilePath, Name: "alerts-history"})
	if err := historyStore.EnsureDir(); err != nil {
		return nil, err
	}
	if err := historyStore.Load(); err != nil {
		return nil, err
	}
	m := &Manager{channels: cfg.Channels, bus: cfg.Bus, logger: cfg.Logger, historyStore: historyStore}
	if existing, ok := historyStore.Get("history"); ok {
		m.history = existing
	}
	return m, nil
}

// AddMuteRule installs a mute rule active until now+durationMs. A
// durationMs ≤ 0 installs a rule that is pruned on the very next read,
// matching the spec's "effectively never active" wording.
func (m *Manager) AddMuteRule(pattern string, durationMs int64) MuteRule {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	rule := MuteRule{
		ID:        fmt.Sprintf("mute-%d", m.seq),
		Pattern:   pattern,
		ExpiresAt: time.Now().Add(time.Duration(durationMs) * time.Millisecond),
	}
	m.rules = append(m.rules, rule)
	return rule
}

// pruneExpiredLocked drops every mute rule whose ExpiresAt has passed.
// Caller must hold m.mu.
func (m *Manager) pruneExpiredLocked(now time.Time) {
	live := m.rules[:0]
	for _, r := range m.rules {
		if r.active(now) {
			live = append(live, r)
		}
	}
	m.rules = live
}

// SendAlert runs the pipeline: prune expired mutes, check active mutes,
// dedup within the 5-minute window, then fan out to every enabled channel.
func (m *Manager) SendAlert(ctx context.Context, severity Severity, source, title, message string, metadata map[string]any) Event {
	m.mu.Lock()
	now := time.Now()
	m.pruneExpiredLocked(now)

	muted := false
	for _, r := range m.rules {
		if matchesAny(r.Pattern, title, source, message) {
			muted = true
			break
		}
	}

	deduped := false
	if !muted {
		for _, e := range m.history {
			if e.Title == title && e.Source == source && e.Severity == severity && now.Sub(e.Timestamp) < dedupWindow {
				deduped = true
				break
			}
		}
	}
	m.seq++
	event := Event{
		ID: fmt.Sprintf("alert-%d", m.seq), Severity: severity, Source: source,
		Title: title, Message: message, Metadata: metadata, Timestamp: now,
	}
	m.mu.Unlock()

	if !muted && !deduped {
		var succeeded []string
		for _, ch := range m.channels {
			if err := ch.Send(ctx, event); err != nil {
				m.log("alert channel failed", "channel", ch.Name(), "error", err)
				continue
			}
			succeeded = append(succeeded, ch.Name())
		}
		event.Dispatched = len(succeeded) > 0
		event.Channels = succeeded
	}

	m.mu.Lock()
	m.history = store.AppendCapped(m.history, event, historyCap)
	_ = m.historyStore.Put("history", m.history)
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(alertEvent{events.NewBaseEvent(events.TypeAlertDispatched, source), event})
	}
	return event
}

func matchesAny(pattern string, fields ...string) bool {
	lower := strings.ToLower(pattern)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), lower) {
			return true
		}
	}
	return false
}

// GetAlertHistory returns up to limit most-recent-first events.
func (m *Manager) GetAlertHistory(limit int) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0; i-- {
		out = append(out, m.history[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *Manager) log(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Info(msg, args...)
	}
}

type alertEvent struct {
	events.BaseEvent
	Alert Event
}

// ConsoleChannel logs alerts through the structured logger.
type ConsoleChannel struct {
	logger *logging.Logger
}

// NewConsoleChannel constructs a ConsoleChannel.
func NewConsoleChannel(logger *logging.Logger) *ConsoleChannel {
	return &ConsoleChannel{logger: logger}
}

func (c *ConsoleChannel) Name() string { return "console" }

func (c *ConsoleChannel) Send(ctx context.Context, event Event) error {
	if c.logger != nil {
		c.logger.Info("alert", "severity", event.Severity, "source", event.Source, "title", event.Title, "message", event.Message)
	}
	return nil
}

// WebhookChannel posts alerts as a JSON payload to an arbitrary URL.
type WebhookChannel struct {
	url    string
	client *http.Client
}

// NewWebhookChannel constructs a WebhookChannel posting to url.
func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook channel: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts alerts to a Slack incoming webhook URL.
type SlackChannel struct {
	webhook *WebhookChannel
}

// NewSlackChannel constructs a SlackChannel posting to Slack's
// SLACK_WEBHOOK_URL-style incoming webhook.
func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{webhook: NewWebhookChannel(webhookURL)}
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("[%s] %s: %s - %s", strings.ToUpper(string(event.Severity)), event.Source, event.Title, event.Message),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhook.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.webhook.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("slack channel: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// ChannelsFromConfig builds the enabled channel set from alerts config.
func ChannelsFromConfig(cfg config.AlertsConfig, logger *logging.Logger) []Channel {
	var channels []Channel
	if cfg.ConsoleEnabled {
		channels = append(channels, NewConsoleChannel(logger))
	}
	if cfg.SlackEnabled && cfg.WebhookURL != "" {
		channels = append(channels, NewSlackChannel(cfg.WebhookURL))
	}
	if cfg.WebhookEnabled && cfg.WebhookURL != "" {
		channels = append(channels, NewWebhookChannel(cfg.WebhookURL))
	}
	return channels
}
