// Package notify delivers monitor alerts (limit breaches, expiries and job
// failures) to webhook and log channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-desk/internal/config"
)

// Notifier sends notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Type classifies a notification.
type Type string

const (
	TypeBreach  Type = "risk_breach"
	TypeExpiry  Type = "expiry"
	TypeRehedge Type = "rehedge"
	TypeError   Type = "error"
)

// Level filters which notifications are delivered.
type Level string

const (
	LevelAll          Level = "all"
	LevelBreachesOnly Level = "breaches_only"
	LevelErrorsOnly   Level = "errors_only"
)

// Notification represents a notification message.
type Notification struct {
	Type      Type                   `json:"type"`
	Severity  string                 `json:"severity,omitempty"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// MultiNotifier fans notifications out to every enabled channel.
type MultiNotifier struct {
	channels []Channel
	level    Level
	mu       sync.RWMutex
}

// New builds the channels enabled in cfg.
func New(cfg config.NotifyConfig, logger zerolog.Logger) *MultiNotifier {
	mn := &MultiNotifier{level: Level(cfg.Level)}
	if mn.level == "" {
		mn.level = LevelAll
	}
	if cfg.Log {
		mn.channels = append(mn.channels, NewLogNotifier(logger))
	}
	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch Channel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

func (mn *MultiNotifier) shouldSend(t Type) bool {
	switch mn.level {
	case LevelBreachesOnly:
		return t == TypeBreach || t == TypeError
	case LevelErrorsOnly:
		return t == TypeError
	default:
		return true
	}
}

// Send delivers n to every enabled channel. A failing channel does not stop
// the others; their errors are joined.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs []string
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		if err := ch.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", ch.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// WebhookNotifier posts notifications as JSON.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string { return "webhook" }

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool { return w.enabled }

// Send posts n to the webhook URL.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "optdesk/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier writes notifications to the application log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

// Name returns the name of the notifier.
func (l *LogNotifier) Name() string { return "log" }

// IsEnabled always returns true.
func (l *LogNotifier) IsEnabled() bool { return true }

// Send logs n at warn level for breaches and errors, info otherwise.
func (l *LogNotifier) Send(_ context.Context, n Notification) error {
	ev := l.logger.Info()
	if n.Type == TypeBreach || n.Type == TypeError {
		ev = l.logger.Warn()
	}
	ev.Str("type", string(n.Type)).
		Str("severity", n.Severity).
		Fields(n.Data).
		Msg(n.Title + ": " + n.Message)
	return nil
}
