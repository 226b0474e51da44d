package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/metrics"
)

// Config configures webhook delivery. Admin messages fall back to
// WebhookURL when AdminWebhookURL is empty; rcon output needs its own URL.
type Config struct {
	WebhookURL      string        `mapstructure:"webhook_url"`
	AdminWebhookURL string        `mapstructure:"admin_webhook_url"`
	RCONWebhookURL  string        `mapstructure:"rcon_webhook_url"`
	QueueSize       int           `mapstructure:"queue_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Mentions        Mentions      `mapstructure:",squash"`
}

// Enabled reports whether any webhook is configured.
func (c Config) Enabled() bool {
	return c.WebhookURL != "" || c.AdminWebhookURL != "" || c.RCONWebhookURL != ""
}

type payload struct {
	Content string `json:"content"`
}

// Webhook queues notification messages and posts them from a single worker.
// Messages published before Serve runs stay queued until it does.
type Webhook struct {
	cfg    Config
	client *http.Client
	queue  chan eventbus.Notification
	log    *slog.Logger
	active atomic.Bool
}

// NewWebhook creates a webhook notifier.
func NewWebhook(cfg Config, log *slog.Logger) *Webhook {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Webhook{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		queue:  make(chan eventbus.Notification, cfg.QueueSize),
		log:    log.With("component", "notify"),
	}
}

// Register subscribes the queue to notification messages.
func (w *Webhook) Register(b *eventbus.Bus) eventbus.Handle {
	return eventbus.On(b, eventbus.Notifications, func(n eventbus.Notification) error {
		w.Enqueue(n)
		return nil
	})
}

// Enqueue adds n to the delivery queue. It never blocks; when the queue is
// full the message is dropped.
func (w *Webhook) Enqueue(n eventbus.Notification) bool {
	if w.url(n.Channel) == "" {
		metrics.IncNotification(string(n.Channel), "dropped")
		return false
	}
	select {
	case w.queue <- n:
		return true
	default:
		metrics.IncNotification(string(n.Channel), "dropped")
		w.log.Warn("notification queue full, message dropped", "channel", n.Channel)
		return false
	}
}

// Serve delivers queued messages until ctx ends.
func (w *Webhook) Serve(ctx context.Context) error {
	if !w.active.CompareAndSwap(false, true) {
		return errors.New("webhook notifier already running")
	}
	defer w.active.Store(false)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-w.queue:
			err := w.deliver(ctx, n)
			if err != nil {
				metrics.IncNotification(string(n.Channel), "failed")
				w.log.Warn("notification delivery failed", "channel", n.Channel, "error", err)
				continue
			}
			metrics.IncNotification(string(n.Channel), "delivered")
		}
	}
}

func (w *Webhook) String() string { return "notify" }

func (w *Webhook) url(ch eventbus.Channel) string {
	switch ch {
	case eventbus.ChannelAdmin:
		if w.cfg.AdminWebhookURL != "" {
			return w.cfg.AdminWebhookURL
		}
		return w.cfg.WebhookURL
	case eventbus.ChannelRCON:
		return w.cfg.RCONWebhookURL
	default:
		return w.cfg.WebhookURL
	}
}

func (w *Webhook) deliver(ctx context.Context, n eventbus.Notification) error {
	body, err := json.Marshal(payload{Content: n.Message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url(n.Channel), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
