package history

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/metrics"
)

const (
	defaultQueueSize   = 256
	defaultSendTimeout = 5 * time.Second
)

// Recorder copies bus events into a Sink from a background worker so a slow
// sink never blocks the publisher.
type Recorder struct {
	sink   Sink
	server string
	queue  chan Event
	log    *slog.Logger
	now    func() time.Time
}

// NewRecorder creates a recorder for the named server.
func NewRecorder(sink Sink, server string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		sink:   sink,
		server: server,
		queue:  make(chan Event, defaultQueueSize),
		log:    log.With("component", "history"),
		now:    time.Now,
	}
}

// Register subscribes to the recorded topics.
func (r *Recorder) Register(b *eventbus.Bus) []eventbus.Handle {
	return []eventbus.Handle{
		eventbus.On(b, eventbus.StateChanged, func(sc eventbus.StateChange) error {
			r.record(Event{Type: eventbus.TypeStateChange, State: sc.New.String(), Previous: sc.Previous.String(), Success: true})
			return nil
		}),
		eventbus.On(b, eventbus.Notifications, func(n eventbus.Notification) error {
			r.record(Event{Type: eventbus.TypeNotification, Channel: string(n.Channel), Message: n.Message, Success: true})
			return nil
		}),
		eventbus.On(b, eventbus.ModsUpdated, func(m eventbus.ModUpdated) error {
			r.record(Event{Type: eventbus.TypeModUpdated, Message: strings.Join(m.ModIDs, ","), Success: m.Success})
			return nil
		}),
		eventbus.On(b, eventbus.GameUpdates, func(g eventbus.GameUpdated) error {
			r.record(Event{Type: eventbus.TypeGameUpdated, Success: g.Success})
			return nil
		}),
		eventbus.On(b, eventbus.LogEntries, func(l eventbus.LogEntry) error {
			e := Event{Type: eventbus.TypeLogEntry, Channel: l.Source, State: l.Level, Message: l.Message, Success: true}
			if !l.At.IsZero() {
				e.OccurredAt = l.At
			}
			r.record(e)
			return nil
		}),
	}
}

func (r *Recorder) record(e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.now().UTC()
	}
	e.Server = r.server
	select {
	case r.queue <- e:
	default:
		metrics.IncHistoryEvent(false)
		r.log.Warn("history queue full, event dropped", "type", e.Type)
	}
}

// Serve writes queued events until ctx ends. The sink stays open so a
// restarted Serve keeps writing; Close releases it.
func (r *Recorder) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-r.queue:
			sctx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
			err := r.sink.Send(sctx, e)
			cancel()
			metrics.IncHistoryEvent(err == nil)
			if err != nil {
				r.log.Warn("history send failed", "type", e.Type, "error", err)
			}
		}
	}
}

func (r *Recorder) String() string { return "history" }

// Close closes the sink if it implements io.Closer.
func (r *Recorder) Close() error {
	c, ok := r.sink.(io.Closer)
	if !ok {
		return nil
	}
	if err := c.Close(); err != nil {
		r.log.Warn("history sink close failed", "error", err)
		return err
	}
	return nil
}
