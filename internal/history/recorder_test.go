package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("sink down")
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *memSink) snapshot() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

func TestRecorder_FlattensBusEvents(t *testing.T) {
	sink := &memSink{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewRecorder(sink, "dayz", log)
	fixed := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }
	b := eventbus.New(log)
	r.Register(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()

	logAt := fixed.Add(-time.Minute)
	eventbus.Emit(b, eventbus.StateChanged, eventbus.StateChange{New: state.Started, Previous: state.Starting})
	eventbus.Emit(b, eventbus.Notifications, eventbus.Notification{Channel: eventbus.ChannelAdmin, Message: "hello"})
	eventbus.Emit(b, eventbus.ModsUpdated, eventbus.ModUpdated{ModIDs: []string{"1", "2"}, Success: false})
	eventbus.Emit(b, eventbus.GameUpdates, eventbus.GameUpdated{Success: true})
	eventbus.Emit(b, eventbus.LogEntries, eventbus.LogEntry{Source: "server", Level: "ERROR", Message: "crash", At: logAt})
	eventbus.Emit(b, eventbus.MetricEntries, eventbus.MetricEntry{Name: "ignored"})

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 5 }, 2*time.Second, 10*time.Millisecond)
	got := sink.snapshot()
	assert.Equal(t, Event{Type: eventbus.TypeStateChange, OccurredAt: fixed, Server: "dayz", State: "STARTED", Previous: "STARTING", Success: true}, got[0])
	assert.Equal(t, "admin", got[1].Channel)
	assert.Equal(t, "hello", got[1].Message)
	assert.Equal(t, "1,2", got[2].Message)
	assert.False(t, got[2].Success)
	assert.True(t, got[3].Success)
	assert.Equal(t, logAt, got[4].OccurredAt)
	assert.Equal(t, "ERROR", got[4].State)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, sink.closed)
}

func TestRecorder_ServeAgainAfterReturnKeepsSinkOpen(t *testing.T) {
	sink := &memSink{}
	r := NewRecorder(sink, "dayz", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx) }()
	r.record(Event{Type: eventbus.TypeGameUpdated})
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	// a supervisor restart calls Serve again on the same recorder
	ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Serve(ctx) }()
	r.record(Event{Type: eventbus.TypeGameUpdated})
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.False(t, sink.closed)

	require.NoError(t, r.Close())
	assert.True(t, sink.closed)
}

type discardSink struct{}

func (discardSink) Send(context.Context, Event) error { return nil }

func TestRecorder_CloseWithoutCloser(t *testing.T) {
	r := NewRecorder(discardSink{}, "dayz", nil)
	assert.NoError(t, r.Close())
}

func TestRecorder_SinkFailureKeepsRunning(t *testing.T) {
	sink := &memSink{fail: true}
	r := NewRecorder(sink, "dayz", nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Serve(ctx) }()

	r.record(Event{Type: eventbus.TypeGameUpdated})
	require.Eventually(t, func() bool { return len(r.queue) == 0 }, time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()
	r.record(Event{Type: eventbus.TypeGameUpdated})
	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 1 }, time.Second, 5*time.Millisecond)
}

func TestRecorder_DropsWhenQueueFull(t *testing.T) {
	r := NewRecorder(&memSink{}, "dayz", nil)
	for i := 0; i < defaultQueueSize+10; i++ {
		r.record(Event{Type: eventbus.TypeGameUpdated})
	}
	assert.Len(t, r.queue, defaultQueueSize)
}
