package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handle identifies one registered listener for targeted removal.
type Handle struct {
	Type EventType
	ID   uuid.UUID
}

type handlerFunc func(ctx context.Context, payload any) (any, error)

type listener struct {
	id uuid.UUID
	fn handlerFunc
}

// Bus is a typed publish/subscribe hub. Emit is synchronous and best effort;
// Request fans out to responders and hands back one pending result each.
// A failing listener never affects other listeners or the caller.
type Bus struct {
	mu        sync.RWMutex
	listeners map[EventType][]listener
	log       *slog.Logger
}

// New creates an empty bus. A nil logger falls back to slog.Default.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		listeners: make(map[EventType][]listener),
		log:       log.With("component", "eventbus"),
	}
}

// On registers fn for every emission on t.
func On[T any](b *Bus, t Topic[T], fn func(payload T) error) Handle {
	return b.add(t.typ, func(_ context.Context, p any) (any, error) {
		v, ok := p.(T)
		if !ok {
			return nil, fmt.Errorf("event %s: unexpected payload %T", t.typ, p)
		}
		return nil, fn(v)
	})
}

// Respond registers fn as a responder for requests on t.
func Respond[Req, Resp any](b *Bus, t RequestTopic[Req, Resp], fn func(ctx context.Context, req Req) (Resp, error)) Handle {
	return b.add(t.typ, func(ctx context.Context, p any) (any, error) {
		v, ok := p.(Req)
		if !ok {
			return nil, fmt.Errorf("event %s: unexpected payload %T", t.typ, p)
		}
		return fn(ctx, v)
	})
}

// Emit delivers payload to every current listener of t, in registration
// order, before returning. Listener errors and panics are logged and dropped.
func Emit[T any](b *Bus, t Topic[T], payload T) {
	ls := b.snapshot(t.typ)
	b.log.Debug("emit", "event", t.typ, "listeners", len(ls))
	for _, l := range ls {
		if _, err := invoke(context.Background(), l.fn, payload); err != nil {
			b.log.Warn("listener failed", "event", t.typ, "listener", l.id, "error", err)
		}
	}
}

// Request invokes every responder of t with req, each on its own goroutine,
// and returns their pending results in registration order. With no
// responders the slice is empty.
func Request[Req, Resp any](ctx context.Context, b *Bus, t RequestTopic[Req, Resp], req Req) []*Pending[Resp] {
	ls := b.snapshot(t.typ)
	out := make([]*Pending[Resp], 0, len(ls))
	for _, l := range ls {
		p := newPending[Resp]()
		out = append(out, p)
		go func(l listener) {
			v, err := invoke(ctx, l.fn, req)
			var resp Resp
			if err == nil && v != nil {
				r, ok := v.(Resp)
				if !ok {
					err = fmt.Errorf("event %s: unexpected result %T", t.typ, v)
				} else {
					resp = r
				}
			}
			if err != nil {
				b.log.Warn("responder failed", "event", t.typ, "listener", l.id, "error", err)
			}
			p.resolve(resp, err)
		}(l)
	}
	return out
}

// Off removes the listener identified by h. It reports whether it was found.
func (b *Bus) Off(h Handle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	ls := b.listeners[h.Type]
	for i, l := range ls {
		if l.id == h.ID {
			b.listeners[h.Type] = append(ls[:i:i], ls[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes all listeners for t.
func (b *Bus) Clear(t EventType) {
	b.mu.Lock()
	delete(b.listeners, t)
	b.mu.Unlock()
}

// Count returns the number of listeners registered for t.
func (b *Bus) Count(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[t])
}

func (b *Bus) add(t EventType, fn handlerFunc) Handle {
	l := listener{id: uuid.New(), fn: fn}
	b.mu.Lock()
	b.listeners[t] = append(b.listeners[t], l)
	b.mu.Unlock()
	return Handle{Type: t, ID: l.id}
}

// snapshot copies the listener list so callbacks run without the lock held;
// listeners may then emit or register on the same bus.
func (b *Bus) snapshot(t EventType) []listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ls := b.listeners[t]
	if len(ls) == 0 {
		return nil
	}
	cp := make([]listener, len(ls))
	copy(cp, ls)
	return cp
}

func invoke(ctx context.Context, fn handlerFunc, payload any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx, payload)
}
