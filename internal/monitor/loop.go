package monitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/gamewatch/internal/metrics"
)

// pollLoop runs work at most once per interval and never concurrently with
// itself. A firing that lands while a run is in flight is dropped, not queued.
type pollLoop struct {
	name     string
	interval time.Duration
	work     func(ctx context.Context) error
	now      func() time.Time
	log      *slog.Logger

	running atomic.Bool

	mu      sync.Mutex
	lastRun time.Time
}

func newPollLoop(name string, interval time.Duration, now func() time.Time, log *slog.Logger, work func(context.Context) error) *pollLoop {
	return &pollLoop{name: name, interval: interval, work: work, now: now, log: log.With("loop", name)}
}

func (l *pollLoop) due() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now().Sub(l.lastRun) > l.interval
}

// advance moves lastRun forward only; a skip window set during a run survives it.
func (l *pollLoop) advance(t time.Time) {
	l.mu.Lock()
	if t.After(l.lastRun) {
		l.lastRun = t
	}
	l.mu.Unlock()
}

// skip postpones the next run until d from now.
func (l *pollLoop) skip(d time.Duration) {
	l.mu.Lock()
	l.lastRun = l.now().Add(d)
	l.mu.Unlock()
}

func (l *pollLoop) last() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastRun
}

// claim takes the in-flight flag; false means a run is already active.
func (l *pollLoop) claim() bool { return l.running.CompareAndSwap(false, true) }

func (l *pollLoop) release() {
	l.advance(l.now())
	l.running.Store(false)
}

// fire starts a run on its own goroutine when the loop is due and idle.
// It reports whether a run was started.
func (l *pollLoop) fire(ctx context.Context, wg *sync.WaitGroup) bool {
	if ctx.Err() != nil || !l.due() || !l.claim() {
		return false
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.exec(context.WithoutCancel(ctx))
	}()
	return true
}

// exec runs the body once; the caller must hold the in-flight flag.
func (l *pollLoop) exec(ctx context.Context) {
	defer l.release()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("loop panic", "panic", r)
			metrics.IncLoopRun(l.name, false)
		}
	}()
	err := l.work(ctx)
	if err != nil {
		l.log.Warn("loop run failed", "error", err)
	}
	metrics.IncLoopRun(l.name, err == nil)
}

// run drives fire from a ticker until ctx is cancelled.
func (l *pollLoop) run(ctx context.Context, every time.Duration, wg *sync.WaitGroup) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.fire(ctx, wg)
		}
	}
}
