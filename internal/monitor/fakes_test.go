package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/gamewatch/internal/detector"
	"github.com/loykin/gamewatch/internal/eventbus"
)

type fakeDetector struct {
	mu      sync.Mutex
	running bool
	procs   []detector.Process
	err     error
	calls   int
	block   chan struct{}
}

func (f *fakeDetector) set(running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = running
	if running {
		f.procs = []detector.Process{{PID: 4242, Name: "srcds_linux"}}
	} else {
		f.procs = nil
	}
}

func (f *fakeDetector) IsServerRunning(ctx context.Context) (bool, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, f.err
}

func (f *fakeDetector) ManagedProcesses(ctx context.Context) ([]detector.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]detector.Process(nil), f.procs...), f.err
}

func (f *fakeDetector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCPU struct {
	mu      sync.Mutex
	samples []float64
}

func (f *fakeCPU) CPUSpent(ctx context.Context, p detector.Process) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.samples) == 0 {
		return 0, errors.New("no sample")
	}
	v := f.samples[0]
	f.samples = f.samples[1:]
	return v, nil
}

type starterCall struct {
	op    string
	first bool
	force bool
}

type fakeStarter struct {
	mu       sync.Mutex
	calls    []starterCall
	startErr error
	onStart  func()
}

func (f *fakeStarter) StartServer(ctx context.Context, first bool) error {
	f.mu.Lock()
	f.calls = append(f.calls, starterCall{op: "start", first: first})
	err, hook := f.startErr, f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeStarter) KillServer(ctx context.Context, force bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, starterCall{op: "kill", force: force})
	return true, nil
}

func (f *fakeStarter) history() []starterCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]starterCall(nil), f.calls...)
}

// fakeMods drops its flag on ClearUpdated unless sticky is set, which leaves
// the sent-once guard as the only thing stopping repeats.
type fakeMods struct {
	mu      sync.Mutex
	updated bool
	sticky  bool
	ids     []string
	ok      bool
	err     error
	checks  int
	clears  int
}

func (f *fakeMods) markUpdated(ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = true
	f.ids = ids
}

func (f *fakeMods) UpdateAllMods(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.ok, f.err
}

func (f *fakeMods) IsNewModUpdated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updated
}

func (f *fakeMods) UpdatedModIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func (f *fakeMods) ClearUpdated() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	if !f.sticky {
		f.updated = false
		f.ids = nil
	}
}

// recorder captures bus traffic for assertions.
type recorder struct {
	mu      sync.Mutex
	states  []eventbus.StateChange
	notes   []eventbus.Notification
	mods    []eventbus.ModUpdated
	metrics []eventbus.MetricEntry
}

func record(b *eventbus.Bus) *recorder {
	r := &recorder{}
	eventbus.On(b, eventbus.StateChanged, func(sc eventbus.StateChange) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, sc)
		return nil
	})
	eventbus.On(b, eventbus.Notifications, func(n eventbus.Notification) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.notes = append(r.notes, n)
		return nil
	})
	eventbus.On(b, eventbus.ModsUpdated, func(m eventbus.ModUpdated) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.mods = append(r.mods, m)
		return nil
	})
	eventbus.On(b, eventbus.MetricEntries, func(m eventbus.MetricEntry) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.metrics = append(r.metrics, m)
		return nil
	})
	return r
}

func (r *recorder) snapshot() recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorder{
		states:  append([]eventbus.StateChange(nil), r.states...),
		notes:   append([]eventbus.Notification(nil), r.notes...),
		mods:    append([]eventbus.ModUpdated(nil), r.mods...),
		metrics: append([]eventbus.MetricEntry(nil), r.metrics...),
	}
}

type fixture struct {
	m       *Monitor
	bus     *eventbus.Bus
	det     *fakeDetector
	cpu     *fakeCPU
	starter *fakeStarter
	mods    *fakeMods
	rec     *recorder
	clock   *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(cfg Config) *fixture {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(log)
	f := &fixture{
		bus:     bus,
		det:     &fakeDetector{},
		cpu:     &fakeCPU{},
		starter: &fakeStarter{},
		mods:    &fakeMods{ok: true},
		clock:   &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.rec = record(bus)
	f.m = New(cfg, bus, Deps{Detector: f.det, CPU: f.cpu, Starter: f.starter, Mods: f.mods}, log)
	f.m.now = f.clock.Now
	return f
}

type fakeGameMods struct {
	*fakeMods
	changed bool
	err     error
	games   int
}

func (f *fakeGameMods) UpdateGame(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games++
	return f.changed, f.err
}
