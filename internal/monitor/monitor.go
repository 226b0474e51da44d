// Package monitor supervises the game server process: it polls liveness,
// restarts a dead server, forwards mod updates and watches for a hung server.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/gamewatch/internal/detector"
	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/metrics"
	"github.com/loykin/gamewatch/internal/state"
	"github.com/loykin/gamewatch/internal/stuck"
)

// MetricCPUSpent names the metric entry emitted for every stuck-check sample.
const MetricCPUSpent = "server_cpu_spent"

const (
	msgRestarting  = "Server is not running, restarting"
	msgStuck       = "WARNING: Server possibly got stuck!"
	msgRestartFail = "Server restart failed"
)

// ErrBusy is returned by Restart while a tick is in flight.
var ErrBusy = errors.New("monitor busy")

// ServerDetector reports whether the managed server is alive.
type ServerDetector interface {
	IsServerRunning(ctx context.Context) (bool, error)
	ManagedProcesses(ctx context.Context) ([]detector.Process, error)
}

// CPUAccounting samples CPU time consumed by a process.
type CPUAccounting interface {
	CPUSpent(ctx context.Context, p detector.Process) (float64, error)
}

// ServerStarter starts and kills the managed server.
type ServerStarter interface {
	StartServer(ctx context.Context, first bool) error
	KillServer(ctx context.Context, force bool) (bool, error)
}

// ModUpdater is polled for workshop mod updates.
type ModUpdater interface {
	UpdateAllMods(ctx context.Context) (bool, error)
	IsNewModUpdated() bool
	UpdatedModIDs() []string
	ClearUpdated()
}

// GameUpdater is implemented by updaters that also update the server install.
// The mod poll runs it before the mods.
type GameUpdater interface {
	UpdateGame(ctx context.Context) (bool, error)
}

type Config struct {
	Disabled          bool          `mapstructure:"disabled"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ModUpdateInterval time.Duration `mapstructure:"mod_update_interval"`
	LoopInterval      time.Duration `mapstructure:"loop_interval"`
	LockRestart       bool          `mapstructure:"lock_restart"`
	LockFile          string        `mapstructure:"lock_file"`
	DisableLockLogs   bool          `mapstructure:"disable_lock_logs"`
	DisableStuckCheck bool          `mapstructure:"disable_stuck_check"`
	StartupGrace      time.Duration `mapstructure:"startup_grace"`
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ModUpdateInterval <= 0 {
		c.ModUpdateInterval = 30 * time.Minute
	}
	if c.LoopInterval <= 0 {
		c.LoopInterval = 500 * time.Millisecond
	}
	if c.StartupGrace <= 0 {
		c.StartupGrace = 120 * time.Second
	}
}

// Deps are the collaborators the monitor drives. Mods may be nil.
type Deps struct {
	Detector ServerDetector
	CPU      CPUAccounting
	Starter  ServerStarter
	Mods     ModUpdater
}

// Monitor owns the server state. All state writes go through setState.
type Monitor struct {
	cfg  Config
	bus  *eventbus.Bus
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	cur     atomic.Int32
	transMu sync.Mutex

	window *stuck.Detector

	mu           sync.Mutex
	initialStart bool
	modMsgSent   bool

	configLock  atomic.Bool
	noStuck     atomic.Bool
	restartLock atomic.Bool

	tick *pollLoop
	mods *pollLoop

	runMu    sync.Mutex
	cancel   context.CancelFunc
	timers   sync.WaitGroup
	inflight sync.WaitGroup
}

func New(cfg Config, bus *eventbus.Bus, deps Deps, log *slog.Logger) *Monitor {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	m := &Monitor{
		cfg:          cfg,
		bus:          bus,
		deps:         deps,
		log:          log.With("component", "monitor"),
		now:          time.Now,
		window:       stuck.New(),
		initialStart: true,
	}
	m.cur.Store(int32(state.Stopped))
	m.configLock.Store(cfg.LockRestart)
	m.noStuck.Store(cfg.DisableStuckCheck)
	now := func() time.Time { return m.now() }
	m.tick = newPollLoop("tick", cfg.PollInterval, now, m.log, m.runTick)
	m.mods = newPollLoop("mods", cfg.ModUpdateInterval, now, m.log, m.updateMods)
	return m
}

// State returns the current server state. Safe to call from bus listeners.
func (m *Monitor) State() state.ServerState { return state.ServerState(m.cur.Load()) }

// setState applies a transition and publishes it before returning. Same-state
// writes and STARTED while STOPPING are ignored. State-change listeners must
// not trigger another transition synchronously.
func (m *Monitor) setState(next state.ServerState) bool {
	_, ok := m.transition(next, nil)
	return ok
}

// transition is setState with an extra precondition on the current state,
// checked under the same lock. It returns the state it replaced.
func (m *Monitor) transition(next state.ServerState, allow func(prev state.ServerState) bool) (state.ServerState, bool) {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	prev := m.State()
	if prev == next || (next == state.Started && prev == state.Stopping) {
		return prev, false
	}
	if allow != nil && !allow(prev) {
		return prev, false
	}
	m.cur.Store(int32(next))
	m.log.Info("server state changed", "from", prev, "to", next)
	eventbus.Emit(m.bus, eventbus.StateChanged, eventbus.StateChange{New: next, Previous: prev})
	return prev, true
}

// Start launches the server poll and mod poll timers. It is a no-op while
// already running.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.timers.Add(2)
	go func() { defer m.timers.Done(); m.tick.run(ctx, m.cfg.LoopInterval, &m.inflight) }()
	go func() { defer m.timers.Done(); m.mods.run(ctx, m.cfg.LoopInterval, &m.inflight) }()
	m.log.Info("monitor started", "poll_interval", m.cfg.PollInterval, "mod_update_interval", m.cfg.ModUpdateInterval)
}

// Stop cancels both timers and drops every state-change listener. In-flight
// runs finish on their own. It is a no-op if the monitor is not running.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.timers.Wait()
	m.bus.Clear(eventbus.TypeStateChange)
	m.log.Info("monitor stopped")
}

// Wait blocks until in-flight runs have returned.
func (m *Monitor) Wait() { m.inflight.Wait() }

// Serve runs the monitor until ctx is done.
func (m *Monitor) Serve(ctx context.Context) error {
	m.Start(ctx)
	<-ctx.Done()
	m.Stop()
	return ctx.Err()
}

func (m *Monitor) String() string { return "monitor" }

// SetRestartLock toggles the operator lock that suppresses restarts.
func (m *Monitor) SetRestartLock(v bool) {
	if m.restartLock.Swap(v) != v {
		m.log.Info("restart lock changed", "locked", v)
	}
}

// SetConfigLock applies a reloaded monitor.lock_restart value.
func (m *Monitor) SetConfigLock(v bool) { m.configLock.Store(v) }

// SetStuckCheckDisabled applies a reloaded monitor.disable_stuck_check value.
func (m *Monitor) SetStuckCheckDisabled(v bool) {
	m.noStuck.Store(v)
	if v {
		m.window.Reset()
	}
}

// SkipLoop suppresses tick evaluation for d.
func (m *Monitor) SkipLoop(d time.Duration) {
	m.tick.skip(d)
	m.log.Debug("tick evaluation suppressed", "for", d)
}

// Restart runs restart orchestration now. It fails with ErrBusy when a tick
// is in flight.
func (m *Monitor) Restart(ctx context.Context) error {
	if !m.tick.claim() {
		return ErrBusy
	}
	defer m.tick.release()
	return m.restart(ctx, true)
}

// Kill moves a live server to STOPPING, then delegates termination.
func (m *Monitor) Kill(ctx context.Context, force bool) (bool, error) {
	m.transition(state.Stopping, state.ServerState.Running)
	killed, err := m.deps.Starter.KillServer(ctx, force)
	if err != nil {
		m.log.Warn("kill server failed", "force", force, "error", err)
	}
	return killed, err
}

// Status is a point-in-time view for the control API.
type Status struct {
	State              state.ServerState `json:"state"`
	Disabled           bool              `json:"disabled"`
	ConfigLock         bool              `json:"config_lock"`
	LockFile           bool              `json:"lock_file"`
	RestartLock        bool              `json:"restart_lock"`
	StuckCheckDisabled bool              `json:"stuck_check_disabled"`
	CPUSamples         []float64         `json:"cpu_samples"`
	LastTick           time.Time         `json:"last_tick"`
	ModMessageSent     bool              `json:"mod_message_sent"`
	Running            bool              `json:"monitoring"`
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	sent := m.modMsgSent
	m.mu.Unlock()
	m.runMu.Lock()
	running := m.cancel != nil
	m.runMu.Unlock()
	return Status{
		State:              m.State(),
		Disabled:           m.cfg.Disabled,
		ConfigLock:         m.configLock.Load(),
		LockFile:           m.lockFileExists(),
		RestartLock:        m.restartLock.Load(),
		StuckCheckDisabled: m.noStuck.Load(),
		CPUSamples:         m.window.Samples(),
		LastTick:           m.tick.last(),
		ModMessageSent:     sent,
		Running:            running,
	}
}

func (m *Monitor) lockFileExists() bool {
	if m.cfg.LockFile == "" {
		return false
	}
	_, err := os.Stat(m.cfg.LockFile)
	return err == nil
}

func (m *Monitor) lockLog(msg string) {
	if !m.cfg.DisableLockLogs {
		m.log.Info(msg)
	}
}

// runTick is one evaluation. Locks suppress the restart decision only; the
// server is still probed so the state keeps tracking reality.
func (m *Monitor) runTick(ctx context.Context) error {
	if m.cfg.Disabled {
		return nil
	}
	needRestart := true
	switch {
	case m.configLock.Load():
		m.lockLog("restart locked by configuration")
		needRestart = false
	case m.lockFileExists():
		m.lockLog("restart locked by lock file")
		needRestart = false
	case m.restartLock.Load():
		m.lockLog("restart locked by operator")
		needRestart = false
	}

	running, err := m.deps.Detector.IsServerRunning(ctx)
	if err != nil {
		return fmt.Errorf("detect server: %w", err)
	}
	lost := false
	if running {
		m.setState(state.Started)
		m.mu.Lock()
		m.initialStart = false
		m.mu.Unlock()
		needRestart = false
	} else {
		prev, changed := m.transition(state.Stopped, nil)
		lost = changed && prev.Running()
	}

	if needRestart {
		// a lost server is already announced through its state change
		return m.restart(ctx, !lost)
	}
	if m.forwardModUpdate() {
		return nil
	}
	if !m.noStuck.Load() {
		return m.checkStuck(ctx)
	}
	return nil
}

func (m *Monitor) restart(ctx context.Context, announce bool) error {
	if announce {
		eventbus.Emit(m.bus, eventbus.Notifications, eventbus.Notification{Channel: eventbus.ChannelAdmin, Message: msgRestarting})
	}
	m.setState(state.Starting)

	if _, err := m.deps.Starter.KillServer(ctx, false); err != nil {
		m.log.Warn("stop before start failed", "error", err)
	}
	m.mu.Lock()
	first := m.initialStart
	m.mu.Unlock()

	err := m.deps.Starter.StartServer(ctx, first)

	m.window.Reset()
	if m.deps.Mods != nil {
		// the restart loaded every pending update
		m.deps.Mods.ClearUpdated()
	}
	m.mu.Lock()
	m.modMsgSent = false
	if err == nil {
		m.initialStart = false
	}
	m.mu.Unlock()

	metrics.IncRestart(err == nil)
	if err != nil {
		eventbus.Emit(m.bus, eventbus.Notifications, eventbus.Notification{
			Channel: eventbus.ChannelAdmin,
			Message: fmt.Sprintf("%s: %v", msgRestartFail, err),
		})
		return fmt.Errorf("restart server: %w", err)
	}
	m.log.Info("server restarted", "first_start", first, "grace", m.cfg.StartupGrace)
	m.SkipLoop(m.cfg.StartupGrace)
	return nil
}

// forwardModUpdate emits the pending mod update once per restart cycle.
func (m *Monitor) forwardModUpdate() bool {
	mods := m.deps.Mods
	if mods == nil || !mods.IsNewModUpdated() {
		return false
	}
	m.mu.Lock()
	if m.modMsgSent {
		m.mu.Unlock()
		return false
	}
	m.modMsgSent = true
	m.mu.Unlock()

	ids := mods.UpdatedModIDs()
	m.log.Info("mods updated", "ids", ids)
	eventbus.Emit(m.bus, eventbus.ModsUpdated, eventbus.ModUpdated{ModIDs: ids, Success: true})
	mods.ClearUpdated()
	return true
}

func (m *Monitor) checkStuck(ctx context.Context) error {
	ps, err := m.deps.Detector.ManagedProcesses(ctx)
	if err != nil {
		return fmt.Errorf("list server processes: %w", err)
	}
	if len(ps) == 0 {
		m.window.Evaluate(0, 0)
		return nil
	}
	spent, err := m.deps.CPU.CPUSpent(ctx, ps[0])
	if err != nil {
		return fmt.Errorf("sample cpu: %w", err)
	}
	eventbus.Emit(m.bus, eventbus.MetricEntries, eventbus.MetricEntry{Name: MetricCPUSpent, Value: spent, At: m.now()})
	if m.window.Evaluate(len(ps), spent) {
		metrics.IncStuck()
		m.log.Warn("server possibly stuck", "pid", ps[0].PID, "samples", m.window.Samples())
		eventbus.Emit(m.bus, eventbus.Notifications, eventbus.Notification{Channel: eventbus.ChannelAdmin, Message: msgStuck})
	}
	return nil
}

func (m *Monitor) updateMods(ctx context.Context) error {
	if m.cfg.Disabled || m.deps.Mods == nil {
		return nil
	}
	if gu, ok := m.deps.Mods.(GameUpdater); ok {
		m.updateGame(ctx, gu)
	}
	ok, err := m.deps.Mods.UpdateAllMods(ctx)
	metrics.IncModUpdateCheck(err == nil && ok)
	if err == nil && ok {
		return nil
	}
	var failed interface{ ModIDs() []string }
	var ids []string
	if errors.As(err, &failed) {
		ids = failed.ModIDs()
	}
	eventbus.Emit(m.bus, eventbus.ModsUpdated, eventbus.ModUpdated{ModIDs: ids, Success: false})
	if err != nil {
		return fmt.Errorf("update mods: %w", err)
	}
	return errors.New("update mods: updater reported failure")
}

// updateGame publishes a game update outcome. Failures never stop the mod
// update that follows.
func (m *Monitor) updateGame(ctx context.Context, gu GameUpdater) {
	changed, err := gu.UpdateGame(ctx)
	switch {
	case err != nil:
		m.log.Warn("game update failed", "error", err)
		eventbus.Emit(m.bus, eventbus.GameUpdates, eventbus.GameUpdated{Success: false})
	case changed:
		m.log.Info("game updated")
		eventbus.Emit(m.bus, eventbus.GameUpdates, eventbus.GameUpdated{Success: true})
	}
}
