package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestSetState_SameStatePublishesOnce(t *testing.T) {
	f := newFixture(Config{})
	assert.True(t, f.m.setState(state.Starting))
	assert.False(t, f.m.setState(state.Starting))
	assert.Equal(t, []eventbus.StateChange{{New: state.Starting, Previous: state.Stopped}}, f.rec.snapshot().states)
}

func TestSetState_StartedIgnoredWhileStopping(t *testing.T) {
	f := newFixture(Config{})
	f.m.setState(state.Started)
	f.m.setState(state.Stopping)
	before := len(f.rec.snapshot().states)

	assert.False(t, f.m.setState(state.Started))
	assert.Equal(t, state.Stopping, f.m.State())
	assert.Len(t, f.rec.snapshot().states, before)

	// STOPPED is still reachable from STOPPING
	assert.True(t, f.m.setState(state.Stopped))
}

func TestSetState_PublishedBeforeReturn(t *testing.T) {
	f := newFixture(Config{})
	var seen state.ServerState
	eventbus.On(f.bus, eventbus.StateChanged, func(sc eventbus.StateChange) error {
		seen = f.m.State()
		return nil
	})
	f.m.setState(state.Starting)
	assert.Equal(t, state.Starting, seen)
}

func TestTick_RestartsStoppedServerThenObservesStart(t *testing.T) {
	f := newFixture(Config{})

	require.NoError(t, f.m.runTick(ctx))
	snap := f.rec.snapshot()
	require.Equal(t, []eventbus.StateChange{{New: state.Starting, Previous: state.Stopped}}, snap.states)
	require.NotEmpty(t, snap.notes)
	assert.Equal(t, eventbus.ChannelAdmin, snap.notes[0].Channel)
	assert.Equal(t, []starterCall{{op: "kill"}, {op: "start", first: true}}, f.starter.history())

	f.det.set(true)
	f.cpu.samples = []float64{12.5}
	require.NoError(t, f.m.runTick(ctx))
	snap = f.rec.snapshot()
	assert.Equal(t, eventbus.StateChange{New: state.Started, Previous: state.Starting}, snap.states[len(snap.states)-1])

	// a later restart is no longer the first start
	f.det.set(false)
	require.NoError(t, f.m.runTick(ctx))
	calls := f.starter.history()
	assert.Equal(t, starterCall{op: "start", first: false}, calls[len(calls)-1])
}

func TestTick_LostServerRestartsWithoutExtraNotice(t *testing.T) {
	f := newFixture(Config{})
	f.det.set(true)
	f.cpu.samples = []float64{1}
	require.NoError(t, f.m.runTick(ctx))
	require.Equal(t, state.Started, f.m.State())

	f.det.set(false)
	require.NoError(t, f.m.runTick(ctx))
	snap := f.rec.snapshot()
	assert.Empty(t, snap.notes, "the STARTED to STOPPED change already reports the loss")
	require.GreaterOrEqual(t, len(snap.states), 2)
	assert.Equal(t, eventbus.StateChange{New: state.Stopped, Previous: state.Started}, snap.states[len(snap.states)-2])
	assert.Equal(t, eventbus.StateChange{New: state.Starting, Previous: state.Stopped}, snap.states[len(snap.states)-1])
	assert.Equal(t, []starterCall{{op: "kill"}, {op: "start"}}, f.starter.history())

	// manual restarts are still announced
	require.NoError(t, f.m.Restart(ctx))
	notes := f.rec.snapshot().notes
	require.Len(t, notes, 1)
	assert.Equal(t, msgRestarting, notes[0].Message)
}

func TestTick_RestartSkipsNextEvaluations(t *testing.T) {
	f := newFixture(Config{PollInterval: 5 * time.Second, StartupGrace: 120 * time.Second})
	var wg sync.WaitGroup

	require.True(t, f.m.tick.fire(ctx, &wg))
	wg.Wait()
	require.Len(t, f.starter.history(), 2)

	f.clock.Advance(60 * time.Second)
	assert.False(t, f.m.tick.fire(ctx, &wg), "inside startup grace")

	f.clock.Advance(66 * time.Second)
	assert.True(t, f.m.tick.fire(ctx, &wg))
	wg.Wait()
}

func TestTick_NonOverlap(t *testing.T) {
	f := newFixture(Config{PollInterval: time.Millisecond})
	f.det.set(true)
	f.det.block = make(chan struct{})
	var wg sync.WaitGroup

	require.True(t, f.m.tick.fire(ctx, &wg))
	require.Eventually(t, func() bool { return f.det.callCount() == 1 }, time.Second, time.Millisecond)
	f.clock.Advance(time.Second)
	assert.False(t, f.m.tick.fire(ctx, &wg))
	assert.False(t, f.m.tick.fire(ctx, &wg))

	close(f.det.block)
	wg.Wait()
	assert.Equal(t, 1, f.det.callCount())
}

func TestTick_LastRunNeverMovesBackwards(t *testing.T) {
	f := newFixture(Config{PollInterval: time.Second})
	l := f.m.tick
	l.skip(time.Minute)
	l.advance(f.clock.Now())
	assert.Equal(t, f.clock.Now().Add(time.Minute), l.last())
}

func TestTick_LocksSuppressRestart(t *testing.T) {
	lockFile := filepath.Join(t.TempDir(), "maintenance.lock")
	require.NoError(t, os.WriteFile(lockFile, nil, 0o600))

	cases := []struct {
		name  string
		cfg   Config
		setup func(m *Monitor)
	}{
		{"config lock", Config{LockRestart: true}, nil},
		{"lock file", Config{LockFile: lockFile}, nil},
		{"operator lock", Config{}, func(m *Monitor) { m.SetRestartLock(true) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(tc.cfg)
			if tc.setup != nil {
				tc.setup(f.m)
			}
			require.NoError(t, f.m.runTick(ctx))
			assert.Equal(t, 1, f.det.callCount(), "server is still probed")
			assert.Empty(t, f.starter.history())
			assert.Equal(t, state.Stopped, f.m.State())

			// a locked server that comes up is still tracked
			f.det.set(true)
			f.cpu.samples = []float64{1}
			require.NoError(t, f.m.runTick(ctx))
			assert.Equal(t, state.Started, f.m.State())
		})
	}
}

func TestTick_MissingLockFileDoesNotLock(t *testing.T) {
	f := newFixture(Config{LockFile: filepath.Join(t.TempDir(), "absent.lock")})
	require.NoError(t, f.m.runTick(ctx))
	assert.Equal(t, 1, f.det.callCount())
	assert.NotEmpty(t, f.starter.history())
}

func TestTick_DisabledIsNoop(t *testing.T) {
	f := newFixture(Config{Disabled: true})
	require.NoError(t, f.m.runTick(ctx))
	require.NoError(t, f.m.updateMods(ctx))
	assert.Zero(t, f.det.callCount())
	assert.Zero(t, f.mods.checks)
}

func TestTick_DetectorErrorIsReported(t *testing.T) {
	f := newFixture(Config{})
	f.det.err = errors.New("procfs unavailable")
	err := f.m.runTick(ctx)
	assert.ErrorContains(t, err, "procfs unavailable")
	assert.Empty(t, f.starter.history())
}

func TestTick_ModUpdateForwardedOnce(t *testing.T) {
	f := newFixture(Config{})
	f.det.set(true)
	f.mods.sticky = true
	f.mods.markUpdated("111", "222")
	f.cpu.samples = []float64{1, 2}

	require.NoError(t, f.m.runTick(ctx))
	require.NoError(t, f.m.runTick(ctx))

	mods := f.rec.snapshot().mods
	require.Len(t, mods, 1)
	assert.Equal(t, eventbus.ModUpdated{ModIDs: []string{"111", "222"}, Success: true}, mods[0])
	assert.Equal(t, 1, f.mods.clears)
	assert.True(t, f.m.Status().ModMessageSent)
}

func TestTick_RestartClearsPendingModUpdate(t *testing.T) {
	f := newFixture(Config{})
	f.det.set(true)
	f.cpu.samples = []float64{1, 2, 3}
	f.mods.markUpdated("111")
	require.NoError(t, f.m.runTick(ctx)) // forwarded

	// a second update arrives while the message is marked sent
	f.mods.markUpdated("111")
	require.NoError(t, f.m.runTick(ctx))
	require.Len(t, f.rec.snapshot().mods, 1)

	f.det.set(false)
	require.NoError(t, f.m.runTick(ctx)) // restart loads the pending update
	assert.Equal(t, 2, f.mods.clears)
	assert.False(t, f.m.Status().ModMessageSent)

	f.det.set(true)
	require.NoError(t, f.m.runTick(ctx))
	assert.Len(t, f.rec.snapshot().mods, 1, "update applied by the restart is not announced again")

	// the next update after the restart is forwarded
	f.mods.markUpdated("222")
	require.NoError(t, f.m.runTick(ctx))
	mods := f.rec.snapshot().mods
	require.Len(t, mods, 2)
	assert.Equal(t, []string{"222"}, mods[1].ModIDs)
}

func TestTick_StuckServerRaisesAdminNotification(t *testing.T) {
	f := newFixture(Config{})
	f.det.set(true)
	f.cpu.samples = []float64{100, 100.5, 101, 100.2, 100.1}

	for i := 0; i < 4; i++ {
		require.NoError(t, f.m.runTick(ctx))
	}
	assert.Empty(t, f.rec.snapshot().notes)

	require.NoError(t, f.m.runTick(ctx))
	snap := f.rec.snapshot()
	require.Len(t, snap.notes, 1)
	assert.Equal(t, eventbus.Notification{Channel: eventbus.ChannelAdmin, Message: msgStuck}, snap.notes[0])
	require.Len(t, snap.metrics, 5)
	assert.Equal(t, MetricCPUSpent, snap.metrics[4].Name)
	assert.Equal(t, 100.1, snap.metrics[4].Value)
	assert.Equal(t, state.Started, f.m.State(), "stuck detection never changes state")
	assert.Len(t, f.starter.history(), 0, "stuck detection never restarts")
}

func TestTick_BusyServerIsNotStuck(t *testing.T) {
	f := newFixture(Config{})
	f.det.set(true)
	f.cpu.samples = []float64{10, 20, 30, 40, 50}
	for i := 0; i < 5; i++ {
		require.NoError(t, f.m.runTick(ctx))
	}
	assert.Empty(t, f.rec.snapshot().notes)
}

func TestTick_StuckCheckDisabled(t *testing.T) {
	f := newFixture(Config{DisableStuckCheck: true})
	f.det.set(true)
	require.NoError(t, f.m.runTick(ctx))
	assert.Empty(t, f.rec.snapshot().metrics)

	f.m.SetStuckCheckDisabled(false)
	f.cpu.samples = []float64{1}
	require.NoError(t, f.m.runTick(ctx))
	assert.Len(t, f.rec.snapshot().metrics, 1)
}

func TestTick_NoProcessesResetsWindow(t *testing.T) {
	f := newFixture(Config{LockRestart: true})
	f.det.set(true)
	f.cpu.samples = []float64{5, 5, 5}
	for i := 0; i < 3; i++ {
		require.NoError(t, f.m.runTick(ctx))
	}
	require.Len(t, f.m.window.Samples(), 3)

	f.det.set(false) // locked, so no restart: the stuck check sees no processes
	require.NoError(t, f.m.runTick(ctx))
	assert.Empty(t, f.m.window.Samples())
}

func TestRestart_FailureNotifiesAndDoesNotSkip(t *testing.T) {
	f := newFixture(Config{PollInterval: time.Second})
	f.starter.startErr = errors.New("binary missing")
	var wg sync.WaitGroup

	require.True(t, f.m.tick.fire(ctx, &wg))
	wg.Wait()

	notes := f.rec.snapshot().notes
	require.Len(t, notes, 2)
	assert.Equal(t, eventbus.ChannelAdmin, notes[1].Channel)
	assert.Contains(t, notes[1].Message, msgRestartFail)
	assert.Contains(t, notes[1].Message, "binary missing")

	f.clock.Advance(2 * time.Second)
	assert.True(t, f.m.tick.fire(ctx, &wg), "no grace window after a failed start")
	wg.Wait()
}

func TestRestart_BusyWhileTickInFlight(t *testing.T) {
	f := newFixture(Config{})
	require.True(t, f.m.tick.claim())
	assert.ErrorIs(t, f.m.Restart(ctx), ErrBusy)
	f.m.tick.release()

	require.NoError(t, f.m.Restart(ctx))
	assert.Equal(t, state.Starting, f.m.State())
}

func TestKill_TransitionsToStoppingFirst(t *testing.T) {
	f := newFixture(Config{})
	f.m.setState(state.Started)
	var stateAtKill state.ServerState
	eventbus.On(f.bus, eventbus.StateChanged, func(sc eventbus.StateChange) error {
		stateAtKill = sc.New
		return nil
	})
	killed, err := f.m.Kill(ctx, false)
	require.NoError(t, err)
	assert.True(t, killed)
	assert.Equal(t, state.Stopping, stateAtKill)
	assert.Equal(t, []starterCall{{op: "kill"}}, f.starter.history())
}

func TestKill_NeverLeavesStoppedForStopping(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := newFixture(Config{})
		f.m.setState(state.Started)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = f.m.Kill(ctx, false) }()
		go func() { defer wg.Done(); f.m.setState(state.Stopped) }()
		wg.Wait()
		for _, sc := range f.rec.snapshot().states {
			require.False(t, sc.New == state.Stopping && sc.Previous == state.Stopped, "STOPPED moved to STOPPING")
		}
	}
}

func TestKill_WhenStoppedKeepsState(t *testing.T) {
	f := newFixture(Config{})
	_, err := f.m.Kill(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, state.Stopped, f.m.State())
	assert.Empty(t, f.rec.snapshot().states)
	assert.Equal(t, []starterCall{{op: "kill", force: true}}, f.starter.history())
}

func TestUpdateMods_FailureEmitsFailedStatus(t *testing.T) {
	f := newFixture(Config{})
	f.mods.ok = false
	f.mods.err = errors.New("steamcmd timeout")
	assert.ErrorContains(t, f.m.updateMods(ctx), "steamcmd timeout")
	require.Len(t, f.rec.snapshot().mods, 1)
	assert.False(t, f.rec.snapshot().mods[0].Success)

	f.mods.err = nil
	f.mods.ok = true
	require.NoError(t, f.m.updateMods(ctx))
	assert.Len(t, f.rec.snapshot().mods, 1)
}

func TestUpdateMods_PublishesGameUpdates(t *testing.T) {
	f := newFixture(Config{})
	var games []eventbus.GameUpdated
	eventbus.On(f.bus, eventbus.GameUpdates, func(g eventbus.GameUpdated) error {
		games = append(games, g)
		return nil
	})
	gm := &fakeGameMods{fakeMods: f.mods}
	f.m.deps.Mods = gm

	require.NoError(t, f.m.updateMods(ctx))
	assert.Empty(t, games, "an unchanged install is not announced")

	gm.changed = true
	require.NoError(t, f.m.updateMods(ctx))
	require.Len(t, games, 1)
	assert.True(t, games[0].Success)

	gm.changed, gm.err = false, errors.New("steamcmd exit status 8")
	require.NoError(t, f.m.updateMods(ctx), "a failed game update does not fail the mod run")
	require.Len(t, games, 2)
	assert.False(t, games[1].Success)
	assert.Equal(t, 3, gm.games)
	assert.Equal(t, 3, f.mods.checks)
}

func TestStartStop(t *testing.T) {
	f := newFixture(Config{PollInterval: time.Millisecond, LoopInterval: 5 * time.Millisecond, ModUpdateInterval: time.Hour})
	f.m.now = time.Now
	f.det.set(true)

	// Stop before Start is a no-op and keeps listeners
	f.m.Stop()
	assert.Equal(t, 1, f.bus.Count(eventbus.TypeStateChange))

	f.m.Start(ctx)
	f.m.Start(ctx)
	require.Eventually(t, func() bool { return f.m.State() == state.Started }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, f.m.Status().Running)

	f.m.Stop()
	f.m.Wait()
	assert.Equal(t, 0, f.bus.Count(eventbus.TypeStateChange))
	assert.False(t, f.m.Status().Running)

	calls := f.det.callCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, f.det.callCount(), "no ticks after stop")
}

func TestServe_ReturnsOnCancel(t *testing.T) {
	f := newFixture(Config{LoopInterval: time.Millisecond})
	cctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.m.Serve(cctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(Config{LockRestart: true})
	f.m.SetRestartLock(true)
	st := f.m.Status()
	assert.Equal(t, state.Stopped, st.State)
	assert.True(t, st.ConfigLock)
	assert.True(t, st.RestartLock)
	assert.False(t, st.LockFile)

	f.m.SetConfigLock(false)
	assert.False(t, f.m.Status().ConfigLock)
}
