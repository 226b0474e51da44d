package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGather(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	// second call is a no-op
	require.NoError(t, Register(reg))

	RecordStateTransition(state.Starting, state.Started)
	IncRestart(true)
	SetCPUSpent(12.5)
	IncStuck()
	IncLoopRun("tick", true)
	IncModUpdateCheck(false)
	IncScheduledAction("nightly", "restart", "success")
	SetNextSchedule("nightly", 1700000000)
	IncNotification("admin", "delivered")
	IncHistoryEvent(true)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	gauges := map[string]float64{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
		for _, m := range mf.GetMetric() {
			if g := m.GetGauge(); g != nil {
				key := mf.GetName()
				for _, lp := range m.GetLabel() {
					key += "/" + lp.GetValue()
				}
				gauges[key] = g.GetValue()
			}
		}
	}
	for _, n := range []string{
		"gamewatch_server_state",
		"gamewatch_server_state_transitions_total",
		"gamewatch_server_restarts_total",
		"gamewatch_server_cpu_spent_seconds",
		"gamewatch_server_stuck_detections_total",
		"gamewatch_monitor_loop_runs_total",
		"gamewatch_mods_update_checks_total",
		"gamewatch_schedule_actions_total",
		"gamewatch_schedule_next_run_timestamp_seconds",
		"gamewatch_notify_messages_total",
		"gamewatch_history_events_total",
	} {
		assert.True(t, names[n], "missing metric %s", n)
	}

	assert.Equal(t, 1.0, gauges["gamewatch_server_state/STARTED"])
	assert.Equal(t, 0.0, gauges["gamewatch_server_state/STOPPED"])
	assert.Equal(t, 12.5, gauges["gamewatch_server_cpu_spent_seconds"])
}

func TestHandlerServesMetrics(t *testing.T) {
	regOK.Store(false)
	require.NoError(t, Register(prometheus.DefaultRegisterer))
	IncRestart(false)

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(b), "gamewatch_server_restarts_total"))
}

func TestConcurrentIncrements(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			IncLoopRun("mods", true)
			RecordStateTransition(state.Stopped, state.Starting)
			SetCPUSpent(1)
		}()
	}
	wg.Wait()
	_, err := reg.Gather()
	require.NoError(t, err)
}

func TestMetricsBeforeRegister(t *testing.T) {
	original := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(original)

	assert.NotPanics(t, func() {
		RecordStateTransition(state.Started, state.Stopping)
		IncRestart(true)
		SetCPUSpent(3)
		IncStuck()
		IncLoopRun("tick", false)
		IncModUpdateCheck(true)
		IncScheduledAction("e", "backup", "skipped")
		SetNextSchedule("e", 0)
		IncNotification("notification", "dropped")
		IncHistoryEvent(false)
	})
}

type errorRegisterer struct{}

func (errorRegisterer) Register(prometheus.Collector) error {
	return errors.New("test registration error")
}
func (errorRegisterer) MustRegister(...prometheus.Collector) {}
func (errorRegisterer) Unregister(prometheus.Collector) bool { return false }

func TestRegisterError(t *testing.T) {
	original := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(original)

	err := Register(errorRegisterer{})
	require.EqualError(t, err, "test registration error")
	assert.False(t, regOK.Load())
}

func TestObserveMirrorsBusEvents(t *testing.T) {
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))

	bus := eventbus.New(nil)
	hs := Observe(bus)
	require.Len(t, hs, 2)

	eventbus.Emit(bus, eventbus.MetricEntries, eventbus.MetricEntry{Name: "server_cpu_spent", Value: 42})
	eventbus.Emit(bus, eventbus.MetricEntries, eventbus.MetricEntry{Name: "other", Value: 7})
	eventbus.Emit(bus, eventbus.StateChanged, eventbus.StateChange{New: state.Stopping, Previous: state.Started})

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var cpu, stopping float64
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch mf.GetName() {
			case "gamewatch_server_cpu_spent_seconds":
				cpu = m.GetGauge().GetValue()
			case "gamewatch_server_state":
				if m.GetLabel()[0].GetValue() == "STOPPING" {
					stopping = m.GetGauge().GetValue()
				}
			}
		}
	}
	assert.Equal(t, 42.0, cpu)
	assert.Equal(t, 1.0, stopping)

	for _, h := range hs {
		assert.True(t, bus.Off(h))
	}
}
