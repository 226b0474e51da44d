package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/loykin/gamewatch/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gamewatch",
			Subsystem: "server",
			Name:      "state",
			Help:      "Current supervisor state of the managed server (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewatch",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of accepted server state transitions.",
		}, []string{"from", "to"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewatch",
			Subsystem: "server",
			Name:      "restarts_total",
			Help:      "Number of restart attempts issued by the supervisor.",
		}, []string{"result"},
	)
	cpuSpent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gamewatch",
			Subsystem: "server",
			Name:      "cpu_spent_seconds",
			Help:      "Last sampled CPU time of the primary server process.",
		},
	)
	stuckDetections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gamewatch",
			Subsystem: "server",
			Name:      "stuck_detections_total",
			Help:      "Number of times the server was judged stuck.",
		},
	)
	loopRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewatch",
			Subsystem: "monitor",
			Name:      "loop_runs_total",
			Help:      "Poll loop executions by loop name and outcome.",
		}, []string{"loop", "result"},
	)
	modUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewatch",
			Subsystem: "mods",
			Name:      "update_checks_total",
			Help:      "Mod update checks by result.",
		}, []string{"result"},
	)
	scheduledActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewatch",
			Subsystem: "schedule",
			Name:      "actions_total",
			Help:      "Scheduled action executions by event, action and outcome.",
		}, []string{"event", "action", "outcome"},
	)
	nextSchedule = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "gamewatch",
			Subsystem: "schedule",
			Name:      "next_run_timestamp_seconds",
			Help:      "Unix time of the next planned run per event (0 when none).",
		}, []string{"event"},
	)
	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewatch",
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Notification deliveries by channel and result.",
		}, []string{"channel", "result"},
	)
	consoleCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewatch",
			Subsystem: "console",
			Name:      "commands_total",
			Help:      "Remote console commands by result (success, failure, rejected).",
		}, []string{"result"},
	)
	consoleBreaker = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gamewatch",
			Subsystem: "console",
			Name:      "breaker_state",
			Help:      "Console circuit breaker state (0 = closed, 1 = half-open, 2 = open).",
		},
	)
	backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewatch",
			Subsystem: "backup",
			Name:      "archives_total",
			Help:      "Backup archive attempts by result.",
		}, []string{"result"},
	)
	historyEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gamewatch",
			Subsystem: "history",
			Name:      "events_total",
			Help:      "History sink writes by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverState, stateTransitions, restarts, cpuSpent, stuckDetections, loopRuns,
		modUpdates, scheduledActions, nextSchedule, notifications, historyEvents,
		consoleCommands, consoleBreaker, backups,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RecordStateTransition(from, to state.ServerState) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(from.String(), to.String()).Inc()
	for _, s := range []state.ServerState{state.Stopped, state.Starting, state.Started, state.Stopping} {
		v := 0.0
		if s == to {
			v = 1
		}
		serverState.WithLabelValues(s.String()).Set(v)
	}
}

func IncRestart(ok bool) {
	if regOK.Load() {
		restarts.WithLabelValues(result(ok)).Inc()
	}
}

func SetCPUSpent(seconds float64) {
	if regOK.Load() {
		cpuSpent.Set(seconds)
	}
}

func IncStuck() {
	if regOK.Load() {
		stuckDetections.Inc()
	}
}

func IncLoopRun(loop string, ok bool) {
	if regOK.Load() {
		loopRuns.WithLabelValues(loop, result(ok)).Inc()
	}
}

func IncModUpdateCheck(ok bool) {
	if regOK.Load() {
		modUpdates.WithLabelValues(result(ok)).Inc()
	}
}

// IncScheduledAction counts one dispatch; outcome is "success", "failure" or "skipped".
func IncScheduledAction(event, action, outcome string) {
	if regOK.Load() {
		scheduledActions.WithLabelValues(event, action, outcome).Inc()
	}
}

func SetNextSchedule(event string, unix float64) {
	if regOK.Load() {
		nextSchedule.WithLabelValues(event).Set(unix)
	}
}

// IncNotification counts one message; result is "delivered", "failed" or "dropped".
func IncNotification(channel, res string) {
	if regOK.Load() {
		notifications.WithLabelValues(channel, res).Inc()
	}
}

// IncConsoleCommand counts one console call; result is "success", "failure" or "rejected".
func IncConsoleCommand(res string) {
	if regOK.Load() {
		consoleCommands.WithLabelValues(res).Inc()
	}
}

func SetConsoleBreaker(v float64) {
	if regOK.Load() {
		consoleBreaker.Set(v)
	}
}

func IncBackup(ok bool) {
	if regOK.Load() {
		backups.WithLabelValues(result(ok)).Inc()
	}
}

func IncHistoryEvent(ok bool) {
	if regOK.Load() {
		historyEvents.WithLabelValues(result(ok)).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
