// Package gamewatch embeds the game-server supervisor into another program.
package gamewatch

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/loykin/gamewatch/internal/daemon"
	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/metrics"
	"github.com/loykin/gamewatch/internal/monitor"
	"github.com/loykin/gamewatch/internal/schedule"
	"github.com/loykin/gamewatch/internal/state"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.

type Status = monitor.Status

type ServerState = state.ServerState

type Job = schedule.JobInfo

type StateChange = eventbus.StateChange

type Notification = eventbus.Notification

// Options configure an embedded supervisor.
type Options struct {
	ConfigPath string
	LogOutput  io.Writer // os.Stderr when nil
	Watch      bool      // reload lock flags when the config file changes
	Registerer prometheus.Registerer
}

// Supervisor is a thin facade over the internal daemon.
type Supervisor struct{ inner *daemon.Daemon }

// New loads the config at opts.ConfigPath and wires every component.
// Nothing runs until Serve.
func New(opts Options) (*Supervisor, error) {
	d, err := daemon.New(daemon.Options{
		ConfigPath: opts.ConfigPath,
		LogOutput:  opts.LogOutput,
		Watch:      opts.Watch,
		Registerer: opts.Registerer,
	})
	if err != nil {
		return nil, err
	}
	return &Supervisor{inner: d}, nil
}

// Serve runs until ctx is cancelled.
func (s *Supervisor) Serve(ctx context.Context) error { return s.inner.Serve(ctx) }

// Handler is the control API, for mounting into an existing HTTP server.
func (s *Supervisor) Handler() http.Handler { return s.inner.Handler() }

func (s *Supervisor) Status() Status { return s.inner.Monitor().Status() }
func (s *Supervisor) Jobs() []Job    { return s.inner.Scheduler().Jobs() }

func (s *Supervisor) Restart(ctx context.Context) error { return s.inner.Monitor().Restart(ctx) }
func (s *Supervisor) Kill(ctx context.Context, force bool) (bool, error) {
	return s.inner.Monitor().Kill(ctx, force)
}
func (s *Supervisor) SetRestartLock(v bool)    { s.inner.Monitor().SetRestartLock(v) }
func (s *Supervisor) SkipLoop(d time.Duration) { s.inner.Monitor().SkipLoop(d) }

// OnStateChange calls fn for every server state transition. The returned
// function removes the listener.
func (s *Supervisor) OnStateChange(fn func(StateChange)) func() {
	bus := s.inner.Bus()
	h := eventbus.On(bus, eventbus.StateChanged, func(ev StateChange) error {
		fn(ev)
		return nil
	})
	return func() { bus.Off(h) }
}

// OnNotification calls fn for every outgoing notification message.
func (s *Supervisor) OnNotification(fn func(Notification)) func() {
	bus := s.inner.Bus()
	h := eventbus.On(bus, eventbus.Notifications, func(n Notification) error {
		fn(n)
		return nil
	})
	return func() { bus.Off(h) }
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

func MetricsHandler() http.Handler { return metrics.Handler() }
