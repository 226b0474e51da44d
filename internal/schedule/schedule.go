// Package schedule runs configured maintenance events (restarts, broadcasts,
// kicks, locks, backups) on cron or start-relative triggers.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/metrics"
	"github.com/loykin/gamewatch/internal/state"
	"github.com/robfig/cron/v3"
)

// Action is what an event does when its trigger fires.
type Action string

const (
	ActionRestart Action = "restart"
	ActionMessage Action = "message"
	ActionKickAll Action = "kickAll"
	ActionLock    Action = "lock"
	ActionUnlock  Action = "unlock"
	ActionBackup  Action = "backup"
)

// ParseAction maps a configured type to an Action.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionRestart, ActionMessage, ActionKickAll, ActionLock, ActionUnlock, ActionBackup:
		return a, nil
	}
	return "", fmt.Errorf("unknown event type %q", s)
}

// gated reports whether the action requires a STARTED server.
func (a Action) gated() bool { return a != ActionBackup }

const msgScheduledRestart = "Scheduled server restart"

// Event is one configured scheduled event.
type Event struct {
	Name    string
	Trigger Trigger
	Action  Action
	Params  []string
}

func (e Event) validate() error {
	if e.Name == "" {
		return errors.New("event requires a name")
	}
	if e.Trigger == nil {
		return fmt.Errorf("event %s: missing trigger", e.Name)
	}
	if _, err := ParseAction(string(e.Action)); err != nil {
		return fmt.Errorf("event %s: %w", e.Name, err)
	}
	if e.Action == ActionMessage && (len(e.Params) == 0 || e.Params[0] == "") {
		return fmt.Errorf("event %s: message requires text", e.Name)
	}
	return nil
}

// Supervisor is the part of the monitor the scheduler relies on.
type Supervisor interface {
	State() state.ServerState
	Kill(ctx context.Context, force bool) (bool, error)
}

// Console sends commands to the running game server.
type Console interface {
	Global(ctx context.Context, text string) error
	KickAll(ctx context.Context) error
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// Backup archives server data.
type Backup interface {
	CreateBackup(ctx context.Context) (string, error)
}

type Deps struct {
	Supervisor Supervisor
	Console    Console
	Backup     Backup
}

type Options struct {
	Location      *time.Location // zone for cron patterns; UTC when nil
	ProcessStart  time.Time      // base for relative offsets; now when zero
	ActionTimeout time.Duration  // per-dispatch deadline; 5m when zero
}

// JobInfo describes a registered job.
type JobInfo struct {
	Name    string    `json:"name"`
	Action  Action    `json:"action"`
	Trigger string    `json:"trigger"`
	Kind    string    `json:"kind"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
}

type job struct {
	event Event
	id    cron.EntryID
}

// Scheduler owns one cron entry per event.
type Scheduler struct {
	opts Options
	deps Deps
	bus  *eventbus.Bus
	log  *slog.Logger
	cron *cron.Cron

	mu      sync.Mutex
	jobs    []job
	started bool
}

func New(opts Options, deps Deps, bus *eventbus.Bus, log *slog.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ProcessStart.IsZero() {
		opts.ProcessStart = time.Now()
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "schedule")
	cl := cronLogger{log: log}
	return &Scheduler{
		opts: opts,
		deps: deps,
		bus:  bus,
		log:  log,
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithParser(cronParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Add registers ev. The caller decides what to do with a failed event; the
// scheduler itself keeps running without it.
func (s *Scheduler) Add(ev Event) error {
	if err := ev.validate(); err != nil {
		return err
	}
	sched, err := ev.Trigger.resolve(s.opts.ProcessStart, s.opts.Location)
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.Name, err)
	}
	next := sched.Next(time.Now().In(s.opts.Location))
	if next.IsZero() {
		return fmt.Errorf("event %s: %w", ev.Name, ErrTriggerPassed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.event.Name == ev.Name {
			return fmt.Errorf("duplicate event name %q", ev.Name)
		}
	}
	id := s.cron.Schedule(sched, cron.FuncJob(func() { s.run(ev) }))
	s.jobs = append(s.jobs, job{event: ev, id: id})
	metrics.SetNextSchedule(ev.Name, float64(next.Unix()))
	s.log.Info("event scheduled", "event", ev.Name, "action", ev.Action,
		"trigger", ev.Trigger.String(), "next", next.Format(time.RFC3339))
	return nil
}

// Start begins dispatching. Calling it twice is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.jobs), "timezone", s.opts.Location.String())
}

// Stop removes every job and halts the runner. Running dispatches finish
// on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		s.cron.Remove(j.id)
		metrics.SetNextSchedule(j.event.Name, 0)
	}
	s.jobs = nil
	if s.started {
		s.cron.Stop()
		s.started = false
	}
	s.log.Info("scheduler stopped")
}

// Serve runs the scheduler until ctx is done.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Scheduler) String() string { return "scheduler" }

// Jobs lists registered jobs with their next planned run.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	jobs := append([]job(nil), s.jobs...)
	s.mu.Unlock()

	out := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		e := s.cron.Entry(j.id)
		info := JobInfo{
			Name:    j.event.Name,
			Action:  j.event.Action,
			Trigger: j.event.Trigger.String(),
			Kind:    j.event.Trigger.Kind(),
			Next:    e.Next,
			Prev:    e.Prev,
		}
		if info.Next.IsZero() && e.Schedule != nil && e.Prev.IsZero() {
			info.Next = e.Schedule.Next(time.Now().In(s.opts.Location))
		}
		out = append(out, info)
	}
	return out
}

// run dispatches one firing and records its outcome. Failures never escape.
func (s *Scheduler) run(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ActionTimeout)
	defer cancel()

	log := s.log.With("event", ev.Name, "action", ev.Action)
	outcome := "success"
	err := s.dispatch(ctx, ev)
	switch {
	case errors.Is(err, errSkipped):
		outcome = "skipped"
		log.Info("scheduled action skipped", "state", s.deps.Supervisor.State())
	case err != nil:
		outcome = "failure"
		log.Warn("scheduled action failed", "error", err)
	default:
		log.Info("scheduled action done")
	}
	metrics.IncScheduledAction(ev.Name, string(ev.Action), outcome)
	s.refreshNext(ev.Name)
}

var errSkipped = errors.New("server not started")

func (s *Scheduler) dispatch(ctx context.Context, ev Event) error {
	if ev.Action.gated() && s.deps.Supervisor.State() != state.Started {
		return errSkipped
	}
	switch ev.Action {
	case ActionRestart:
		eventbus.Emit(s.bus, eventbus.Notifications, eventbus.Notification{
			Channel: eventbus.ChannelNotification,
			Message: msgScheduledRestart,
		})
		_, err := s.deps.Supervisor.Kill(ctx, false)
		return err
	case ActionMessage:
		return s.console().Global(ctx, ev.Params[0])
	case ActionKickAll:
		return s.console().KickAll(ctx)
	case ActionLock:
		return s.console().Lock(ctx)
	case ActionUnlock:
		return s.console().Unlock(ctx)
	case ActionBackup:
		if s.deps.Backup == nil {
			return errors.New("backup not configured")
		}
		path, err := s.deps.Backup.CreateBackup(ctx)
		if err == nil {
			s.log.Info("backup created", "event", ev.Name, "path", path)
		}
		return err
	}
	return fmt.Errorf("unhandled action %q", ev.Action)
}

func (s *Scheduler) console() Console {
	if s.deps.Console == nil {
		return noConsole{}
	}
	return s.deps.Console
}

func (s *Scheduler) refreshNext(name string) {
	for _, j := range s.Jobs() {
		if j.Name == name {
			var v float64
			if !j.Next.IsZero() {
				v = float64(j.Next.Unix())
			}
			metrics.SetNextSchedule(name, v)
			return
		}
	}
}

var errNoConsole = errors.New("console not configured")

type noConsole struct{}

func (noConsole) Global(context.Context, string) error { return errNoConsole }
func (noConsole) KickAll(context.Context) error        { return errNoConsole }
func (noConsole) Lock(context.Context) error           { return errNoConsole }
func (noConsole) Unlock(context.Context) error         { return errNoConsole }

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, kv ...any) { l.log.Debug("cron: "+msg, kv...) }
func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kv, "error", err)...)
}
