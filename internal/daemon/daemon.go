// Package daemon wires the supervisor, scheduler and their collaborators
// into one suture service tree.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/loykin/gamewatch/internal/backup"
	"github.com/loykin/gamewatch/internal/config"
	"github.com/loykin/gamewatch/internal/console"
	"github.com/loykin/gamewatch/internal/detector"
	"github.com/loykin/gamewatch/internal/env"
	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/history"
	"github.com/loykin/gamewatch/internal/history/factory"
	"github.com/loykin/gamewatch/internal/logger"
	"github.com/loykin/gamewatch/internal/metrics"
	"github.com/loykin/gamewatch/internal/mods"
	"github.com/loykin/gamewatch/internal/monitor"
	"github.com/loykin/gamewatch/internal/notify"
	"github.com/loykin/gamewatch/internal/process"
	"github.com/loykin/gamewatch/internal/schedule"
	"github.com/loykin/gamewatch/internal/server"
	apitls "github.com/loykin/gamewatch/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Options configure a daemon.
type Options struct {
	ConfigPath string
	LogOutput  io.Writer // console log output; os.Stderr when nil
	Watch      bool      // reload runtime tunables when the file changes
	Tree       TreeConfig
	Registerer prometheus.Registerer // prometheus.DefaultRegisterer when nil
}

// Daemon owns every long-running component.
type Daemon struct {
	opts    Options
	cfg     *config.Config
	log     *slog.Logger
	bus     *eventbus.Bus
	mon     *monitor.Monitor
	sched   *schedule.Scheduler
	apiDeps server.Deps
	tree    *tree
	closers []io.Closer
}

// New loads the configuration and builds the component graph. Nothing runs
// until Serve.
func New(opts Options) (*Daemon, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogOutput == nil {
		opts.LogOutput = os.Stderr
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	log, logCloser, err := logger.New(cfg.Log, opts.LogOutput)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	d := &Daemon{opts: opts, cfg: cfg, log: log}
	if logCloser != nil {
		d.closers = append(d.closers, logCloser)
	}
	if err := d.build(); err != nil {
		d.close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	cfg := d.cfg
	d.bus = eventbus.New(d.log)
	if cfg.Metrics.Enabled {
		if err := metrics.Register(d.opts.Registerer); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		metrics.Observe(d.bus)
	}

	finder := detector.NewFinder(cfg.Server.Detect)
	e := env.New()
	if !cfg.Server.UseOSEnv {
		e.Isolate()
	}
	for _, f := range cfg.Server.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return fmt.Errorf("env file %s: %w", f, err)
		}
	}
	var outputs []io.Writer
	if w := (logger.FileConfig{Path: cfg.Server.LogFile}).Writer(); w != nil {
		outputs = append(outputs, w)
		d.closers = append(d.closers, w)
	}
	if cfg.Server.PublishOutput {
		outputs = append(outputs, process.NewLineEmitter(d.bus, cfg.Server.Name))
	}
	var output io.Writer
	switch len(outputs) {
	case 0:
	case 1:
		output = outputs[0]
	default:
		output = io.MultiWriter(outputs...)
	}
	starter := process.NewStarter(cfg.Server.Spec, e, finder, output, d.log)

	updater := mods.New(cfg.Mods, d.log)
	updater.Register(d.bus)
	deps := monitor.Deps{Detector: finder, CPU: finder, Starter: starter}
	if cfg.Mods.Enabled() {
		deps.Mods = updater
	}
	d.mon = monitor.New(cfg.Monitor, d.bus, deps, d.log)

	schedDeps := schedule.Deps{Supervisor: d.mon}
	d.apiDeps = server.Deps{Supervisor: d.mon, Bus: d.bus, Metrics: cfg.Metrics.Enabled, Auth: cfg.API.Auth, Log: d.log}
	if cfg.Console.Command != "" {
		con, err := console.New(cfg.Console, d.bus, d.log)
		if err != nil {
			return err
		}
		schedDeps.Console = con
		d.apiDeps.Console = con
	}
	if cfg.BackupEnabled() {
		bm, err := backup.New(cfg.Backup, d.log)
		if err != nil {
			return err
		}
		schedDeps.Backup = bm
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	d.sched = schedule.New(schedule.Options{
		Location:      loc,
		ProcessStart:  processStart(),
		ActionTimeout: cfg.Scheduler.ActionTimeout,
	}, schedDeps, d.bus, d.log)
	d.apiDeps.Jobs = d.sched
	d.addEvents()

	notify.NewConverter(cfg.Notify.Mentions, d.bus, d.log).Register()

	d.tree = newTree(d.log, d.opts.Tree)
	if !cfg.Monitor.Disabled {
		d.tree.core.Add(d.mon)
	} else {
		d.log.Info("monitor disabled, server will not be watched")
	}
	d.tree.core.Add(d.sched)

	if cfg.Notify.Enabled() {
		wh := notify.NewWebhook(cfg.Notify, d.log)
		wh.Register(d.bus)
		d.tree.delivery.Add(wh)
	}
	if cfg.History.Enabled {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		rec := history.NewRecorder(sink, cfg.Server.Name, d.log)
		rec.Register(d.bus)
		d.tree.delivery.Add(rec)
		d.closers = append(d.closers, rec)
	}
	if cfg.API.Enabled {
		tlsCfg, err := apitls.Setup(cfg.API.TLS)
		if err != nil {
			return fmt.Errorf("api tls: %w", err)
		}
		if !cfg.API.Auth.Enabled() {
			d.log.Warn("api auth disabled, anyone reaching the listener can control the server", "listen", cfg.API.Listen)
		}
		srv, err := server.NewServer(cfg.API.Listen, cfg.API.BasePath, tlsCfg, d.apiDeps)
		if err != nil {
			return err
		}
		d.tree.api.Add(srv)
	}
	return nil
}

// addEvents registers the configured events. Failing entries are logged and
// left out; the rest of the schedule still runs.
func (d *Daemon) addEvents() {
	evs, err := d.cfg.ScheduleEvents(d.log)
	if errors.Is(err, config.ErrNoEvents) {
		d.log.Warn("no scheduled event could be parsed")
		return
	}
	for _, ev := range evs {
		if err := d.sched.Add(ev); err != nil {
			d.log.Warn("scheduled event not registered", "event", ev.Name, "error", err)
		}
	}
}

// processStart is the base for relative event offsets.
func processStart() time.Time {
	p, err := gopsproc.NewProcess(int32(os.Getpid())) // #nosec G115
	if err != nil {
		return time.Now()
	}
	ms, err := p.CreateTime()
	if err != nil {
		return time.Now()
	}
	return time.UnixMilli(ms)
}

// Serve runs the service tree until ctx ends.
func (d *Daemon) Serve(ctx context.Context) error {
	defer d.close()
	if d.opts.Watch {
		w, err := config.NewWatcher(d.opts.ConfigPath, d.log)
		if err != nil {
			return err
		}
		w.Watch(func(t config.Tunables) {
			d.mon.SetConfigLock(t.LockRestart)
			d.mon.SetStuckCheckDisabled(t.DisableStuckCheck)
		})
	}
	d.log.Info("gamewatch starting", "server", d.cfg.Server.Name, "jobs", len(d.sched.Jobs()))
	err := d.tree.serve(ctx)
	if names := d.tree.unstopped(); len(names) > 0 {
		d.log.Warn("services failed to stop within timeout", "services", names)
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	d.log.Info("gamewatch stopped")
	return nil
}

func (d *Daemon) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i].Close()
	}
	d.closers = nil
}

// Config returns the loaded configuration.
func (d *Daemon) Config() *config.Config { return d.cfg }

// Bus returns the event bus shared by all components.
func (d *Daemon) Bus() *eventbus.Bus { return d.bus }

// Monitor returns the supervisor.
func (d *Daemon) Monitor() *monitor.Monitor { return d.mon }

// Scheduler returns the event scheduler.
func (d *Daemon) Scheduler() *schedule.Scheduler { return d.sched }

// Handler returns the control API for embedding into another server.
func (d *Daemon) Handler() http.Handler {
	return server.NewRouter(d.apiDeps, d.cfg.API.BasePath).Handler()
}
