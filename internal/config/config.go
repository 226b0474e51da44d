package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/loykin/gamewatch/internal/auth"
	"github.com/loykin/gamewatch/internal/backup"
	"github.com/loykin/gamewatch/internal/console"
	"github.com/loykin/gamewatch/internal/detector"
	"github.com/loykin/gamewatch/internal/logger"
	"github.com/loykin/gamewatch/internal/mods"
	"github.com/loykin/gamewatch/internal/monitor"
	"github.com/loykin/gamewatch/internal/notify"
	"github.com/loykin/gamewatch/internal/process"
	"github.com/loykin/gamewatch/internal/schedule"
	apitls "github.com/loykin/gamewatch/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. GAMEWATCH_MONITOR_LOCK_RESTART.
const EnvPrefix = "GAMEWATCH"

// ErrNoEvents is returned by ScheduleEvents when no entry could be scheduled.
var ErrNoEvents = errors.New("no valid scheduled events")

// ServerConfig describes the managed game server.
type ServerConfig struct {
	process.Spec  `mapstructure:",squash"`
	Detect        detector.Config `mapstructure:",squash"`
	UseOSEnv      bool            `mapstructure:"use_os_env"`
	PublishOutput bool            `mapstructure:"publish_output"` // server output lines become log entries
}

// SchedulerConfig configures the event scheduler.
type SchedulerConfig struct {
	Timezone      string        `mapstructure:"timezone"`
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
}

// EventConfig is one [[events]] entry. Time > 0 schedules the event that many
// minutes after the supervisor started; otherwise Cron is used.
type EventConfig struct {
	Name   string   `mapstructure:"name"`
	Type   string   `mapstructure:"type"`
	Cron   string   `mapstructure:"cron"`
	Time   float64  `mapstructure:"time"`
	Params []string `mapstructure:"params"`
}

// HistoryConfig enables event export.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

// MetricsConfig enables the Prometheus endpoint on the API listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// APIConfig configures the HTTP control API.
type APIConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Listen   string        `mapstructure:"listen"`
	BasePath string        `mapstructure:"base_path"`
	Auth     auth.Config   `mapstructure:"auth"`
	TLS      apitls.Config `mapstructure:"tls"`
}

// Config is the top-level TOML structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Monitor   monitor.Config  `mapstructure:"monitor"`
	Mods      mods.Config     `mapstructure:"mods"`
	Console   console.Config  `mapstructure:"console"`
	Backup    backup.Config   `mapstructure:"backup"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Events    []EventConfig   `mapstructure:"events"`
	Notify    notify.Config   `mapstructure:"notify"`
	History   HistoryConfig   `mapstructure:"history"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	API       APIConfig       `mapstructure:"api"`
	Log       logger.Config   `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.stop_timeout", "30s")
	v.SetDefault("monitor.disabled", false)
	v.SetDefault("monitor.poll_interval", "5s")
	v.SetDefault("monitor.mod_update_interval", "30m")
	v.SetDefault("monitor.loop_interval", "500ms")
	v.SetDefault("monitor.startup_grace", "120s")
	v.SetDefault("monitor.lock_restart", false)
	v.SetDefault("monitor.disable_lock_logs", false)
	v.SetDefault("monitor.disable_stuck_check", false)
	v.SetDefault("mods.disabled", false)
	v.SetDefault("console.timeout", "10s")
	v.SetDefault("console.breaker.max_failures", 3)
	v.SetDefault("console.breaker.open_timeout", "1m")
	v.SetDefault("backup.keep", 7)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.action_timeout", "5m")
	v.SetDefault("notify.queue_size", 64)
	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("history.enabled", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8787")
	v.SetDefault("api.base_path", "/api")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if c.Server.Detect.PIDFile == "" {
		c.Server.Detect.PIDFile = c.Server.PIDFile
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads and validates the TOML file at path.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return decode(v)
}

// Validate reports the first invalid section.
func (c *Config) Validate() error {
	if !c.Monitor.Disabled {
		if err := c.Server.Validate(); err != nil {
			return fmt.Errorf("server: %w", err)
		}
		d := c.Server.Detect
		if d.Name == "" && d.Match == "" && d.PIDFile == "" {
			return errors.New("server: one of process_name, process_match or pid_file is required")
		}
	}
	if err := c.Mods.Validate(); err != nil {
		return err
	}
	if c.Console.Command != "" && !strings.Contains(c.Console.Command, "{cmd}") {
		return errors.New("console.command requires a {cmd} placeholder")
	}
	if c.BackupEnabled() {
		if err := c.Backup.Validate(); err != nil {
			return err
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.History.Enabled && strings.TrimSpace(c.History.DSN) == "" {
		return errors.New("history.dsn is required when history is enabled")
	}
	if c.API.Enabled && strings.TrimSpace(c.API.Listen) == "" {
		return errors.New("api.listen is required when the api is enabled")
	}
	if err := c.API.TLS.Validate(); err != nil {
		return err
	}
	return nil
}

// BackupEnabled reports whether backups are configured.
func (c *Config) BackupEnabled() bool { return c.Backup.Dir != "" || len(c.Backup.Paths) > 0 }

// Location returns the scheduler time zone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Scheduler.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}

// ScheduleEvents converts the [[events]] entries. Invalid entries are logged
// and skipped; ErrNoEvents is returned when entries exist but none are valid.
func (c *Config) ScheduleEvents(log *slog.Logger) ([]schedule.Event, error) {
	if log == nil {
		log = slog.Default()
	}
	out := make([]schedule.Event, 0, len(c.Events))
	for i, ec := range c.Events {
		ev, err := ec.toEvent()
		if err != nil {
			log.Warn("skipping invalid event", "index", i, "name", ec.Name, "error", err)
			continue
		}
		out = append(out, ev)
	}
	if len(c.Events) > 0 && len(out) == 0 {
		return nil, ErrNoEvents
	}
	return out, nil
}

func (ec EventConfig) toEvent() (schedule.Event, error) {
	action, err := schedule.ParseAction(ec.Type)
	if err != nil {
		return schedule.Event{}, err
	}
	ev := schedule.Event{Name: ec.Name, Action: action, Params: ec.Params}
	switch {
	case ec.Time > 0:
		ev.Trigger = schedule.RelativeOffset{Minutes: ec.Time}
	case strings.TrimSpace(ec.Cron) != "":
		ev.Trigger = schedule.CronExpression{Pattern: strings.TrimSpace(ec.Cron)}
	default:
		return schedule.Event{}, errors.New("event needs time > 0 or a cron pattern")
	}
	if ev.Name == "" {
		ev.Name = fmt.Sprintf("%s@%s", ec.Type, ev.Trigger)
	}
	return ev, nil
}

// Watcher reloads the config file on change and hands the runtime-tunable
// monitor flags to the registered callback.
type Watcher struct {
	v   *viper.Viper
	log *slog.Logger

	mu  sync.Mutex
	cur *Config
}

// NewWatcher loads path and prepares it for watching.
func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	c, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Watcher{v: v, log: log.With("component", "config"), cur: c}, nil
}

// Config returns the last successfully loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Tunables are the settings applied without a restart.
type Tunables struct {
	LockRestart       bool
	DisableStuckCheck bool
}

// Watch starts watching the file. apply runs after every successful reload;
// an invalid file is logged and the previous config kept.
func (w *Watcher) Watch(apply func(Tunables)) {
	w.v.OnConfigChange(func(e fsnotify.Event) {
		c, err := decode(w.v)
		if err != nil {
			w.log.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}
		w.mu.Lock()
		w.cur = c
		w.mu.Unlock()
		w.log.Info("config reloaded", "file", e.Name,
			"lock_restart", c.Monitor.LockRestart, "disable_stuck_check", c.Monitor.DisableStuckCheck)
		apply(Tunables{LockRestart: c.Monitor.LockRestart, DisableStuckCheck: c.Monitor.DisableStuckCheck})
	})
	w.v.WatchConfig()
}
