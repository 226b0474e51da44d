package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/gamewatch/internal/schedule"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "gamewatch.toml")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return file
}

const minimal = `
[server]
name = "dayz"
command = "./DayZServer_x64 -config=serverDZ.cfg"
process_name = "DayZServer_x64"
`

func TestLoad_MinimalAppliesDefaults(t *testing.T) {
	c, err := Load(writeTOML(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Name != "dayz" || c.Server.Detect.Name != "DayZServer_x64" {
		t.Fatalf("unexpected server: %+v", c.Server)
	}
	if c.Server.StopTimeout != 30*time.Second {
		t.Fatalf("stop_timeout default: %v", c.Server.StopTimeout)
	}
	m := c.Monitor
	if m.PollInterval != 5*time.Second || m.ModUpdateInterval != 30*time.Minute ||
		m.LoopInterval != 500*time.Millisecond || m.StartupGrace != 120*time.Second {
		t.Fatalf("unexpected monitor defaults: %+v", m)
	}
	if c.Console.Breaker.MaxFailures != 3 || c.Console.Breaker.OpenTimeout != time.Minute {
		t.Fatalf("unexpected breaker defaults: %+v", c.Console.Breaker)
	}
	if c.API.Listen != "127.0.0.1:8787" || c.API.BasePath != "/api" || !c.Metrics.Enabled {
		t.Fatalf("unexpected api defaults: %+v %+v", c.API, c.Metrics)
	}
	loc, err := c.Location()
	if err != nil || loc != time.UTC {
		t.Fatalf("location: %v %v", loc, err)
	}
}

func TestLoad_FullFile(t *testing.T) {
	c, err := Load(writeTOML(t, `
[server]
name = "dayz"
command = "./DayZServer_x64"
first_start_args = "-doLogs"
work_dir = "/srv/dayz"
env = ["A=1"]
pid_file = "/run/dayz.pid"
stop_timeout = "45s"

[monitor]
poll_interval = "10s"
lock_restart = true
lock_file = "/srv/dayz/RESTART_LOCK"
disable_stuck_check = true

[mods]
ids = ["1559212036", "1564026768"]
update_command = "steamcmd +workshop_download_item 221100 {id} +quit"
content_dir = "/srv/steam/workshop/content/221100"

[console]
command = "bercon-cli -p 2306 {cmd}"
[console.breaker]
max_failures = 5

[backup]
paths = ["/srv/dayz/mpmissions"]
dir = "/srv/backups"
keep = 3

[scheduler]
timezone = "Europe/Berlin"

[notify]
webhook_url = "https://chat.example/hook"
mention_role = "1234"

[history]
enabled = true
dsn = "sqlite://:memory:"

[[events]]
name = "nightly restart"
type = "restart"
cron = "0 4 * * *"

[[events]]
name = "warn"
type = "message"
time = 235
params = ["Restart in 5 minutes"]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Server.Detect.PIDFile != "/run/dayz.pid" || c.Server.StopTimeout != 45*time.Second {
		t.Fatalf("server: %+v", c.Server)
	}
	if !c.Monitor.LockRestart || !c.Monitor.DisableStuckCheck || c.Monitor.PollInterval != 10*time.Second {
		t.Fatalf("monitor: %+v", c.Monitor)
	}
	if len(c.Mods.IDs) != 2 || c.Console.Breaker.MaxFailures != 5 || c.Backup.Keep != 3 {
		t.Fatalf("sections: %+v %+v %+v", c.Mods, c.Console, c.Backup)
	}
	if c.Notify.Mentions.Role != "1234" || c.Notify.WebhookURL == "" {
		t.Fatalf("notify: %+v", c.Notify)
	}
	loc, err := c.Location()
	if err != nil || loc.String() != "Europe/Berlin" {
		t.Fatalf("location: %v %v", loc, err)
	}

	evs, err := c.ScheduleEvents(nil)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d", len(evs))
	}
	if _, ok := evs[0].Trigger.(schedule.CronExpression); !ok || evs[0].Action != schedule.ActionRestart {
		t.Fatalf("event 0: %+v", evs[0])
	}
	rel, ok := evs[1].Trigger.(schedule.RelativeOffset)
	if !ok || rel.Minutes != 235 || evs[1].Params[0] != "Restart in 5 minutes" {
		t.Fatalf("event 1: %+v", evs[1])
	}
}

func TestScheduleEvents_SkipsInvalidEntries(t *testing.T) {
	c := &Config{Events: []EventConfig{
		{Name: "bad type", Type: "explode", Cron: "* * * * *"},
		{Name: "no trigger", Type: "lock"},
		{Type: "unlock", Cron: "30 3 * * *"},
	}}
	evs, err := c.ScheduleEvents(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) != 1 || evs[0].Action != schedule.ActionUnlock {
		t.Fatalf("unexpected events: %+v", evs)
	}
	if evs[0].Name != "unlock@30 3 * * *" {
		t.Fatalf("generated name: %q", evs[0].Name)
	}

	c.Events = c.Events[:2]
	if _, err := c.ScheduleEvents(nil); !errors.Is(err, ErrNoEvents) {
		t.Fatalf("expected ErrNoEvents, got %v", err)
	}
	c.Events = nil
	if evs, err := c.ScheduleEvents(nil); err != nil || len(evs) != 0 {
		t.Fatalf("empty events: %v %v", evs, err)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name, data, want string
	}{
		{"missing command", `[server]
name = "x"
process_name = "x"`, "server requires command"},
		{"no detection", `[server]
name = "x"
command = "run"`, "process_name"},
		{"bad console", minimal + `
[console]
command = "rcon"`, "{cmd}"},
		{"bad timezone", minimal + `
[scheduler]
timezone = "Mars/Olympus"`, "scheduler.timezone"},
		{"history without dsn", minimal + `
[history]
enabled = true`, "history.dsn"},
		{"mods without placeholder", minimal + `
[mods]
ids = ["1"]
update_command = "steamcmd"`, "{id}"},
		{"backup without dir", minimal + `
[backup]
paths = ["/srv"]`, "backup requires dir"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeTOML(t, tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_MonitorDisabledSkipsServerChecks(t *testing.T) {
	if _, err := Load(writeTOML(t, "[monitor]\ndisabled = true\n")); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("GAMEWATCH_MONITOR_LOCK_RESTART", "true")
	t.Setenv("GAMEWATCH_API_LISTEN", "0.0.0.0:9000")
	c, err := Load(writeTOML(t, minimal))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !c.Monitor.LockRestart || c.API.Listen != "0.0.0.0:9000" {
		t.Fatalf("env override not applied: %+v %+v", c.Monitor, c.API)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestWatcher_AppliesTunables(t *testing.T) {
	file := writeTOML(t, minimal)
	w, err := NewWatcher(file, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("watcher: %v", err)
	}
	var mu sync.Mutex
	var got []Tunables
	w.Watch(func(tn Tunables) {
		mu.Lock()
		got = append(got, tn)
		mu.Unlock()
	})

	updated := minimal + "\n[monitor]\nlock_restart = true\ndisable_stuck_check = true\n"
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := os.WriteFile(file, []byte(updated), 0o644); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) == 0 {
		t.Fatal("reload callback not invoked")
	}
	last := got[len(got)-1]
	if !last.LockRestart || !last.DisableStuckCheck {
		t.Fatalf("unexpected tunables: %+v", last)
	}
	if !w.Config().Monitor.LockRestart {
		t.Fatal("current config not updated")
	}
}
