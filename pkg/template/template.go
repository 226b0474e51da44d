// Package template generates starter gamewatch config files.
package template

import (
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// Preset selects the game a config is generated for.
type Preset string

const (
	PresetDayZ    Preset = "dayz"
	PresetArma3   Preset = "arma3"
	PresetGeneric Preset = "generic"
)

// Config mirrors the sections of a gamewatch.toml that a starter file sets.
type Config struct {
	Server    Server    `toml:"server"`
	Monitor   Monitor   `toml:"monitor"`
	Mods      *Mods     `toml:"mods,omitempty"`
	Console   *Console  `toml:"console,omitempty"`
	Backup    *Backup   `toml:"backup,omitempty"`
	Scheduler Scheduler `toml:"scheduler"`
	Events    []Event   `toml:"events,omitempty"`
	API       API       `toml:"api"`
	Log       Log       `toml:"log"`
}

type Server struct {
	Name        string   `toml:"name"`
	Command     string   `toml:"command"`
	WorkDir     string   `toml:"work_dir,omitempty"`
	ProcessName string   `toml:"process_name,omitempty"`
	PIDFile     string   `toml:"pid_file,omitempty"`
	StopTimeout string   `toml:"stop_timeout"`
	Env         []string `toml:"env,omitempty"`
}

type Monitor struct {
	PollInterval      string `toml:"poll_interval"`
	ModUpdateInterval string `toml:"mod_update_interval,omitempty"`
	StartupGrace      string `toml:"startup_grace"`
	LockFile          string `toml:"lock_file,omitempty"`
}

type Mods struct {
	IDs           []string `toml:"ids"`
	UpdateCommand string   `toml:"update_command"`
	ContentDir    string   `toml:"content_dir,omitempty"`
}

type Console struct {
	Command string `toml:"command"`
	Timeout string `toml:"timeout"`
}

type Backup struct {
	Paths []string `toml:"paths"`
	Dir   string   `toml:"dir"`
	Keep  int      `toml:"keep"`
}

type Scheduler struct {
	Timezone string `toml:"timezone"`
}

type Event struct {
	Name   string   `toml:"name"`
	Type   string   `toml:"type"`
	Cron   string   `toml:"cron,omitempty"`
	Time   float64  `toml:"time,omitempty"`
	Params []string `toml:"params,omitempty"`
}

type API struct {
	Listen   string `toml:"listen"`
	BasePath string `toml:"base_path"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Generator builds starter configs.
type Generator struct{}

// NewGenerator creates a new template generator
func NewGenerator() *Generator {
	return &Generator{}
}

// Generate returns the starter config for preset; name is the server name
// and the base for its paths.
func (g *Generator) Generate(preset Preset, name string) (*Config, error) {
	if name == "" {
		return nil, fmt.Errorf("server name required")
	}
	switch preset {
	case PresetDayZ:
		return g.dayz(name), nil
	case PresetArma3:
		return g.arma3(name), nil
	case PresetGeneric, "":
		return g.generic(name), nil
	default:
		return nil, fmt.Errorf("unknown preset: %s (supported: %v)", preset, g.Presets())
	}
}

// GenerateTOML renders the starter config as TOML.
func (g *Generator) GenerateTOML(preset Preset, name string) ([]byte, error) {
	cfg, err := g.Generate(preset, name)
	if err != nil {
		return nil, err
	}
	out, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return out, nil
}

// Presets lists the supported presets.
func (g *Generator) Presets() []string {
	out := []string{string(PresetDayZ), string(PresetArma3), string(PresetGeneric)}
	sort.Strings(out)
	return out
}

func baseConfig(name string) *Config {
	return &Config{
		Server: Server{Name: name, StopTimeout: "30s"},
		Monitor: Monitor{
			PollInterval: "5s",
			StartupGrace: "120s",
			LockFile:     "/srv/" + name + "/gamewatch.lock",
		},
		Scheduler: Scheduler{Timezone: "UTC"},
		API:       API{Listen: "127.0.0.1:8787", BasePath: "/api"},
		Log:       Log{Level: "info", Format: "text"},
	}
}

func restartEvents() []Event {
	return []Event{
		{Name: "restart-warning", Type: "message", Cron: "55 3 * * *", Params: []string{"Server restarts in 5 minutes"}},
		{Name: "kick-before-restart", Type: "kickAll", Cron: "59 3 * * *"},
		{Name: "nightly-restart", Type: "restart", Cron: "0 4 * * *"},
	}
}

func (g *Generator) dayz(name string) *Config {
	c := baseConfig(name)
	dir := "/srv/" + name
	c.Server.Command = "./DayZServer_x64 -config=serverDZ.cfg -port=2302 -profiles=profiles"
	c.Server.WorkDir = dir
	c.Server.ProcessName = "DayZServer_x64"
	c.Monitor.ModUpdateInterval = "30m"
	c.Mods = &Mods{
		IDs:           []string{"1559212036"},
		UpdateCommand: "steamcmd +login anonymous +workshop_download_item 221100 {id} +quit",
		ContentDir:    dir + "/steamapps/workshop/content/221100",
	}
	c.Console = &Console{Command: "bercon-cli -p 2305 {cmd}", Timeout: "10s"}
	c.Backup = &Backup{Paths: []string{dir + "/mpmissions", dir + "/profiles"}, Dir: dir + "/backups", Keep: 7}
	c.Events = append(restartEvents(),
		Event{Name: "pre-restart-backup", Type: "backup", Cron: "50 3 * * *"},
	)
	return c
}

func (g *Generator) arma3(name string) *Config {
	c := baseConfig(name)
	dir := "/srv/" + name
	c.Server.Command = "./arma3server_x64 -config=server.cfg -port=2302"
	c.Server.WorkDir = dir
	c.Server.ProcessName = "arma3server_x64"
	c.Monitor.ModUpdateInterval = "1h"
	c.Mods = &Mods{
		IDs:           []string{"450814997"},
		UpdateCommand: "steamcmd +login anonymous +workshop_download_item 107410 {id} +quit",
		ContentDir:    dir + "/steamapps/workshop/content/107410",
	}
	c.Console = &Console{Command: "bercon-cli -p 2306 {cmd}", Timeout: "10s"}
	c.Events = restartEvents()
	return c
}

func (g *Generator) generic(name string) *Config {
	c := baseConfig(name)
	c.Server.Command = "./" + name
	c.Server.WorkDir = "/srv/" + name
	c.Server.PIDFile = "/srv/" + name + "/" + name + ".pid"
	c.Events = []Event{
		{Name: "uptime-notice", Type: "message", Time: 60, Params: []string{"Server has been up for an hour"}},
	}
	return c
}
