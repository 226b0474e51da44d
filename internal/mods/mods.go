// Package mods keeps workshop mods current by running an update command per
// mod and watching the mod content directories for changes.
package mods

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/process"
)

// Config configures the updater. UpdateCommand is run once per mod with {id}
// replaced by the mod id; ContentDir/<id> is inspected for changes.
type Config struct {
	Disabled      bool          `mapstructure:"disabled"`
	IDs           []string      `mapstructure:"ids"`
	UpdateCommand string        `mapstructure:"update_command"`
	ContentDir    string        `mapstructure:"content_dir"`
	Timeout       time.Duration `mapstructure:"timeout"`

	GameUpdateCommand string `mapstructure:"game_update_command"` // updates the server install itself
	GameDir           string `mapstructure:"game_dir"`            // changes below it mean the game was updated
}

// Enabled reports whether the updater has any work to do.
func (c Config) Enabled() bool {
	return !c.Disabled && (len(c.IDs) > 0 || c.GameUpdateCommand != "")
}

// UpdateError lists the mods whose update command failed.
type UpdateError struct {
	IDs []string
	Err error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("update mods %s: %v", strings.Join(e.IDs, ","), e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

// ModIDs returns the failed mod ids.
func (e *UpdateError) ModIDs() []string { return e.IDs }

type runFunc func(ctx context.Context, cmdline string) ([]byte, error)

// Updater runs mod updates and tracks which mods changed since the last
// restart.
type Updater struct {
	cfg Config
	log *slog.Logger
	run runFunc

	runMu sync.Mutex // serializes update commands

	mu      sync.Mutex
	updated []string
	last    map[string]time.Time
}

// New creates an updater.
func New(cfg Config, log *slog.Logger) *Updater {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Updater{
		cfg:  cfg,
		log:  log.With("component", "mods"),
		run:  runShell,
		last: make(map[string]time.Time),
	}
}

func runShell(ctx context.Context, cmdline string) ([]byte, error) {
	var out bytes.Buffer
	cmd := process.CommandContext(ctx, cmdline)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Validate checks that an enabled updater can run.
func (c Config) Validate() error {
	if c.Disabled || len(c.IDs) == 0 {
		return nil
	}
	if !strings.Contains(c.UpdateCommand, "{id}") {
		return errors.New("mods.update_command requires an {id} placeholder")
	}
	return nil
}

// UpdateAllMods updates every configured mod. Mods whose content changed are
// remembered until ClearUpdated. A failure of any mod yields *UpdateError
// after the remaining mods have been tried.
func (u *Updater) UpdateAllMods(ctx context.Context) (bool, error) {
	if u.cfg.Disabled || len(u.cfg.IDs) == 0 {
		return true, nil
	}
	var failed []string
	var errs []error
	for _, id := range u.cfg.IDs {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		changed, err := u.updateOne(ctx, id)
		if err != nil {
			failed = append(failed, id)
			errs = append(errs, err)
			continue
		}
		if changed {
			u.markUpdated(id)
		}
	}
	if len(failed) > 0 {
		return false, &UpdateError{IDs: failed, Err: errors.Join(errs...)}
	}
	return true, nil
}

// UpdateGame runs the game update command. It reports true when files below
// GameDir changed; without GameDir a successful run reports false.
func (u *Updater) UpdateGame(ctx context.Context) (bool, error) {
	if u.cfg.Disabled || u.cfg.GameUpdateCommand == "" {
		return false, nil
	}
	u.runMu.Lock()
	defer u.runMu.Unlock()

	before := newestModTime(u.cfg.GameDir)
	cctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()
	out, err := u.run(cctx, u.cfg.GameUpdateCommand)
	if err != nil {
		u.log.Warn("game update failed", "error", err, "output", strings.TrimSpace(string(out)))
		return false, fmt.Errorf("game update: %w", err)
	}
	after := newestModTime(u.cfg.GameDir)
	if after.IsZero() || !after.After(before) {
		u.log.Debug("game up to date")
		return false, nil
	}
	u.log.Info("game updated", "modified", after)
	return true, nil
}

func (u *Updater) updateOne(ctx context.Context, id string) (bool, error) {
	u.runMu.Lock()
	defer u.runMu.Unlock()

	before := u.stamp(id)
	cctx, cancel := context.WithTimeout(ctx, u.cfg.Timeout)
	defer cancel()
	out, err := u.run(cctx, strings.ReplaceAll(u.cfg.UpdateCommand, "{id}", id))
	if err != nil {
		u.log.Warn("mod update failed", "mod", id, "error", err, "output", strings.TrimSpace(string(out)))
		return false, fmt.Errorf("mod %s: %w", id, err)
	}
	after := u.stamp(id)
	if after.IsZero() || !after.After(before) {
		u.log.Debug("mod up to date", "mod", id)
		return false, nil
	}
	u.mu.Lock()
	u.last[id] = after
	u.mu.Unlock()
	u.log.Info("mod updated", "mod", id, "modified", after)
	return true, nil
}

// stamp returns the newest modification time below the mod's content
// directory, or zero when it does not exist.
func (u *Updater) stamp(id string) time.Time {
	if u.cfg.ContentDir == "" {
		return time.Time{}
	}
	return newestModTime(filepath.Join(u.cfg.ContentDir, id))
}

func newestModTime(dir string) time.Time {
	if dir == "" {
		return time.Time{}
	}
	var newest time.Time
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if info, err := d.Info(); err == nil && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return newest
}

func (u *Updater) markUpdated(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !slices.Contains(u.updated, id) {
		u.updated = append(u.updated, id)
	}
}

// IsNewModUpdated reports whether any mod changed since the last clear.
func (u *Updater) IsNewModUpdated() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.updated) > 0
}

// UpdatedModIDs returns the changed mods in update order.
func (u *Updater) UpdatedModIDs() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.updated)
}

// ClearUpdated forgets the changed mods.
func (u *Updater) ClearUpdated() {
	u.mu.Lock()
	u.updated = nil
	u.mu.Unlock()
}

// Mods lists the configured mods with their last seen update.
func (u *Updater) Mods(context.Context) []eventbus.InternalMod {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]eventbus.InternalMod, 0, len(u.cfg.IDs))
	for _, id := range u.cfg.IDs {
		m := eventbus.InternalMod{ID: id, UpdatedAt: u.last[id]}
		if m.UpdatedAt.IsZero() {
			m.UpdatedAt = u.stamp(id)
		}
		out = append(out, m)
	}
	return out
}

// Install updates a single mod on request. Unknown ids are rejected.
func (u *Updater) Install(ctx context.Context, id string) (eventbus.ModUpdated, error) {
	res := eventbus.ModUpdated{ModIDs: []string{id}}
	if !slices.Contains(u.cfg.IDs, id) {
		return res, fmt.Errorf("mod %s is not configured", id)
	}
	changed, err := u.updateOne(ctx, id)
	if err != nil {
		return res, err
	}
	if changed {
		u.markUpdated(id)
	}
	res.Success = true
	return res, nil
}

// Register answers internal mod queries and install requests on b.
func (u *Updater) Register(b *eventbus.Bus) []eventbus.Handle {
	return []eventbus.Handle{
		eventbus.Respond(b, eventbus.InternalMods, func(ctx context.Context, _ eventbus.InternalModsQuery) ([]eventbus.InternalMod, error) {
			return u.Mods(ctx), nil
		}),
		eventbus.Respond(b, eventbus.InstallModReqs, func(ctx context.Context, req eventbus.InternalModInstall) (eventbus.ModUpdated, error) {
			return u.Install(ctx, req.ModID)
		}),
	}
}
