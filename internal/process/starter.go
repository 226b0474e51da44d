package process

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/gamewatch/internal/detector"
	"github.com/loykin/gamewatch/internal/env"
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

const (
	defaultStopTimeout = 30 * time.Second
	stopPollInterval   = 200 * time.Millisecond
)

// Lister reports the server processes currently alive.
type Lister interface {
	ManagedProcesses(ctx context.Context) ([]detector.Process, error)
}

// Starter launches and terminates the game server.
type Starter struct {
	spec   Spec
	env    *env.Env
	procs  Lister
	output io.Writer
	log    *slog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewStarter builds a starter. e may be nil, in which case the OS environment
// plus Spec.Env is used. output receives the server's stdout and stderr; nil
// discards them.
func NewStarter(spec Spec, e *env.Env, procs Lister, output io.Writer, log *slog.Logger) *Starter {
	if e == nil {
		e = env.New()
	}
	if output == nil {
		output = io.Discard
	}
	if log == nil {
		log = slog.Default()
	}
	return &Starter{spec: spec, env: e, procs: procs, output: output, log: log.With("component", "starter")}
}

// StartServer launches the start command. The server runs in its own session
// and is reaped in the background; liveness is observed via the detector.
func (s *Starter) StartServer(ctx context.Context, first bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := s.spec.BuildCommand(first)
	if s.spec.WorkDir != "" {
		cmd.Dir = s.spec.WorkDir
	}
	cmd.Env = s.env.Merge(s.spec.Env)
	cmd.Stdout = s.output
	cmd.Stderr = s.output
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.spec.Name, err)
	}
	pid := cmd.Process.Pid
	s.cmd = cmd
	if err := s.writePIDFile(ctx, pid); err != nil {
		s.log.Warn("write pid file failed", "path", s.spec.PIDFile, "error", err)
	}
	s.log.Info("server process started", "pid", pid, "first_start", first)

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.cmd == cmd {
			s.cmd = nil
		}
		s.mu.Unlock()
		s.log.Info("server process exited", "pid", pid, "error", err)
	}()
	return nil
}

// KillServer stops every managed process. Without force it runs the stop
// command (if any), then sends a terminate signal and escalates to kill after
// StopTimeout. It reports whether anything was running; killing an already
// stopped server is a no-op.
func (s *Starter) KillServer(ctx context.Context, force bool) (bool, error) {
	ps, err := s.procs.ManagedProcesses(ctx)
	if err != nil {
		return false, err
	}
	if len(ps) == 0 {
		s.removePIDFile()
		return false, nil
	}

	timeout := s.spec.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	if !force && s.spec.StopCommand != "" {
		if err := s.runStopCommand(ctx, timeout); err != nil {
			s.log.Warn("stop command failed", "error", err)
		} else if s.waitGone(ctx, timeout) {
			s.removePIDFile()
			return true, nil
		}
	}

	s.signal(ctx, ps, force)
	if !s.waitGone(ctx, timeout) {
		if force {
			return true, fmt.Errorf("server %s still running after kill", s.spec.Name)
		}
		s.log.Warn("server did not stop in time, killing", "timeout", timeout)
		if ps, err = s.procs.ManagedProcesses(ctx); err == nil {
			s.signal(ctx, ps, true)
		}
		if !s.waitGone(ctx, 5*time.Second) {
			return true, fmt.Errorf("server %s still running after kill", s.spec.Name)
		}
	}
	s.removePIDFile()
	return true, nil
}

func (s *Starter) signal(ctx context.Context, ps []detector.Process, force bool) {
	for _, p := range ps {
		gp, err := gopsproc.NewProcessWithContext(ctx, p.PID)
		if err != nil {
			continue
		}
		if force {
			err = gp.KillWithContext(ctx)
		} else {
			err = gp.TerminateWithContext(ctx)
		}
		if err != nil {
			s.log.Debug("signal failed", "pid", p.PID, "force", force, "error", err)
		}
	}
}

// waitGone polls until no managed process is left, the timeout passes or ctx ends.
func (s *Starter) waitGone(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(stopPollInterval)
	defer tick.Stop()
	for {
		if ps, err := s.procs.ManagedProcesses(ctx); err == nil && len(ps) == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

func (s *Starter) runStopCommand(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := CommandContext(ctx, s.spec.StopCommand)
	cmd.Dir = s.spec.WorkDir
	cmd.Env = s.env.Merge(s.spec.Env)
	cmd.Stdout = s.output
	cmd.Stderr = s.output
	return cmd.Run()
}

func (s *Starter) writePIDFile(ctx context.Context, pid int) error {
	if s.spec.PIDFile == "" {
		return nil
	}
	content := strconv.Itoa(pid)
	if p, err := gopsproc.NewProcessWithContext(ctx, int32(pid)); err == nil {
		if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
			meta, _ := json.Marshal(detector.PIDMeta{StartUnix: ms / 1000})
			content += "\n" + string(meta)
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.spec.PIDFile), 0o750); err != nil {
		return err
	}
	return os.WriteFile(s.spec.PIDFile, []byte(content+"\n"), 0o600)
}

// removePIDFile best-effort
func (s *Starter) removePIDFile() {
	if s.spec.PIDFile != "" {
		_ = os.Remove(s.spec.PIDFile)
	}
}
