package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// Spec describes how the game server is launched and stopped.
type Spec struct {
	Name           string        `mapstructure:"name"`
	Command        string        `mapstructure:"command"`          // command to start the server (shell)
	FirstStartArgs string        `mapstructure:"first_start_args"` // appended on the first start after supervisor launch
	StopCommand    string        `mapstructure:"stop_command"`     // optional graceful stop command, run before signalling
	WorkDir        string        `mapstructure:"work_dir"`
	Env            []string      `mapstructure:"env"`
	EnvFiles       []string      `mapstructure:"env_files"`
	PIDFile        string        `mapstructure:"pid_file"`     // written after start, read by the detector
	StopTimeout    time.Duration `mapstructure:"stop_timeout"` // wait before escalating to SIGKILL
	LogFile        string        `mapstructure:"log_file"`     // server stdout/stderr, rotated
}

// Validate checks the fields needed to start the server.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("server requires name")
	}
	if strings.TrimSpace(s.Command) == "" {
		return errors.New("server requires command")
	}
	if s.StopTimeout < 0 {
		return errors.New("stop_timeout must not be negative")
	}
	return nil
}

// BuildCommand constructs an *exec.Cmd for the start command; first selects
// whether FirstStartArgs are appended.
func (s Spec) BuildCommand(first bool) *exec.Cmd {
	cmdStr := strings.TrimSpace(s.Command)
	if first && strings.TrimSpace(s.FirstStartArgs) != "" {
		cmdStr += " " + strings.TrimSpace(s.FirstStartArgs)
	}
	return buildShellAware(cmdStr)
}

// CommandContext builds a context-bound command for a one-off helper command
// line (stop command, console, mod updater), with the same shell handling as
// the start command.
func CommandContext(ctx context.Context, cmdline string) *exec.Cmd {
	base := buildShellAware(cmdline)
	// #nosec G204
	return exec.CommandContext(ctx, base.Path, base.Args[1:]...)
}

// buildShellAware avoids invoking a shell when not necessary, and respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func buildShellAware(cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr and returns ARG with one pair of outer quotes removed.
func parseExplicitShell(cmdStr string) (string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	for _, p := range []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c "} {
		if !strings.HasPrefix(trim, p) {
			continue
		}
		after := trim[len(p):]
		if n := len(after); n >= 2 {
			if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
				after = after[1 : n-1]
			}
		}
		return after, true
	}
	return "", false
}
