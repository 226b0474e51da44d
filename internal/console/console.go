// Package console talks to the game server's remote console by running a
// configured command line per console command. Calls go through a circuit
// breaker so a dead RCON endpoint fails fast instead of stalling scheduled
// events.
package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/metrics"
	"github.com/loykin/gamewatch/internal/process"
	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrUnavailable is returned while the breaker rejects calls.
var ErrUnavailable = errors.New("console unavailable")

// BreakerConfig controls when the console is considered down.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// Commands holds the console command for each action. {text} is replaced
// by the message.
type Commands struct {
	Global  string `mapstructure:"global"`
	KickAll string `mapstructure:"kick_all"`
	Lock    string `mapstructure:"lock"`
	Unlock  string `mapstructure:"unlock"`
}

// Config configures the console. Command is the client invocation; {cmd}
// is replaced by the shell-quoted console command.
type Config struct {
	Command  string        `mapstructure:"command"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Commands Commands      `mapstructure:"commands"`
	Breaker  BreakerConfig `mapstructure:"breaker"`
	Echo     bool          `mapstructure:"echo"` // publish console output on the rcon channel
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Commands.Global == "" {
		c.Commands.Global = "say -1 {text}"
	}
	if c.Commands.KickAll == "" {
		c.Commands.KickAll = "#kick -1"
	}
	if c.Commands.Lock == "" {
		c.Commands.Lock = "#lock"
	}
	if c.Commands.Unlock == "" {
		c.Commands.Unlock = "#unlock"
	}
	if c.Breaker.MaxFailures == 0 {
		c.Breaker.MaxFailures = 3
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = time.Minute
	}
}

type runFunc func(ctx context.Context, cmdline string) ([]byte, error)

// Console executes console commands.
type Console struct {
	cfg Config
	bus *eventbus.Bus
	log *slog.Logger
	cb  *gobreaker.CircuitBreaker[[]byte]
	run runFunc
}

// New builds a console. It returns an error when no command is configured.
func New(cfg Config, bus *eventbus.Bus, log *slog.Logger) (*Console, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("console requires command")
	}
	if !strings.Contains(cfg.Command, "{cmd}") {
		return nil, fmt.Errorf("console command %q lacks {cmd} placeholder", cfg.Command)
	}
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	c := &Console{cfg: cfg, bus: bus, log: log.With("component", "console"), run: runShell}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "console",
		MaxRequests: 1,
		Timeout:     cfg.Breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("console breaker state change", "from", from.String(), "to", to.String())
			metrics.SetConsoleBreaker(stateToFloat(to))
		},
	})
	metrics.SetConsoleBreaker(0)
	return c, nil
}

func runShell(ctx context.Context, cmdline string) ([]byte, error) {
	var out bytes.Buffer
	cmd := process.CommandContext(ctx, cmdline)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Global broadcasts text to every player.
func (c *Console) Global(ctx context.Context, text string) error {
	_, err := c.Exec(ctx, strings.ReplaceAll(c.cfg.Commands.Global, "{text}", text))
	return err
}

// KickAll removes every connected player.
func (c *Console) KickAll(ctx context.Context) error {
	_, err := c.Exec(ctx, c.cfg.Commands.KickAll)
	return err
}

// Lock prevents new players from joining.
func (c *Console) Lock(ctx context.Context) error {
	_, err := c.Exec(ctx, c.cfg.Commands.Lock)
	return err
}

// Unlock allows players to join again.
func (c *Console) Unlock(ctx context.Context) error {
	_, err := c.Exec(ctx, c.cfg.Commands.Unlock)
	return err
}

// State returns the breaker state ("closed", "half-open", "open").
func (c *Console) State() string { return c.cb.State().String() }

// Exec sends one raw console command and returns its output.
func (c *Console) Exec(ctx context.Context, command string) (string, error) {
	line := strings.ReplaceAll(c.cfg.Command, "{cmd}", quote(command))
	out, err := c.cb.Execute(func() ([]byte, error) {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		b, err := c.run(cctx, line)
		if err != nil {
			return b, fmt.Errorf("console %q: %w", command, err)
		}
		return b, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.IncConsoleCommand("rejected")
		c.log.Debug("console call rejected", "command", command, "breaker", c.cb.State().String())
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	text := strings.TrimSpace(string(out))
	if err != nil {
		metrics.IncConsoleCommand("failure")
		c.log.Warn("console command failed", "command", command, "error", err, "output", text)
		return text, err
	}
	metrics.IncConsoleCommand("success")
	c.log.Info("console command sent", "command", command)
	if c.cfg.Echo && c.bus != nil && text != "" {
		eventbus.Emit(c.bus, eventbus.Notifications, eventbus.Notification{Channel: eventbus.ChannelRCON, Message: text})
	}
	return text, nil
}

// quote single-quotes s for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
