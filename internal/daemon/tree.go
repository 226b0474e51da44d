package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig tunes restart backoff of the service tree. Zero values take
// suture's defaults.
type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

func (c *TreeConfig) setDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureDecay == 0 {
		c.FailureDecay = 30
	}
	if c.FailureBackoff == 0 {
		c.FailureBackoff = 15 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
}

// tree groups services in three layers so a failing webhook or sink never
// takes the supervisor loop down with it:
//   - core: monitor, scheduler
//   - delivery: notifier, history recorder
//   - api: HTTP control API
type tree struct {
	root     *suture.Supervisor
	core     *suture.Supervisor
	delivery *suture.Supervisor
	api      *suture.Supervisor
}

func newTree(log *slog.Logger, cfg TreeConfig) *tree {
	cfg.setDefaults()
	hook := (&sutureslog.Handler{Logger: log}).MustHook()
	child := suture.Spec{
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	rootSpec := child
	rootSpec.EventHook = hook

	t := &tree{
		root:     suture.New("gamewatch", rootSpec),
		core:     suture.New("core", child),
		delivery: suture.New("delivery", child),
		api:      suture.New("api", child),
	}
	t.root.Add(t.core)
	t.root.Add(t.delivery)
	t.root.Add(t.api)
	return t
}

func (t *tree) serve(ctx context.Context) error { return t.root.Serve(ctx) }

func (t *tree) unstopped() []string {
	report, err := t.root.UnstoppedServiceReport()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(report))
	for _, s := range report {
		out = append(out, s.Name)
	}
	return out
}
