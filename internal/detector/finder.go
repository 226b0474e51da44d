package detector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Config selects which OS processes belong to the managed server.
// A process matches when its executable name equals Name (if set) and its
// command line contains Match (if set). PIDFile, when set, names the primary
// process ahead of any name matches.
type Config struct {
	Name    string `mapstructure:"process_name"`
	Match   string `mapstructure:"process_match"`
	PIDFile string `mapstructure:"pid_file"`
}

// Finder discovers the managed server's processes and samples their CPU time.
type Finder struct {
	cfg  Config
	list func(ctx context.Context) ([]*gopsproc.Process, error)
}

func NewFinder(cfg Config) *Finder {
	return &Finder{cfg: cfg, list: gopsproc.ProcessesWithContext}
}

func (f *Finder) Describe() string {
	var parts []string
	if f.cfg.PIDFile != "" {
		parts = append(parts, "pidfile:"+f.cfg.PIDFile)
	}
	if f.cfg.Name != "" {
		parts = append(parts, "name:"+f.cfg.Name)
	}
	if f.cfg.Match != "" {
		parts = append(parts, "match:"+f.cfg.Match)
	}
	return strings.Join(parts, ",")
}

// IsServerRunning reports whether at least one managed process exists.
func (f *Finder) IsServerRunning(ctx context.Context) (bool, error) {
	ps, err := f.ManagedProcesses(ctx)
	if err != nil {
		return false, err
	}
	return len(ps) > 0, nil
}

// ManagedProcesses returns the matching processes, primary first. The PID
// file process leads when present; name matches follow, oldest first.
func (f *Finder) ManagedProcesses(ctx context.Context) ([]Process, error) {
	var out []Process
	seen := map[int32]bool{}

	if f.cfg.PIDFile != "" {
		pid, err := PIDFileDetector{PIDFile: f.cfg.PIDFile}.PID(ctx)
		if err != nil {
			return nil, err
		}
		if pid > 0 {
			if p, err := gopsproc.NewProcessWithContext(ctx, int32(pid)); err == nil {
				out = append(out, handle(ctx, p))
				seen[p.Pid] = true
			}
		}
	}
	if f.cfg.Name == "" && f.cfg.Match == "" {
		return out, nil
	}

	all, err := f.list(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	var matched []Process
	for _, p := range all {
		if seen[p.Pid] || !f.matches(ctx, p) {
			continue
		}
		matched = append(matched, handle(ctx, p))
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreateTime < matched[j].CreateTime })
	return append(out, matched...), nil
}

func (f *Finder) matches(ctx context.Context, p *gopsproc.Process) bool {
	if f.cfg.Name != "" {
		name, err := p.NameWithContext(ctx)
		if err != nil || name != f.cfg.Name {
			return false
		}
	}
	if f.cfg.Match != "" {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !strings.Contains(cmdline, f.cfg.Match) {
			return false
		}
	}
	return true
}

func handle(ctx context.Context, p *gopsproc.Process) Process {
	h := Process{PID: p.Pid}
	h.Name, _ = p.NameWithContext(ctx)
	h.CreateTime, _ = p.CreateTimeWithContext(ctx)
	return h
}

// ErrProcessGone is returned when the sampled process no longer exists or
// its PID now belongs to a different process.
var ErrProcessGone = errors.New("process gone")

// CPUSpent returns the cumulative user+system CPU seconds consumed by p.
func (f *Finder) CPUSpent(ctx context.Context, p Process) (float64, error) {
	gp, err := gopsproc.NewProcessWithContext(ctx, p.PID)
	if err != nil {
		if errors.Is(err, gopsproc.ErrorProcessNotRunning) {
			return 0, ErrProcessGone
		}
		return 0, err
	}
	if p.CreateTime > 0 {
		if ct, err := gp.CreateTimeWithContext(ctx); err == nil && ct != p.CreateTime {
			return 0, ErrProcessGone
		}
	}
	t, err := gp.TimesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("cpu times for pid %d: %w", p.PID, err)
	}
	return t.User + t.System, nil
}
