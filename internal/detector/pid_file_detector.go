package detector

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// pidAlive returns true if a process with given pid exists.
func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// procStartUnix returns the creation time of pid in unix seconds, 0 when unavailable.
func procStartUnix(ctx context.Context, pid int) int64 {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTimeWithContext(ctx)
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

// PIDMeta is the optional JSON line that follows the PID in a pid file.
type PIDMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// ReadPIDFile parses a pid file: first line is the PID, an optional second
// line carries PIDMeta. A meta line that cannot be decoded is ignored.
func ReadPIDFile(path string) (int, PIDMeta, error) {
	var meta PIDMeta
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, meta, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, meta, fmt.Errorf("invalid pid in %s: %w", path, err)
	}
	if len(lines) >= 2 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &meta)
	}
	return pid, meta, nil
}

// PIDFileDetector detects a process via a PID file.
type PIDFileDetector struct {
	PIDFile string
}

// PID returns the live PID recorded in the file, or 0 when the file is
// missing, the process is gone, or the PID was reused by another process.
func (d PIDFileDetector) PID(ctx context.Context) (int, error) {
	pid, meta, err := ReadPIDFile(d.PIDFile)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	if !pidAlive(ctx, pid) {
		return 0, nil
	}
	if meta.StartUnix > 0 {
		if cur := procStartUnix(ctx, pid); cur > 0 && cur != meta.StartUnix {
			return 0, nil // PID reused; not our process
		}
	}
	return pid, nil
}

func (d PIDFileDetector) Alive() (bool, error) {
	pid, err := d.PID(context.Background())
	return pid > 0, err
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return pidAlive(context.Background(), d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
