package client

import "time"

// Status is the supervisor's point-in-time view.
type Status struct {
	State              string    `json:"state"`
	Disabled           bool      `json:"disabled"`
	ConfigLock         bool      `json:"config_lock"`
	LockFile           bool      `json:"lock_file"`
	RestartLock        bool      `json:"restart_lock"`
	StuckCheckDisabled bool      `json:"stuck_check_disabled"`
	CPUSamples         []float64 `json:"cpu_samples"`
	LastTick           time.Time `json:"last_tick"`
	ModMessageSent     bool      `json:"mod_message_sent"`
	Monitoring         bool      `json:"monitoring"`
	Console            string    `json:"console,omitempty"`
}

// Locked reports whether any restart lock is active.
func (s Status) Locked() bool { return s.ConfigLock || s.LockFile || s.RestartLock }

// Job is a scheduled event.
type Job struct {
	Name    string    `json:"name"`
	Action  string    `json:"action"`
	Trigger string    `json:"trigger"`
	Kind    string    `json:"kind"`
	Next    time.Time `json:"next,omitempty"`
	Prev    time.Time `json:"prev,omitempty"`
}

// Mod is a managed workshop mod.
type Mod struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

type killResponse struct {
	Killed bool `json:"killed"`
}

type consoleRequest struct {
	Command string `json:"command"`
}

type consoleResponse struct {
	Output string `json:"output"`
}
