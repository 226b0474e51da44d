package state

import "fmt"

// ServerState is the supervisor's view of the managed game server.
type ServerState int

const (
	Stopped ServerState = iota
	Starting
	Started
	Stopping
)

var names = [...]string{"STOPPED", "STARTING", "STARTED", "STOPPING"}

func (s ServerState) String() string {
	if s < 0 || int(s) >= len(names) {
		return fmt.Sprintf("ServerState(%d)", int(s))
	}
	return names[s]
}

// MarshalText renders the state by name so JSON payloads stay readable.
func (s ServerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts the names produced by String.
func (s *ServerState) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Parse converts a state name back into a ServerState.
func Parse(name string) (ServerState, error) {
	for i, n := range names {
		if n == name {
			return ServerState(i), nil
		}
	}
	return Stopped, fmt.Errorf("unknown server state %q", name)
}

// Running reports whether the state represents a live (or coming up) server.
func (s ServerState) Running() bool { return s == Starting || s == Started }
