package detector

// Detector is a strategy that determines if a process is running.
// It must be safe for concurrent use.
type Detector interface {
	// Alive returns true if the process is detected as running.
	Alive() (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// Process is a handle to one OS process that belongs to the managed server.
type Process struct {
	PID        int32  `json:"pid"`
	Name       string `json:"name"`
	CreateTime int64  `json:"create_time"` // unix milliseconds, 0 when unknown
}
