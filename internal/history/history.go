// Package history exports supervisor events to analytics sinks.
package history

import (
	"context"
	"time"

	"github.com/loykin/gamewatch/internal/eventbus"
)

// Event is one bus event flattened for storage. Fields that do not apply to
// the event's Type are left empty.
type Event struct {
	Type       eventbus.EventType `json:"type"`
	OccurredAt time.Time          `json:"occurred_at"`
	Server     string             `json:"server"`
	State      string             `json:"state,omitempty"`
	Previous   string             `json:"previous,omitempty"`
	Channel    string             `json:"channel,omitempty"`
	Message    string             `json:"message,omitempty"`
	Success    bool               `json:"success"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
