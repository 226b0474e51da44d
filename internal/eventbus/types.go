package eventbus

import (
	"time"

	"github.com/loykin/gamewatch/internal/state"
)

// EventType identifies a class of bus messages. The set is closed: topics can
// only be obtained from the package-level variables below.
type EventType string

const (
	TypeStateChange        EventType = "state-change"
	TypeLogEntry           EventType = "log-entry"
	TypeMetricEntry        EventType = "metric-entry"
	TypeModUpdated         EventType = "mod-updated"
	TypeGameUpdated        EventType = "game-updated"
	TypeNotification       EventType = "notification-message"
	TypeGetInternalMods    EventType = "get-internal-mods"
	TypeInternalModInstall EventType = "internal-mod-install"
)

// Types lists every event type known to the bus.
func Types() []EventType {
	return []EventType{
		TypeStateChange, TypeLogEntry, TypeMetricEntry, TypeModUpdated,
		TypeGameUpdated, TypeNotification, TypeGetInternalMods, TypeInternalModInstall,
	}
}

// Topic binds an event type to its payload shape for emit/on.
type Topic[T any] struct{ typ EventType }

// Type returns the event type key of the topic.
func (t Topic[T]) Type() EventType { return t.typ }

// RequestTopic binds an event type to a request payload and the result each
// responder produces.
type RequestTopic[Req, Resp any] struct{ typ EventType }

// Type returns the event type key of the topic.
func (t RequestTopic[Req, Resp]) Type() EventType { return t.typ }

var (
	StateChanged   = Topic[StateChange]{typ: TypeStateChange}
	LogEntries     = Topic[LogEntry]{typ: TypeLogEntry}
	MetricEntries  = Topic[MetricEntry]{typ: TypeMetricEntry}
	ModsUpdated    = Topic[ModUpdated]{typ: TypeModUpdated}
	GameUpdates    = Topic[GameUpdated]{typ: TypeGameUpdated}
	Notifications  = Topic[Notification]{typ: TypeNotification}
	InternalMods   = RequestTopic[InternalModsQuery, []InternalMod]{typ: TypeGetInternalMods}
	InstallModReqs = RequestTopic[InternalModInstall, ModUpdated]{typ: TypeInternalModInstall}
)

// StateChange is published by the supervisor on every accepted transition.
type StateChange struct {
	New      state.ServerState `json:"new"`
	Previous state.ServerState `json:"previous"`
}

// LogEntry is a line read from the managed server's logs.
type LogEntry struct {
	Source  string    `json:"source"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// MetricEntry is a single sampled measurement.
type MetricEntry struct {
	Name  string    `json:"name"`
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// ModUpdated reports the outcome of a workshop mod update.
type ModUpdated struct {
	ModIDs  []string `json:"mod_ids"`
	Success bool     `json:"success"`
}

// GameUpdated reports the outcome of a game server update.
type GameUpdated struct {
	Success bool `json:"success"`
}

// Channel selects the audience of a notification.
type Channel string

const (
	ChannelAdmin        Channel = "admin"
	ChannelNotification Channel = "notification"
	ChannelRCON         Channel = "rcon"
)

// Notification is a human-facing message handed to the notifier.
type Notification struct {
	Channel Channel `json:"channel"`
	Message string  `json:"message"`
}

// InternalModsQuery asks responders for the mods they manage.
type InternalModsQuery struct{}

// InternalMod describes one managed mod.
type InternalMod struct {
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// InternalModInstall asks responders to install or update a single mod.
type InternalModInstall struct {
	ModID string `json:"mod_id"`
}
