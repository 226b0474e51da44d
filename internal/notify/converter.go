// Package notify turns supervisor events into human-readable messages and
// delivers them to chat webhooks.
package notify

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/gamewatch/internal/eventbus"
	"github.com/loykin/gamewatch/internal/state"
)

// Mentions configures who is pinged on important messages.
type Mentions struct {
	Role  string `mapstructure:"mention_role"`  // role id pinged when the server is up
	Admin string `mapstructure:"mention_admin"` // user id pinged on failures
}

// Converter listens for state, mod and game events and emits notification
// messages for them.
type Converter struct {
	mentions Mentions
	bus      *eventbus.Bus
	log      *slog.Logger
}

// NewConverter returns a converter publishing onto bus.
func NewConverter(m Mentions, bus *eventbus.Bus, log *slog.Logger) *Converter {
	if log == nil {
		log = slog.Default()
	}
	return &Converter{mentions: m, bus: bus, log: log.With("component", "notify")}
}

// Register subscribes the converter to its source events.
func (c *Converter) Register() []eventbus.Handle {
	return []eventbus.Handle{
		eventbus.On(c.bus, eventbus.StateChanged, c.onState),
		eventbus.On(c.bus, eventbus.ModsUpdated, c.onMods),
		eventbus.On(c.bus, eventbus.GameUpdates, c.onGame),
	}
}

func (c *Converter) emit(ch eventbus.Channel, msg string) {
	eventbus.Emit(c.bus, eventbus.Notifications, eventbus.Notification{Channel: ch, Message: msg})
}

func (c *Converter) onState(sc eventbus.StateChange) error {
	switch {
	case sc.New == state.Started && sc.Previous == state.Starting:
		msg := "Server started!" + mention(c.mentions.Role, "<@&%s>")
		c.log.Info(msg)
		c.emit(eventbus.ChannelNotification, msg)
	case sc.New == state.Stopped && sc.Previous == state.Stopping:
		c.log.Info("Server stopped!")
		c.emit(eventbus.ChannelNotification, "Server stopped!")
	case sc.New == state.Stopped && (sc.Previous == state.Starting || sc.Previous == state.Started):
		msg := "Something went wrong" + mention(c.mentions.Admin, "<@%s>") + ". Trying to restart the server..."
		c.log.Warn(msg)
		c.emit(eventbus.ChannelAdmin, msg)
	}
	return nil
}

func (c *Converter) onMods(m eventbus.ModUpdated) error {
	if !m.Success {
		c.emit(eventbus.ChannelAdmin, "Failed to update mods: "+strings.Join(m.ModIDs, "\n"))
		return nil
	}
	if len(m.ModIDs) == 0 {
		return nil
	}
	lines := make([]string, 0, len(m.ModIDs))
	for _, id := range m.ModIDs {
		lines = append(lines, "Update mod: https://steamcommunity.com/sharedfiles/filedetails/?id="+id)
	}
	c.emit(eventbus.ChannelNotification, strings.Join(lines, "\n"))
	return nil
}

func (c *Converter) onGame(g eventbus.GameUpdated) error {
	if !g.Success {
		c.emit(eventbus.ChannelAdmin, "Server update failed!")
		return nil
	}
	c.emit(eventbus.ChannelNotification, "Server updated successfully!")
	return nil
}

func mention(id, format string) string {
	if id == "" {
		return ""
	}
	return " " + fmt.Sprintf(format, id)
}
