package adapter

import (
	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/state"
)

// Event names emitted on an adapter's bus.
const (
	// EventValueChanged carries a ValueChange for the device's value role.
	EventValueChanged = "valueChanged"

	// EventStateChanged carries a StateChange.
	EventStateChanged = "stateChanged"

	// EventReadingChanged carries a ValueChange for any role.
	EventReadingChanged = "readingChanged"

	// EventChannelChanged carries a ChannelChange.
	EventChannelChanged = "channelChanged"
)

// ValueChange is the payload of EventValueChanged and EventReadingChanged.
type ValueChange struct {
	Device  string          `json:"device"`
	Role    string          `json:"role"`
	Reading channel.Reading `json:"reading"`
}

// StateChange is the payload of EventStateChanged.
type StateChange struct {
	Device   string       `json:"device"`
	Previous state.Status `json:"previous"`
	Current  state.Status `json:"current"`
}

// ChannelChange is the payload of EventChannelChanged.
type ChannelChange struct {
	Device    string `json:"device"`
	Role      string `json:"role"`
	Channel   string `json:"channel"`
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
}
