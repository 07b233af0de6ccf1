package adapter

import (
	"fmt"
	"sort"
)

// Kind selects the capabilities a device is built with.
type Kind string

// Supported device kinds.
const (
	KindSensor   Kind = "sensor"
	KindActuator Kind = "actuator"
	KindMotor    Kind = "motor"
	KindShutter  Kind = "shutter"
)

// Roles with a fixed meaning.
const (
	RoleValue    = "value"
	RoleSetpoint = "setpoint"
	RolePosition = "position"
	RoleState    = "state"
	RoleControl  = "control"
	RoleOpen     = "open"
	RoleClose    = "close"
	RoleActuate  = "actuate"
	RoleStop     = "stop"
)

type kindSpec struct {
	valueRole  string
	required   []string
	needsTable bool
	check      func(DeviceConfig) []string
	compose    func(*Adapter)
}

var kinds = map[Kind]kindSpec{
	KindSensor: {
		valueRole: RoleValue,
		required:  []string{RoleValue},
	},
	KindActuator: {
		valueRole: RoleValue,
		required:  []string{RoleValue},
		compose: func(a *Adapter) {
			a.movable = newMover(a, RoleValue)
		},
	},
	KindMotor: {
		valueRole:  RolePosition,
		required:   []string{RolePosition},
		needsTable: true,
		compose: func(a *Adapter) {
			a.movable = newMover(a, RolePosition)
		},
	},
	KindShutter: {
		valueRole:  RoleState,
		required:   []string{RoleState},
		needsTable: true,
		check:      checkShutter,
		compose: func(a *Adapter) {
			a.switchable = newSwitcher(a)
		},
	},
}

func kindNames() []string {
	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, string(k))
	}
	sort.Strings(names)
	return names
}

// checkShutter requires a way to actuate the shutter and table labels for
// both positions.
func checkShutter(d DeviceConfig) []string {
	var errs []string

	_, hasOpen := d.Commands[RoleOpen]
	_, hasClose := d.Commands[RoleClose]
	_, hasActuate := d.Commands[RoleActuate]
	_, hasControl := d.Channels[RoleControl]
	switch {
	case hasOpen && hasClose, hasActuate, hasControl:
	case hasOpen != hasClose:
		errs = append(errs, "shutter needs both open and close commands")
	default:
		errs = append(errs, "shutter needs open/close commands, an actuate command or a control channel")
	}

	if d.StateTable != nil {
		s := d.Settings.withDefaults()
		for _, label := range []string{s.OpenLabel, s.ClosedLabel} {
			if !d.StateTable.HasLabel(label) {
				errs = append(errs, fmt.Sprintf("state_table has no rule labelled %q", label))
			}
		}
	}
	return errs
}
