package state

import "errors"

// Sentinel errors for state tables.
var (
	// ErrUnknownState indicates a name outside the state vocabulary.
	ErrUnknownState = errors.New("state: unknown state")

	// ErrInvalidTable indicates a state table failed validation.
	ErrInvalidTable = errors.New("state: invalid table")
)
