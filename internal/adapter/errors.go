package adapter

import (
	"errors"

	"github.com/nerrad567/beamline-core/internal/channel"
)

// Sentinel errors for adapter operations.
//
// Channel failures are returned unchanged, so callers also see
// channel.ErrBackendUnavailable, channel.ErrTimeout and
// channel.ErrInvalidValue (re-exported below for convenience).
var (
	// ErrConfiguration indicates a device definition is incomplete or
	// inconsistent. It is only returned at construction.
	ErrConfiguration = errors.New("adapter: configuration error")

	// ErrOperationRejected indicates the backend accepted an operation
	// but the expected outcome was not observed.
	ErrOperationRejected = errors.New("adapter: operation rejected")

	// ErrOperationAborted indicates a wait was interrupted by Abort or
	// context cancellation.
	ErrOperationAborted = errors.New("adapter: operation aborted")

	// ErrNotSupported indicates the device kind lacks the capability.
	ErrNotSupported = errors.New("adapter: operation not supported")

	// ErrStopped indicates the adapter has been stopped.
	ErrStopped = errors.New("adapter: stopped")
)

// Channel taxonomy errors surfaced by adapter operations.
var (
	ErrBackendUnavailable = channel.ErrBackendUnavailable
	ErrTimeout            = channel.ErrTimeout
	ErrInvalidValue       = channel.ErrInvalidValue
)

// resultLabel maps an operation error to a low-cardinality metric label.
func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrOperationAborted):
		return "aborted"
	case errors.Is(err, ErrOperationRejected):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidValue):
		return "invalid"
	case errors.Is(err, ErrNotSupported):
		return "unsupported"
	case errors.Is(err, ErrBackendUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
