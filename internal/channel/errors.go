package channel

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for channel and command operations.
//
// Transports wrap their failures in ErrBackendUnavailable or ErrTimeout so
// callers can branch with errors.Is regardless of the backend:
//
//	if errors.Is(err, channel.ErrBackendUnavailable) {
//	    // degrade, the channel is already reconnecting
//	}
var (
	// ErrBackendUnavailable indicates the backend connection is down.
	ErrBackendUnavailable = errors.New("channel: backend unavailable")

	// ErrTimeout indicates no reply arrived within the operation bound.
	ErrTimeout = errors.New("channel: timeout")

	// ErrInvalidValue indicates a value failed local validation and was not sent.
	ErrInvalidValue = errors.New("channel: invalid value")

	// ErrPushUnsupported is returned by Link.OnChange on poll-only backends.
	ErrPushUnsupported = errors.New("channel: backend does not push changes")

	// ErrNotInvocable indicates a command cannot be executed on its backend.
	ErrNotInvocable = errors.New("channel: command not invocable")

	// ErrInvalidConfig indicates a channel or command definition is unusable.
	ErrInvalidConfig = errors.New("channel: invalid configuration")

	// ErrRetriesExhausted indicates reconnection stopped after max attempts.
	ErrRetriesExhausted = errors.New("channel: reconnect attempts exhausted")
)

// classify maps an arbitrary transport error onto the channel taxonomy.
// Errors already in the taxonomy pass through; anything else is treated as
// the backend being unavailable.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBackendUnavailable),
		errors.Is(err, ErrTimeout),
		errors.Is(err, ErrInvalidValue),
		errors.Is(err, ErrNotInvocable):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
	}
}

// IsConnectionLoss reports whether err means the link must be re-established.
func IsConnectionLoss(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}
