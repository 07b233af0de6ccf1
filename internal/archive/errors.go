package archive

import "errors"

var (
	// ErrInvalidRecord is returned for records missing a device or role.
	ErrInvalidRecord = errors.New("archive: invalid record")

	// ErrQueueFull is returned by Record when the worker is behind.
	ErrQueueFull = errors.New("archive: queue full")
)
