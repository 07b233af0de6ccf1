package registry

import "errors"

var (
	// ErrDeviceNotFound is returned when no device has the given name.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrDuplicateDevice is returned when a live device already has the name.
	ErrDuplicateDevice = errors.New("registry: duplicate device")

	// ErrDuplicateTransport is returned when a backend name is registered twice.
	ErrDuplicateTransport = errors.New("registry: duplicate transport")

	// ErrClosed is returned by operations on a closed registry.
	ErrClosed = errors.New("registry: closed")
)
