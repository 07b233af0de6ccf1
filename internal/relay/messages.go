package relay

import (
	"errors"
	"time"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/state"
)

// Command actions accepted on a device command topic.
const (
	ActionSet   = "set"
	ActionMove  = "move"
	ActionOpen  = "open"
	ActionClose = "close"
	ActionAbort = "abort"
)

// CommandMessage is published by clients on beamline/device/{name}/command.
type CommandMessage struct {
	// ID correlates acknowledgements. One is generated when empty.
	ID        string `json:"id"`
	Action    string `json:"action"`
	Value     any    `json:"value,omitempty"`
	Wait      bool   `json:"wait"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// AckStatus is the progress of a relayed command.
type AckStatus string

const (
	// AckAccepted is sent as soon as a command is dispatched.
	AckAccepted AckStatus = "accepted"

	// AckDone is sent when the operation returned without error. With
	// wait set this means the post-condition was observed.
	AckDone AckStatus = "done"

	// AckFailed carries an AckError.
	AckFailed AckStatus = "failed"
)

// Error codes carried by failed acknowledgements.
const (
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeNotFound       = "DEVICE_NOT_FOUND"
	ErrCodeNotSupported   = "NOT_SUPPORTED"
	ErrCodeInvalidValue   = "INVALID_VALUE"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeRejected       = "REJECTED"
	ErrCodeAborted        = "ABORTED"
	ErrCodeUnavailable    = "BACKEND_UNAVAILABLE"
	ErrCodeStopped        = "STOPPED"
	ErrCodeInternal       = "INTERNAL"
)

// AckMessage is published on beamline/device/{name}/ack.
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Device    string    `json:"device"`
	Action    string    `json:"action"`
	Status    AckStatus `json:"status"`
	Error     *AckError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// AckError describes why a command failed.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorCode maps an adapter error to an acknowledgement code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, adapter.ErrInvalidValue):
		return ErrCodeInvalidValue
	case errors.Is(err, adapter.ErrTimeout):
		return ErrCodeTimeout
	case errors.Is(err, adapter.ErrOperationRejected):
		return ErrCodeRejected
	case errors.Is(err, adapter.ErrOperationAborted):
		return ErrCodeAborted
	case errors.Is(err, adapter.ErrNotSupported):
		return ErrCodeNotSupported
	case errors.Is(err, adapter.ErrBackendUnavailable):
		return ErrCodeUnavailable
	case errors.Is(err, adapter.ErrStopped):
		return ErrCodeStopped
	default:
		return ErrCodeInternal
	}
}

// ValueMessage is the retained payload of a device value or reading topic.
type ValueMessage struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Confirmed bool      `json:"confirmed"`
	Stale     bool      `json:"stale,omitempty"`
}

// HealthStatus is the overall status in a health report.
type HealthStatus string

const (
	HealthStarting HealthStatus = "starting"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained payload of beamline/system/health.
type HealthMessage struct {
	Site          string              `json:"site"`
	Version       string              `json:"version"`
	Status        HealthStatus        `json:"status"`
	Reason        string              `json:"reason,omitempty"`
	UptimeSeconds int64               `json:"uptime_seconds"`
	Devices       int                 `json:"devices"`
	States        map[state.State]int `json:"states"`
	Timestamp     time.Time           `json:"timestamp"`
}
