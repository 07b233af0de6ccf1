package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/beamline-core/internal/adapter"
)

// handleCommand parses a command and runs it on its own goroutine, since a
// waiting operation can take as long as its timeout.
func (r *Relay) handleCommand(ctx context.Context, topic string, payload []byte) error {
	device, ok := r.topics.DeviceFromTopic(topic)
	if !ok {
		return fmt.Errorf("command on unexpected topic %q", topic)
	}

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		r.ack(device, cmd, AckFailed, &AckError{Code: ErrCodeInvalidCommand, Message: "malformed command: " + err.Error()})
		return nil
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.Action = strings.ToLower(strings.TrimSpace(cmd.Action))

	a, err := r.devices.Get(device)
	if err != nil {
		r.ack(device, cmd, AckFailed, &AckError{Code: ErrCodeNotFound, Message: err.Error()})
		return nil
	}
	run, err := r.operation(a, cmd)
	if err != nil {
		r.ack(device, cmd, AckFailed, &AckError{Code: ErrCodeInvalidCommand, Message: err.Error()})
		return nil
	}

	r.logger.Info("device command received", "device", device, "command_id", cmd.ID, "action", cmd.Action)
	r.ack(device, cmd, AckAccepted, nil)

	r.commands.Add(1)
	go func() {
		defer r.commands.Done()
		if err := run(ctx); err != nil {
			r.logger.Warn("device command failed", "device", device, "command_id", cmd.ID, "action", cmd.Action, "error", err)
			r.ack(device, cmd, AckFailed, &AckError{Code: errorCode(err), Message: err.Error()})
			return
		}
		r.ack(device, cmd, AckDone, nil)
	}()
	return nil
}

// operation binds cmd to the adapter method it names.
func (r *Relay) operation(a *adapter.Adapter, cmd CommandMessage) (func(context.Context) error, error) {
	timeout, err := adapter.TimeoutFromMillis(cmd.TimeoutMS)
	if err != nil {
		return nil, err
	}

	switch cmd.Action {
	case ActionSet:
		if cmd.Value == nil {
			return nil, fmt.Errorf("%s needs a value", cmd.Action)
		}
		return func(ctx context.Context) error { return a.SetValue(ctx, cmd.Value, cmd.Wait, timeout) }, nil
	case ActionMove:
		if cmd.Value == nil {
			return nil, fmt.Errorf("%s needs a value", cmd.Action)
		}
		return func(ctx context.Context) error { return a.Move(ctx, cmd.Value, cmd.Wait, timeout) }, nil
	case ActionOpen:
		return func(ctx context.Context) error { return a.Open(ctx, cmd.Wait, timeout) }, nil
	case ActionClose:
		return func(ctx context.Context) error { return a.Close(ctx, cmd.Wait, timeout) }, nil
	case ActionAbort:
		return a.Abort, nil
	default:
		return nil, fmt.Errorf("unknown action %q", cmd.Action)
	}
}

func (r *Relay) ack(device string, cmd CommandMessage, status AckStatus, ackErr *AckError) {
	msg := AckMessage{
		CommandID: cmd.ID,
		Device:    device,
		Action:    cmd.Action,
		Status:    status,
		Error:     ackErr,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("encoding ack failed", "error", err)
		return
	}
	if err := r.broker.Publish(r.topics.DeviceAck(device), payload, r.opts.QoS, false); err != nil {
		r.logger.Warn("publishing ack failed", "device", device, "command_id", cmd.ID, "error", err)
	}
}
