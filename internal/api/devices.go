package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/state"
)

const maxQueryParamLen = 100

// Device actions accepted by POST /devices/{name}/actions/{action}.
const (
	actionOpen  = "open"
	actionClose = "close"
	actionMove  = "move"
	actionAbort = "abort"
)

// deviceView is the JSON representation of one device.
type deviceView struct {
	Name         string                     `json:"name"`
	Kind         adapter.Kind               `json:"kind"`
	Description  string                     `json:"description,omitempty"`
	Capabilities []string                   `json:"capabilities"`
	State        state.Status               `json:"state"`
	Value        *channel.Reading           `json:"value,omitempty"`
	Readings     map[string]channel.Reading `json:"readings,omitempty"`
}

// operationRequest is the body of value writes and actions.
type operationRequest struct {
	Value     any   `json:"value"`
	Wait      bool  `json:"wait"`
	TimeoutMS int64 `json:"timeout_ms"`

	timeout time.Duration
}

func viewOf(a *adapter.Adapter, withReadings bool) deviceView {
	v := deviceView{
		Name:         a.Name(),
		Kind:         a.Kind(),
		Description:  a.Description(),
		Capabilities: a.Capabilities(),
		State:        a.GetState(),
	}
	readings := a.Readings()
	if r, ok := readings[a.ValueRole()]; ok && r.Known() {
		v.Value = &r
	}
	if withReadings {
		v.Readings = readings
	}
	return v
}

// handleListDevices returns every device.
//
// Query parameters:
//   - kind: filter by device kind (sensor, actuator, motor, shutter)
//   - state: filter by current state (READY, MOVING, ...)
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	stateFilter := r.URL.Query().Get("state")
	if len(kind) > maxQueryParamLen || len(stateFilter) > maxQueryParamLen {
		writeBadRequest(w, "query parameter exceeds maximum length")
		return
	}
	var want state.State
	if stateFilter != "" {
		st, err := state.Parse(stateFilter)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		want = st
	}

	devices := make([]deviceView, 0)
	for _, a := range s.devices.List() {
		if kind != "" && string(a.Kind()) != kind {
			continue
		}
		v := viewOf(a, false)
		if want != "" && v.State.State != want {
			continue
		}
		devices = append(devices, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// lookup resolves the {name} URL parameter, writing the error response
// when it fails.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*adapter.Adapter, bool) {
	name := chi.URLParam(r, "name")
	if name == "" || len(name) > maxQueryParamLen {
		writeBadRequest(w, "invalid device name")
		return nil, false
	}
	a, err := s.devices.Get(name)
	if err != nil {
		writeDeviceError(w, err)
		return nil, false
	}
	return a, true
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a, true))
}

func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": a.Name(), "state": a.GetState()})
}

// handleGetDeviceValue reads the value role from the backend, falling back
// to the cached reading marked stale when the backend is unreachable.
func (s *Server) handleGetDeviceValue(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	reading, err := a.GetValue(r.Context())
	if err != nil {
		writeDeviceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": a.Name(), "role": a.ValueRole(), "reading": reading})
}

// handleSetDeviceValue writes the device value. With wait set the response
// is sent once the post-condition is met; otherwise 202 is returned as soon
// as the backend accepted the write.
func (s *Server) handleSetDeviceValue(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	req, ok := decodeOperation(w, r)
	if !ok {
		return
	}
	if req.Value == nil {
		writeBadRequest(w, "value is required")
		return
	}
	if err := a.SetValue(r.Context(), req.Value, req.Wait, req.timeout); err != nil {
		s.logger.Debug("set value failed", "device", a.Name(), "error", err)
		writeDeviceError(w, err)
		return
	}
	s.logger.Info("device value set", "device", a.Name(), "caller", callerFrom(r.Context()), "wait", req.Wait)
	writeOperationResult(w, a, "set", req.Wait)
}

func (s *Server) handleDeviceAction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	action := strings.ToLower(chi.URLParam(r, "action"))
	req, ok := decodeOperation(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	var err error
	switch action {
	case actionOpen:
		err = a.Open(ctx, req.Wait, req.timeout)
	case actionClose:
		err = a.Close(ctx, req.Wait, req.timeout)
	case actionMove:
		if req.Value == nil {
			writeBadRequest(w, "move needs a value")
			return
		}
		err = a.Move(ctx, req.Value, req.Wait, req.timeout)
	case actionAbort:
		err = a.Abort(ctx)
	default:
		writeNotFound(w, fmt.Sprintf("unknown action %q", action))
		return
	}
	if err != nil {
		s.logger.Debug("device action failed", "device", a.Name(), "action", action, "error", err)
		writeDeviceError(w, err)
		return
	}
	s.logger.Info("device action", "device", a.Name(), "action", action, "caller", callerFrom(ctx), "wait", req.Wait)
	writeOperationResult(w, a, action, req.Wait || action == actionAbort)
}

// decodeOperation parses an optional JSON body. A chunked request with no
// body reports ContentLength -1 and decodes to io.EOF.
func decodeOperation(w http.ResponseWriter, r *http.Request) (operationRequest, bool) {
	var req operationRequest
	if r.Body == nil || r.ContentLength == 0 {
		return req, true
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return req, false
	}
	timeout, err := adapter.TimeoutFromMillis(req.TimeoutMS)
	if err != nil {
		writeBadRequest(w, err.Error())
		return req, false
	}
	req.timeout = timeout
	return req, true
}

func writeOperationResult(w http.ResponseWriter, a *adapter.Adapter, op string, completed bool) {
	status := http.StatusAccepted
	if completed {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"device":    a.Name(),
		"operation": op,
		"completed": completed,
		"state":     a.GetState(),
	})
}
