package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// handleGetDeviceHistory returns archived state changes for a device,
// newest first.
//
// Query parameters:
//   - limit: number of entries (default 50, max 200)
//   - since: RFC 3339 timestamp; only later changes are returned
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	since, err := parseSinceParam(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}

	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "state history unavailable")
		return
	}

	entries, err := s.history.History(r.Context(), a.Name(), limit)
	if err != nil {
		s.logger.Error("loading device history failed", "device", a.Name(), "error", err)
		writeInternalError(w, "failed to load device history")
		return
	}

	if !since.IsZero() {
		filtered := entries[:0]
		for _, entry := range entries {
			if entry.ChangedAt.After(since) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device":  a.Name(),
		"history": entries,
		"count":   len(entries),
	})
}

// handleGetArchivedValues returns the last archived reading of each role.
func (s *Server) handleGetArchivedValues(w http.ResponseWriter, r *http.Request) {
	a, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "value archive unavailable")
		return
	}
	values, err := s.history.Values(r.Context(), a.Name())
	if err != nil {
		s.logger.Error("loading archived values failed", "device", a.Name(), "error", err)
		writeInternalError(w, "failed to load archived values")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device": a.Name(),
		"values": values,
		"count":  len(values),
	})
}

// parseHistoryLimit parses the limit parameter with the default and cap.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return defaultHistoryLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > maxHistoryLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}

	return limit, nil
}

// parseSinceParam parses the since parameter as RFC3339/RFC3339Nano.
func parseSinceParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
