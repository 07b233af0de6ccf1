package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/beamline-core/internal/channel"
	"github.com/nerrad567/beamline-core/internal/state"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// StateRecord is one row of state_history.
type StateRecord struct {
	ID        int64        `json:"id"`
	Device    string       `json:"device"`
	Status    state.Status `json:"status"`
	Previous  state.State  `json:"previous,omitempty"`
	ChangedAt time.Time    `json:"changed_at"`
}

// ValueRecord is the last archived reading of one device role.
type ValueRecord struct {
	Device    string    `json:"device"`
	Role      string    `json:"role"`
	Value     any       `json:"value"`
	Confirmed bool      `json:"confirmed"`
	Observed  time.Time `json:"observed_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists state history and last readings in SQLite.
//
// Timestamps are stored as fixed-width RFC 3339 UTC text.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store on an open, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// timeLayout is fixed width so that text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// RecordState appends a state transition.
func (s *Store) RecordState(ctx context.Context, device string, previous state.State, st state.Status) error {
	if device == "" {
		return fmt.Errorf("%w: device name is required", ErrInvalidRecord)
	}
	at := st.Timestamp
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_history (device, state, label, reason, previous, changed_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		device, string(st.State), st.Label, st.Reason, string(previous), formatTime(at))
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}
	return nil
}

// History returns the most recent transitions of device, newest first.
// limit defaults to 50 and is capped at 200.
func (s *Store) History(ctx context.Context, device string, limit int) ([]StateRecord, error) {
	if device == "" {
		return nil, fmt.Errorf("%w: device name is required", ErrInvalidRecord)
	}
	limit = clampLimit(limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, device, state, label, reason, previous, changed_at
		 FROM state_history
		 WHERE device = ?
		 ORDER BY changed_at DESC, id DESC
		 LIMIT ?`,
		device, limit)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	records := make([]StateRecord, 0, limit)
	for rows.Next() {
		var r StateRecord
		var st, previous, changedAt string
		if err := rows.Scan(&r.ID, &r.Device, &st, &r.Status.Label, &r.Status.Reason, &previous, &changedAt); err != nil {
			return nil, fmt.Errorf("scanning state history: %w", err)
		}
		r.Status.State = state.State(st)
		r.Previous = state.State(previous)
		if r.ChangedAt, err = parseTime(changedAt); err != nil {
			return nil, err
		}
		r.Status.Timestamp = r.ChangedAt
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}
	return records, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

// UpsertValue stores r as the last reading of its device role. A reading
// older than the stored one is ignored.
func (s *Store) UpsertValue(ctx context.Context, device, role string, r channel.Reading) error {
	if device == "" || role == "" {
		return fmt.Errorf("%w: device and role are required", ErrInvalidRecord)
	}
	if !r.Known() {
		return nil
	}
	encoded, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("%w: encoding value: %w", ErrInvalidRecord, err)
	}
	observed := r.Timestamp
	if observed.IsZero() {
		observed = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channel_values (device, role, value, confirmed, observed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (device, role) DO UPDATE SET
		     value = excluded.value,
		     confirmed = excluded.confirmed,
		     observed_at = excluded.observed_at,
		     updated_at = excluded.updated_at
		 WHERE excluded.observed_at >= channel_values.observed_at`,
		device, role, string(encoded), r.Confirmed, formatTime(observed), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("upserting channel value: %w", err)
	}
	return nil
}

// Values returns the archived readings of device, by role.
func (s *Store) Values(ctx context.Context, device string) ([]ValueRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device, role, value, confirmed, observed_at, updated_at
		 FROM channel_values
		 WHERE device = ?
		 ORDER BY role`,
		device)
	if err != nil {
		return nil, fmt.Errorf("querying channel values: %w", err)
	}
	defer rows.Close()

	var out []ValueRecord
	for rows.Next() {
		var v ValueRecord
		var encoded, observed, update string
		if err := rows.Scan(&v.Device, &v.Role, &encoded, &v.Confirmed, &observed, &update); err != nil {
			return nil, fmt.Errorf("scanning channel value: %w", err)
		}
		if err := json.Unmarshal([]byte(encoded), &v.Value); err != nil {
			return nil, fmt.Errorf("decoding channel value: %w", err)
		}
		if v.Observed, err = parseTime(observed); err != nil {
			return nil, err
		}
		if v.UpdatedAt, err = parseTime(update); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel values: %w", err)
	}
	return out, nil
}

// Prune deletes state history older than olderThan and returns the number
// of rows removed. Last readings are kept.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("%w: retention must be positive", ErrInvalidRecord)
	}
	cutoff := formatTime(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, "DELETE FROM state_history WHERE changed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting state history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
