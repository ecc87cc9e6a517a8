package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openpeerpower/opp-core/internal/core"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// ErrEntityRequired is returned by History without an entity id.
var ErrEntityRequired = errors.New("recorder: entity id is required")

// Store reads and writes the events and states tables.
type Store struct {
	db *sql.DB
}

// NewStore creates a store on an open, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// RecordEvent inserts an event and, for state_changed with a new state,
// the resulting state row. Both rows are written in one transaction.
func (s *Store) RecordEvent(ctx context.Context, event *core.Event) (int64, error) {
	_, _, newState := core.StateChange(event)

	data := event.Data
	if event.EventType == core.EventStateChanged {
		// The states table holds the payload.
		data = map[string]any{}
	}
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshalling event data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	octx := event.Context
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_type, event_data, origin, time_fired, context_id, context_parent_id, context_user_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.EventType, string(dataJSON), string(event.Origin), formatTime(event.TimeFired),
		octx.ID(), nullString(octx.ParentID()), nullString(octx.UserID()),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	eventID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading event id: %w", err)
	}

	if event.EventType == core.EventStateChanged && newState != nil {
		attrs, err := json.Marshal(newState.Attributes())
		if err != nil {
			return 0, fmt.Errorf("marshalling attributes: %w", err)
		}
		sctx := newState.Context()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO states (entity_id, domain, state, attributes, event_id, last_changed, last_updated,
			                     context_id, context_parent_id, context_user_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			newState.EntityID(), newState.Domain(), newState.State(), string(attrs), eventID,
			formatTime(newState.LastChanged()), formatTime(newState.LastUpdated()),
			sctx.ID(), nullString(sctx.ParentID()), nullString(sctx.UserID()),
		); err != nil {
			return 0, fmt.Errorf("inserting state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing event: %w", err)
	}
	return eventID, nil
}

const stateColumns = `entity_id, state, attributes, last_changed, last_updated, context_id, context_parent_id, context_user_id`

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (*core.State, error) {
	var entityID, state, attrsJSON, changed, updated, ctxID string
	var parentID, userID sql.NullString

	if err := row.Scan(&entityID, &state, &attrsJSON, &changed, &updated, &ctxID, &parentID, &userID); err != nil {
		return nil, fmt.Errorf("scanning state: %w", err)
	}

	var attrs map[string]any
	if err := json.Unmarshal([]byte(attrsJSON), &attrs); err != nil {
		return nil, fmt.Errorf("unmarshalling attributes: %w", err)
	}
	lastChanged, err := parseTime(changed)
	if err != nil {
		return nil, fmt.Errorf("parsing last_changed: %w", err)
	}
	lastUpdated, err := parseTime(updated)
	if err != nil {
		return nil, fmt.Errorf("parsing last_updated: %w", err)
	}

	return core.NewState(entityID, state, attrs, lastChanged, lastUpdated,
		core.RestoreContext(ctxID, parentID.String, userID.String))
}

func collectStates(rows *sql.Rows) ([]*core.State, error) {
	defer rows.Close()

	states := []*core.State{}
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating states: %w", err)
	}
	return states, nil
}

// History returns the recorded states of an entity updated within
// [since, until), oldest first. A zero until means now.
func (s *Store) History(ctx context.Context, entityID string, since, until time.Time) ([]*core.State, error) {
	if entityID == "" {
		return nil, ErrEntityRequired
	}
	if until.IsZero() {
		until = time.Now()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM states
		 WHERE entity_id = ? AND last_updated >= ? AND last_updated < ?
		 ORDER BY last_updated ASC, state_id ASC`,
		entityID, formatTime(since), formatTime(until))
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	return collectStates(rows)
}

// LastStates returns the most recent recorded state of every entity.
func (s *Store) LastStates(ctx context.Context) ([]*core.State, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stateColumns+` FROM states
		 WHERE state_id IN (SELECT MAX(state_id) FROM states GROUP BY entity_id)
		 ORDER BY entity_id`)
	if err != nil {
		return nil, fmt.Errorf("querying last states: %w", err)
	}
	return collectStates(rows)
}

// EventFilter narrows an Events query.
type EventFilter struct {
	EventType string
	Since     time.Time
	// Limit defaults to 100 and is capped at 1000.
	Limit int
}

// Events returns recorded events, newest first.
func (s *Store) Events(ctx context.Context, filter EventFilter) ([]*core.Event, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	query := `SELECT event_type, event_data, origin, time_fired, context_id, context_parent_id, context_user_id
	          FROM events WHERE time_fired >= ?`
	args := []any{formatTime(filter.Since)}
	if filter.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, filter.EventType)
	}
	query += " ORDER BY event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := []*core.Event{}
	for rows.Next() {
		var e core.Event
		var dataJSON, origin, fired, ctxID string
		var parentID, userID sql.NullString
		if err := rows.Scan(&e.EventType, &dataJSON, &origin, &fired, &ctxID, &parentID, &userID); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		if err := json.Unmarshal([]byte(dataJSON), &e.Data); err != nil {
			return nil, fmt.Errorf("unmarshalling event data: %w", err)
		}
		if e.TimeFired, err = parseTime(fired); err != nil {
			return nil, fmt.Errorf("parsing time_fired: %w", err)
		}
		e.Origin = core.EventOrigin(origin)
		e.Context = core.RestoreContext(ctxID, parentID.String, userID.String)
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// Purge deletes events fired before cutoff together with their states.
// It returns the number of deleted events.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE time_fired < ?", formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging events: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
