package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Event is one entry of an agent's activity stream.
type Event struct {
	ContentHash string
	AgentID     string
	Timestamp   int64 // unix milliseconds
	Type        string
	Actor       string
	Data        string // normalized JSON
}

// EventStats summarizes an agent's activity stream.
type EventStats struct {
	Count          uint64
	FirstTimestamp int64
	LastTimestamp  int64
}

const eventColumns = `content_hash, agent_id, ts, type, actor, data`

// InsertEvent inserts e unless its content hash is already present.
// Uses ON CONFLICT(content_hash) DO NOTHING: a duplicate is a successful no-op.
// Returns the stored event and whether this call inserted it.
func (s *Store) InsertEvent(ctx context.Context, e Event) (Event, bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agent_events (content_hash, agent_id, ts, type, actor, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO NOTHING
	`), e.ContentHash, e.AgentID, e.Timestamp, e.Type, e.Actor, e.Data)
	if err != nil {
		return Event{}, false, fmt.Errorf("insert event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Event{}, false, fmt.Errorf("insert event: rows affected: %w", err)
	}
	if n > 0 {
		return e, true, nil
	}

	existing, err := s.Event(ctx, e.ContentHash)
	if err != nil {
		return Event{}, false, fmt.Errorf("insert event: select existing: %w", err)
	}
	return existing, false, nil
}

// Event returns one event by content hash, or ErrNotFound.
func (s *Store) Event(ctx context.Context, contentHash string) (Event, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+eventColumns+`
		FROM agent_events
		WHERE content_hash = ?
	`), contentHash)
	e, err := scanEvent(row)
	if err != nil {
		return Event{}, wrapReadErr("read event", err)
	}
	return e, nil
}

// EventsByAgent returns an agent's events newest first.
func (s *Store) EventsByAgent(ctx context.Context, agentID string, limit int) ([]Event, error) {
	return s.queryEvents(ctx, "events by agent", `
		SELECT `+eventColumns+`
		FROM agent_events
		WHERE agent_id = ?
		ORDER BY ts DESC, content_hash ASC`, limit, agentID)
}

// EventsByType returns events of one type across agents, newest first.
func (s *Store) EventsByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	return s.queryEvents(ctx, "events by type", `
		SELECT `+eventColumns+`
		FROM agent_events
		WHERE type = ?
		ORDER BY ts DESC, content_hash ASC`, limit, eventType)
}

// EventStats returns count and first/last timestamps of an agent's events.
func (s *Store) EventStats(ctx context.Context, agentID string) (EventStats, error) {
	var (
		count       int64
		first, last sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*), MIN(ts), MAX(ts)
		FROM agent_events
		WHERE agent_id = ?
	`), agentID).Scan(&count, &first, &last)
	if err != nil {
		return EventStats{}, fmt.Errorf("event stats: %w", err)
	}
	return EventStats{Count: uint64(count), FirstTimestamp: first.Int64, LastTimestamp: last.Int64}, nil
}

func (s *Store) queryEvents(ctx context.Context, op, query string, limit int, args ...any) ([]Event, error) {
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

func scanEvent(row rowScanner) (Event, error) {
	var e Event
	err := row.Scan(&e.ContentHash, &e.AgentID, &e.Timestamp, &e.Type, &e.Actor, &e.Data)
	return e, err
}
