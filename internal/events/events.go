// Package events records an agent's activity stream.
//
// Events are deduplicated by a content hash over (agent_id, type, actor,
// data) with data normalized per RFC 8785, so at-least-once callers can
// resubmit freely. Ordering is by timestamp and independent of the block
// chain.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gowebpki/jcs"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/clock"
	"github.com/roach88/agentledger/internal/ir"
	"github.com/roach88/agentledger/internal/store"
)

var (
	// ErrEmptyAgentID is returned when an event names no agent.
	ErrEmptyAgentID = errors.New("event has no agent id")

	// ErrEmptyType is returned when an event has no type.
	ErrEmptyType = errors.New("event has no type")
)

const backfillPageSize = 500

// Input is the caller-supplied content of an event.
// Nil or empty Data is recorded as {}.
type Input struct {
	Type  string
	Actor string
	Data  json.RawMessage
}

// Event is one stored activity entry.
type Event struct {
	ContentHash string          `json:"content_hash"`
	AgentID     string          `json:"agent_id"`
	Timestamp   int64           `json:"timestamp"`
	Type        string          `json:"type"`
	Actor       string          `json:"actor"`
	Data        json.RawMessage `json:"data"`
}

// Stats summarizes an agent's events.
type Stats struct {
	Count          uint64 `json:"count"`
	FirstTimestamp int64  `json:"first_timestamp"`
	LastTimestamp  int64  `json:"last_timestamp"`
}

// Store is the persistence EventLog needs. *store.Store implements it.
type Store interface {
	InsertEvent(ctx context.Context, e store.Event) (store.Event, bool, error)
	EventsByAgent(ctx context.Context, agentID string, limit int) ([]store.Event, error)
	EventsByType(ctx context.Context, eventType string, limit int) ([]store.Event, error)
	EventStats(ctx context.Context, agentID string) (store.EventStats, error)
}

// BlockSource supplies blocks for Backfill.
type BlockSource interface {
	Blocks(ctx context.Context, agentID string, fromIndex uint64, limit int) ([]block.Block, error)
}

// EventLog records and queries events.
type EventLog struct {
	store  Store
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures an EventLog.
type Option func(*EventLog)

// WithClock sets the timestamp source for recorded events.
func WithClock(c clock.Clock) Option {
	return func(l *EventLog) { l.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *EventLog) { l.logger = logger }
}

// New returns an EventLog over s.
func New(s Store, opts ...Option) *EventLog {
	l := &EventLog{store: s, clock: clock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ContentHash returns the dedup key for an event and its normalized data.
func ContentHash(agentID string, in Input) (hash string, data []byte, err error) {
	raw := in.Data
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	data, err = jcs.Transform(raw)
	if err != nil {
		return "", nil, fmt.Errorf("normalize event data: %w", err)
	}

	envelope, err := json.Marshal(struct {
		AgentID string          `json:"agent_id"`
		Type    string          `json:"type"`
		Actor   string          `json:"actor"`
		Data    json.RawMessage `json:"data"`
	}{agentID, in.Type, in.Actor, data})
	if err != nil {
		return "", nil, fmt.Errorf("encode event: %w", err)
	}
	canonical, err := jcs.Transform(envelope)
	if err != nil {
		return "", nil, fmt.Errorf("normalize event: %w", err)
	}
	return ir.HashWithDomain(ir.DomainEvent, canonical), data, nil
}

// Record stores an event unless identical content was recorded before.
// A duplicate is not an error: the stored event is returned with
// inserted=false.
func (l *EventLog) Record(ctx context.Context, agentID string, in Input) (Event, bool, error) {
	if agentID == "" {
		return Event{}, false, ErrEmptyAgentID
	}
	if in.Type == "" {
		return Event{}, false, ErrEmptyType
	}

	hash, data, err := ContentHash(agentID, in)
	if err != nil {
		return Event{}, false, err
	}

	stored, inserted, err := l.store.InsertEvent(ctx, store.Event{
		ContentHash: hash,
		AgentID:     agentID,
		Timestamp:   l.clock.NowMillis(),
		Type:        in.Type,
		Actor:       in.Actor,
		Data:        string(data),
	})
	if err != nil {
		return Event{}, false, fmt.Errorf("record event: %w", err)
	}
	if !inserted {
		l.logger.Debug("duplicate event ignored",
			"agent_id", agentID,
			"content_hash", hash)
	}
	return fromStore(stored), inserted, nil
}

// List returns an agent's events newest first. limit <= 0 means no limit.
func (l *EventLog) List(ctx context.Context, agentID string, limit int) ([]Event, error) {
	rows, err := l.store.EventsByAgent(ctx, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return fromStoreAll(rows), nil
}

// ListByType returns events of one type across all agents, newest first.
func (l *EventLog) ListByType(ctx context.Context, eventType string, limit int) ([]Event, error) {
	rows, err := l.store.EventsByType(ctx, eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("list events by type: %w", err)
	}
	return fromStoreAll(rows), nil
}

// Stats returns count and first/last timestamps of an agent's events.
func (l *EventLog) Stats(ctx context.Context, agentID string) (Stats, error) {
	s, err := l.store.EventStats(ctx, agentID)
	if err != nil {
		return Stats{}, fmt.Errorf("event stats: %w", err)
	}
	return Stats{Count: s.Count, FirstTimestamp: s.FirstTimestamp, LastTimestamp: s.LastTimestamp}, nil
}

// Backfill seeds events from an agent's blocks. Each event reuses its
// block's hash as content hash, so re-running inserts nothing new.
// Returns how many events were inserted.
func (l *EventLog) Backfill(ctx context.Context, src BlockSource, agentID string) (int, error) {
	var (
		inserted int
		from     uint64
	)
	for {
		page, err := src.Blocks(ctx, agentID, from, backfillPageSize)
		if err != nil {
			return inserted, fmt.Errorf("backfill %s: %w", agentID, err)
		}
		for _, b := range page {
			data, err := json.Marshal(b)
			if err != nil {
				return inserted, fmt.Errorf("backfill %s/%d: %w", agentID, b.Index, err)
			}
			_, ok, err := l.store.InsertEvent(ctx, store.Event{
				ContentHash: b.BlockHash,
				AgentID:     b.AgentID,
				Timestamp:   b.Timestamp,
				Type:        b.Action,
				Actor:       b.Actor,
				Data:        string(data),
			})
			if err != nil {
				return inserted, fmt.Errorf("backfill %s/%d: %w", agentID, b.Index, err)
			}
			if ok {
				inserted++
			}
		}
		if len(page) < backfillPageSize {
			break
		}
		from = page[len(page)-1].Index + 1
	}

	l.logger.Info("events backfilled", "agent_id", agentID, "inserted", inserted)
	return inserted, nil
}

func fromStore(e store.Event) Event {
	return Event{
		ContentHash: e.ContentHash,
		AgentID:     e.AgentID,
		Timestamp:   e.Timestamp,
		Type:        e.Type,
		Actor:       e.Actor,
		Data:        json.RawMessage(e.Data),
	}
}

func fromStoreAll(rows []store.Event) []Event {
	out := make([]Event, len(rows))
	for i, e := range rows {
		out[i] = fromStore(e)
	}
	return out
}
