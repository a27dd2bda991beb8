package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/clock"
	"github.com/roach88/agentledger/internal/store"
)

// DefaultMaxAppendAttempts bounds the Append retry loop.
const DefaultMaxAppendAttempts = 5

// verifyPageSize is how many blocks VerifyChain reads per query.
const verifyPageSize = 500

// Store is the persistence Ledger needs. *store.Store implements it.
type Store interface {
	InsertBlock(ctx context.Context, b block.Block) error
	LatestBlock(ctx context.Context, agentID string) (block.Block, error)
	Block(ctx context.Context, agentID string, index uint64) (block.Block, error)
	Blocks(ctx context.Context, agentID string, fromIndex uint64, limit int) ([]block.Block, error)
	ChainStats(ctx context.Context, agentID string) (store.ChainStats, error)
}

// TipHint caches each agent's latest block to save a store read per append.
// Tip returns nil, nil on a miss. Hints may be stale; Ledger tolerates that.
type TipHint interface {
	Tip(ctx context.Context, agentID string) (*block.Block, error)
	SetTip(ctx context.Context, b block.Block) error
	Forget(ctx context.Context, agentID string) error
}

// BlockQuery selects a page of blocks. Limit <= 0 means no limit.
type BlockQuery struct {
	FromIndex uint64
	Limit     int
}

// Ledger appends and reads agent chains.
// Safe for concurrent use; all coordination happens in the store.
type Ledger struct {
	store       Store
	hint        TipHint
	clock       clock.Clock
	logger      *slog.Logger
	maxAttempts int

	appends        metric.Int64Counter
	conflicts      metric.Int64Counter
	hashMismatches metric.Int64Counter
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxAppendAttempts sets how many times Append tries before giving up.
func WithMaxAppendAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// WithTipHint enables a tip cache in front of the store.
func WithTipHint(h TipHint) Option {
	return func(l *Ledger) {
		l.hint = h
	}
}

// WithClock sets the timestamp source for blocks appended without one.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithMeter sets the meter counters are registered on. Default: the global
// otel meter provider.
func WithMeter(m metric.Meter) Option {
	return func(l *Ledger) {
		l.initMetrics(m)
	}
}

// New returns a Ledger over s.
func New(s Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:       s,
		clock:       clock.New(),
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAppendAttempts,
	}
	l.initMetrics(otel.Meter("github.com/roach88/agentledger/internal/ledger"))
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) initMetrics(m metric.Meter) {
	// Instrument creation only fails on invalid names; fall back to no-op counters.
	var err error
	if l.appends, err = m.Int64Counter("agentledger.ledger.appends",
		metric.WithDescription("Blocks appended")); err != nil {
		l.appends = noop.Int64Counter{}
	}
	if l.conflicts, err = m.Int64Counter("agentledger.ledger.append_conflicts",
		metric.WithDescription("Append attempts that lost the race for an index")); err != nil {
		l.conflicts = noop.Int64Counter{}
	}
	if l.hashMismatches, err = m.Int64Counter("agentledger.ledger.hash_mismatches",
		metric.WithDescription("Blocks whose stored hash does not match their content")); err != nil {
		l.hashMismatches = noop.Int64Counter{}
	}
}

// Append adds a block built from core to the agent's chain and returns it.
//
// A zero core.Timestamp is filled from the ledger clock; core.AgentID is
// overwritten with agentID. Conflicts with concurrent writers are retried
// internally; a *ChainConflictError is returned only after every attempt lost.
func (l *Ledger) Append(ctx context.Context, agentID string, core block.Core) (block.Block, error) {
	core.AgentID = agentID
	if core.Timestamp == 0 {
		core.Timestamp = l.clock.NowMillis()
	}

	var lastConflict error
	for attempt := 1; attempt <= l.maxAttempts; attempt++ {
		tip, err := l.tipForAttempt(ctx, agentID, attempt)
		if err != nil {
			return block.Block{}, err
		}

		candidate, err := block.Build(tip, core)
		if err != nil {
			return block.Block{}, fmt.Errorf("append: %w", err)
		}

		err = l.store.InsertBlock(ctx, candidate)
		if err == nil {
			l.appends.Add(ctx, 1)
			l.rememberTip(ctx, candidate)
			l.logger.Debug("block appended",
				"agent_id", agentID,
				"index", candidate.Index,
				"attempt", attempt)
			return candidate, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return block.Block{}, fmt.Errorf("append: %w", err)
		}

		lastConflict = err
		l.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
		l.logger.Debug("append conflict, retrying",
			"agent_id", agentID,
			"index", candidate.Index,
			"attempt", attempt,
			"max_attempts", l.maxAttempts)
	}

	l.logger.Warn("append gave up after repeated conflicts",
		"agent_id", agentID,
		"attempts", l.maxAttempts)
	return block.Block{}, &ChainConflictError{AgentID: agentID, Attempts: l.maxAttempts, Err: lastConflict}
}

// tipForAttempt consults the hint on the first attempt only. After a
// conflict the hint is known stale and the store is authoritative.
func (l *Ledger) tipForAttempt(ctx context.Context, agentID string, attempt int) (*block.Block, error) {
	if attempt == 1 && l.hint != nil {
		tip, err := l.hint.Tip(ctx, agentID)
		if err != nil {
			l.logger.Warn("tip hint unavailable, reading store",
				"agent_id", agentID,
				"error", err)
		} else if tip != nil {
			return tip, nil
		}
	}
	if attempt > 1 && l.hint != nil {
		if err := l.hint.Forget(ctx, agentID); err != nil {
			l.logger.Warn("tip hint forget failed", "agent_id", agentID, "error", err)
		}
	}
	return l.LatestBlock(ctx, agentID)
}

func (l *Ledger) rememberTip(ctx context.Context, b block.Block) {
	if l.hint == nil {
		return
	}
	if err := l.hint.SetTip(ctx, b); err != nil {
		l.logger.Warn("tip hint update failed",
			"agent_id", b.AgentID,
			"index", b.Index,
			"error", err)
	}
}

// LatestBlock returns the agent's newest block, or nil when the chain is empty.
func (l *Ledger) LatestBlock(ctx context.Context, agentID string) (*block.Block, error) {
	b, err := l.store.LatestBlock(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest block: %w", err)
	}
	return &b, nil
}

// Block returns one block by index. Missing blocks wrap store.ErrNotFound.
func (l *Ledger) Block(ctx context.Context, agentID string, index uint64) (block.Block, error) {
	b, err := l.store.Block(ctx, agentID, index)
	if err != nil {
		return block.Block{}, fmt.Errorf("block %s/%d: %w", agentID, index, err)
	}
	return b, nil
}

// Blocks returns blocks ascending by index.
func (l *Ledger) Blocks(ctx context.Context, agentID string, q BlockQuery) ([]block.Block, error) {
	blocks, err := l.store.Blocks(ctx, agentID, q.FromIndex, q.Limit)
	if err != nil {
		return nil, fmt.Errorf("blocks: %w", err)
	}
	return blocks, nil
}

// ChainStats returns chain length and first/last timestamps.
func (l *Ledger) ChainStats(ctx context.Context, agentID string) (store.ChainStats, error) {
	stats, err := l.store.ChainStats(ctx, agentID)
	if err != nil {
		return store.ChainStats{}, fmt.Errorf("chain stats: %w", err)
	}
	return stats, nil
}

// Verify recomputes b's hash. A mismatch returns *HashMismatchError, is
// logged at ERROR and counted; it is never retried.
func (l *Ledger) Verify(b block.Block) error {
	computed, err := block.ComputeHash(b)
	if err != nil {
		return fmt.Errorf("verify %s/%d: %w", b.AgentID, b.Index, err)
	}
	if computed == b.BlockHash {
		return nil
	}

	mismatch := &HashMismatchError{
		AgentID:  b.AgentID,
		Index:    b.Index,
		Stored:   b.BlockHash,
		Computed: computed,
	}
	l.hashMismatches.Add(context.Background(), 1)
	l.logger.Error("block hash mismatch",
		"agent_id", b.AgentID,
		"index", b.Index,
		"stored", b.BlockHash,
		"computed", computed)
	return mismatch
}

// VerifyChain walks an agent's whole chain checking every hash and link.
// Returns the number of blocks verified and the first failure.
func (l *Ledger) VerifyChain(ctx context.Context, agentID string) (uint64, error) {
	var (
		prev     *block.Block
		verified uint64
		from     uint64
	)
	for {
		page, err := l.store.Blocks(ctx, agentID, from, verifyPageSize)
		if err != nil {
			return verified, fmt.Errorf("verify chain: %w", err)
		}
		for i := range page {
			b := page[i]
			if err := block.CheckLink(prev, b); err != nil {
				l.logger.Error("chain link broken",
					"agent_id", agentID,
					"index", b.Index,
					"error", err)
				return verified, fmt.Errorf("verify chain: %w", err)
			}
			if err := l.Verify(b); err != nil {
				return verified, fmt.Errorf("verify chain: %w", err)
			}
			prev = &page[i]
			verified++
		}
		if len(page) < verifyPageSize {
			return verified, nil
		}
		from = page[len(page)-1].Index + 1
	}
}
