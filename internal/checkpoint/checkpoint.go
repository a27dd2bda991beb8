// Package checkpoint batches agent chain tips into numbered epochs.
//
// Each epoch commits a Merkle root over the tips of every agent whose chain
// advanced since the previous epoch. Epoch numbers start at 1 and have no
// gaps: a number is taken only by a successful commit, and racing writers
// are resolved by the checkpoints primary key, the loser retrying with the
// next number.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/roach88/agentledger/internal/clock"
	"github.com/roach88/agentledger/internal/store"
)

// DefaultMaxAttempts bounds the RunEpoch retry loop.
const DefaultMaxAttempts = 5

var (
	// ErrNothingToCommit is returned when no chain advanced since the last
	// epoch. No epoch number is consumed.
	ErrNothingToCommit = errors.New("no chain advanced since the last checkpoint")

	// ErrAgentNotCommitted is returned by Prove for an agent absent from the epoch.
	ErrAgentNotCommitted = errors.New("agent not committed in checkpoint")
)

// EpochConflictError is returned when every RunEpoch attempt lost the race
// for the next epoch number.
type EpochConflictError struct {
	Epoch    uint64 // last epoch attempted
	Attempts int
	Err      error
}

func (e *EpochConflictError) Error() string {
	return fmt.Sprintf("EPOCH_CONFLICT: epoch %d: lost commit race %d times: %v", e.Epoch, e.Attempts, e.Err)
}

func (e *EpochConflictError) Unwrap() error {
	return e.Err
}

// Tip is an agent's newest block at commit time.
type Tip = store.Tip

// Checkpoint is a committed epoch.
type Checkpoint struct {
	Epoch          uint64            `json:"epoch"`
	Tips           []Tip             `json:"tips"`
	CommittedTips  map[string]string `json:"committed_tips"` // agent id -> tip block hash
	RootCommitment string            `json:"root_commitment"`
	SubmittedAt    int64             `json:"submitted_at"`
}

func fromStore(cp store.Checkpoint) Checkpoint {
	committed := make(map[string]string, len(cp.Tips))
	for _, t := range cp.Tips {
		committed[t.AgentID] = t.BlockHash
	}
	return Checkpoint{
		Epoch:          cp.Epoch,
		Tips:           cp.Tips,
		CommittedTips:  committed,
		RootCommitment: cp.RootCommitment,
		SubmittedAt:    cp.SubmittedAt,
	}
}

// Store is the persistence the service needs. *store.Store implements it.
type Store interface {
	LatestEpoch(ctx context.Context) (uint64, error)
	AdvancedTips(ctx context.Context) ([]store.Tip, error)
	CommitCheckpoint(ctx context.Context, cp store.Checkpoint) error
	Checkpoint(ctx context.Context, epoch uint64) (store.Checkpoint, error)
	Checkpoints(ctx context.Context, limit int) ([]store.Checkpoint, error)
}

// Anchor publishes committed checkpoints outside the store.
// Publish returns where the checkpoint was written.
type Anchor interface {
	Publish(ctx context.Context, cp Checkpoint) (string, error)
}

// Service runs checkpoint epochs.
type Service struct {
	store       Store
	anchor      Anchor
	clock       clock.Clock
	logger      *slog.Logger
	maxAttempts int
	timeout     time.Duration

	epochs         metric.Int64Counter
	conflicts      metric.Int64Counter
	anchorFailures metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithMaxAttempts sets how many epoch numbers RunEpoch tries.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithTimeout bounds each RunEpoch call. Zero means only the caller's ctx applies.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithAnchor publishes every committed checkpoint through a.
func WithAnchor(a Anchor) Option {
	return func(s *Service) { s.anchor = a }
}

// WithClock sets the SubmittedAt source.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithMeter sets the meter counters are registered on.
func WithMeter(m metric.Meter) Option {
	return func(s *Service) { s.initMetrics(m) }
}

// New returns a Service over st.
func New(st Store, opts ...Option) *Service {
	s := &Service{
		store:       st,
		clock:       clock.New(),
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
	}
	s.initMetrics(otel.Meter("github.com/roach88/agentledger/internal/checkpoint"))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) initMetrics(m metric.Meter) {
	var err error
	if s.epochs, err = m.Int64Counter("agentledger.checkpoint.epochs",
		metric.WithDescription("Checkpoint epochs committed")); err != nil {
		s.epochs = noop.Int64Counter{}
	}
	if s.conflicts, err = m.Int64Counter("agentledger.checkpoint.epoch_conflicts",
		metric.WithDescription("Commit attempts that lost the race for an epoch number")); err != nil {
		s.conflicts = noop.Int64Counter{}
	}
	if s.anchorFailures, err = m.Int64Counter("agentledger.checkpoint.anchor_failures",
		metric.WithDescription("Committed checkpoints that could not be anchored")); err != nil {
		s.anchorFailures = noop.Int64Counter{}
	}
}

// RunEpoch commits the next epoch over every chain that advanced since the
// last one. Returns ErrNothingToCommit when none did, and
// *EpochConflictError when every attempt lost the race for a number.
//
// An anchor failure is logged; the epoch stays committed and can be
// re-published with Reanchor.
func (s *Service) RunEpoch(ctx context.Context) (*Checkpoint, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var (
		lastErr error
		epoch   uint64
	)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		latest, err := s.store.LatestEpoch(ctx)
		if err != nil {
			return nil, fmt.Errorf("run epoch: %w", err)
		}
		tips, err := s.store.AdvancedTips(ctx)
		if err != nil {
			return nil, fmt.Errorf("run epoch: %w", err)
		}
		if len(tips) == 0 {
			return nil, ErrNothingToCommit
		}

		epoch = latest + 1
		cp := store.Checkpoint{
			Epoch:          epoch,
			Tips:           sortTips(tips),
			RootCommitment: Root(tips),
			SubmittedAt:    s.clock.NowMillis(),
		}
		err = s.store.CommitCheckpoint(ctx, cp)
		if err == nil {
			s.epochs.Add(ctx, 1)
			s.logger.Info("checkpoint committed",
				"epoch", epoch,
				"tips", len(cp.Tips),
				"root", cp.RootCommitment,
				"attempt", attempt)
			out := fromStore(cp)
			s.publish(ctx, out)
			return &out, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("run epoch %d: %w", epoch, err)
		}

		lastErr = err
		s.conflicts.Add(ctx, 1)
		s.logger.Debug("epoch taken, retrying",
			"epoch", epoch,
			"attempt", attempt,
			"max_attempts", s.maxAttempts)
	}

	s.logger.Warn("checkpoint gave up after repeated conflicts",
		"epoch", epoch,
		"attempts", s.maxAttempts)
	return nil, &EpochConflictError{Epoch: epoch, Attempts: s.maxAttempts, Err: lastErr}
}

func (s *Service) publish(ctx context.Context, cp Checkpoint) {
	if s.anchor == nil {
		return
	}
	location, err := s.anchor.Publish(ctx, cp)
	if err != nil {
		s.anchorFailures.Add(ctx, 1)
		s.logger.Error("checkpoint anchor failed",
			"epoch", cp.Epoch,
			"error", err)
		return
	}
	s.logger.Info("checkpoint anchored", "epoch", cp.Epoch, "location", location)
}

// Run calls RunEpoch every interval until ctx is done.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("checkpoint scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("checkpoint scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			_, err := s.RunEpoch(ctx)
			switch {
			case err == nil, errors.Is(err, ErrNothingToCommit):
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				s.logger.Warn("checkpoint epoch failed", "error", err)
			}
		}
	}
}

// Get returns one committed epoch. Missing epochs wrap store.ErrNotFound.
func (s *Service) Get(ctx context.Context, epoch uint64) (Checkpoint, error) {
	cp, err := s.store.Checkpoint(ctx, epoch)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %d: %w", epoch, err)
	}
	return fromStore(cp), nil
}

// Recent returns the newest checkpoints first.
func (s *Service) Recent(ctx context.Context, limit int) ([]Checkpoint, error) {
	rows, err := s.store.Checkpoints(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent checkpoints: %w", err)
	}
	out := make([]Checkpoint, len(rows))
	for i, cp := range rows {
		out[i] = fromStore(cp)
	}
	return out, nil
}

// Prove returns an inclusion proof for agentID's tip in an epoch.
func (s *Service) Prove(ctx context.Context, epoch uint64, agentID string) (Proof, error) {
	cp, err := s.Get(ctx, epoch)
	if err != nil {
		return Proof{}, err
	}
	tip, path, err := buildProof(cp.Tips, agentID)
	if err != nil {
		return Proof{}, fmt.Errorf("prove epoch %d: %w", epoch, err)
	}
	return Proof{
		Epoch:      epoch,
		AgentID:    tip.AgentID,
		BlockIndex: tip.Index,
		BlockHash:  tip.BlockHash,
		LeafHash:   LeafHash(tip.AgentID, tip.BlockHash),
		Root:       cp.RootCommitment,
		Path:       path,
	}, nil
}

// Reanchor publishes a stored epoch again.
func (s *Service) Reanchor(ctx context.Context, epoch uint64) (string, error) {
	if s.anchor == nil {
		return "", errors.New("reanchor: no anchor configured")
	}
	cp, err := s.Get(ctx, epoch)
	if err != nil {
		return "", err
	}
	location, err := s.anchor.Publish(ctx, cp)
	if err != nil {
		return "", fmt.Errorf("reanchor epoch %d: %w", epoch, err)
	}
	return location, nil
}
