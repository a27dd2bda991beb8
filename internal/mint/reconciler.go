package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"
)

// DefaultBatchSize is how many pending receipts one pass examines.
const DefaultBatchSize = 100

// Summary counts what one reconciliation pass did.
type Summary struct {
	Checked   int `json:"checked"`
	Submitted int `json:"submitted"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Waiting   int `json:"waiting"` // external receipts with no job id yet
	Errors    int `json:"errors"`
}

// Reconciler submits mint jobs and drives pending receipts to a terminal
// state by polling the backend. Every backend call waits on a shared rate
// limiter.
type Reconciler struct {
	tracker   *Tracker
	backend   Backend
	limiter   *rate.Limiter
	batchSize int
	logger    *slog.Logger

	submissions metric.Int64Counter
	resolved    metric.Int64Counter
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRateLimit caps backend calls at perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) ReconcilerOption {
	return func(r *Reconciler) {
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithBatchSize sets how many pending receipts one pass examines.
func WithBatchSize(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithReconcilerLogger sets the logger. Default: the tracker's logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) { r.logger = logger }
}

// WithMeter sets the meter counters are registered on.
func WithMeter(m metric.Meter) ReconcilerOption {
	return func(r *Reconciler) { r.initMetrics(m) }
}

// NewReconciler returns a Reconciler. Default rate: 5 calls/s, burst 5.
func NewReconciler(t *Tracker, b Backend, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		tracker:   t,
		backend:   b,
		limiter:   rate.NewLimiter(5, 5),
		batchSize: DefaultBatchSize,
		logger:    t.logger,
	}
	r.initMetrics(otel.Meter("github.com/roach88/agentledger/internal/mint"))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) initMetrics(m metric.Meter) {
	var err error
	if r.submissions, err = m.Int64Counter("agentledger.mint.submissions",
		metric.WithDescription("Mint jobs submitted to the backend")); err != nil {
		r.submissions = noop.Int64Counter{}
	}
	if r.resolved, err = m.Int64Counter("agentledger.mint.resolved",
		metric.WithDescription("Receipts moved to a terminal status")); err != nil {
		r.resolved = noop.Int64Counter{}
	}
}

// Mint claims the ledger entry with a pending receipt, then submits the job.
// The claim comes first: if it already exists the backend is not called and
// the existing receipt is returned with ErrDuplicateReceipt.
//
// A failed submission leaves the receipt pending without a job id and
// returns the error; ReconcileOnce resubmits it under the same request id.
func (r *Reconciler) Mint(ctx context.Context, agentID string, blockIndex uint64, payload json.RawMessage) (Receipt, error) {
	receipt, err := r.tracker.create(ctx, agentID, blockIndex, "", payload, true)
	if err != nil {
		return receipt, err
	}
	return r.submit(ctx, receipt)
}

func (r *Reconciler) submit(ctx context.Context, receipt Receipt) (Receipt, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return receipt, fmt.Errorf("mint submit: %w", err)
	}
	jobID, err := r.backend.Submit(ctx, receipt.RequestID, receipt.Payload)
	if err != nil {
		r.tracker.recordError(ctx, receipt, err)
		return receipt, fmt.Errorf("mint %s/%d: %w", receipt.AgentID, receipt.BlockIndex, err)
	}
	r.submissions.Add(ctx, 1)

	updated, err := r.tracker.attachRef(ctx, receipt, jobID)
	if err != nil {
		return receipt, err
	}
	r.logger.Info("mint job submitted",
		"agent_id", receipt.AgentID,
		"block_index", receipt.BlockIndex,
		"request_id", receipt.RequestID,
		"job_id", updated.ExternalRef)
	return updated, nil
}

// ReconcileOnce examines up to one batch of pending receipts, least
// recently checked first, so receipts whose jobs stay pending rotate behind
// the rest. Receipts claimed by Mint without a job id are resubmitted under
// their original request id; external receipts without one are left alone.
// The rest are polled and resolved when the job finished. Per-receipt
// failures are recorded on the receipt and counted; only store failures and
// ctx end the pass early.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (Summary, error) {
	var sum Summary
	pending, err := r.tracker.due(ctx, r.batchSize)
	if err != nil {
		return sum, fmt.Errorf("reconcile: %w", err)
	}

	for _, receipt := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := r.tracker.markChecked(ctx, receipt); err != nil {
			return sum, fmt.Errorf("reconcile: %w", err)
		}
		sum.Checked++

		if !receipt.Submitted() {
			if !receipt.Resubmittable() {
				sum.Waiting++
				continue
			}
			if _, err := r.submit(ctx, receipt); err != nil {
				if ctx.Err() != nil {
					return sum, ctx.Err()
				}
				sum.Errors++
				r.logger.Warn("mint resubmit failed",
					"agent_id", receipt.AgentID,
					"block_index", receipt.BlockIndex,
					"error", err)
				continue
			}
			sum.Submitted++
			continue
		}

		status, err := r.poll(ctx, receipt)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			sum.Errors++
			continue
		}
		switch status {
		case StatusConfirmed:
			sum.Confirmed++
		case StatusFailed:
			sum.Failed++
		}
	}

	if sum.Checked > 0 {
		r.logger.Info("mint reconcile pass",
			"checked", sum.Checked,
			"submitted", sum.Submitted,
			"confirmed", sum.Confirmed,
			"failed", sum.Failed,
			"waiting", sum.Waiting,
			"errors", sum.Errors)
	}
	return sum, nil
}

// poll checks one submitted job and returns the receipt's resulting status.
func (r *Reconciler) poll(ctx context.Context, receipt Receipt) (Status, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	job, err := r.backend.Poll(ctx, receipt.ExternalRef)
	if errors.Is(err, ErrJobNotFound) {
		// The backend no longer knows the job, so it can never finish.
		job = JobStatus{State: JobFailed, Message: fmt.Sprintf("%s: %s", ErrJobNotFound, receipt.ExternalRef)}
		err = nil
	}
	if err != nil {
		r.tracker.recordError(ctx, receipt, err)
		r.logger.Warn("mint poll failed",
			"agent_id", receipt.AgentID,
			"block_index", receipt.BlockIndex,
			"job_id", receipt.ExternalRef,
			"error", err)
		return "", err
	}

	var (
		to      Status
		message string
	)
	switch job.State {
	case JobSucceeded:
		to = StatusConfirmed
	case JobFailed:
		to, message = StatusFailed, job.Message
	default:
		return StatusPending, nil
	}

	updated, err := r.tracker.transition(ctx, receipt.AgentID, receipt.BlockIndex, to, message)
	if err != nil {
		var it *InvalidTransitionError
		if errors.As(err, &it) {
			// Resolved elsewhere in the meantime.
			return it.From, nil
		}
		return "", err
	}
	r.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(updated.Status))))
	return updated.Status, nil
}

// Run calls ReconcileOnce every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("mint reconciler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("mint reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ReconcileOnce(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Warn("mint reconcile pass failed", "error", err)
			}
		}
	}
}
