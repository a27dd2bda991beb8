// Package mint tracks external NFT mint jobs against ledger entries.
//
// A receipt claims one (agent id, block index) before anything is sent to
// the mint backend, so a ledger entry is minted at most once no matter how
// often callers retry or how many processes run. Receipts move from pending
// to confirmed or failed and never leave a terminal state.
package mint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/clock"
	"github.com/roach88/agentledger/internal/store"
)

// Status is a receipt's lifecycle state.
type Status string

const (
	StatusPending   Status = store.ReceiptPending
	StatusConfirmed Status = store.ReceiptConfirmed
	StatusFailed    Status = store.ReceiptFailed
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusConfirmed, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
	}
}

var (
	// ErrDuplicateReceipt is returned when the ledger entry already has a
	// receipt. The existing receipt is returned alongside it.
	ErrDuplicateReceipt = errors.New("ledger entry already has a mint receipt")

	// ErrBlockNotFound is returned when the referenced block does not exist.
	ErrBlockNotFound = errors.New("ledger entry does not exist")

	// ErrReceiptNotFound is returned when no receipt exists for a ledger entry.
	ErrReceiptNotFound = errors.New("mint receipt not found")

	// ErrInvalidStatus is returned for an unknown status name.
	ErrInvalidStatus = errors.New("invalid receipt status")

	// ErrExternalRefConflict is returned when a receipt already carries a
	// different backend job id.
	ErrExternalRefConflict = errors.New("mint receipt already has a different job id")
)

// InvalidTransitionError is returned for a status change out of a terminal state.
type InvalidTransitionError struct {
	AgentID    string
	BlockIndex uint64
	From       Status
	To         Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("INVALID_TRANSITION: receipt %s/%d: %s -> %s", e.AgentID, e.BlockIndex, e.From, e.To)
}

// IsInvalidTransition reports whether err is or wraps an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// Receipt ties one ledger entry to one external mint job.
type Receipt struct {
	AgentID     string          `json:"agent_id"`
	BlockIndex  uint64          `json:"block_index"`
	Status      Status          `json:"status"`
	RequestID   string          `json:"request_id"`
	ExternalRef string          `json:"external_ref,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	LastError   string          `json:"last_error,omitempty"`
	Managed     bool            `json:"managed"`
	CheckedAt   int64           `json:"checked_at,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	UpdatedAt   int64           `json:"updated_at"`
}

// Submitted reports whether the backend job id is known.
func (r Receipt) Submitted() bool {
	return r.ExternalRef != ""
}

// Resubmittable reports whether the reconciler may send the job itself.
// Only receipts claimed by Mint carry a payload the ledger submitted; a
// receipt created for an external job waits for AttachExternalRef.
func (r Receipt) Resubmittable() bool {
	return r.Managed && !r.Submitted()
}

func fromStore(r store.Receipt) Receipt {
	return Receipt{
		AgentID:     r.AgentID,
		BlockIndex:  r.BlockIndex,
		Status:      Status(r.Status),
		RequestID:   r.RequestID,
		ExternalRef: r.ExternalRef,
		Payload:     json.RawMessage(r.Payload),
		LastError:   r.LastError,
		Managed:     r.Managed,
		CheckedAt:   r.CheckedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// Store is the persistence Tracker needs. *store.Store implements it.
type Store interface {
	InsertReceipt(ctx context.Context, r store.Receipt) error
	Receipt(ctx context.Context, agentID string, blockIndex uint64) (store.Receipt, error)
	TransitionReceipt(ctx context.Context, agentID string, blockIndex uint64, from, to, lastError string, at int64) (bool, error)
	AttachExternalRef(ctx context.Context, agentID string, blockIndex uint64, ref string, at int64) (bool, error)
	RecordReceiptError(ctx context.Context, agentID string, blockIndex uint64, msg string, at int64) error
	MarkReceiptChecked(ctx context.Context, agentID string, blockIndex uint64, at int64) error
	ReceiptsByStatus(ctx context.Context, status string, limit int) ([]store.Receipt, error)
	DueReceipts(ctx context.Context, limit int) ([]store.Receipt, error)
}

// Blocks looks up ledger entries. *ledger.Ledger implements it.
type Blocks interface {
	Block(ctx context.Context, agentID string, index uint64) (block.Block, error)
}

// Tracker manages receipts.
type Tracker struct {
	store  Store
	blocks Blocks
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the CreatedAt/UpdatedAt source.
func WithClock(c clock.Clock) Option {
	return func(t *Tracker) { t.clock = c }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) { t.logger = logger }
}

// NewTracker returns a Tracker. blocks is consulted before a receipt is created.
func NewTracker(s Store, blocks Blocks, opts ...Option) *Tracker {
	t := &Tracker{store: s, blocks: blocks, clock: clock.New(), logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// newRequestID returns a time-ordered idempotency key for the backend.
func newRequestID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}
	return id.String(), nil
}

// CreateReceipt records a pending receipt for a job submitted outside this
// ledger. externalRef may be empty when the job id is not known yet; the
// reconciler never submits such a receipt and polls it once
// AttachExternalRef sets the id. If the entry already has a receipt, that
// receipt is returned with ErrDuplicateReceipt.
func (t *Tracker) CreateReceipt(ctx context.Context, agentID string, blockIndex uint64, externalRef string) (Receipt, error) {
	return t.create(ctx, agentID, blockIndex, externalRef, nil, false)
}

func (t *Tracker) create(ctx context.Context, agentID string, blockIndex uint64, externalRef string, payload json.RawMessage, managed bool) (Receipt, error) {
	if _, err := t.blocks.Block(ctx, agentID, blockIndex); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Receipt{}, fmt.Errorf("%w: %s/%d", ErrBlockNotFound, agentID, blockIndex)
		}
		return Receipt{}, fmt.Errorf("create receipt: %w", err)
	}

	requestID, err := newRequestID()
	if err != nil {
		return Receipt{}, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	now := t.clock.NowMillis()
	r := store.Receipt{
		AgentID:     agentID,
		BlockIndex:  blockIndex,
		Status:      string(StatusPending),
		RequestID:   requestID,
		ExternalRef: externalRef,
		Payload:     string(payload),
		Managed:     managed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = t.store.InsertReceipt(ctx, r)
	if errors.Is(err, store.ErrConflict) {
		existing, getErr := t.Get(ctx, agentID, blockIndex)
		if getErr != nil {
			return Receipt{}, fmt.Errorf("create receipt: %w", getErr)
		}
		return existing, fmt.Errorf("%w: %s/%d", ErrDuplicateReceipt, agentID, blockIndex)
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("create receipt: %w", err)
	}

	t.logger.Info("mint receipt created",
		"agent_id", agentID,
		"block_index", blockIndex,
		"request_id", requestID,
		"managed", managed)
	return fromStore(r), nil
}

// Get returns the receipt for a ledger entry.
func (t *Tracker) Get(ctx context.Context, agentID string, blockIndex uint64) (Receipt, error) {
	r, err := t.store.Receipt(ctx, agentID, blockIndex)
	if errors.Is(err, store.ErrNotFound) {
		return Receipt{}, fmt.Errorf("%w: %s/%d", ErrReceiptNotFound, agentID, blockIndex)
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("get receipt: %w", err)
	}
	return fromStore(r), nil
}

// ByStatus lists receipts in a status, oldest first.
func (t *Tracker) ByStatus(ctx context.Context, status Status, limit int) ([]Receipt, error) {
	rows, err := t.store.ReceiptsByStatus(ctx, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	out := make([]Receipt, len(rows))
	for i, r := range rows {
		out[i] = fromStore(r)
	}
	return out, nil
}

// UpdateStatus moves a receipt to status. Setting the status a receipt
// already has is a no-op; leaving confirmed or failed returns
// *InvalidTransitionError.
func (t *Tracker) UpdateStatus(ctx context.Context, agentID string, blockIndex uint64, status Status) (Receipt, error) {
	return t.transition(ctx, agentID, blockIndex, status, "")
}

func (t *Tracker) transition(ctx context.Context, agentID string, blockIndex uint64, to Status, lastError string) (Receipt, error) {
	if _, err := ParseStatus(string(to)); err != nil {
		return Receipt{}, err
	}
	current, err := t.Get(ctx, agentID, blockIndex)
	if err != nil {
		return Receipt{}, err
	}
	if current.Status == to {
		return current, nil
	}
	if current.Status.Terminal() {
		return Receipt{}, &InvalidTransitionError{AgentID: agentID, BlockIndex: blockIndex, From: current.Status, To: to}
	}

	ok, err := t.store.TransitionReceipt(ctx, agentID, blockIndex,
		string(StatusPending), string(to), lastError, t.clock.NowMillis())
	if err != nil {
		return Receipt{}, fmt.Errorf("update receipt: %w", err)
	}

	updated, err := t.Get(ctx, agentID, blockIndex)
	if err != nil {
		return Receipt{}, err
	}
	if !ok && updated.Status != to {
		// Another writer resolved the receipt the other way first.
		return Receipt{}, &InvalidTransitionError{AgentID: agentID, BlockIndex: blockIndex, From: updated.Status, To: to}
	}
	if ok {
		t.logger.Info("mint receipt resolved",
			"agent_id", agentID,
			"block_index", blockIndex,
			"status", to)
	}
	return updated, nil
}

// AttachExternalRef records the backend job id of an externally submitted
// job on its pending receipt. Attaching the id the receipt already has is a
// no-op; a different id returns ErrExternalRefConflict.
func (t *Tracker) AttachExternalRef(ctx context.Context, agentID string, blockIndex uint64, externalRef string) (Receipt, error) {
	if externalRef == "" {
		return Receipt{}, fmt.Errorf("%w: empty job id", ErrExternalRefConflict)
	}
	ok, err := t.store.AttachExternalRef(ctx, agentID, blockIndex, externalRef, t.clock.NowMillis())
	if err != nil {
		return Receipt{}, fmt.Errorf("attach job %s: %w", externalRef, err)
	}
	current, err := t.Get(ctx, agentID, blockIndex)
	if err != nil {
		return Receipt{}, err
	}
	if ok || current.ExternalRef == externalRef {
		return current, nil
	}
	if current.Status.Terminal() {
		return Receipt{}, &InvalidTransitionError{AgentID: agentID, BlockIndex: blockIndex, From: current.Status, To: StatusPending}
	}
	return current, fmt.Errorf("%w: %s/%d has %s", ErrExternalRefConflict, agentID, blockIndex, current.ExternalRef)
}

// due lists pending receipts, least recently checked first.
func (t *Tracker) due(ctx context.Context, limit int) ([]Receipt, error) {
	rows, err := t.store.DueReceipts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list due receipts: %w", err)
	}
	out := make([]Receipt, len(rows))
	for i, r := range rows {
		out[i] = fromStore(r)
	}
	return out, nil
}

func (t *Tracker) markChecked(ctx context.Context, r Receipt) error {
	if err := t.store.MarkReceiptChecked(ctx, r.AgentID, r.BlockIndex, t.clock.NowMillis()); err != nil {
		return fmt.Errorf("mark %s/%d checked: %w", r.AgentID, r.BlockIndex, err)
	}
	return nil
}

// attachRef records the backend job id once.
func (t *Tracker) attachRef(ctx context.Context, r Receipt, ref string) (Receipt, error) {
	if _, err := t.store.AttachExternalRef(ctx, r.AgentID, r.BlockIndex, ref, t.clock.NowMillis()); err != nil {
		return Receipt{}, fmt.Errorf("attach job %s: %w", ref, err)
	}
	return t.Get(ctx, r.AgentID, r.BlockIndex)
}

func (t *Tracker) recordError(ctx context.Context, r Receipt, cause error) {
	if err := t.store.RecordReceiptError(ctx, r.AgentID, r.BlockIndex, cause.Error(), t.clock.NowMillis()); err != nil {
		t.logger.Warn("record receipt error failed",
			"agent_id", r.AgentID,
			"block_index", r.BlockIndex,
			"error", err)
	}
}
