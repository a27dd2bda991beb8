package store

import (
	"context"
	"fmt"
)

// Receipt statuses. pending is the only non-terminal state.
const (
	ReceiptPending   = "pending"
	ReceiptConfirmed = "confirmed"
	ReceiptFailed    = "failed"
)

// Receipt ties one external mint job to one ledger entry.
type Receipt struct {
	AgentID     string
	BlockIndex  uint64
	Status      string
	RequestID   string
	ExternalRef string
	Payload     string // JSON submitted to the mint backend
	LastError   string
	Managed     bool  // submitted by this ledger, so safe to resubmit
	CheckedAt   int64 // last reconciliation pass that examined it, 0 if never
	CreatedAt   int64 // unix milliseconds
	UpdatedAt   int64
}

const receiptColumns = `agent_id, block_index, status, request_id, external_ref, payload,
	last_error, managed, checked_at, created_at, updated_at`

// InsertReceipt claims (agent_id, block_index). Returns ErrConflict if the
// ledger entry already has a receipt.
func (s *Store) InsertReceipt(ctx context.Context, r Receipt) error {
	payload := r.Payload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO mint_receipts
		(`+receiptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		r.AgentID,
		int64(r.BlockIndex),
		r.Status,
		r.RequestID,
		r.ExternalRef,
		payload,
		r.LastError,
		r.Managed,
		r.CheckedAt,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return wrapWriteErr("insert receipt", err)
	}
	return nil
}

// Receipt returns the receipt for a ledger entry, or ErrNotFound.
func (s *Store) Receipt(ctx context.Context, agentID string, blockIndex uint64) (Receipt, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+receiptColumns+`
		FROM mint_receipts
		WHERE agent_id = ? AND block_index = ?
	`), agentID, int64(blockIndex))
	r, err := scanReceipt(row)
	if err != nil {
		return Receipt{}, wrapReadErr("read receipt", err)
	}
	return r, nil
}

// TransitionReceipt moves a receipt from one status to another only if it is
// still in from. Reports whether the row changed; false means the receipt is
// missing or another writer moved it first.
func (s *Store) TransitionReceipt(ctx context.Context, agentID string, blockIndex uint64, from, to, lastError string, at int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE mint_receipts
		SET status = ?, last_error = ?, updated_at = ?
		WHERE agent_id = ? AND block_index = ? AND status = ?
	`), to, lastError, at, agentID, int64(blockIndex), from)
	if err != nil {
		return false, fmt.Errorf("transition receipt: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition receipt: rows affected: %w", err)
	}
	return n > 0, nil
}

// AttachExternalRef records the backend job id on a pending receipt that has
// none yet. Reports whether the row changed; a receipt's ref is set at most once.
func (s *Store) AttachExternalRef(ctx context.Context, agentID string, blockIndex uint64, ref string, at int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE mint_receipts
		SET external_ref = ?, last_error = '', updated_at = ?
		WHERE agent_id = ? AND block_index = ? AND external_ref = '' AND status = ?
	`), ref, at, agentID, int64(blockIndex), ReceiptPending)
	if err != nil {
		return false, fmt.Errorf("attach external ref: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("attach external ref: rows affected: %w", err)
	}
	return n > 0, nil
}

// RecordReceiptError notes a transient failure on a pending receipt without
// changing its status.
func (s *Store) RecordReceiptError(ctx context.Context, agentID string, blockIndex uint64, msg string, at int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE mint_receipts
		SET last_error = ?, updated_at = ?
		WHERE agent_id = ? AND block_index = ? AND status = ?
	`), msg, at, agentID, int64(blockIndex), ReceiptPending)
	if err != nil {
		return fmt.Errorf("record receipt error: %w", err)
	}
	return nil
}

// MarkReceiptChecked records that a reconciliation pass examined a pending
// receipt. It does not count as an update.
func (s *Store) MarkReceiptChecked(ctx context.Context, agentID string, blockIndex uint64, at int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE mint_receipts
		SET checked_at = ?
		WHERE agent_id = ? AND block_index = ? AND status = ?
	`), at, agentID, int64(blockIndex), ReceiptPending)
	if err != nil {
		return fmt.Errorf("mark receipt checked: %w", err)
	}
	return nil
}

// ReceiptsByStatus returns receipts in a status, oldest first.
func (s *Store) ReceiptsByStatus(ctx context.Context, status string, limit int) ([]Receipt, error) {
	return s.queryReceipts(ctx, "receipts by status", `
		SELECT `+receiptColumns+`
		FROM mint_receipts
		WHERE status = ?
		ORDER BY created_at ASC, agent_id ASC, block_index ASC`, limit, status)
}

// DueReceipts returns pending receipts, least recently checked first.
// Marking each one checked moves it behind every receipt not yet examined.
func (s *Store) DueReceipts(ctx context.Context, limit int) ([]Receipt, error) {
	return s.queryReceipts(ctx, "due receipts", `
		SELECT `+receiptColumns+`
		FROM mint_receipts
		WHERE status = ?
		ORDER BY checked_at ASC, created_at ASC, agent_id ASC, block_index ASC`, limit, ReceiptPending)
}

func (s *Store) queryReceipts(ctx context.Context, op, query string, limit int, args ...any) ([]Receipt, error) {
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	out := []Receipt{}
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return out, nil
}

func scanReceipt(row rowScanner) (Receipt, error) {
	var (
		r   Receipt
		idx int64
	)
	err := row.Scan(&r.AgentID, &idx, &r.Status, &r.RequestID, &r.ExternalRef, &r.Payload,
		&r.LastError, &r.Managed, &r.CheckedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Receipt{}, err
	}
	r.BlockIndex = uint64(idx)
	return r, nil
}
