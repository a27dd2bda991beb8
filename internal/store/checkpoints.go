package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tip is the newest block of an agent's chain at scan time.
type Tip struct {
	AgentID   string `json:"agent_id"`
	Index     uint64 `json:"index"`
	BlockHash string `json:"block_hash"`
}

// Checkpoint is a committed epoch. Immutable once inserted.
type Checkpoint struct {
	Epoch          uint64
	Tips           []Tip // ascending by AgentID
	RootCommitment string
	SubmittedAt    int64 // unix milliseconds
}

// LatestEpoch returns the highest committed epoch, or 0 when none exists.
func (s *Store) LatestEpoch(ctx context.Context) (uint64, error) {
	var epoch int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(epoch), 0) FROM checkpoints`).Scan(&epoch)
	if err != nil {
		return 0, fmt.Errorf("latest epoch: %w", err)
	}
	return uint64(epoch), nil
}

// AdvancedTips returns the current tip of every agent that has blocks not yet
// covered by a checkpoint, ascending by agent id. The scan stops early when
// ctx is done.
func (s *Store) AdvancedTips(ctx context.Context) ([]Tip, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.agent_id, b.idx, b.block_hash
		FROM agent_blocks b
		JOIN (
			SELECT agent_id, MAX(idx) AS idx
			FROM agent_blocks
			WHERE checkpoint_epoch IS NULL
			GROUP BY agent_id
		) t ON b.agent_id = t.agent_id AND b.idx = t.idx
		ORDER BY b.agent_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("advanced tips: %w", err)
	}
	defer rows.Close()

	tips := []Tip{}
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("advanced tips: %w", err)
		}
		var (
			tip Tip
			idx int64
		)
		if err := rows.Scan(&tip.AgentID, &idx, &tip.BlockHash); err != nil {
			return nil, fmt.Errorf("advanced tips: scan: %w", err)
		}
		tip.Index = uint64(idx)
		tips = append(tips, tip)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("advanced tips: iterate: %w", err)
	}
	return tips, nil
}

// CommitCheckpoint inserts cp and marks every block up to each tip as covered
// by cp.Epoch, in one transaction. Returns ErrConflict when the epoch is taken.
func (s *Store) CommitCheckpoint(ctx context.Context, cp Checkpoint) error {
	tips, err := json.Marshal(cp.Tips)
	if err != nil {
		return fmt.Errorf("commit checkpoint: marshal tips: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit checkpoint: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO checkpoints (epoch, committed_tips, tip_count, root_commitment, submitted_at)
		VALUES (?, ?, ?, ?, ?)
	`), int64(cp.Epoch), string(tips), len(cp.Tips), cp.RootCommitment, cp.SubmittedAt)
	if err != nil {
		return wrapWriteErr("commit checkpoint", err)
	}

	for _, tip := range cp.Tips {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("commit checkpoint: %w", err)
		}
		_, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE agent_blocks
			SET checkpoint_epoch = ?
			WHERE agent_id = ? AND idx <= ? AND checkpoint_epoch IS NULL
		`), int64(cp.Epoch), tip.AgentID, int64(tip.Index))
		if err != nil {
			return fmt.Errorf("commit checkpoint: mark %s: %w", tip.AgentID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapWriteErr("commit checkpoint: commit", err)
	}
	return nil
}

// Checkpoint returns one committed epoch, or ErrNotFound.
func (s *Store) Checkpoint(ctx context.Context, epoch uint64) (Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT epoch, committed_tips, root_commitment, submitted_at
		FROM checkpoints
		WHERE epoch = ?
	`), int64(epoch))
	cp, err := scanCheckpoint(row)
	if err != nil {
		return Checkpoint{}, wrapReadErr("read checkpoint", err)
	}
	return cp, nil
}

// Checkpoints returns the most recent checkpoints, newest first.
func (s *Store) Checkpoints(ctx context.Context, limit int) ([]Checkpoint, error) {
	query := `
		SELECT epoch, committed_tips, root_commitment, submitted_at
		FROM checkpoints
		ORDER BY submitted_at DESC, epoch DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []Checkpoint{}
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: iterate: %w", err)
	}
	return out, nil
}

// CheckpointEpochOf returns the epoch covering a block, or 0 when uncovered.
func (s *Store) CheckpointEpochOf(ctx context.Context, agentID string, index uint64) (uint64, error) {
	var epoch *int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT checkpoint_epoch FROM agent_blocks WHERE agent_id = ? AND idx = ?
	`), agentID, int64(index)).Scan(&epoch)
	if err != nil {
		return 0, wrapReadErr("checkpoint epoch of block", err)
	}
	if epoch == nil {
		return 0, nil
	}
	return uint64(*epoch), nil
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp    Checkpoint
		epoch int64
		tips  string
	)
	if err := row.Scan(&epoch, &tips, &cp.RootCommitment, &cp.SubmittedAt); err != nil {
		return Checkpoint{}, err
	}
	cp.Epoch = uint64(epoch)
	if err := json.Unmarshal([]byte(tips), &cp.Tips); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint %d tips: %w", epoch, err)
	}
	return cp, nil
}
