package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/ir"
)

const blockColumns = `agent_id, idx, parent_hash, ts, actor, action, params, resources,
	attachments, protocol_version, origin, block_hash`

// ChainStats summarizes one agent's chain.
type ChainStats struct {
	Length         uint64
	FirstTimestamp int64
	LastTimestamp  int64
}

// InsertBlock appends a block. Returns ErrConflict when (agent_id, idx) or
// block_hash is already taken, or when the block's parent is not stored at
// idx-1 with the expected hash. Either way another writer moved the chain.
func (s *Store) InsertBlock(ctx context.Context, b block.Block) error {
	params, err := ir.MarshalCanonical(nonNilObject(b.Params))
	if err != nil {
		return fmt.Errorf("insert block: params: %w", err)
	}
	resources, err := ir.MarshalCanonical(nonNilObject(b.Resources))
	if err != nil {
		return fmt.Errorf("insert block: resources: %w", err)
	}
	attachments, err := ir.MarshalCanonical(nonNilArray(b.Attachments))
	if err != nil {
		return fmt.Errorf("insert block: attachments: %w", err)
	}
	var origin sql.NullString
	if b.Origin != nil {
		data, err := json.Marshal(b.Origin)
		if err != nil {
			return fmt.Errorf("insert block: origin: %w", err)
		}
		origin = sql.NullString{String: string(data), Valid: true}
	}

	args := []any{
		b.AgentID,
		int64(b.Index),
		b.ParentHash,
		b.Timestamp,
		b.Actor,
		b.Action,
		string(params),
		string(resources),
		string(attachments),
		b.ProtocolVersion,
		origin,
		b.BlockHash,
	}

	if b.Index == 0 {
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO agent_blocks
			(agent_id, idx, parent_hash, ts, actor, action, params, resources,
			 attachments, protocol_version, origin, block_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), args...)
		if err != nil {
			return wrapWriteErr("insert block", err)
		}
		return nil
	}

	// Non-genesis blocks insert only while their parent is present with the
	// expected hash, so a stale tip can never leave a gap or a fork.
	args = append(args, b.AgentID, int64(b.Index-1), b.ParentHash)
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO agent_blocks
		(agent_id, idx, parent_hash, ts, actor, action, params, resources,
		 attachments, protocol_version, origin, block_hash)
		SELECT ?, CAST(? AS BIGINT), ?, CAST(? AS BIGINT), ?, ?, ?, ?, ?, CAST(? AS BIGINT), ?, ?
		WHERE EXISTS (
			SELECT 1 FROM agent_blocks
			WHERE agent_id = ? AND idx = ? AND block_hash = ?
		)
	`), args...)
	if err != nil {
		return wrapWriteErr("insert block", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert block: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("insert block %s/%d: parent %s not at tip: %w", b.AgentID, b.Index, b.ParentHash, ErrConflict)
	}
	return nil
}

// LatestBlock returns the highest-index block for an agent, or ErrNotFound.
func (s *Store) LatestBlock(ctx context.Context, agentID string) (block.Block, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+blockColumns+`
		FROM agent_blocks
		WHERE agent_id = ?
		ORDER BY idx DESC
		LIMIT 1
	`), agentID)
	b, err := scanBlock(row)
	if err != nil {
		return block.Block{}, wrapReadErr("latest block", err)
	}
	return b, nil
}

// Block returns one block by position, or ErrNotFound.
func (s *Store) Block(ctx context.Context, agentID string, index uint64) (block.Block, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+blockColumns+`
		FROM agent_blocks
		WHERE agent_id = ? AND idx = ?
	`), agentID, int64(index))
	b, err := scanBlock(row)
	if err != nil {
		return block.Block{}, wrapReadErr("read block", err)
	}
	return b, nil
}

// BlockByHash returns the block with the given hash, or ErrNotFound.
func (s *Store) BlockByHash(ctx context.Context, hash string) (block.Block, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+blockColumns+`
		FROM agent_blocks
		WHERE block_hash = ?
	`), hash)
	b, err := scanBlock(row)
	if err != nil {
		return block.Block{}, wrapReadErr("read block by hash", err)
	}
	return b, nil
}

// Blocks returns an agent's blocks ascending by index starting at fromIndex.
// limit <= 0 means no limit. Returns an empty slice, never nil.
func (s *Store) Blocks(ctx context.Context, agentID string, fromIndex uint64, limit int) ([]block.Block, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM agent_blocks
		WHERE agent_id = ? AND idx >= ?
		ORDER BY idx ASC`
	args := []any{agentID, int64(fromIndex)}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryBlocks(ctx, "read blocks", query, args...)
}

// BlocksInRange returns an agent's blocks with fromTs <= ts < toTs, ascending by index.
func (s *Store) BlocksInRange(ctx context.Context, agentID string, fromTs, toTs int64, limit int) ([]block.Block, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM agent_blocks
		WHERE agent_id = ? AND ts >= ? AND ts < ?
		ORDER BY idx ASC`
	args := []any{agentID, fromTs, toTs}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryBlocks(ctx, "read blocks in range", query, args...)
}

// ChainStats returns length and first/last timestamps. An unknown agent
// yields zero stats, not an error.
func (s *Store) ChainStats(ctx context.Context, agentID string) (ChainStats, error) {
	var (
		count       int64
		first, last sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*), MIN(ts), MAX(ts)
		FROM agent_blocks
		WHERE agent_id = ?
	`), agentID).Scan(&count, &first, &last)
	if err != nil {
		return ChainStats{}, fmt.Errorf("chain stats: %w", err)
	}
	return ChainStats{
		Length:         uint64(count),
		FirstTimestamp: first.Int64,
		LastTimestamp:  last.Int64,
	}, nil
}

// AgentIDs lists every agent with at least one block, ascending.
func (s *Store) AgentIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT agent_id FROM agent_blocks ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return ids, nil
}

func (s *Store) queryBlocks(ctx context.Context, op, query string, args ...any) ([]block.Block, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	blocks := []block.Block{}
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate: %w", op, err)
	}
	return blocks, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(row rowScanner) (block.Block, error) {
	var (
		b                              block.Block
		idx                            int64
		params, resources, attachments string
		origin                         sql.NullString
	)
	err := row.Scan(
		&b.AgentID,
		&idx,
		&b.ParentHash,
		&b.Timestamp,
		&b.Actor,
		&b.Action,
		&params,
		&resources,
		&attachments,
		&b.ProtocolVersion,
		&origin,
		&b.BlockHash,
	)
	if err != nil {
		return block.Block{}, err
	}
	b.Index = uint64(idx)

	if b.Params, err = ir.ParseObject(params); err != nil {
		return block.Block{}, fmt.Errorf("block %s/%d params: %w", b.AgentID, idx, err)
	}
	if b.Resources, err = ir.ParseObject(resources); err != nil {
		return block.Block{}, fmt.Errorf("block %s/%d resources: %w", b.AgentID, idx, err)
	}
	if b.Attachments, err = ir.ParseArray(attachments); err != nil {
		return block.Block{}, fmt.Errorf("block %s/%d attachments: %w", b.AgentID, idx, err)
	}
	if origin.Valid {
		b.Origin = &block.Origin{}
		if err := json.Unmarshal([]byte(origin.String), b.Origin); err != nil {
			return block.Block{}, fmt.Errorf("block %s/%d origin: %w", b.AgentID, idx, err)
		}
	}
	return b, nil
}

func nonNilObject(obj ir.IRObject) ir.IRObject {
	if obj == nil {
		return ir.IRObject{}
	}
	return obj
}

func nonNilArray(arr ir.IRArray) ir.IRArray {
	if arr == nil {
		return ir.IRArray{}
	}
	return arr
}
