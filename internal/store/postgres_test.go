package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, DialectPostgres), mock
}

func TestPostgresInsertBlockUniqueViolation(t *testing.T) {
	s, mock := newMockStore(t)
	b := buildChain(t, "agent-a", 1, 1000)[0]

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)")).
		WithArgs("agent-a", int64(0), b.ParentHash, int64(1000), "system", "action-0",
			`{"n":0}`, "{}", "[]", int64(1), nil, b.BlockHash).
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := s.InsertBlock(context.Background(), b)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertBlockParentMissing(t *testing.T) {
	s, mock := newMockStore(t)
	b := buildChain(t, "agent-a", 2, 1000)[1]

	mock.ExpectExec(regexp.QuoteMeta("WHERE agent_id = $13 AND idx = $14 AND block_hash = $15")).
		WithArgs("agent-a", int64(1), b.ParentHash, int64(2000), "system", "action-1",
			`{"n":1}`, "{}", "[]", int64(1), nil, b.BlockHash,
			"agent-a", int64(0), b.ParentHash).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.InsertBlock(context.Background(), b)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresOtherErrorsAreNotConflicts(t *testing.T) {
	s, mock := newMockStore(t)
	b := buildChain(t, "agent-a", 1, 1000)[0]

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_blocks")).
		WillReturnError(&pq.Error{Code: "23502", Message: "not null violation"})

	err := s.InsertBlock(context.Background(), b)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestPostgresLatestBlock(t *testing.T) {
	s, mock := newMockStore(t)
	b := buildChain(t, "agent-a", 1, 1000)[0]

	rows := sqlmock.NewRows([]string{
		"agent_id", "idx", "parent_hash", "ts", "actor", "action", "params", "resources",
		"attachments", "protocol_version", "origin", "block_hash",
	}).AddRow("agent-a", int64(0), b.ParentHash, int64(1000), "system", "action-0",
		`{"n":0}`, "{}", "[]", int64(1), nil, b.BlockHash)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE agent_id = $1")).
		WithArgs("agent-a").
		WillReturnRows(rows)

	got, err := s.LatestBlock(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, b, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLatestBlockNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_blocks")).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.LatestBlock(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresCommitCheckpointConflictRollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints (epoch, committed_tips, tip_count, root_commitment, submitted_at)")).
		WithArgs(int64(7), "[]", 0, "root", int64(1)).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := s.CommitCheckpoint(context.Background(), Checkpoint{Epoch: 7, Tips: []Tip{}, RootCommitment: "root", SubmittedAt: 1})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertEventDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	e := Event{ContentHash: "h1", AgentID: "agent-a", Timestamp: 1, Type: "chat", Actor: "x", Data: "{}"}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT(content_hash) DO NOTHING")).
		WithArgs("h1", "agent-a", int64(1), "chat", "x", "{}").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE content_hash = $1")).
		WithArgs("h1").
		WillReturnRows(sqlmock.NewRows([]string{"content_hash", "agent_id", "ts", "type", "actor", "data"}).
			AddRow("h1", "agent-a", int64(1), "chat", "x", "{}"))

	got, inserted, err := s.InsertEvent(context.Background(), e)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, e, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS agent_blocks")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(version), 0) FROM schema_version")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS idx_mint_receipts_due")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_version (version) VALUES ($1)")).
		WithArgs(currentSchemaVersion).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrateFromVersion1(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS agent_blocks")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(version), 0) FROM schema_version")).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))
	mock.ExpectExec(regexp.QuoteMeta("ADD COLUMN IF NOT EXISTS managed")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS idx_mint_receipts_due")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO schema_version (version) VALUES ($1)")).
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDueReceiptsQuery(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"agent_id", "block_index", "status", "request_id", "external_ref", "payload",
		"last_error", "managed", "checked_at", "created_at", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY checked_at ASC, created_at ASC, agent_id ASC, block_index ASC LIMIT $2")).
		WithArgs(ReceiptPending, 5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("agent-a", int64(0), ReceiptPending, "req-1", "", "{}", "", true, int64(0), int64(1000), int64(1000)))

	due, err := s.DueReceipts(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.True(t, due[0].Managed)
}
