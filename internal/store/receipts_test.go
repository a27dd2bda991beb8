package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReceipt(agentID string, idx uint64, requestID string) Receipt {
	return Receipt{
		AgentID:    agentID,
		BlockIndex: idx,
		Status:     ReceiptPending,
		RequestID:  requestID,
		Payload:    `{"name":"Ape #42"}`,
		CreatedAt:  1000,
		UpdatedAt:  1000,
	}
}

func TestInsertReceiptUniquePerEntry(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertReceipt(ctx, testReceipt("agent-a", 3, "req-1")))

	err := s.InsertReceipt(ctx, testReceipt("agent-a", 3, "req-2"))
	assert.ErrorIs(t, err, ErrConflict)

	got, err := s.Receipt(ctx, "agent-a", 3)
	require.NoError(t, err)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, ReceiptPending, got.Status)
	assert.Equal(t, `{"name":"Ape #42"}`, got.Payload)

	_, err = s.Receipt(ctx, "agent-a", 4)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionReceiptCompareAndSwap(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertReceipt(ctx, testReceipt("agent-a", 0, "req-1")))

	changed, err := s.TransitionReceipt(ctx, "agent-a", 0, ReceiptPending, ReceiptConfirmed, "", 2000)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.TransitionReceipt(ctx, "agent-a", 0, ReceiptPending, ReceiptFailed, "late", 3000)
	require.NoError(t, err)
	assert.False(t, changed, "a confirmed receipt is no longer pending")

	got, err := s.Receipt(ctx, "agent-a", 0)
	require.NoError(t, err)
	assert.Equal(t, ReceiptConfirmed, got.Status)
	assert.Equal(t, int64(2000), got.UpdatedAt)
}

func TestAttachExternalRefOnce(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertReceipt(ctx, testReceipt("agent-a", 0, "req-1")))
	require.NoError(t, s.RecordReceiptError(ctx, "agent-a", 0, "backend unavailable", 1500))

	changed, err := s.AttachExternalRef(ctx, "agent-a", 0, "job-1", 2000)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.AttachExternalRef(ctx, "agent-a", 0, "job-2", 3000)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err := s.Receipt(ctx, "agent-a", 0)
	require.NoError(t, err)
	assert.Equal(t, "job-1", got.ExternalRef)
	assert.Empty(t, got.LastError)
}

func TestReceiptsByStatus(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	r1 := testReceipt("agent-a", 0, "req-1")
	r2 := testReceipt("agent-b", 0, "req-2")
	r2.CreatedAt = 500
	require.NoError(t, s.InsertReceipt(ctx, r1))
	require.NoError(t, s.InsertReceipt(ctx, r2))
	_, err := s.TransitionReceipt(ctx, "agent-a", 0, ReceiptPending, ReceiptFailed, "rejected", 2000)
	require.NoError(t, err)

	pending, err := s.ReceiptsByStatus(ctx, ReceiptPending, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "agent-b", pending[0].AgentID)

	failed, err := s.ReceiptsByStatus(ctx, ReceiptFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "rejected", failed[0].LastError)
}

func TestDueReceiptsRotateByCheckedAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	for i, agent := range []string{"agent-a", "agent-b", "agent-c"} {
		r := testReceipt(agent, 0, fmt.Sprintf("req-%d", i))
		r.CreatedAt = int64(1000 + i)
		require.NoError(t, s.InsertReceipt(ctx, r))
	}

	due, err := s.DueReceipts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "agent-a", due[0].AgentID)
	assert.Equal(t, "agent-b", due[1].AgentID)

	for _, r := range due {
		require.NoError(t, s.MarkReceiptChecked(ctx, r.AgentID, r.BlockIndex, 5000))
	}

	due, err = s.DueReceipts(ctx, 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "agent-c", due[0].AgentID, "never-checked receipts come first")
	assert.Equal(t, "agent-a", due[1].AgentID)

	got, err := s.Receipt(ctx, "agent-a", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), got.CheckedAt)
	assert.Equal(t, int64(1000), got.UpdatedAt, "checking is not an update")
}

func TestDueReceiptsSkipsResolved(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.InsertReceipt(ctx, testReceipt("agent-a", 0, "req-1")))
	_, err := s.TransitionReceipt(ctx, "agent-a", 0, ReceiptPending, ReceiptConfirmed, "", 2000)
	require.NoError(t, err)

	require.NoError(t, s.MarkReceiptChecked(ctx, "agent-a", 0, 3000))
	got, err := s.Receipt(ctx, "agent-a", 0)
	require.NoError(t, err)
	assert.Zero(t, got.CheckedAt)

	due, err := s.DueReceipts(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestReceiptManagedRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	r := testReceipt("agent-a", 0, "req-1")
	r.Managed = true
	require.NoError(t, s.InsertReceipt(ctx, r))
	require.NoError(t, s.InsertReceipt(ctx, testReceipt("agent-b", 0, "req-2")))

	got, err := s.Receipt(ctx, "agent-a", 0)
	require.NoError(t, err)
	assert.True(t, got.Managed)

	got, err = s.Receipt(ctx, "agent-b", 0)
	require.NoError(t, err)
	assert.False(t, got.Managed)
}
