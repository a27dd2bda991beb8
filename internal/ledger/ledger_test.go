package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/ir"
	"github.com/roach88/agentledger/internal/store"
	"github.com/roach88/agentledger/internal/testutil"
)

const testAgent = "16cf1bcd927088a3e42f7cfabf91c6fb709d021bda74d4dd98a28edd0cdc98d5"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestLedger(t *testing.T, s Store, opts ...Option) *Ledger {
	t.Helper()
	base := []Option{
		WithLogger(discardLogger()),
		WithClock(testutil.NewDeterministicClock(1700000000000, 1000)),
	}
	return New(s, append(base, opts...)...)
}

// countingStore counts InsertBlock outcomes on top of a real store.
type countingStore struct {
	*store.Store
	inserts   atomic.Int64
	conflicts atomic.Int64
}

func (c *countingStore) InsertBlock(ctx context.Context, b block.Block) error {
	c.inserts.Add(1)
	err := c.Store.InsertBlock(ctx, b)
	if errors.Is(err, store.ErrConflict) {
		c.conflicts.Add(1)
	}
	return err
}

// pinnedHint always reports the same tip, as a cache that missed updates would.
type pinnedHint struct {
	mu      sync.Mutex
	tip     *block.Block
	forgets int
}

func (h *pinnedHint) Tip(ctx context.Context, agentID string) (*block.Block, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tip == nil {
		return nil, nil
	}
	b := *h.tip
	return &b, nil
}

func (h *pinnedHint) SetTip(ctx context.Context, b block.Block) error { return nil }

func (h *pinnedHint) Forget(ctx context.Context, agentID string) error {
	h.mu.Lock()
	h.forgets++
	h.mu.Unlock()
	return nil
}

type brokenHint struct{}

func (brokenHint) Tip(ctx context.Context, agentID string) (*block.Block, error) {
	return nil, errors.New("connection refused")
}
func (brokenHint) SetTip(ctx context.Context, b block.Block) error {
	return errors.New("connection refused")
}
func (brokenHint) Forget(ctx context.Context, agentID string) error {
	return errors.New("connection refused")
}

// alwaysConflict loses every insert race.
type alwaysConflict struct {
	*store.Store
}

func (alwaysConflict) InsertBlock(ctx context.Context, b block.Block) error {
	return fmt.Errorf("insert block: %w", store.ErrConflict)
}

func TestAppendGenesisThenChat(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, openStore(t))

	latest, err := l.LatestBlock(ctx, testAgent)
	require.NoError(t, err)
	assert.Nil(t, latest)

	genesis, err := l.Append(ctx, testAgent, block.Core{
		Timestamp: 1700000000000,
		Actor:     "system",
		Action:    "genesis",
		Params:    ir.IRObject{"name": ir.IRString("Ape #42")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), genesis.Index)
	assert.Equal(t, block.GenesisSentinel, genesis.ParentHash)
	assert.Equal(t, testAgent, genesis.AgentID)

	chat, err := l.Append(ctx, testAgent, block.Core{
		Timestamp: 1700000001000,
		Actor:     "user:alice",
		Action:    "chat",
		Params:    ir.IRObject{"message": ir.IRString("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), chat.Index)
	assert.Equal(t, genesis.BlockHash, chat.ParentHash)

	latest, err = l.LatestBlock(ctx, testAgent)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, chat.BlockHash, latest.BlockHash)

	require.NoError(t, l.Verify(*latest))

	stats, err := l.ChainStats(ctx, testAgent)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Length)
	assert.Equal(t, int64(1700000000000), stats.FirstTimestamp)
	assert.Equal(t, int64(1700000001000), stats.LastTimestamp)
}

func TestAppendDefaultsTimestampFromClock(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewDeterministicClock(5000, 250)
	l := New(openStore(t), WithLogger(discardLogger()), WithClock(clk))

	first, err := l.Append(ctx, testAgent, block.Core{Actor: "system", Action: "genesis"})
	require.NoError(t, err)
	second, err := l.Append(ctx, testAgent, block.Core{Actor: "system", Action: "tick"})
	require.NoError(t, err)

	assert.Equal(t, int64(5250), first.Timestamp)
	assert.Equal(t, int64(5500), second.Timestamp)
}

func TestAppendOverridesCoreAgentID(t *testing.T) {
	l := newTestLedger(t, openStore(t))

	b, err := l.Append(context.Background(), testAgent, block.Core{AgentID: "other", Action: "genesis"})
	require.NoError(t, err)
	assert.Equal(t, testAgent, b.AgentID)
}

func TestAppendStaleTipConflictsOnceThenSucceeds(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: openStore(t)}
	hint := &pinnedHint{}
	l := newTestLedger(t, cs, WithTipHint(hint))

	genesis, err := l.Append(ctx, testAgent, block.Core{Action: "genesis"})
	require.NoError(t, err)

	// Both writers observe genesis as the tip.
	hint.tip = &genesis

	a, err := l.Append(ctx, testAgent, block.Core{Action: "first"})
	require.NoError(t, err)
	b, err := l.Append(ctx, testAgent, block.Core{Action: "second"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), cs.conflicts.Load(), "exactly one append should lose the race")
	assert.Equal(t, int64(4), cs.inserts.Load())
	assert.Equal(t, 1, hint.forgets)
	assert.Equal(t, uint64(1), a.Index)
	assert.Equal(t, uint64(2), b.Index)
	assert.Equal(t, a.BlockHash, b.ParentHash)

	n, err := l.VerifyChain(ctx, testAgent)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
}

func TestAppendIgnoresUnavailableHint(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, openStore(t), WithTipHint(brokenHint{}))

	for i := 0; i < 3; i++ {
		b, err := l.Append(ctx, testAgent, block.Core{Action: fmt.Sprintf("a-%d", i)})
		require.NoError(t, err)
		assert.Equal(t, uint64(i), b.Index)
	}
}

func TestAppendParallelWritersNeverDuplicateIndex(t *testing.T) {
	ctx := context.Background()
	cs := &countingStore{Store: openStore(t)}
	l := newTestLedger(t, cs, WithMaxAppendAttempts(1000))

	const (
		writers   = 8
		perWriter = 10
	)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		indices = make(map[uint64]string)
		errs    []error
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b, err := l.Append(ctx, testAgent, block.Core{
					Actor:  fmt.Sprintf("writer-%d", w),
					Action: fmt.Sprintf("op-%d", i),
				})
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else if prev, dup := indices[b.Index]; dup {
					errs = append(errs, fmt.Errorf("index %d written twice (%s, %s)", b.Index, prev, b.BlockHash))
				} else {
					indices[b.Index] = b.BlockHash
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Len(t, indices, writers*perWriter)
	for i := uint64(0); i < writers*perWriter; i++ {
		assert.Contains(t, indices, i)
	}

	n, err := l.VerifyChain(ctx, testAgent)
	require.NoError(t, err)
	assert.Equal(t, uint64(writers*perWriter), n)
}

func TestAppendExhaustsAttempts(t *testing.T) {
	l := newTestLedger(t, alwaysConflict{Store: openStore(t)}, WithMaxAppendAttempts(3))

	_, err := l.Append(context.Background(), testAgent, block.Core{Action: "genesis"})
	require.Error(t, err)
	assert.True(t, IsChainConflict(err))
	assert.ErrorIs(t, err, store.ErrConflict)

	var cc *ChainConflictError
	require.ErrorAs(t, err, &cc)
	assert.Equal(t, 3, cc.Attempts)
	assert.Equal(t, testAgent, cc.AgentID)
	assert.Contains(t, err.Error(), "CHAIN_CONFLICT")
}

func TestAppendRejectsEmptyAgent(t *testing.T) {
	l := newTestLedger(t, openStore(t))

	_, err := l.Append(context.Background(), "", block.Core{Action: "genesis"})
	assert.ErrorIs(t, err, block.ErrEmptyAgentID)
	assert.False(t, IsChainConflict(err))
}

func TestVerifyDetectsTampering(t *testing.T) {
	var logs bytes.Buffer
	l := New(openStore(t), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	b, err := block.Build(nil, block.Core{AgentID: testAgent, Timestamp: 1, Action: "genesis"})
	require.NoError(t, err)
	require.NoError(t, l.Verify(b))

	b.Action = "rewritten"
	err = l.Verify(b)
	require.Error(t, err)
	assert.True(t, IsHashMismatch(err))

	var hm *HashMismatchError
	require.ErrorAs(t, err, &hm)
	assert.Equal(t, b.BlockHash, hm.Stored)
	assert.NotEqual(t, hm.Stored, hm.Computed)
	assert.Contains(t, logs.String(), "level=ERROR")
	assert.Contains(t, logs.String(), "block hash mismatch")
}

func TestVerifyChainDetectsStoredTampering(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	l := newTestLedger(t, s)

	for i := 0; i < 4; i++ {
		_, err := l.Append(ctx, testAgent, block.Core{Action: fmt.Sprintf("a-%d", i)})
		require.NoError(t, err)
	}
	n, err := l.VerifyChain(ctx, testAgent)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), n)

	_, err = s.DB().ExecContext(ctx,
		"UPDATE agent_blocks SET actor = 'mallory' WHERE agent_id = ? AND idx = 2", testAgent)
	require.NoError(t, err)

	n, err = l.VerifyChain(ctx, testAgent)
	require.Error(t, err)
	assert.True(t, IsHashMismatch(err))
	assert.Equal(t, uint64(2), n)
}

func TestVerifyChainEmpty(t *testing.T) {
	l := newTestLedger(t, openStore(t))

	n, err := l.VerifyChain(context.Background(), testAgent)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBlocksAndBlockLookup(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, openStore(t))

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, testAgent, block.Core{Action: fmt.Sprintf("a-%d", i)})
		require.NoError(t, err)
	}

	page, err := l.Blocks(ctx, testAgent, BlockQuery{FromIndex: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(1), page[0].Index)
	assert.Equal(t, uint64(2), page[1].Index)

	all, err := l.Blocks(ctx, testAgent, BlockQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 5)

	b, err := l.Block(ctx, testAgent, 3)
	require.NoError(t, err)
	assert.Equal(t, "a-3", b.Action)

	_, err = l.Block(ctx, testAgent, 9)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMetricsCountAppendsAndConflicts(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	hint := &pinnedHint{}
	l := newTestLedger(t, openStore(t),
		WithTipHint(hint),
		WithMeter(provider.Meter("ledger-test")))

	genesis, err := l.Append(ctx, testAgent, block.Core{Action: "genesis"})
	require.NoError(t, err)
	hint.tip = &genesis
	_, err = l.Append(ctx, testAgent, block.Core{Action: "one"})
	require.NoError(t, err)
	_, err = l.Append(ctx, testAgent, block.Core{Action: "two"})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, int64(3), counterTotal(rm, "agentledger.ledger.appends"))
	assert.Equal(t, int64(1), counterTotal(rm, "agentledger.ledger.append_conflicts"))
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
