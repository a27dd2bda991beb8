package tipcache

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/ir"
)

const testAgent = "00ba38b2e04053a3ae01dc7995863ac65495a2a3d9ad14a91345e88c198739a8"

func buildTips(t *testing.T, n int) []block.Block {
	t.Helper()
	var (
		prev  *block.Block
		chain []block.Block
	)
	for i := 0; i < n; i++ {
		b, err := block.Build(prev, block.Core{
			AgentID:   testAgent,
			Timestamp: int64(1000 + i),
			Actor:     "system",
			Action:    "tick",
			Params:    ir.IRObject{"n": ir.IRInt(int64(i))},
		})
		require.NoError(t, err)
		chain = append(chain, b)
		prev = &chain[len(chain)-1]
	}
	return chain
}

func TestDecodeTip(t *testing.T) {
	tips := buildTips(t, 2)
	data, err := json.Marshal(tips[1])
	require.NoError(t, err)

	b, err := decodeTip(testAgent, data)
	require.NoError(t, err)
	assert.Equal(t, tips[1].BlockHash, b.BlockHash)
	assert.Equal(t, tips[1].Params, b.Params)
}

func TestDecodeTipRejects(t *testing.T) {
	tip := buildTips(t, 1)[0]

	tampered := tip
	tampered.Action = "rewritten"
	tamperedJSON, err := json.Marshal(tampered)
	require.NoError(t, err)

	valid, err := json.Marshal(tip)
	require.NoError(t, err)

	tests := []struct {
		name    string
		agentID string
		data    []byte
	}{
		{"garbage", testAgent, []byte("not json")},
		{"other agent", "ffff", valid},
		{"hash mismatch", testAgent, tamperedJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeTip(tt.agentID, tt.data)
			assert.Error(t, err)
		})
	}
}

// newTestRedis connects to AGENTLEDGER_TEST_REDIS (host:port) on a scratch
// database. Skips when unset or unreachable.
func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	addr := os.Getenv("AGENTLEDGER_TEST_REDIS")
	if addr == "" {
		t.Skip("Skipping Redis integration test: AGENTLEDGER_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping Redis integration test: %v", err)
	}
	t.Cleanup(func() {
		client.Del(ctx, tipKey(testAgent))
		client.Close()
	})
	return New(client, time.Minute)
}

func TestRedisTipLifecycle(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	tips := buildTips(t, 3)

	got, err := r.Tip(ctx, testAgent)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, r.SetTip(ctx, tips[1]))
	got, err = r.Tip(ctx, testAgent)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tips[1].BlockHash, got.BlockHash)

	// Older tips never replace newer ones.
	require.NoError(t, r.SetTip(ctx, tips[0]))
	got, err = r.Tip(ctx, testAgent)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Index)

	require.NoError(t, r.SetTip(ctx, tips[2]))
	got, err = r.Tip(ctx, testAgent)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Index)

	require.NoError(t, r.Forget(ctx, testAgent))
	got, err = r.Tip(ctx, testAgent)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisDropsCorruptEntry(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.client.HSet(ctx, tipKey(testAgent), "index", 4, "block", "{").Err())

	got, err := r.Tip(ctx, testAgent)
	require.NoError(t, err)
	assert.Nil(t, got)

	n, err := r.client.Exists(ctx, tipKey(testAgent)).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisSetsTTL(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()

	require.NoError(t, r.SetTip(ctx, buildTips(t, 1)[0]))
	ttl, err := r.client.PTTL(ctx, tipKey(testAgent)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}
