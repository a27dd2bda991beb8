// Package tipcache keeps each agent's latest block in Redis so appends can
// skip a store read. Entries are hints: the store decides every append.
package tipcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/agentledger/internal/block"
)

// DefaultTTL bounds how long an idle agent's tip stays cached.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "agentledger:tip:"

// setTipScript stores a tip only if it is newer than the cached one, so a
// slow writer cannot move the hint backwards.
// KEYS[1] = tip key
// ARGV[1] = block index
// ARGV[2] = block JSON
// ARGV[3] = ttl in milliseconds (0 = no expiry)
var setTipScript = redis.NewScript(`
local cur = redis.call("HGET", KEYS[1], "index")
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
    return 0
end
redis.call("HSET", KEYS[1], "index", ARGV[1], "block", ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

// Redis implements ledger.TipHint.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// New wraps an existing client. ttl <= 0 disables expiry.
func New(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Dial connects to a single Redis server and checks it answers.
func Dial(ctx context.Context, addr, password string, db int, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis %s: %w", addr, err)
	}
	return New(client, ttl), nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func tipKey(agentID string) string {
	return keyPrefix + agentID
}

// Tip returns the cached tip, or nil on a miss. An entry that does not
// decode, belongs to another agent or fails its hash check is dropped and
// reported as a miss.
func (r *Redis) Tip(ctx context.Context, agentID string) (*block.Block, error) {
	data, err := r.client.HGet(ctx, tipKey(agentID), "block").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tip %s: %w", agentID, err)
	}

	b, err := decodeTip(agentID, data)
	if err != nil {
		if ferr := r.Forget(ctx, agentID); ferr != nil {
			return nil, fmt.Errorf("tip %s: %w (forget: %v)", agentID, err, ferr)
		}
		return nil, nil
	}
	return b, nil
}

// SetTip caches b unless a newer tip is already cached.
func (r *Redis) SetTip(ctx context.Context, b block.Block) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("set tip %s: %w", b.AgentID, err)
	}
	err = setTipScript.Run(ctx, r.client, []string{tipKey(b.AgentID)},
		b.Index, data, r.ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("set tip %s: %w", b.AgentID, err)
	}
	return nil
}

// Forget drops the cached tip.
func (r *Redis) Forget(ctx context.Context, agentID string) error {
	if err := r.client.Del(ctx, tipKey(agentID)).Err(); err != nil {
		return fmt.Errorf("forget tip %s: %w", agentID, err)
	}
	return nil
}

func decodeTip(agentID string, data []byte) (*block.Block, error) {
	var b block.Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if b.AgentID != agentID {
		return nil, fmt.Errorf("cached tip belongs to %s", b.AgentID)
	}
	hash, err := block.ComputeHash(b)
	if err != nil {
		return nil, err
	}
	if hash != b.BlockHash {
		return nil, fmt.Errorf("cached tip %d hash %s, computed %s", b.Index, b.BlockHash, hash)
	}
	return &b, nil
}
