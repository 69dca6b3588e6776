package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// EntryPrefix is the Redis key prefix for mailbox slots.
	EntryPrefix = "signal:entry:"

	// CandidatePrefix is the Redis key prefix for candidate queues.
	CandidatePrefix = "signal:cand:"
)

// RedisMailbox is the Redis-backed Mailbox implementation for multi-instance
// deployments. The slot is a plain string key holding the JSON-encoded entry;
// the queue is a Redis list. Drain runs a Lua script so the read-and-clear of
// both keys is a single atomic operation on the recipient.
type RedisMailbox struct {
	client      *redis.Client
	drainScript *redis.Script
}

// NewRedisMailbox creates a mailbox backed by the given Redis client.
func NewRedisMailbox(client *redis.Client) *RedisMailbox {
	return &RedisMailbox{
		client:      client,
		drainScript: redis.NewScript(drainLua),
	}
}

// SetEntry replaces the recipient's slot. No TTL is applied: signaling state
// lives until drained, matching the in-memory behavior.
func (m *RedisMailbox) SetEntry(ctx context.Context, recipient string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("signaling: marshal entry: %w", err)
	}
	if err := m.client.Set(ctx, EntryPrefix+recipient, data, 0).Err(); err != nil {
		return fmt.Errorf("signaling: set entry: %w", err)
	}
	return nil
}

// AppendCandidate pushes a fragment onto the recipient's queue.
func (m *RedisMailbox) AppendCandidate(ctx context.Context, recipient string, cand Candidate) error {
	data, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("signaling: marshal candidate: %w", err)
	}
	if err := m.client.RPush(ctx, CandidatePrefix+recipient, data).Err(); err != nil {
		return fmt.Errorf("signaling: append candidate: %w", err)
	}
	return nil
}

// Drain atomically reads and deletes the slot and the queue via Lua.
func (m *RedisMailbox) Drain(ctx context.Context, recipient string) (*Entry, []Candidate, error) {
	keys := []string{EntryPrefix + recipient, CandidatePrefix + recipient}
	raw, err := m.drainScript.Run(ctx, m.client, keys).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("signaling: drain: %w", err)
	}

	parts, ok := raw.([]interface{})
	if !ok || len(parts) != 2 {
		return nil, nil, fmt.Errorf("signaling: drain: unexpected script reply %T", raw)
	}

	var entry *Entry
	if s, ok := parts[0].(string); ok && s != "" {
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			return nil, nil, fmt.Errorf("signaling: decode entry: %w", err)
		}
		entry = &e
	}

	cands := []Candidate{}
	if list, ok := parts[1].([]interface{}); ok {
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				continue
			}
			var c Candidate
			if err := json.Unmarshal([]byte(s), &c); err != nil {
				return nil, nil, fmt.Errorf("signaling: decode candidate: %w", err)
			}
			cands = append(cands, c)
		}
	}

	return entry, cands, nil
}

// drainLua reads and deletes the slot and queue in one atomic step. An
// empty slot is returned as '' because a false inside the reply table would
// truncate the converted array.
const drainLua = `
local entry = redis.call('GET', KEYS[1])
local cands = redis.call('LRANGE', KEYS[2], 0, -1)
redis.call('DEL', KEYS[1], KEYS[2])
if entry == false then
  entry = ''
end
return {entry, cands}
`
