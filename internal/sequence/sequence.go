// Package sequence allocates monotonic per-function job sequence numbers
// via Redis INCR. The sequence is stored on each queued job and used in
// internal/queue's ZSET score, giving FIFO-within-priority ordering for a
// function's queue; job handles are separate UUIDs.
package sequence

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces sequence counters in the shared Redis keyspace.
const KeyPrefix = "flowbroker:seq:"

// Manager generates sequence numbers for named job functions.
type Manager struct {
	client *redis.Client
}

// NewManager returns a Manager backed by client.
func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client}
}

// Next returns the next sequence number for function, starting at 1.
func (m *Manager) Next(ctx context.Context, function string) (int64, error) {
	seq, err := m.client.Incr(ctx, KeyPrefix+function).Result()
	if err != nil {
		return 0, fmt.Errorf("sequence: next %q: %w", function, err)
	}
	return seq, nil
}

// NextBatch atomically reserves count consecutive sequence numbers for
// function and returns the inclusive [start, end] range, mirroring the
// teacher's NextSeqBatch for batched SUBMIT_JOB bursts.
func (m *Manager) NextBatch(ctx context.Context, function string, count int64) (start, end int64, err error) {
	end, err = m.client.IncrBy(ctx, KeyPrefix+function, count).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("sequence: next batch %q: %w", function, err)
	}
	start = end - count + 1
	return start, end, nil
}

// Current returns the most recently issued sequence number for function
// without allocating a new one, or 0 if none has been issued yet.
func (m *Manager) Current(ctx context.Context, function string) (int64, error) {
	seq, err := m.client.Get(ctx, KeyPrefix+function).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sequence: current %q: %w", function, err)
	}
	return seq, nil
}
