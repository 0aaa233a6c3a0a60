// Package queue is the broker's persistent job store: a Redis ZSET per job
// function, scored by priority and sequence number so ZRANGE yields jobs in
// dispatch order. Entries persist until a worker completes the job.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/hashicorp/go-uuid"
	"github.com/redis/go-redis/v9"
)

// KeyPrefix namespaces a function's queue ZSET in Redis.
const KeyPrefix = "flowbroker:queue:"

// RunningPrefix namespaces the dispatched-but-unacknowledged hash that
// backs requeue-on-worker-death semantics.
const RunningPrefix = "flowbroker:running:"

// DefaultTTL bounds how long an undispatched job may sit in the queue, so
// a function nobody ever registers a worker for does not retain jobs
// forever.
const DefaultTTL = 7 * 24 * time.Hour

// Job is a persisted unit of work.
type Job struct {
	Handle    string    `json:"handle"`
	Function  string    `json:"function"`
	Payload   []byte    `json:"payload"`
	Priority  int       `json:"priority"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
}

// score packs priority ahead of sequence so ZRANGE (ascending) dispatches
// high-priority jobs first and, within a priority, in submission order.
// Priority is clamped to [0, 9]; 10 decimal digits of sequence room keeps
// scores comparable exactly as float64, well within Redis ZSET's safe
// integer range for realistic sequence volumes.
func score(priority int, sequence int64) float64 {
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}
	return float64(9-priority)*1e15 + float64(sequence)
}

// Queue is safe for concurrent use; all state lives in Redis.
type Queue struct {
	client *redis.Client
	shards *rendezvous.Rendezvous
}

// New returns a Queue backed by client. shardKeys names the Redis key
// shards a cluster deployment spreads function queues across; a
// single-node deployment passes one shard name. Sharding picks which
// shard a function's queue key lives on via rendezvous hashing over
// xxhash.
func New(client *redis.Client, shardKeys []string) *Queue {
	if len(shardKeys) == 0 {
		shardKeys = []string{"default"}
	}
	return &Queue{
		client: client,
		shards: rendezvous.New(shardKeys, xxhash.Sum64String),
	}
}

// shardFor returns the shard name responsible for function's queue.
func (q *Queue) shardFor(function string) string {
	return q.shards.Lookup(function)
}

func (q *Queue) key(function string) string {
	return KeyPrefix + q.shardFor(function) + ":" + function
}

func (q *Queue) runningKey(function string) string {
	return RunningPrefix + q.shardFor(function) + ":" + function
}

// Enqueue persists job for later GRAB_JOB dispatch, generating a handle if
// job.Handle is empty.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job.Handle == "" {
		handle, err := uuid.GenerateUUID()
		if err != nil {
			return fmt.Errorf("queue: generate handle: %w", err)
		}
		job.Handle = handle
	}
	job.CreatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %s: %w", job.Handle, err)
	}

	key := q.key(job.Function)
	pipe := q.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score(job.Priority, job.Sequence), Member: data})
	pipe.Expire(ctx, key, DefaultTTL)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", job.Handle, err)
	}
	return nil
}

// Dequeue pops the highest-priority, oldest job for function, moving it
// into the running set so a worker crash can requeue it. Returns (nil,
// nil) when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, function string) (*Job, error) {
	key := q.key(function)

	results, err := q.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue %s: %w", function, err)
	}
	if len(results) == 0 {
		return nil, nil
	}

	data, _ := results[0].Member.(string)
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("queue: unmarshal dequeued job for %s: %w", function, err)
	}

	if err := q.client.HSet(ctx, q.runningKey(function), job.Handle, data).Err(); err != nil {
		return nil, fmt.Errorf("queue: mark running %s: %w", job.Handle, err)
	}
	return &job, nil
}

// Complete removes handle from the running set after WORK_COMPLETE or
// WORK_FAIL.
func (q *Queue) Complete(ctx context.Context, function, handle string) error {
	return q.client.HDel(ctx, q.runningKey(function), handle).Err()
}

// Requeue moves a dispatched-but-abandoned job (worker connection died
// before WORK_COMPLETE) back onto the queue, preserving its original
// priority and sequence so it redispatches ahead of newer submissions.
func (q *Queue) Requeue(ctx context.Context, function, handle string) error {
	data, err := q.client.HGet(ctx, q.runningKey(function), handle).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: requeue lookup %s: %w", handle, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return fmt.Errorf("queue: unmarshal requeued job %s: %w", handle, err)
	}

	pipe := q.client.Pipeline()
	pipe.ZAdd(ctx, q.key(function), redis.Z{Score: score(job.Priority, job.Sequence), Member: data})
	pipe.HDel(ctx, q.runningKey(function), handle)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: requeue %s: %w", handle, err)
	}
	return nil
}

// Depth returns the number of undispatched jobs queued for function.
func (q *Queue) Depth(ctx context.Context, function string) (int64, error) {
	return q.client.ZCard(ctx, q.key(function)).Result()
}

// RunningCount returns the number of dispatched-but-unacknowledged jobs
// for function.
func (q *Queue) RunningCount(ctx context.Context, function string) (int64, error) {
	return q.client.HLen(ctx, q.runningKey(function)).Result()
}
