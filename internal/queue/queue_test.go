package queue

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, []string{"shard-a", "shard-b"})
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &Job{Function: "reverse_string", Payload: []byte("hello"), Sequence: 1}
	require.NoError(t, q.Enqueue(ctx, job))
	require.NotEmpty(t, job.Handle)

	depth, err := q.Depth(ctx, "reverse_string")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	got, err := q.Dequeue(ctx, "reverse_string")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, job.Handle, got.Handle)
	require.Equal(t, []byte("hello"), got.Payload)

	depth, err = q.Depth(ctx, "reverse_string")
	require.NoError(t, err)
	require.Equal(t, int64(0), depth)

	running, err := q.RunningCount(ctx, "reverse_string")
	require.NoError(t, err)
	require.Equal(t, int64(1), running)
}

func TestDequeueEmptyReturnsNil(t *testing.T) {
	q := newTestQueue(t)
	got, err := q.Dequeue(context.Background(), "nothing_here")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestPriorityOrdersAheadOfSequence(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	low := &Job{Function: "fn", Payload: []byte("low"), Priority: 0, Sequence: 1}
	high := &Job{Function: "fn", Payload: []byte("high"), Priority: 5, Sequence: 2}
	require.NoError(t, q.Enqueue(ctx, low))
	require.NoError(t, q.Enqueue(ctx, high))

	first, err := q.Dequeue(ctx, "fn")
	require.NoError(t, err)
	require.Equal(t, []byte("high"), first.Payload)

	second, err := q.Dequeue(ctx, "fn")
	require.NoError(t, err)
	require.Equal(t, []byte("low"), second.Payload)
}

func TestCompleteRemovesFromRunning(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &Job{Function: "fn", Payload: []byte("x")}
	require.NoError(t, q.Enqueue(ctx, job))
	dequeued, err := q.Dequeue(ctx, "fn")
	require.NoError(t, err)

	require.NoError(t, q.Complete(ctx, "fn", dequeued.Handle))

	running, err := q.RunningCount(ctx, "fn")
	require.NoError(t, err)
	require.Equal(t, int64(0), running)
}

func TestRequeuePutsJobBackOnQueue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	job := &Job{Function: "fn", Payload: []byte("x"), Sequence: 7}
	require.NoError(t, q.Enqueue(ctx, job))
	dequeued, err := q.Dequeue(ctx, "fn")
	require.NoError(t, err)

	require.NoError(t, q.Requeue(ctx, "fn", dequeued.Handle))

	depth, err := q.Depth(ctx, "fn")
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)

	running, err := q.RunningCount(ctx, "fn")
	require.NoError(t, err)
	require.Equal(t, int64(0), running)
}
