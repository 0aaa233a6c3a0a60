package sequence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewManager(client)
}

func TestNextIsMonotonic(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Next(ctx, "reverse_string")
	require.NoError(t, err)
	require.Equal(t, int64(1), first)

	second, err := m.Next(ctx, "reverse_string")
	require.NoError(t, err)
	require.Equal(t, int64(2), second)
}

func TestNextIsolatedPerFunction(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.Next(ctx, "fn_a")
	require.NoError(t, err)
	b, err := m.Next(ctx, "fn_b")
	require.NoError(t, err)

	require.Equal(t, int64(1), a)
	require.Equal(t, int64(1), b)
}

func TestNextBatchReservesRange(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	start, end, err := m.NextBatch(ctx, "fn", 5)
	require.NoError(t, err)
	require.Equal(t, int64(1), start)
	require.Equal(t, int64(5), end)

	next, err := m.Next(ctx, "fn")
	require.NoError(t, err)
	require.Equal(t, int64(6), next)
}

func TestCurrentBeforeAnyNextIsZero(t *testing.T) {
	m := newTestManager(t)
	cur, err := m.Current(context.Background(), "never_used")
	require.NoError(t, err)
	require.Equal(t, int64(0), cur)
}
