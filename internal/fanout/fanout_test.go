package fanout

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestRelayAnnounceIsReceivedBySibling(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	received := make(chan Announcement, 1)
	nodeB := NewRelay(client, "node-b")
	require.NoError(t, nodeB.Start(context.Background(), func(a Announcement) {
		received <- a
	}))
	t.Cleanup(nodeB.Stop)

	nodeA := NewRelay(client, "node-a")
	require.NoError(t, nodeA.Announce(context.Background(), "node-b", Announcement{Function: "reverse_string"}))

	select {
	case a := <-received:
		require.Equal(t, "node-a", a.FromNodeID)
		require.Equal(t, "reverse_string", a.Function)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for announcement")
	}
}

func TestRelayStopEndsReceiveLoop(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	r := NewRelay(client, "node-a")
	require.NoError(t, r.Start(context.Background(), func(Announcement) {}))
	r.Stop()
}
