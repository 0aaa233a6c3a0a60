// Package fanout relays job availability and worker wake-ups between
// broker nodes over Redis Pub/Sub: a per-peer channel, a subscribe-then-
// range-over-Channel() receive loop, and context-based Stop. It relays
// "function F has a job waiting" announcements between broker nodes that
// do not share worker connections: the node that accepted a SUBMIT_JOB for
// F tells its peers, so workers sleeping on F at those peers are woken and
// pull the job from the shared queue. Job data itself is not relayed.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ChannelPrefix namespaces a broker node's inbox channel.
const ChannelPrefix = "flowbroker:fanout:"

// Announcement is the cross-node message: Function has a new job queued.
// Functions can name several functions in one message, and receivers
// handle it; flowbroker's own senders set only Function.
type Announcement struct {
	FromNodeID string   `json:"from_node_id"`
	Function   string   `json:"function,omitempty"`
	Functions  []string `json:"functions,omitempty"`
}

// Relay subscribes to one broker node's channel and publishes to others'.
type Relay struct {
	nodeID string
	client *redis.Client
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRelay returns a Relay for nodeID, not yet subscribed.
func NewRelay(client *redis.Client, nodeID string) *Relay {
	return &Relay{nodeID: nodeID, client: client}
}

func channelFor(nodeID string) string {
	return ChannelPrefix + nodeID
}

// Start subscribes to this node's channel and invokes handler for every
// announcement received, until Stop cancels the subscription's context.
func (r *Relay) Start(ctx context.Context, handler func(Announcement)) error {
	subCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.pubsub = r.client.Subscribe(subCtx, channelFor(r.nodeID))
	if _, err := r.pubsub.Receive(subCtx); err != nil {
		cancel()
		return fmt.Errorf("fanout: subscribe %s: %w", r.nodeID, err)
	}

	go r.receiveLoop(subCtx, handler)
	return nil
}

func (r *Relay) receiveLoop(ctx context.Context, handler func(Announcement)) {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var a Announcement
			if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
				continue
			}
			handler(a)
		}
	}
}

// Announce publishes an announcement to targetNodeID's channel.
func (r *Relay) Announce(ctx context.Context, targetNodeID string, a Announcement) error {
	a.FromNodeID = r.nodeID
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("fanout: marshal announcement: %w", err)
	}
	return r.client.Publish(ctx, channelFor(targetNodeID), data).Err()
}

// Stop ends the receive loop and closes the subscription.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.pubsub != nil {
		r.pubsub.Close()
	}
}
