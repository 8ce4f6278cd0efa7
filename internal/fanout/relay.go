// Package fanout relays realtime frames between service nodes so that connections held by
// another process still receive broadcasts.
package fanout

import (
	"context"
	"encoding/json"
	"log"

	redis "github.com/redis/go-redis/v9"

	"messaging-service/internal/observability"
)

const DefaultChannel = "messaging:fanout"

// Scopes of a relayed frame.
const (
	ScopeConversation = "conversation"
	ScopeUser         = "user"
)

// Envelope is one frame addressed to a conversation group or to a user's connections.
type Envelope struct {
	Origin      string          `json:"origin"`
	Scope       string          `json:"scope"`
	Target      int             `json:"target"`
	ExcludeConn string          `json:"excludeConn,omitempty"`
	Frame       json.RawMessage `json:"frame"`
}

// Relay carries envelopes to other nodes.
type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Run delivers envelopes from other nodes to handle until ctx is done.
	Run(ctx context.Context, handle func(Envelope))
	Close() error
}

// Noop is used on single-node deployments.
type Noop struct{}

func (Noop) Publish(context.Context, Envelope) error { return nil }

func (Noop) Run(ctx context.Context, _ func(Envelope)) { <-ctx.Done() }

func (Noop) Close() error { return nil }

// RedisRelay uses Redis pub/sub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	nodeID  string
}

var _ Relay = (*RedisRelay)(nil)

func NewRedisRelay(client *redis.Client, channel, nodeID string) *RedisRelay {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisRelay{client: client, channel: channel, nodeID: nodeID}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	env.Origin = r.nodeID
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, body).Err(); err != nil {
		return err
	}
	observability.IncFanoutRelay("out")
	return nil
}

func (r *RedisRelay) Run(ctx context.Context, handle func(Envelope)) {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	log.Printf("fanout subscribed channel=%s node=%s", r.channel, r.nodeID)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, deliver := r.decode(msg.Payload)
			if deliver {
				observability.IncFanoutRelay("in")
				handle(env)
			}
		}
	}
}

func (r *RedisRelay) decode(payload string) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		log.Printf("fanout: dropping malformed envelope: %v", err)
		return Envelope{}, false
	}
	if env.Origin == r.nodeID {
		return Envelope{}, false
	}
	if env.Scope != ScopeConversation && env.Scope != ScopeUser {
		log.Printf("fanout: dropping envelope with scope=%q", env.Scope)
		return Envelope{}, false
	}
	return env, true
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}
