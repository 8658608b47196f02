package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisTransport carries the change feed over Redis pub/sub, one channel per
// conversation.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	closed atomic.Bool
}

func (s *redisSubscription) Close() error {
	s.closed.Store(true)
	return s.pubsub.Close()
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string, deliver func(payload []byte), lost func(err error)) (io.Closer, error) {
	pubsub := t.client.Subscribe(ctx, topic)

	// Force the SUBSCRIBE round trip so a dead broker fails here, not
	// silently in the pump goroutine.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	sub := &redisSubscription{pubsub: pubsub}

	go func() {
		for msg := range pubsub.Channel() {
			deliver([]byte(msg.Payload))
		}
		// The channel also closes on a deliberate Close; only a broker-side
		// drop counts as loss.
		if !sub.closed.Load() {
			lost(ErrSubscriptionLost)
		}
	}()

	return sub, nil
}

// RedisPublisher is the server-side counterpart: accepted sends and read
// receipts are published into the conversation's channel.
type RedisPublisher struct {
	client *redis.Client
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, conversationID uuid.UUID, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, Topic(conversationID), payload).Err()
}
