// Package channel provides the message-channel collaborator: per-document
// publish/subscribe used by the sync hub to reach subscribers on every hub
// instance sharing the same Redis.
package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler receives each raw payload published to a subscribed document.
type Handler func(payload []byte)

// Subscription is the handle returned by Subscribe; pass it to Unsubscribe
// to stop delivery and release the underlying connection.
type Subscription struct {
	documentID string
	pubsub     *redis.PubSub
	done       chan struct{}
}

func (s *Subscription) DocumentID() string { return s.documentID }

type RedisChannel struct {
	client *redis.Client
	prefix string
}

func New(redisURL string) (*RedisChannel, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisChannel{client: client, prefix: "auditsync:doc:"}, nil
}

// NewWithClient builds a channel from an existing Redis client.
func NewWithClient(client *redis.Client) *RedisChannel {
	return &RedisChannel{client: client, prefix: "auditsync:doc:"}
}

func (c *RedisChannel) key(documentID string) string {
	return c.prefix + documentID
}

// Publish sends the payload to every subscriber of the document's channel,
// including the publisher's own subscriptions.
func (c *RedisChannel) Publish(ctx context.Context, documentID string, payload []byte) error {
	if err := c.client.Publish(ctx, c.key(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", documentID, err)
	}
	return nil
}

// Subscribe starts delivery of the document's messages to onMessage on a
// dedicated goroutine. Delivery stops when the subscription is closed or
// the connection drops.
func (c *RedisChannel) Subscribe(ctx context.Context, documentID string, onMessage Handler) (*Subscription, error) {
	pubsub := c.client.Subscribe(ctx, c.key(documentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", documentID, err)
	}

	sub := &Subscription{documentID: documentID, pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			onMessage([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

// Unsubscribe stops the subscription and waits for its delivery goroutine
// to drain.
func (c *RedisChannel) Unsubscribe(sub *Subscription) error {
	if err := sub.pubsub.Close(); err != nil {
		return fmt.Errorf("unsubscribe from %s: %w", sub.documentID, err)
	}
	<-sub.done
	return nil
}

func (c *RedisChannel) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisChannel) Close() error {
	return c.client.Close()
}
