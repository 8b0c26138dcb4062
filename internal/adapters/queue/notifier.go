package queue

import (
	"cellflow/internal/domain"
	"context"
	"errors"

	"github.com/go-redis/redis/v8"
)

// ResultsChannel carries completion notifications for finished workflows.
const ResultsChannel = "workflow_results"

type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) domain.Notifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, payload []byte) error {
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Subscribe waits for the subscription to be confirmed so no publish after it
// returns is missed.
func (n *RedisNotifier) Subscribe(ctx context.Context) (domain.Subscription, error) {
	ps := n.client.Subscribe(ctx, n.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return &redisSubscription{ps: ps, messages: ps.Channel()}, nil
}

var errSubscriptionClosed = errors.New("subscription closed")

type redisSubscription struct {
	ps       *redis.PubSub
	messages <-chan *redis.Message
}

func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.messages:
		if !ok {
			return nil, errSubscriptionClosed
		}
		return []byte(msg.Payload), nil
	}
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
