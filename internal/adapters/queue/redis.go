package queue

import (
	"cellflow/internal/domain"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Messages live in a sorted set per queue, scored by priority. A dequeued
// message is marked in flight under a processing key until it is acked or
// nacked. The marker expires after inFlightTTL and is never replayed; lost
// deliveries are redelivered by the scheduler sweeping the workflow table.
const (
	queueKeyPrefix      = "queue:"
	processingKeyPrefix = "processing:"
)

type RedisQueueBroker struct {
	client      *redis.Client
	inFlightTTL time.Duration
}

type Options struct {
	Addr     string
	Password string
	DB       int
}

func NewRedisClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

func NewRedisQueueBroker(client *redis.Client, inFlightTTL time.Duration) domain.QueueBroker {
	return &RedisQueueBroker{client: client, inFlightTTL: inFlightTTL}
}

func queueKey(queue string) string {
	return queueKeyPrefix + queue
}

func processingKey(message *domain.QueueMessage) string {
	return processingKeyPrefix + message.Queue + ":" + message.ID
}

func (r *RedisQueueBroker) Enqueue(ctx context.Context, queue string, message *domain.QueueMessage) error {
	message.Queue = queue
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", message.ID, err)
	}
	return r.client.ZAdd(ctx, queueKey(queue), &redis.Z{
		Score:  float64(message.Priority),
		Member: body,
	}).Err()
}

func (r *RedisQueueBroker) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*domain.QueueMessage, error) {
	keys := make([]string, len(queues))
	for i, q := range queues {
		keys[i] = queueKey(q)
	}

	res, err := r.client.BZPopMax(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	body, ok := res.Member.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected member type %T in %s", res.Member, res.Key)
	}

	var message domain.QueueMessage
	if err := json.Unmarshal([]byte(body), &message); err != nil {
		return nil, fmt.Errorf("failed to decode message from %s: %w", res.Key, err)
	}

	if err := r.client.Set(ctx, processingKey(&message), body, r.inFlightTTL).Err(); err != nil {
		// The message is already off the queue; hand it back so the caller can nack it.
		return &message, fmt.Errorf("failed to mark message %s in flight: %w", message.ID, err)
	}
	return &message, nil
}

func (r *RedisQueueBroker) Ack(ctx context.Context, message *domain.QueueMessage) error {
	return r.client.Del(ctx, processingKey(message)).Err()
}

func (r *RedisQueueBroker) Nack(ctx context.Context, message *domain.QueueMessage) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode message %s: %w", message.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, processingKey(message))
		pipe.ZAdd(ctx, queueKey(message.Queue), &redis.Z{
			Score:  float64(message.Priority),
			Member: body,
		})
		return nil
	})
	return err
}

func (r *RedisQueueBroker) Close() error {
	return r.client.Close()
}
