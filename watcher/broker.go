package watcher

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker pushes one serialized message onto a named queue.
type Broker interface {
	Enqueue(ctx context.Context, queue string, payload []byte) error
}

// RedisBroker enqueues onto a Redis list, the transport the downstream
// worker consumes from. Every call carries a deadline so a hung broker
// can never block the poll loop.
type RedisBroker struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisBroker(url string, timeout time.Duration) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &RedisBroker{client: redis.NewClient(opts), timeout: timeout}, nil
}

func (b *RedisBroker) Enqueue(ctx context.Context, queue string, payload []byte) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return b.client.LPush(ctx, queue, payload).Err()
}

// Ping verifies broker connectivity at startup.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	return b.client.Ping(ctx).Err()
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
