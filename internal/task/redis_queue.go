package task

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/observability/metrics"
)

// RedisQueueConfig describes the Redis list backing the queue.
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue is a list-based queue: LPUSH to publish, BRPOP to consume.
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
	owned  bool
}

// NewRedisQueue dials Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "connect redis")
	}
	q := NewRedisQueueWithClient(client, cfg)
	q.owned = true
	return q, nil
}

// NewRedisQueueWithClient shares an existing client, for example with the
// faucet cooldown store. Close leaves a shared client open.
func NewRedisQueueWithClient(client *redis.Client, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "escrow:confirmed"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}
}

// Publish pushes txHash onto the list.
func (q *RedisQueue) Publish(ctx context.Context, txHash string) error {
	if err := q.client.LPush(ctx, q.queue, txHash).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis publish", xerrors.WithMetadata("tx", txHash))
	}
	return nil
}

// Consume pops hashes with BRPOP. A failed message goes back to the tail
// so it is retried after the messages already waiting.
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if err := ctx.Err(); err != nil {
					errCh <- err
					return
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "redis consume")
					return
				}
				if len(values) != 2 {
					continue
				}
				txHash := values[1]
				done := metrics.TrackInFlight("redis")
				handlerErr := handler(ctx, txHash)
				done()
				if handlerErr != nil {
					_ = q.client.LPush(context.WithoutCancel(ctx), q.queue, txHash).Err()
				}
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close releases the client when the queue created it.
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil || !q.owned {
		return nil
	}
	return q.client.Close()
}
