package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	xerrors "Handshake-Escrow/internal/errors"
)

// Cooldowns stores faucet cooldowns in Redis. Each key owns two entries:
// "<prefix><key>:inflight" while a grant is pending and "<prefix><key>:last"
// holding the last confirmed grant in unix milliseconds.
type Cooldowns struct {
	client *goredis.Client
	prefix string
	lease  time.Duration
}

// Option customises Cooldowns.
type Option func(*Cooldowns)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *Cooldowns) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithLease bounds how long an in-flight marker survives a crashed grant.
func WithLease(d time.Duration) Option {
	return func(c *Cooldowns) {
		if d > 0 {
			c.lease = d
		}
	}
}

// NewCooldowns wraps client.
func NewCooldowns(client *goredis.Client, opts ...Option) *Cooldowns {
	c := &Cooldowns{client: client, prefix: "escrow:faucet:", lease: 2 * time.Minute}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cooldowns) inflightKey(key string) string { return c.prefix + key + ":inflight" }
func (c *Cooldowns) lastKey(key string) string     { return c.prefix + key + ":last" }

// Reserve claims the in-flight marker, then checks the last grant. The
// marker is dropped again when the cooldown is still running.
func (c *Cooldowns) Reserve(ctx context.Context, key string, now time.Time, cooldown time.Duration) (time.Duration, bool, error) {
	acquired, err := c.client.SetNX(ctx, c.inflightKey(key), now.UnixMilli(), c.lease).Result()
	if err != nil {
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis reserve")
	}
	if !acquired {
		return cooldown, false, nil
	}
	raw, err := c.client.Get(ctx, c.lastKey(key)).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		return 0, true, nil
	case err != nil:
		_ = c.client.Del(ctx, c.inflightKey(key)).Err()
		return 0, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis read last grant")
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, true, nil
	}
	if elapsed := now.Sub(time.UnixMilli(ms)); elapsed < cooldown {
		_ = c.client.Del(ctx, c.inflightKey(key)).Err()
		return cooldown - elapsed, false, nil
	}
	return 0, true, nil
}

// Commit records the grant time and clears the marker in one transaction.
func (c *Cooldowns) Commit(ctx context.Context, key string, at time.Time, cooldown time.Duration) error {
	_, err := c.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, c.lastKey(key), at.UnixMilli(), cooldown)
		pipe.Del(ctx, c.inflightKey(key))
		return nil
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis commit grant")
	}
	return nil
}

// Release clears the marker.
func (c *Cooldowns) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.inflightKey(key)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "redis release")
	}
	return nil
}
