package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"Handshake-Escrow/internal/faucet"
)

var _ faucet.Cooldowns = (*Cooldowns)(nil)

func newTestCooldowns(t *testing.T) *Cooldowns {
	t.Helper()
	addr := os.Getenv("ESCROW_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ESCROW_TEST_REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return NewCooldowns(client, WithPrefix("escrow:test:"+t.Name()+":"))
}

func TestCooldownsReserveCommitRelease(t *testing.T) {
	store := newTestCooldowns(t)
	ctx := context.Background()
	now := time.Now()
	t.Cleanup(func() { _ = store.Release(ctx, "k") })

	if _, ok, err := store.Reserve(ctx, "k", now, time.Minute); err != nil || !ok {
		t.Fatalf("first reservation: %v %v", ok, err)
	}
	remaining, ok, err := store.Reserve(ctx, "k", now, time.Minute)
	if err != nil || ok || remaining != time.Minute {
		t.Fatalf("expected in-flight denial, got %v %v %v", remaining, ok, err)
	}
	if err := store.Commit(ctx, "k", now, time.Minute); err != nil {
		t.Fatalf("commit: %v", err)
	}
	remaining, ok, err = store.Reserve(ctx, "k", now.Add(20*time.Second), time.Minute)
	if err != nil || ok || remaining != 40*time.Second {
		t.Fatalf("expected 40s remaining, got %v %v %v", remaining, ok, err)
	}
	if _, ok, err := store.Reserve(ctx, "k", now.Add(61*time.Second), time.Minute); err != nil || !ok {
		t.Fatalf("reservation after cooldown: %v %v", ok, err)
	}
	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
}
