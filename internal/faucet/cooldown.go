package faucet

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Cooldowns stores the last grant time per key and the in-flight marker
// that makes check-and-reserve atomic.
type Cooldowns interface {
	// Reserve marks key in flight when its cooldown has elapsed. When it
	// has not, ok is false and remaining is the time left.
	Reserve(ctx context.Context, key string, now time.Time, cooldown time.Duration) (remaining time.Duration, ok bool, err error)
	// Commit records a confirmed grant at the given time and clears the marker.
	Commit(ctx context.Context, key string, at time.Time, cooldown time.Duration) error
	// Release clears the marker without recording a grant.
	Release(ctx context.Context, key string) error
}

const shardCount = 32

type cooldownEntry struct {
	last     time.Time
	inFlight bool
}

type cooldownShard struct {
	mu      sync.Mutex
	entries map[string]*cooldownEntry
}

// MemoryCooldowns is a sharded in-process Cooldowns.
type MemoryCooldowns struct {
	shards [shardCount]cooldownShard
}

// NewMemoryCooldowns creates an empty store.
func NewMemoryCooldowns() *MemoryCooldowns {
	m := &MemoryCooldowns{}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*cooldownEntry)
	}
	return m
}

func (m *MemoryCooldowns) shard(key string) *cooldownShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &m.shards[h.Sum32()%shardCount]
}

// Reserve implements Cooldowns.
func (m *MemoryCooldowns) Reserve(_ context.Context, key string, now time.Time, cooldown time.Duration) (time.Duration, bool, error) {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		entry = &cooldownEntry{}
		s.entries[key] = entry
	}
	if entry.inFlight {
		return cooldown, false, nil
	}
	if !entry.last.IsZero() {
		if elapsed := now.Sub(entry.last); elapsed < cooldown {
			return cooldown - elapsed, false, nil
		}
	}
	entry.inFlight = true
	return 0, true, nil
}

// Commit implements Cooldowns.
func (m *MemoryCooldowns) Commit(_ context.Context, key string, at time.Time, _ time.Duration) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &cooldownEntry{last: at}
	return nil
}

// Release implements Cooldowns.
func (m *MemoryCooldowns) Release(_ context.Context, key string) error {
	s := m.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok {
		entry.inFlight = false
		if entry.last.IsZero() {
			delete(s.entries, key)
		}
	}
	return nil
}
