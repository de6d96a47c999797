package task

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/observability/alerting"
)

type fakeApplier struct {
	mu       sync.Mutex
	applied  map[common.Hash]int
	failures map[common.Hash][]error
	total    atomic.Int32
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{applied: map[common.Hash]int{}, failures: map[common.Hash][]error{}}
}

func (f *fakeApplier) ApplyOutcome(_ context.Context, txHash common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied[txHash]++
	if queued := f.failures[txHash]; len(queued) > 0 {
		f.failures[txHash] = queued[1:]
		return queued[0]
	}
	f.total.Add(1)
	return nil
}

func (f *fakeApplier) calls(txHash common.Hash) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applied[txHash]
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingDispatcher) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

func txHash(i int) common.Hash {
	return common.BigToHash(big.NewInt(int64(i + 1)))
}

func TestProcessorAppliesConcurrentOutcomes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	queue := NewMemoryQueue(1024)
	applier := newFakeApplier()
	processor := NewProcessor(applier, queue, WithWorkerCount(8))

	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	total := 200
	for i := 0; i < total; i++ {
		if err := queue.Publish(ctx, txHash(i).Hex()); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(applier.total.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("outcomes not applied in time, got %d", applier.total.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("processor exited: %v", err)
	}
}

func TestProcessorRetriesRetryableFailures(t *testing.T) {
	applier := newFakeApplier()
	hash := txHash(1)
	applier.failures[hash] = []error{
		xerrors.New(xerrors.CodeStorageFailure, "db down"),
		xerrors.New(xerrors.CodeStorageFailure, "db down"),
	}
	alerts := &recordingDispatcher{}
	p := NewProcessor(applier, NewMemoryQueue(1),
		WithRetryPolicy(3, time.Millisecond, 5*time.Millisecond),
		WithAlertDispatcher(alerts))

	if err := p.handle(context.Background(), hash.Hex()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := applier.calls(hash); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if len(alerts.snapshot()) != 0 {
		t.Fatalf("expected no alert after recovery")
	}
}

func TestProcessorAlertsWhenRetriesExhausted(t *testing.T) {
	applier := newFakeApplier()
	hash := txHash(2)
	for i := 0; i < 5; i++ {
		applier.failures[hash] = append(applier.failures[hash], xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("attempt %d", i)))
	}
	alerts := &recordingDispatcher{}
	p := NewProcessor(applier, NewMemoryQueue(1),
		WithRetryPolicy(2, time.Millisecond, 2*time.Millisecond),
		WithAlertDispatcher(alerts))

	if err := p.handle(context.Background(), hash.Hex()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := applier.calls(hash); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	events := alerts.snapshot()
	if len(events) != 1 {
		t.Fatalf("expected one alert, got %d", len(events))
	}
	if events[0].Code != xerrors.CodeRetriesExhausted || events[0].Subject != hash.Hex() {
		t.Fatalf("unexpected alert %+v", events[0])
	}
	if events[0].Metadata["stage"] != "terminal" {
		t.Fatalf("expected terminal stage, got %q", events[0].Metadata["stage"])
	}
}

func TestProcessorAlertsOnConflictWithoutRetry(t *testing.T) {
	applier := newFakeApplier()
	hash := txHash(3)
	applier.failures[hash] = []error{xerrors.New(xerrors.CodeReconciliationConflict, "pool slot regressed")}
	alerts := &recordingDispatcher{}
	p := NewProcessor(applier, NewMemoryQueue(1), WithAlertDispatcher(alerts))

	if err := p.handle(context.Background(), hash.Hex()); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := applier.calls(hash); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
	events := alerts.snapshot()
	if len(events) != 1 || events[0].Code != xerrors.CodeReconciliationConflict {
		t.Fatalf("expected conflict alert, got %+v", events)
	}
}

func TestProcessorDropsMalformedHash(t *testing.T) {
	applier := newFakeApplier()
	p := NewProcessor(applier, NewMemoryQueue(1))
	if err := p.handle(context.Background(), "not-a-hash"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if applier.total.Load() != 0 {
		t.Fatalf("malformed hash must not reach the applier")
	}
}

func TestProcessorRequeuesOnCancellation(t *testing.T) {
	applier := newFakeApplier()
	hash := txHash(4)
	applier.failures[hash] = []error{xerrors.New(xerrors.CodeStorageFailure, "db down")}
	p := NewProcessor(applier, NewMemoryQueue(1), WithRetryPolicy(3, time.Hour, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := p.handle(ctx, hash.Hex()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestStartRequiresConsumer(t *testing.T) {
	p := NewProcessor(newFakeApplier(), nil)
	if err := p.Start(context.Background()); !xerrors.IsCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
