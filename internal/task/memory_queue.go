package task

import (
	"context"
	"sync"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/observability/metrics"
)

// MemoryQueue is a buffered channel queue for single-process deployments
// and tests. Messages live only as long as the process.
type MemoryQueue struct {
	ch     chan string
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a queue holding up to size messages.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

// Publish enqueues txHash, blocking while the buffer is full.
func (q *MemoryQueue) Publish(ctx context.Context, txHash string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return xerrors.New(xerrors.CodeQueueFailure, "queue is closed")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- txHash:
		return nil
	}
}

// Consume runs workerCount workers until ctx is cancelled or the queue is
// closed. A failed message is re-enqueued unless the queue is shutting down.
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case txHash, ok := <-q.ch:
					if !ok {
						return
					}
					done := metrics.TrackInFlight("memory")
					err := handler(ctx, txHash)
					done()
					if err != nil && ctx.Err() == nil {
						go func(txHash string) { _ = q.Publish(ctx, txHash) }(txHash)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Close stops accepting messages and ends Consume once drained.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	q.mu.Unlock()
	return nil
}
