package task

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/observability/alerting"
	"Handshake-Escrow/pkg/logger"
)

// Applier folds a confirmed transaction into the off-ledger mirror.
type Applier interface {
	ApplyOutcome(ctx context.Context, txHash common.Hash) error
}

// Processor consumes confirmed transaction hashes and hands them to the
// reconciliation layer.
type Processor struct {
	applier     Applier
	consumer    Consumer
	workerCount int
	maxRetries  int
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption customises a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger overrides the logger.
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount sets the number of consuming goroutines.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRetryPolicy bounds in-place retries of retryable failures.
func WithRetryPolicy(maxRetries int, base, max time.Duration) ProcessorOption {
	return func(p *Processor) {
		if maxRetries >= 0 {
			p.maxRetries = maxRetries
		}
		if base > 0 {
			p.baseDelay = base
		}
		if max > 0 {
			p.maxDelay = max
		}
	}
}

// WithAlertDispatcher sets the alert sink.
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor builds a Processor.
func NewProcessor(applier Applier, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		applier:     applier,
		consumer:    consumer,
		workerCount: 1,
		maxRetries:  3,
		baseDelay:   200 * time.Millisecond,
		maxDelay:    5 * time.Second,
		logger:      logger.Named("processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start consumes until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil || p.applier == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor has no consumer or applier")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

// handle returns an error only when ctx ended mid-flight, so the queue
// redelivers the hash. Every other failure is logged, alerted and dropped;
// the periodic sync repairs what a dropped hash left behind.
func (p *Processor) handle(ctx context.Context, raw string) error {
	if len(common.FromHex(raw)) != common.HashLength {
		p.logger.Warn("dropping malformed transaction hash", slog.String("tx", raw))
		return nil
	}
	txHash := common.HexToHash(raw)

	var err error
	for attempt := 0; ; attempt++ {
		err = p.applier.ApplyOutcome(ctx, txHash)
		if err == nil {
			p.logger.Debug("outcome applied", slog.String("tx", txHash.Hex()), slog.Int("attempts", attempt+1))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !xerrors.RetryableError(err) {
			p.logger.Warn("outcome not applied",
				slog.String("tx", txHash.Hex()),
				slog.String("error_code", string(xerrors.CodeOf(err))),
				slog.Any("error", err))
			if xerrors.ShouldAlert(err) {
				p.emitAlert(ctx, txHash, err, attempt+1, "non_retryable")
			}
			return nil
		}
		if attempt >= p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}

	exhausted := xerrors.Wrap(xerrors.CodeRetriesExhausted, err, "apply outcome",
		xerrors.WithMetadata("tx", txHash.Hex()),
		xerrors.WithMetadata("attempts", strconv.Itoa(p.maxRetries+1)))
	logger.Audit().Warn("outcome retries exhausted",
		slog.String("tx", txHash.Hex()),
		slog.String("error_code", string(xerrors.RootCode(err))),
		slog.String("error", err.Error()))
	p.emitAlert(ctx, txHash, exhausted, p.maxRetries+1, "terminal")
	return nil
}

func (p *Processor) backoff(attempt int) time.Duration {
	delay := p.baseDelay << attempt
	if delay <= 0 || delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}

func (p *Processor) emitAlert(ctx context.Context, txHash common.Hash, cause error, attempts int, stage string) {
	if p.alerter == nil {
		return
	}
	event := alerting.EventFromError(txHash.Hex(), cause)
	event.Attempts = attempts
	event.MaxRetries = p.maxRetries
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["stage"] = stage
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("alert delivery failed",
			slog.Any("error", err),
			slog.String("tx", txHash.Hex()),
			slog.String("stage", stage))
	}
}
