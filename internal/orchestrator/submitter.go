package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/ledger"
	"Handshake-Escrow/internal/observability/metrics"
	"Handshake-Escrow/pkg/logger"
)

// Status is the outcome class of a submission.
type Status string

const (
	// StatusConfirmed means the ledger applied the transaction.
	StatusConfirmed Status = "confirmed"
	// StatusTimedOut means no terminal receipt was observed in time. The
	// transaction may still land; it is never a definite failure.
	StatusTimedOut Status = "timed_out_unconfirmed"
	// StatusRejected means the ledger refused or failed the transaction.
	StatusRejected Status = "rejected"
	// StatusPending is only reported by Status queries.
	StatusPending Status = "pending"
	// StatusNotSubmitted is reported by the pipeline when signing failed.
	StatusNotSubmitted Status = "not_submitted"
)

// Outcome is the result of submitting one transaction.
type Outcome struct {
	Op      string          `json:"op"`
	Status  Status          `json:"status"`
	TxHash  common.Hash     `json:"tx_hash"`
	Slot    uint64          `json:"slot,omitempty"`
	Receipt *ledger.Receipt `json:"receipt,omitempty"`
	Err     error           `json:"-"`
}

// Submitter sends signed transactions and waits for their receipts.
type Submitter struct {
	client  ledger.Client
	timeout time.Duration
	poll    time.Duration
	logger  *slog.Logger
}

// SubmitterOption customises a Submitter.
type SubmitterOption func(*Submitter)

// WithConfirmationTimeout bounds how long Submit waits for a receipt.
func WithConfirmationTimeout(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithPollInterval sets the receipt polling interval.
func WithPollInterval(d time.Duration) SubmitterOption {
	return func(s *Submitter) {
		if d > 0 {
			s.poll = d
		}
	}
}

// WithSubmitterLogger overrides the logger.
func WithSubmitterLogger(l *slog.Logger) SubmitterOption {
	return func(s *Submitter) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSubmitter creates a Submitter with a 30s timeout and 500ms polling.
func NewSubmitter(client ledger.Client, opts ...SubmitterOption) *Submitter {
	s := &Submitter{
		client:  client,
		timeout: 30 * time.Second,
		poll:    500 * time.Millisecond,
		logger:  logger.Named("submitter"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit sends stx and waits for a terminal receipt.
func (s *Submitter) Submit(ctx context.Context, stx *SignedTx) Outcome {
	start := time.Now()
	outcome := s.submit(ctx, stx)
	outcome.Op = stx.Op
	metrics.ObserveSubmission(stx.Op, string(outcome.Status), time.Since(start))

	attrs := []any{
		slog.String("op", stx.Op),
		slog.String("tx", outcome.TxHash.Hex()),
		slog.String("status", string(outcome.Status)),
	}
	if outcome.Err != nil {
		attrs = append(attrs,
			slog.String("error_code", string(xerrors.RootCode(outcome.Err))),
			slog.String("error", outcome.Err.Error()))
	}
	logger.Audit().Info("transaction submitted", attrs...)
	return outcome
}

func (s *Submitter) submit(ctx context.Context, stx *SignedTx) Outcome {
	hash, err := s.client.SendTransaction(ctx, stx.Raw)
	if hash == (common.Hash{}) {
		hash = stx.Hash
	}
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeLedgerRejected) {
			return Outcome{Status: StatusRejected, TxHash: hash, Err: err}
		}
		return Outcome{
			Status: StatusTimedOut,
			TxHash: hash,
			Err:    xerrors.Wrap(xerrors.CodeConfirmationTimeout, err, "submission not acknowledged", xerrors.WithMetadata("tx", hash.Hex())),
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		receipt, err := s.client.GetReceipt(waitCtx, hash)
		switch {
		case err == nil && receipt.Status != ledger.ReceiptPending:
			return outcomeFromReceipt(receipt)
		case err != nil && !xerrors.IsCode(err, xerrors.CodeNotFound):
			s.logger.Warn("receipt query failed", slog.String("tx", hash.Hex()), slog.Any("error", err))
		}
		select {
		case <-waitCtx.Done():
			return Outcome{
				Status: StatusTimedOut,
				TxHash: hash,
				Err: xerrors.New(xerrors.CodeConfirmationTimeout, "",
					xerrors.WithMetadata("tx", hash.Hex()),
					xerrors.WithMetadata("timeout", s.timeout.String())),
			}
		case <-ticker.C:
		}
	}
}

// Status reports the current outcome of hash without resubmitting.
func (s *Submitter) Status(ctx context.Context, hash common.Hash) (Outcome, error) {
	receipt, err := s.client.GetReceipt(ctx, hash)
	if err != nil {
		return Outcome{}, err
	}
	if receipt.Status == ledger.ReceiptPending {
		return Outcome{Status: StatusPending, TxHash: hash, Receipt: receipt}, nil
	}
	return outcomeFromReceipt(receipt), nil
}

func outcomeFromReceipt(receipt *ledger.Receipt) Outcome {
	if receipt.Status == ledger.ReceiptConfirmed {
		return Outcome{Status: StatusConfirmed, TxHash: receipt.TxHash, Slot: receipt.Slot, Receipt: receipt}
	}
	cause := xerrors.New(xerrors.Code(receipt.ErrorCode), receipt.Error)
	return Outcome{
		Status:  StatusRejected,
		TxHash:  receipt.TxHash,
		Slot:    receipt.Slot,
		Receipt: receipt,
		Err:     xerrors.Wrap(xerrors.CodeLedgerRejected, cause, "", xerrors.WithMetadata("tx", receipt.TxHash.Hex())),
	}
}
