// Package reconcile keeps the mirror eventually consistent with the ledger.
// The ledger is always authoritative; the mirror is repaired, never the
// other way round.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/ledger"
	"Handshake-Escrow/internal/mirror"
	"Handshake-Escrow/internal/observability/alerting"
	"Handshake-Escrow/internal/observability/metrics"
	"Handshake-Escrow/internal/orchestrator"
	"Handshake-Escrow/internal/registry"
	"Handshake-Escrow/pkg/logger"
)

// Conflict describes a mirrored pool that disagreed with the ledger.
type Conflict struct {
	Pool   common.Address `json:"pool"`
	Fields []string       `json:"fields"`
}

// Report summarises a sync run.
type Report struct {
	Assets    int              `json:"assets"`
	Pools     int              `json:"pools"`
	Skipped   []common.Address `json:"skipped,omitempty"`
	Conflicts []Conflict       `json:"conflicts,omitempty"`
}

// Reconciler applies ledger state to the mirror.
type Reconciler struct {
	ledger   ledger.Reader
	receipts receiptReader
	store    mirror.Store
	catalog  *registry.Catalog
	alerter  alerting.Dispatcher
	logger   *slog.Logger
}

type receiptReader interface {
	GetReceipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error)
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithAlertDispatcher sets the alert sink for conflicts.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(r *Reconciler) {
		r.alerter = d
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// New builds a Reconciler.
func New(client ledger.Client, store mirror.Store, catalog *registry.Catalog, opts ...Option) *Reconciler {
	r := &Reconciler{
		ledger:   client,
		receipts: client,
		store:    store,
		catalog:  catalog,
		logger:   logger.Named("reconcile"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SyncRegistryAndPools mirrors every catalog asset and every catalog pool
// the ledger knows. Pools missing on the ledger are skipped with a warning.
// A mirrored pool whose operator, fee rate or pause flag disagrees with the
// ledger raises a conflict alert and is overwritten.
func (r *Reconciler) SyncRegistryAndPools(ctx context.Context) (Report, error) {
	var report Report

	assets := r.catalog.Assets()
	records := make([]mirror.AssetRecord, 0, len(assets))
	for _, a := range assets {
		records = append(records, mirror.AssetRecord{
			Address:      a.Address,
			Symbol:       a.Symbol,
			Decimals:     a.Decimals,
			FaucetAmount: a.FaucetAmount,
			Native:       a.Native,
		})
	}
	if err := r.upsertAssets(ctx, records); err != nil {
		metrics.ObserveReconcile("sync", "error")
		return report, err
	}
	report.Assets = len(records)

	for _, ref := range r.catalog.Pools() {
		pool, err := r.ledger.GetPool(ctx, ref.Address)
		if err != nil {
			if xerrors.IsCode(err, xerrors.CodeNotFound) {
				r.logger.Warn("catalog pool missing on ledger, skipped",
					slog.String("pool", ref.Address.Hex()),
					slog.String("id", ref.ID))
				report.Skipped = append(report.Skipped, ref.Address)
				continue
			}
			metrics.ObserveReconcile("sync", "error")
			return report, err
		}
		conflict, err := r.syncPool(ctx, pool)
		if err != nil {
			metrics.ObserveReconcile("sync", "error")
			return report, err
		}
		if conflict != nil {
			report.Conflicts = append(report.Conflicts, *conflict)
		}
		report.Pools++
	}

	metrics.ObserveReconcile("sync", "ok")
	r.logger.Info("registry and pools synced",
		slog.Int("assets", report.Assets),
		slog.Int("pools", report.Pools),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("conflicts", len(report.Conflicts)))
	return report, nil
}

func (r *Reconciler) upsertAssets(ctx context.Context, records []mirror.AssetRecord) error {
	if batcher, ok := r.store.(mirror.AssetBatcher); ok {
		return batcher.UpsertAssets(ctx, records)
	}
	for _, rec := range records {
		if err := r.store.UpsertAsset(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) syncPool(ctx context.Context, pool *escrow.Pool) (*Conflict, error) {
	current, err := r.store.GetPool(ctx, pool.Address)
	if err != nil && !xerrors.IsCode(err, xerrors.CodeNotFound) {
		return nil, err
	}
	if current == nil {
		_, err := r.store.UpsertPool(ctx, *pool)
		return nil, err
	}

	fields := poolDiff(current, pool)
	if len(fields) == 0 {
		_, err := r.store.UpsertPool(ctx, *pool)
		return nil, err
	}

	conflict := &Conflict{Pool: pool.Address, Fields: fields}
	metrics.ObserveConflict("pool")
	cause := xerrors.New(xerrors.CodeReconciliationConflict, "mirrored pool disagrees with ledger",
		xerrors.WithMetadata("pool", pool.Address.Hex()),
		xerrors.WithMetadata("fields", strings.Join(fields, ",")))
	logger.Audit().Warn("pool conflict overwritten with ledger values",
		slog.String("pool", pool.Address.Hex()),
		slog.String("fields", strings.Join(fields, ",")))
	r.alert(ctx, pool.Address.Hex(), cause)
	return conflict, r.store.ReplacePool(ctx, *pool)
}

func poolDiff(mirrored, onLedger *escrow.Pool) []string {
	var fields []string
	if mirrored.Operator != onLedger.Operator {
		fields = append(fields, "operator")
	}
	if mirrored.FeeBps != onLedger.FeeBps {
		fields = append(fields, "fee_bps")
	}
	if mirrored.Paused != onLedger.Paused {
		fields = append(fields, "paused")
	}
	return fields
}

// ApplyOutcome folds the ledger effects of txHash into the mirror. A
// pending transaction yields a retryable error. Applying the same outcome
// twice leaves the mirror unchanged.
func (r *Reconciler) ApplyOutcome(ctx context.Context, txHash common.Hash) error {
	receipt, err := r.receipts.GetReceipt(ctx, txHash)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeNotFound) {
			metrics.ObserveReconcile("apply", "pending")
			return xerrors.Wrap(xerrors.CodeConfirmationTimeout, err, "transaction not yet visible",
				xerrors.WithMetadata("tx", txHash.Hex()))
		}
		metrics.ObserveReconcile("apply", "error")
		return err
	}

	record := mirror.OutcomeRecord{
		TxHash:    txHash,
		Op:        opOf(receipt.Events),
		Status:    string(receipt.Status),
		Slot:      receipt.Slot,
		ErrorCode: receipt.ErrorCode,
		Error:     receipt.Error,
	}
	switch receipt.Status {
	case ledger.ReceiptPending:
		metrics.ObserveReconcile("apply", "pending")
		return xerrors.New(xerrors.CodeConfirmationTimeout, "transaction still pending",
			xerrors.WithMetadata("tx", txHash.Hex()))
	case ledger.ReceiptFailed:
		if _, err := r.store.RecordOutcome(ctx, record); err != nil {
			metrics.ObserveReconcile("apply", "error")
			return err
		}
		metrics.ObserveReconcile("apply", "failed")
		return nil
	}

	transfers, pools := touched(receipt.Events)
	for _, address := range transfers {
		if _, err := r.RefreshTransfer(ctx, address); err != nil {
			metrics.ObserveReconcile("apply", "error")
			return err
		}
	}
	for _, address := range pools {
		if _, err := r.RefreshPool(ctx, address); err != nil {
			metrics.ObserveReconcile("apply", "error")
			return err
		}
	}
	inserted, err := r.store.RecordOutcome(ctx, record)
	if err != nil {
		metrics.ObserveReconcile("apply", "error")
		return err
	}
	result := "applied"
	if !inserted {
		result = "duplicate"
	}
	metrics.ObserveReconcile("apply", result)
	r.logger.Debug("outcome applied",
		slog.String("tx", txHash.Hex()),
		slog.Uint64("slot", receipt.Slot),
		slog.Int("transfers", len(transfers)),
		slog.Int("pools", len(pools)),
		slog.Bool("duplicate", !inserted))
	return nil
}

// RefreshTransfer re-reads a transfer from the ledger and mirrors it.
func (r *Reconciler) RefreshTransfer(ctx context.Context, address common.Address) (*escrow.Transfer, error) {
	transfer, err := r.ledger.GetTransfer(ctx, address)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.UpsertTransfer(ctx, *transfer); err != nil {
		return nil, err
	}
	return transfer, nil
}

// RefreshPool re-reads a pool from the ledger and mirrors it.
func (r *Reconciler) RefreshPool(ctx context.Context, address common.Address) (*escrow.Pool, error) {
	pool, err := r.ledger.GetPool(ctx, address)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.UpsertPool(ctx, *pool); err != nil {
		return nil, err
	}
	return pool, nil
}

func (r *Reconciler) alert(ctx context.Context, subject string, cause error) {
	if r.alerter == nil {
		return
	}
	if err := r.alerter.Notify(ctx, alerting.EventFromError(subject, cause)); err != nil {
		r.logger.Error("alert delivery failed", slog.String("subject", subject), slog.Any("error", err))
	}
}

func touched(events []ledger.Event) (transfers, pools []common.Address) {
	seenT := map[common.Address]struct{}{}
	seenP := map[common.Address]struct{}{}
	for _, ev := range events {
		if ev.Transfer != (common.Address{}) {
			if _, ok := seenT[ev.Transfer]; !ok {
				seenT[ev.Transfer] = struct{}{}
				transfers = append(transfers, ev.Transfer)
			}
		}
		if ev.Pool != (common.Address{}) {
			if _, ok := seenP[ev.Pool]; !ok {
				seenP[ev.Pool] = struct{}{}
				pools = append(pools, ev.Pool)
			}
		}
	}
	sort.Slice(transfers, func(i, j int) bool { return transfers[i].Cmp(transfers[j]) < 0 })
	sort.Slice(pools, func(i, j int) bool { return pools[i].Cmp(pools[j]) < 0 })
	return transfers, pools
}

var opByEvent = map[string]string{
	ledger.EventTransferCreated:   orchestrator.OpCreateTransfer,
	ledger.EventTransferClaimed:   orchestrator.OpClaim,
	ledger.EventTransferCancelled: orchestrator.OpCancel,
	ledger.EventTransferRejected:  orchestrator.OpReject,
	ledger.EventTransferDeclined:  orchestrator.OpDecline,
	ledger.EventTransferExpired:   orchestrator.OpExpire,
	ledger.EventPoolDeposit:       orchestrator.OpDeposit,
	ledger.EventPoolWithdrawal:    orchestrator.OpWithdraw,
	ledger.EventAssetMinted:       orchestrator.OpFaucetGrant,
	ledger.EventPoolPauseToggled:  orchestrator.OpTogglePause,
}

func opOf(events []ledger.Event) string {
	for i := len(events) - 1; i >= 0; i-- {
		if op, ok := opByEvent[events[i].Kind]; ok {
			return op
		}
	}
	return "unknown"
}
