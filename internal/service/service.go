package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/faucet"
	"Handshake-Escrow/internal/ledger"
	"Handshake-Escrow/internal/mirror"
	"Handshake-Escrow/internal/orchestrator"
	"Handshake-Escrow/internal/reconcile"
	"Handshake-Escrow/internal/registry"
	"Handshake-Escrow/internal/task"
	"Handshake-Escrow/pkg/logger"
)

// Dependencies are the collaborators of a Service. Producer may be nil, in
// which case confirmed outcomes are applied to the mirror inline.
type Dependencies struct {
	Ledger     ledger.Client
	Catalog    *registry.Catalog
	Store      mirror.Store
	Builder    *orchestrator.Builder
	Submitter  *orchestrator.Submitter
	Faucet     *faucet.Faucet
	Reconciler *reconcile.Reconciler
	Producer   task.Producer
	// System signs the transactions the service originates itself.
	System orchestrator.Signer
}

// Service implements the escrow operations.
type Service struct {
	deps       Dependencies
	pipeline   *orchestrator.Pipeline
	sweepBatch int
	logger     *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSweepBatch bounds how many transfers one sweep expires.
func WithSweepBatch(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.sweepBatch = n
		}
	}
}

// New validates deps and builds a Service.
func New(deps Dependencies, opts ...Option) (*Service, error) {
	switch {
	case deps.Ledger == nil, deps.Catalog == nil, deps.Store == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "service requires ledger, catalog and mirror")
	case deps.Builder == nil, deps.Submitter == nil, deps.Reconciler == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "service requires builder, submitter and reconciler")
	}
	s := &Service{
		deps:       deps,
		sweepBatch: 100,
		logger:     logger.Named("service"),
	}
	if deps.System != nil {
		s.pipeline = orchestrator.NewPipeline(deps.System, deps.Submitter)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateTransferRequest asks for a new escrow transfer. Asset is a symbol or
// an asset address; Pool optionally pins the pool. Amount is a decimal string
// in whole asset units.
type CreateTransferRequest struct {
	Sender         common.Address `json:"sender"`
	Recipient      common.Address `json:"recipient"`
	Asset          string         `json:"asset"`
	Pool           string         `json:"pool,omitempty"`
	Amount         string         `json:"amount"`
	Memo           string         `json:"memo,omitempty"`
	ClaimableAfter int64          `json:"claimable_after,omitempty"`
	ClaimableUntil int64          `json:"claimable_until,omitempty"`
}

// ResolveRequest asks for a resolution of an existing transfer.
type ResolveRequest struct {
	Transfer   common.Address `json:"transfer"`
	Signer     common.Address `json:"signer"`
	ReasonCode uint8          `json:"reason_code,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// PoolFundsRequest moves funds into or out of a pool reserve. Destination is
// only used by withdrawals and defaults to the signer.
type PoolFundsRequest struct {
	Pool        common.Address `json:"pool"`
	Signer      common.Address `json:"signer"`
	Destination common.Address `json:"destination,omitempty"`
	Amount      string         `json:"amount"`
}

// CreateTransfer builds the unsigned create transaction for the sender.
func (s *Service) CreateTransfer(ctx context.Context, req CreateTransferRequest) (*orchestrator.UnsignedTx, error) {
	asset, err := s.deps.Catalog.Lookup(req.Asset)
	if err != nil {
		return nil, err
	}
	amount, err := registry.ParseAmount(req.Amount, asset.Decimals)
	if err != nil {
		return nil, err
	}
	var pool *escrow.Pool
	switch ref := strings.TrimSpace(req.Pool); {
	case ref == "":
		pool, err = s.ResolvePool(ctx, asset.Symbol)
	case common.IsHexAddress(ref):
		pool, err = s.pool(ctx, common.HexToAddress(ref))
	default:
		err = xerrors.New(xerrors.CodeInvalidArgument, "pool must be an address", xerrors.WithMetadata("pool", ref))
	}
	if err != nil {
		return nil, err
	}
	if pool.Asset != asset.Address {
		return nil, xerrors.New(xerrors.CodeAssetNotFound, "pool holds a different asset",
			xerrors.WithMetadata("pool", pool.Address.Hex()),
			xerrors.WithMetadata("asset", asset.Symbol))
	}
	return s.deps.Builder.BuildCreateTransfer(ctx, orchestrator.CreateIntent{
		Sender:         req.Sender,
		Recipient:      req.Recipient,
		Asset:          asset.Address,
		Pool:           pool.Address,
		Amount:         amount,
		Memo:           req.Memo,
		ClaimableAfter: req.ClaimableAfter,
		ClaimableUntil: req.ClaimableUntil,
	})
}

// ClaimTransfer builds the recipient's claim.
func (s *Service) ClaimTransfer(ctx context.Context, req ResolveRequest) (*orchestrator.UnsignedTx, error) {
	return s.deps.Builder.BuildClaim(ctx, resolveIntent(req))
}

// CancelTransfer builds the sender's cancellation.
func (s *Service) CancelTransfer(ctx context.Context, req ResolveRequest) (*orchestrator.UnsignedTx, error) {
	return s.deps.Builder.BuildCancel(ctx, resolveIntent(req))
}

// RejectTransfer builds the pool operator's rejection.
func (s *Service) RejectTransfer(ctx context.Context, req ResolveRequest) (*orchestrator.UnsignedTx, error) {
	return s.deps.Builder.BuildReject(ctx, resolveIntent(req))
}

// DeclineTransfer builds the recipient's decline.
func (s *Service) DeclineTransfer(ctx context.Context, req ResolveRequest) (*orchestrator.UnsignedTx, error) {
	return s.deps.Builder.BuildDecline(ctx, resolveIntent(req))
}

func resolveIntent(req ResolveRequest) orchestrator.ResolveIntent {
	return orchestrator.ResolveIntent{
		Transfer:   req.Transfer,
		Signer:     req.Signer,
		ReasonCode: req.ReasonCode,
		Reason:     req.Reason,
	}
}

// ExpireTransfer expires a transfer whose claim window has closed, signing
// with the system key.
func (s *Service) ExpireTransfer(ctx context.Context, transfer common.Address) (orchestrator.Outcome, error) {
	if s.pipeline == nil {
		return orchestrator.Outcome{}, xerrors.New(xerrors.CodeInitializationFailure, "system signer is not configured")
	}
	utx, err := s.deps.Builder.BuildExpire(ctx, orchestrator.ResolveIntent{
		Transfer: transfer,
		Signer:   s.deps.System.Address(),
	})
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	outcome := s.pipeline.Execute(ctx, utx)
	s.afterOutcome(ctx, outcome)
	return outcome, nil
}

// DepositToPool builds a custodial deposit into the pool reserve.
func (s *Service) DepositToPool(ctx context.Context, req PoolFundsRequest) (*orchestrator.UnsignedTx, error) {
	amount, err := s.poolAmount(ctx, req.Pool, req.Amount)
	if err != nil {
		return nil, err
	}
	return s.deps.Builder.BuildDeposit(ctx, req.Pool, req.Signer, amount)
}

// WithdrawFromPool builds the operator's withdrawal from the pool reserve.
func (s *Service) WithdrawFromPool(ctx context.Context, req PoolFundsRequest) (*orchestrator.UnsignedTx, error) {
	amount, err := s.poolAmount(ctx, req.Pool, req.Amount)
	if err != nil {
		return nil, err
	}
	destination := req.Destination
	if destination == (common.Address{}) {
		destination = req.Signer
	}
	return s.deps.Builder.BuildWithdraw(ctx, req.Pool, req.Signer, destination, amount)
}

// TogglePause builds the operator's pause toggle.
func (s *Service) TogglePause(ctx context.Context, pool, operator common.Address) (*orchestrator.UnsignedTx, error) {
	return s.deps.Builder.BuildTogglePause(ctx, pool, operator)
}

func (s *Service) poolAmount(ctx context.Context, address common.Address, raw string) (uint64, error) {
	pool, err := s.pool(ctx, address)
	if err != nil {
		return 0, err
	}
	asset, ok := s.deps.Catalog.ByAddress(pool.Asset)
	if !ok {
		return 0, xerrors.New(xerrors.CodeAssetNotFound, "", xerrors.WithMetadata("asset", pool.Asset.Hex()))
	}
	return registry.ParseAmount(raw, asset.Decimals)
}

// RequestFaucetGrant mints the catalog faucet amount of asset to wallet.
func (s *Service) RequestFaucetGrant(ctx context.Context, asset string, wallet common.Address) (faucet.Grant, error) {
	if s.deps.Faucet == nil {
		return faucet.Grant{}, xerrors.New(xerrors.CodeInitializationFailure, "faucet is not configured")
	}
	grant, err := s.deps.Faucet.Grant(ctx, asset, wallet)
	if err == nil {
		s.afterOutcome(ctx, grant.Outcome)
	}
	return grant, err
}

// ResolvePool picks a pool by pool address, asset address or asset symbol.
// An empty reference selects the first unpaused pool.
func (s *Service) ResolvePool(ctx context.Context, ref string) (*escrow.Pool, error) {
	views, err := s.poolViews(ctx)
	if err != nil {
		return nil, err
	}
	view, err := s.deps.Catalog.ResolvePool(ref, views)
	if err != nil {
		return nil, err
	}
	return s.pool(ctx, view.Address)
}

func (s *Service) poolViews(ctx context.Context) ([]registry.PoolView, error) {
	pools, err := s.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 {
		if pools, err = s.deps.Ledger.ListPools(ctx); err != nil {
			return nil, err
		}
	}
	views := make([]registry.PoolView, 0, len(pools))
	for _, p := range pools {
		views = append(views, registry.PoolView{Address: p.Address, Asset: p.Asset, Paused: p.Paused})
	}
	return views, nil
}

func (s *Service) pool(ctx context.Context, address common.Address) (*escrow.Pool, error) {
	pool, err := s.deps.Store.GetPool(ctx, address)
	if xerrors.IsCode(err, xerrors.CodeNotFound) {
		return s.deps.Reconciler.RefreshPool(ctx, address)
	}
	return pool, err
}

// ListPools returns the mirrored pools.
func (s *Service) ListPools(ctx context.Context) ([]escrow.Pool, error) {
	return s.deps.Store.ListPools(ctx)
}

// GetTransfer returns the mirrored transfer, refreshing it from the ledger on
// a mirror miss.
func (s *Service) GetTransfer(ctx context.Context, address common.Address) (*escrow.Transfer, error) {
	transfer, err := s.deps.Store.GetTransfer(ctx, address)
	if xerrors.IsCode(err, xerrors.CodeNotFound) {
		return s.deps.Reconciler.RefreshTransfer(ctx, address)
	}
	return transfer, err
}

// ListTransfers returns mirrored transfers matching filter, newest first.
func (s *Service) ListTransfers(ctx context.Context, filter mirror.TransferFilter) ([]escrow.Transfer, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.deps.Store.ListTransfers(ctx, filter)
}

// SyncRegistryAndPools runs the startup reconciliation on demand.
func (s *Service) SyncRegistryAndPools(ctx context.Context) (reconcile.Report, error) {
	return s.deps.Reconciler.SyncRegistryAndPools(ctx)
}

// Submit sends a client-signed transaction and waits for its outcome. A
// timed out submission is not a failure; its status can be queried later.
func (s *Service) Submit(ctx context.Context, raw []byte) (orchestrator.Outcome, error) {
	stx, err := orchestrator.DecodeSignedTx(raw)
	if err != nil {
		return orchestrator.Outcome{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed signed transaction")
	}
	outcome := s.deps.Submitter.Submit(ctx, stx)
	s.afterOutcome(ctx, outcome)
	return outcome, nil
}

// TransactionStatus reports the current outcome of txHash. A confirmation
// observed here is published again so late confirmations reach the mirror.
func (s *Service) TransactionStatus(ctx context.Context, txHash common.Hash) (orchestrator.Outcome, error) {
	outcome, err := s.deps.Submitter.Status(ctx, txHash)
	if err != nil {
		return outcome, err
	}
	s.afterOutcome(ctx, outcome)
	return outcome, nil
}

// afterOutcome forwards a confirmed transaction to reconciliation. Failures
// are logged; the sweeper and status queries republish later.
func (s *Service) afterOutcome(ctx context.Context, outcome orchestrator.Outcome) {
	if outcome.Status != orchestrator.StatusConfirmed {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if s.deps.Producer != nil {
		err := s.deps.Producer.Publish(ctx, outcome.TxHash.Hex())
		if err == nil {
			return
		}
		s.logger.Warn("outcome publish failed, applying inline",
			slog.String("tx", outcome.TxHash.Hex()),
			slog.Any("error", err))
	}
	if err := s.deps.Reconciler.ApplyOutcome(ctx, outcome.TxHash); err != nil {
		s.logger.Error("outcome not applied to mirror",
			slog.String("tx", outcome.TxHash.Hex()),
			slog.Any("error", err))
	}
}

// SweepReport summarises one expiry sweep.
type SweepReport struct {
	Scanned int           `json:"scanned"`
	Expired []common.Hash `json:"expired,omitempty"`
	Failed  int           `json:"failed"`
}

// SweepExpired expires the mirrored Active transfers whose claim window
// closed before the ledger's current time.
func (s *Service) SweepExpired(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if s.pipeline == nil {
		return report, xerrors.New(xerrors.CodeInitializationFailure, "system signer is not configured")
	}
	head, err := s.deps.Ledger.Head(ctx)
	if err != nil {
		return report, err
	}
	candidates, err := s.deps.Store.ListTransfers(ctx, mirror.TransferFilter{
		ExpiredBefore: head.Time,
		Limit:         s.sweepBatch,
	})
	if err != nil {
		return report, err
	}
	report.Scanned = len(candidates)
	for _, t := range candidates {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		outcome, err := s.ExpireTransfer(ctx, t.Address)
		if err == nil {
			err = outcome.Err
		}
		if err != nil {
			if xerrors.IsCode(err, xerrors.CodeInvalidState) {
				// Resolved on the ledger but not yet mirrored.
				if _, rerr := s.deps.Reconciler.RefreshTransfer(ctx, t.Address); rerr != nil {
					s.logger.Warn("transfer refresh failed", slog.String("transfer", t.Address.Hex()), slog.Any("error", rerr))
				}
				continue
			}
			report.Failed++
			s.logger.Warn("transfer not expired",
				slog.String("transfer", t.Address.Hex()),
				slog.String("code", string(xerrors.RootCode(err))),
				slog.Any("error", err))
			continue
		}
		report.Expired = append(report.Expired, outcome.TxHash)
	}
	return report, nil
}

// RunSweeper calls SweepExpired every interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		report, err := s.SweepExpired(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("expiry sweep failed", slog.Any("error", err))
			continue
		}
		if report.Scanned > 0 {
			s.logger.Info("expiry sweep finished",
				slog.Int("scanned", report.Scanned),
				slog.Int("expired", len(report.Expired)),
				slog.Int("failed", report.Failed))
		}
	}
}

// Close releases the mirror. The outcome queue belongs to the caller.
func (s *Service) Close() error {
	return s.deps.Store.Close()
}
