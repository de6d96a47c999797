// Package faucet grants fixed amounts of test assets to wallets, at most
// once per cooldown window for each (asset, wallet) pair.
package faucet

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/observability/metrics"
	"Handshake-Escrow/internal/orchestrator"
	"Handshake-Escrow/internal/registry"
	"Handshake-Escrow/pkg/logger"
)

// DefaultCooldown is the minimum time between two grants of one asset to
// one wallet.
const DefaultCooldown = 10 * time.Minute

// Grant is the result of a faucet request.
type Grant struct {
	Asset   registry.Asset       `json:"asset"`
	Wallet  common.Address       `json:"wallet"`
	Amount  uint64               `json:"amount"`
	Outcome orchestrator.Outcome `json:"outcome"`
}

// Faucet mints catalog-defined amounts signed by the system key.
type Faucet struct {
	catalog   *registry.Catalog
	builder   *orchestrator.Builder
	pipeline  *orchestrator.Pipeline
	authority common.Address
	cooldowns Cooldowns
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option customises a Faucet.
type Option func(*Faucet)

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) Option {
	return func(f *Faucet) {
		if d > 0 {
			f.cooldown = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Faucet) {
		if now != nil {
			f.now = now
		}
	}
}

// WithStore replaces the in-memory cooldown store.
func WithStore(store Cooldowns) Option {
	return func(f *Faucet) {
		if store != nil {
			f.cooldowns = store
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Faucet) {
		if l != nil {
			f.logger = l
		}
	}
}

// New builds a faucet that signs grants with signer, which must be the mint
// authority of every asset it serves.
func New(catalog *registry.Catalog, builder *orchestrator.Builder, signer orchestrator.Signer, submitter *orchestrator.Submitter, opts ...Option) *Faucet {
	f := &Faucet{
		catalog:   catalog,
		builder:   builder,
		pipeline:  orchestrator.NewPipeline(signer, submitter),
		authority: signer.Address(),
		cooldowns: NewMemoryCooldowns(),
		cooldown:  DefaultCooldown,
		now:       time.Now,
		logger:    logger.Named("faucet"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Key returns the cooldown key of (asset, wallet).
func Key(asset registry.Asset, wallet common.Address) string {
	return asset.Key() + ":" + strings.ToLower(wallet.Hex())
}

// Grant mints the catalog faucet amount of assetRef to wallet. A request
// inside the cooldown fails with RATE_LIMITED carrying the remaining wait.
// A grant that timed out unconfirmed still starts the cooldown.
func (f *Faucet) Grant(ctx context.Context, assetRef string, wallet common.Address) (Grant, error) {
	asset, err := f.catalog.Lookup(assetRef)
	if err != nil {
		metrics.ObserveFaucet("invalid")
		return Grant{}, err
	}
	if wallet == (common.Address{}) {
		metrics.ObserveFaucet("invalid")
		return Grant{}, xerrors.New(xerrors.CodeInvalidArgument, "wallet address is required")
	}
	if asset.FaucetAmount == 0 {
		metrics.ObserveFaucet("invalid")
		return Grant{}, xerrors.New(xerrors.CodeInvalidArgument, "faucet is disabled for asset",
			xerrors.WithMetadata("asset", asset.Symbol))
	}
	grant := Grant{Asset: asset, Wallet: wallet, Amount: asset.FaucetAmount}

	key := Key(asset, wallet)
	now := f.now()
	remaining, ok, err := f.cooldowns.Reserve(ctx, key, now, f.cooldown)
	if err != nil {
		metrics.ObserveFaucet("error")
		return grant, xerrors.Wrap(xerrors.CodeStorageFailure, err, "reserve faucet cooldown")
	}
	if !ok {
		metrics.ObserveFaucet("rate_limited")
		return grant, xerrors.New(xerrors.CodeRateLimited, "faucet cooldown active",
			xerrors.WithRetryAfter(remaining),
			xerrors.WithMetadata("asset", asset.Symbol),
			xerrors.WithMetadata("wallet", wallet.Hex()))
	}

	utx, err := f.builder.BuildFaucetGrant(ctx, asset.Address, wallet, f.authority, asset.FaucetAmount)
	if err != nil {
		f.release(ctx, key)
		metrics.ObserveFaucet("error")
		return grant, err
	}
	grant.Outcome = f.pipeline.Execute(ctx, utx)
	switch grant.Outcome.Status {
	case orchestrator.StatusConfirmed:
	case orchestrator.StatusTimedOut:
		// The mint may still land, so the window starts as if it had.
		f.commit(ctx, key, now)
		metrics.ObserveFaucet(string(grant.Outcome.Status))
		f.logger.Warn("faucet grant unconfirmed, cooldown kept",
			slog.String("key", key),
			slog.String("tx", grant.Outcome.TxHash.Hex()))
		return grant, grant.Outcome.Err
	default:
		f.release(ctx, key)
		metrics.ObserveFaucet(string(grant.Outcome.Status))
		return grant, grant.Outcome.Err
	}
	f.commit(ctx, key, now)
	metrics.ObserveFaucet("granted")
	logger.Audit().Info("faucet grant",
		slog.String("asset", asset.Symbol),
		slog.String("wallet", wallet.Hex()),
		slog.Uint64("amount", asset.FaucetAmount),
		slog.String("tx", grant.Outcome.TxHash.Hex()))
	return grant, nil
}

func (f *Faucet) commit(ctx context.Context, key string, at time.Time) {
	if err := f.cooldowns.Commit(context.WithoutCancel(ctx), key, at, f.cooldown); err != nil {
		f.logger.Error("faucet cooldown not recorded", slog.String("key", key), slog.Any("error", err))
	}
}

func (f *Faucet) release(ctx context.Context, key string) {
	if err := f.cooldowns.Release(context.WithoutCancel(ctx), key); err != nil {
		f.logger.Error("faucet reservation not released", slog.String("key", key), slog.Any("error", err))
	}
}
