package faucet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/ledger"
	"Handshake-Escrow/internal/orchestrator"
	"Handshake-Escrow/internal/registry"
	"Handshake-Escrow/pkg/logger"
)

var usd = common.HexToAddress("0x00000000000000000000000000000000000000a1")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	ledger  *ledger.Ledger
	faucet  *Faucet
	clock   *clock
	system  *orchestrator.KeySigner
	catalog *registry.Catalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	system := orchestrator.NewKeySigner(key)
	l := ledger.New(ledger.Config{
		Authority:    system.Address(),
		SlotInterval: 20 * time.Millisecond,
		Logger:       logger.Discard(),
	})
	if err := l.ApplyGenesis(ledger.Genesis{
		Assets: []ledger.Asset{
			{Address: usd, Symbol: "USD", Decimals: 4},
			{Address: common.HexToAddress("0xb2"), Symbol: "DRY", Decimals: 2},
		},
	}); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	catalog, err := registry.NewCatalog(
		registry.Asset{Symbol: "NATIVE", Decimals: 9},
		registry.Asset{Symbol: "USD", Address: usd, Decimals: 4, FaucetAmount: 10_000_000},
		registry.Asset{Symbol: "DRY", Address: common.HexToAddress("0xb2"), Decimals: 2},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	submitter := orchestrator.NewSubmitter(l,
		orchestrator.WithConfirmationTimeout(3*time.Second),
		orchestrator.WithPollInterval(5*time.Millisecond),
		orchestrator.WithSubmitterLogger(logger.Discard()))
	f := New(catalog, orchestrator.NewBuilder(l), system, submitter,
		WithClock(clk.Now),
		WithLogger(logger.Discard()))
	return &fixture{ledger: l, faucet: f, clock: clk, system: system, catalog: catalog}
}

func TestGrantHonoursCooldown(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	start := fx.clock.Now()

	grant, err := fx.faucet.Grant(ctx, "usd", wallet)
	if err != nil {
		t.Fatalf("first grant: %v", err)
	}
	if grant.Outcome.Status != orchestrator.StatusConfirmed || grant.Amount != 10_000_000 {
		t.Fatalf("unexpected grant %+v", grant)
	}

	fx.clock.Set(start.Add(60 * time.Second))
	_, err = fx.faucet.Grant(ctx, "USD", wallet)
	if !xerrors.IsCode(err, xerrors.CodeRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	retryAfter, ok := xerrors.RetryAfterOf(err)
	if !ok || retryAfter != 540*time.Second {
		t.Fatalf("expected 540s retry-after, got %v (%v)", retryAfter, ok)
	}

	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	if _, err := fx.faucet.Grant(ctx, "USD", other); err != nil {
		t.Fatalf("cooldown must be per wallet: %v", err)
	}

	fx.clock.Set(start.Add(601 * time.Second))
	if _, err := fx.faucet.Grant(ctx, usd.Hex(), wallet); err != nil {
		t.Fatalf("grant after cooldown: %v", err)
	}
	holding, err := fx.ledger.GetHolding(ctx, wallet, usd)
	if err != nil {
		t.Fatalf("holding: %v", err)
	}
	if holding.Balance != 20_000_000 {
		t.Fatalf("expected two grants, balance %d", holding.Balance)
	}
}

func TestConcurrentGrantsForOneWalletMintOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	wallet := common.HexToAddress("0x3333333333333333333333333333333333333333")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
		limited int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := fx.faucet.Grant(ctx, "USD", wallet)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case xerrors.IsCode(err, xerrors.CodeRateLimited):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if granted != 1 || limited != 7 {
		t.Fatalf("expected 1 grant and 7 denials, got %d and %d", granted, limited)
	}
	holding, _ := fx.ledger.GetHolding(ctx, wallet, usd)
	if holding.Balance != 10_000_000 {
		t.Fatalf("expected a single mint, balance %d", holding.Balance)
	}
}

func TestGrantValidation(t *testing.T) {
	fx := newFixture(t)
	wallet := common.HexToAddress("0x4444444444444444444444444444444444444444")
	cases := []struct {
		name   string
		asset  string
		wallet common.Address
		code   xerrors.Code
	}{
		{name: "unknown asset", asset: "EUR", wallet: wallet, code: xerrors.CodeAssetNotFound},
		{name: "disabled asset", asset: "DRY", wallet: wallet, code: xerrors.CodeInvalidArgument},
		{name: "missing wallet", asset: "USD", code: xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.faucet.Grant(context.Background(), tc.asset, tc.wallet)
			if !xerrors.IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

// pendingReceipts hides every receipt so confirmations never arrive.
type pendingReceipts struct {
	*ledger.Ledger
}

func (p pendingReceipts) GetReceipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	return &ledger.Receipt{TxHash: hash, Status: ledger.ReceiptPending}, nil
}

func TestUnconfirmedGrantKeepsCooldown(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	wallet := common.HexToAddress("0x6666666666666666666666666666666666666666")

	client := pendingReceipts{Ledger: fx.ledger}
	submitter := orchestrator.NewSubmitter(client,
		orchestrator.WithConfirmationTimeout(200*time.Millisecond),
		orchestrator.WithPollInterval(5*time.Millisecond),
		orchestrator.WithSubmitterLogger(logger.Discard()))
	f := New(fx.catalog, orchestrator.NewBuilder(client), fx.system, submitter,
		WithClock(fx.clock.Now),
		WithLogger(logger.Discard()))

	start := fx.clock.Now()
	grant, err := f.Grant(ctx, "USD", wallet)
	if grant.Outcome.Status != orchestrator.StatusTimedOut {
		t.Fatalf("expected an unconfirmed grant, got %s (%v)", grant.Outcome.Status, err)
	}
	if !xerrors.IsCode(err, xerrors.CodeConfirmationTimeout) {
		t.Fatalf("expected confirmation timeout, got %v", err)
	}

	fx.clock.Set(start.Add(5 * time.Second))
	_, err = f.Grant(ctx, "USD", wallet)
	if !xerrors.IsCode(err, xerrors.CodeRateLimited) {
		t.Fatalf("expected rate limit after an unconfirmed grant, got %v", err)
	}
	retryAfter, ok := xerrors.RetryAfterOf(err)
	if !ok || retryAfter != DefaultCooldown-5*time.Second {
		t.Fatalf("expected %v retry-after, got %v (%v)", DefaultCooldown-5*time.Second, retryAfter, ok)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		holding, err := fx.ledger.GetHolding(ctx, wallet, usd)
		if err == nil && holding.Balance == 10_000_000 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected exactly one mint to land, got %+v (%v)", holding, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFailedGrantReleasesReservation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	wallet := common.HexToAddress("0x5555555555555555555555555555555555555555")

	// The native asset is not provisioned on this ledger, so the build fails.
	fx.faucet.catalog, _ = registry.NewCatalog(
		registry.Asset{Symbol: "NATIVE", Decimals: 9, FaucetAmount: 5},
		registry.Asset{Symbol: "USD", Address: usd, Decimals: 4, FaucetAmount: 10_000_000},
	)
	if _, err := fx.faucet.Grant(ctx, "native", wallet); !xerrors.IsCode(err, xerrors.CodeAssetNotFound) {
		t.Fatalf("expected missing asset on ledger, got %v", err)
	}
	remaining, ok, err := fx.faucet.cooldowns.Reserve(ctx, Key(fx.faucet.catalog.Native(), wallet), fx.clock.Now(), time.Minute)
	if err != nil || !ok || remaining != 0 {
		t.Fatalf("expected reservation to be free, got %v %v %v", remaining, ok, err)
	}
}

func TestMemoryCooldownsInFlight(t *testing.T) {
	store := NewMemoryCooldowns()
	ctx := context.Background()
	now := time.Unix(100, 0)

	if _, ok, _ := store.Reserve(ctx, "k", now, time.Minute); !ok {
		t.Fatalf("first reservation must succeed")
	}
	remaining, ok, _ := store.Reserve(ctx, "k", now, time.Minute)
	if ok || remaining != time.Minute {
		t.Fatalf("in-flight key must report the full cooldown, got %v %v", remaining, ok)
	}
	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, _ := store.Reserve(ctx, "k", now, time.Minute); !ok {
		t.Fatalf("released key must be reservable")
	}
	if err := store.Commit(ctx, "k", now, time.Minute); err != nil {
		t.Fatalf("commit: %v", err)
	}
	remaining, ok, _ = store.Reserve(ctx, "k", now.Add(15*time.Second), time.Minute)
	if ok || remaining != 45*time.Second {
		t.Fatalf("expected 45s remaining, got %v %v", remaining, ok)
	}
}
