package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/faucet"
	"Handshake-Escrow/internal/ledger"
	"Handshake-Escrow/internal/mirror"
	"Handshake-Escrow/internal/orchestrator"
	"Handshake-Escrow/internal/reconcile"
	"Handshake-Escrow/internal/registry"
	"Handshake-Escrow/pkg/logger"
)

var usd = common.HexToAddress("0x00000000000000000000000000000000000000a1")

const aliceFunds = 50_000_000

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingProducer struct {
	mu     sync.Mutex
	hashes []string
}

func (p *recordingProducer) Publish(_ context.Context, txHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hashes = append(p.hashes, txHash)
	return nil
}

func (p *recordingProducer) Close() error { return nil }

type fixture struct {
	svc      *Service
	ledger   *ledger.Ledger
	store    *mirror.MemoryStore
	clock    *clock
	operator *orchestrator.KeySigner
	alice    *orchestrator.KeySigner
	bob      *orchestrator.KeySigner
	pool     common.Address
}

func newSigner(t *testing.T) *orchestrator.KeySigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return orchestrator.NewKeySigner(key)
}

func newFixture(t *testing.T, producer *recordingProducer) *fixture {
	t.Helper()
	f := &fixture{
		store:    mirror.NewMemoryStore(),
		clock:    &clock{now: time.Unix(1_700_000_000, 0)},
		operator: newSigner(t),
		alice:    newSigner(t),
		bob:      newSigner(t),
	}
	system := newSigner(t)
	f.ledger = ledger.New(ledger.Config{
		Authority:    system.Address(),
		SlotInterval: 10 * time.Millisecond,
		Clock:        f.clock.Now,
		Logger:       logger.Discard(),
	})
	if err := f.ledger.ApplyGenesis(ledger.Genesis{
		Assets:   []ledger.Asset{{Address: usd, Symbol: "USD", Decimals: 4}},
		Pools:    []ledger.GenesisPool{{Asset: usd, Operator: f.operator.Address(), FeeBps: 100}},
		Holdings: []ledger.GenesisHolding{{Owner: f.alice.Address(), Asset: usd, Balance: aliceFunds}},
	}); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	f.pool = escrow.DerivePoolAddress(usd, f.operator.Address())

	catalog, err := registry.NewCatalog(
		registry.Asset{Symbol: "NATIVE", Decimals: 9},
		registry.Asset{Symbol: "USD", Address: usd, Decimals: 4, FaucetAmount: 10_000_000},
	)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if err := catalog.AddPool("main", usd, f.operator.Address(), 100); err != nil {
		t.Fatalf("add pool: %v", err)
	}

	builder := orchestrator.NewBuilder(f.ledger, orchestrator.WithBuilderLogger(logger.Discard()))
	submitter := orchestrator.NewSubmitter(f.ledger,
		orchestrator.WithConfirmationTimeout(3*time.Second),
		orchestrator.WithPollInterval(5*time.Millisecond),
		orchestrator.WithSubmitterLogger(logger.Discard()))
	deps := Dependencies{
		Ledger:     f.ledger,
		Catalog:    catalog,
		Store:      f.store,
		Builder:    builder,
		Submitter:  submitter,
		Reconciler: reconcile.New(f.ledger, f.store, catalog, reconcile.WithLogger(logger.Discard())),
		Faucet: faucet.New(catalog, builder, system, submitter,
			faucet.WithClock(f.clock.Now),
			faucet.WithLogger(logger.Discard())),
		System: system,
	}
	if producer != nil {
		deps.Producer = producer
	}
	f.svc, err = New(deps, WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.ledger.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	if _, err := f.svc.SyncRegistryAndPools(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return f
}

func (f *fixture) signAndSubmit(t *testing.T, signer orchestrator.Signer, utx *orchestrator.UnsignedTx) orchestrator.Outcome {
	t.Helper()
	stx, err := signer.Sign(context.Background(), utx)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	outcome, err := f.svc.Submit(context.Background(), stx.Raw)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return outcome
}

func (f *fixture) create(t *testing.T, until int64) common.Address {
	t.Helper()
	utx, err := f.svc.CreateTransfer(context.Background(), CreateTransferRequest{
		Sender:         f.alice.Address(),
		Recipient:      f.bob.Address(),
		Asset:          "usd",
		Amount:         "2500.0000",
		Memo:           "invoice 7",
		ClaimableUntil: until,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if outcome := f.signAndSubmit(t, f.alice, utx); outcome.Status != orchestrator.StatusConfirmed {
		t.Fatalf("create outcome %s: %v", outcome.Status, outcome.Err)
	}
	return utx.Transfer
}

func (f *fixture) balance(t *testing.T, owner common.Address) uint64 {
	t.Helper()
	h, err := f.ledger.GetHolding(context.Background(), owner, usd)
	if err != nil {
		t.Fatalf("holding: %v", err)
	}
	return h.Balance
}

func (f *fixture) assertConserved(t *testing.T) {
	t.Helper()
	pool, err := f.ledger.GetPool(context.Background(), f.pool)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	total := f.balance(t, f.alice.Address()) + f.balance(t, f.bob.Address()) + f.balance(t, f.operator.Address()) + pool.Locked() + pool.Reserve
	if total != aliceFunds {
		t.Fatalf("value not conserved: %d", total)
	}
}

func TestCreateAndClaimUpdatesMirror(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	transfer := f.create(t, 0)

	mirrored, err := f.store.GetTransfer(ctx, transfer)
	if err != nil {
		t.Fatalf("transfer not mirrored: %v", err)
	}
	if mirrored.Status != escrow.StatusActive || mirrored.Amount != 25_000_000 {
		t.Fatalf("unexpected mirrored transfer %+v", mirrored)
	}
	f.assertConserved(t)

	utx, err := f.svc.ClaimTransfer(ctx, ResolveRequest{Transfer: transfer, Signer: f.bob.Address()})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if outcome := f.signAndSubmit(t, f.bob, utx); outcome.Status != orchestrator.StatusConfirmed {
		t.Fatalf("claim outcome %s: %v", outcome.Status, outcome.Err)
	}
	if got := f.balance(t, f.bob.Address()); got != 24_750_000 {
		t.Fatalf("recipient received %d", got)
	}
	mirrored, _ = f.store.GetTransfer(ctx, transfer)
	if mirrored.Status != escrow.StatusClaimed {
		t.Fatalf("mirror status %s", mirrored.Status)
	}
	pool, _ := f.store.GetPool(ctx, f.pool)
	if pool.TotalFeesCollected != 250_000 || pool.TransfersResolved != 1 {
		t.Fatalf("unexpected mirrored pool %+v", pool)
	}
	f.assertConserved(t)
}

func TestRefundPathsChargeNoFee(t *testing.T) {
	cases := []struct {
		name  string
		build func(*fixture, common.Address) (*orchestrator.UnsignedTx, error)
		sign  func(*fixture) *orchestrator.KeySigner
		want  escrow.Status
	}{
		{
			name: "cancel",
			build: func(f *fixture, tr common.Address) (*orchestrator.UnsignedTx, error) {
				return f.svc.CancelTransfer(context.Background(), ResolveRequest{Transfer: tr, Signer: f.alice.Address()})
			},
			sign: func(f *fixture) *orchestrator.KeySigner { return f.alice },
			want: escrow.StatusCancelled,
		},
		{
			name: "decline",
			build: func(f *fixture, tr common.Address) (*orchestrator.UnsignedTx, error) {
				return f.svc.DeclineTransfer(context.Background(), ResolveRequest{Transfer: tr, Signer: f.bob.Address(), ReasonCode: 2, Reason: "wrong invoice"})
			},
			sign: func(f *fixture) *orchestrator.KeySigner { return f.bob },
			want: escrow.StatusDeclined,
		},
		{
			name: "reject",
			build: func(f *fixture, tr common.Address) (*orchestrator.UnsignedTx, error) {
				return f.svc.RejectTransfer(context.Background(), ResolveRequest{Transfer: tr, Signer: f.operator.Address(), ReasonCode: 9})
			},
			sign: func(f *fixture) *orchestrator.KeySigner { return f.operator },
			want: escrow.StatusRejected,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			transfer := f.create(t, 0)
			utx, err := tc.build(f, transfer)
			if err != nil {
				t.Fatalf("build: %v", err)
			}
			if outcome := f.signAndSubmit(t, tc.sign(f), utx); outcome.Status != orchestrator.StatusConfirmed {
				t.Fatalf("outcome %s: %v", outcome.Status, outcome.Err)
			}
			if got := f.balance(t, f.alice.Address()); got != aliceFunds {
				t.Fatalf("sender refunded to %d", got)
			}
			mirrored, _ := f.store.GetTransfer(context.Background(), transfer)
			if mirrored.Status != tc.want {
				t.Fatalf("mirror status %s", mirrored.Status)
			}
			pool, _ := f.store.GetPool(context.Background(), f.pool)
			if pool.TotalFeesCollected != 0 {
				t.Fatalf("refund collected fee %d", pool.TotalFeesCollected)
			}
			f.assertConserved(t)
		})
	}
}

func TestUnauthorizedClaimIsRejectedBeforeSubmission(t *testing.T) {
	f := newFixture(t, nil)
	transfer := f.create(t, 0)
	_, err := f.svc.ClaimTransfer(context.Background(), ResolveRequest{Transfer: transfer, Signer: f.alice.Address()})
	if !xerrors.IsCode(err, xerrors.CodeUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	tr, _ := f.ledger.GetTransfer(context.Background(), transfer)
	if tr.Status != escrow.StatusActive {
		t.Fatalf("status changed to %s", tr.Status)
	}
}

func TestCreateTransferValidation(t *testing.T) {
	f := newFixture(t, nil)
	cases := []struct {
		name string
		req  CreateTransferRequest
		code xerrors.Code
	}{
		{"zero amount", CreateTransferRequest{Sender: f.alice.Address(), Recipient: f.bob.Address(), Asset: "USD", Amount: "0"}, xerrors.CodeInvalidAmount},
		{"unknown asset", CreateTransferRequest{Sender: f.alice.Address(), Recipient: f.bob.Address(), Asset: "EUR", Amount: "1"}, xerrors.CodeAssetNotFound},
		{"no pool for asset", CreateTransferRequest{Sender: f.alice.Address(), Recipient: f.bob.Address(), Asset: "NATIVE", Amount: "1"}, xerrors.CodeNoActivePool},
		{"bad pool ref", CreateTransferRequest{Sender: f.alice.Address(), Recipient: f.bob.Address(), Asset: "USD", Pool: "main", Amount: "1"}, xerrors.CodeInvalidArgument},
		{"self transfer", CreateTransferRequest{Sender: f.alice.Address(), Recipient: f.alice.Address(), Asset: "USD", Amount: "1"}, xerrors.CodeInvalidArgument},
		{"too much", CreateTransferRequest{Sender: f.alice.Address(), Recipient: f.bob.Address(), Asset: "USD", Amount: "9000"}, xerrors.CodeInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.CreateTransfer(context.Background(), tc.req)
			if !xerrors.IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestSweepExpiresClosedWindows(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	until := f.clock.Now().Unix() + 60
	expiring := f.create(t, until)
	open := f.create(t, 0)

	report, err := f.svc.SweepExpired(ctx)
	if err != nil || report.Scanned != 0 {
		t.Fatalf("early sweep: %+v %v", report, err)
	}

	f.clock.Advance(2 * time.Minute)
	report, err = f.svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if report.Scanned != 1 || len(report.Expired) != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	mirrored, _ := f.store.GetTransfer(ctx, expiring)
	if mirrored.Status != escrow.StatusExpired {
		t.Fatalf("expiring transfer is %s", mirrored.Status)
	}
	other, _ := f.store.GetTransfer(ctx, open)
	if other.Status != escrow.StatusActive {
		t.Fatalf("open transfer is %s", other.Status)
	}
	if got := f.balance(t, f.alice.Address()); got != aliceFunds-25_000_000 {
		t.Fatalf("sender balance %d", got)
	}
	f.assertConserved(t)
}

func TestConfirmedOutcomesArePublished(t *testing.T) {
	producer := &recordingProducer{}
	f := newFixture(t, producer)
	f.create(t, 0)

	producer.mu.Lock()
	published := append([]string(nil), producer.hashes...)
	producer.mu.Unlock()
	if len(published) != 1 {
		t.Fatalf("expected one published hash, got %v", published)
	}
	hash := common.HexToHash(published[0])
	outcome, err := f.svc.TransactionStatus(context.Background(), hash)
	if err != nil || outcome.Status != orchestrator.StatusConfirmed {
		t.Fatalf("status %+v %v", outcome, err)
	}
	producer.mu.Lock()
	defer producer.mu.Unlock()
	if len(producer.hashes) != 2 {
		t.Fatalf("status query did not republish: %v", producer.hashes)
	}
}

func TestFaucetGrantThroughService(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	wallet := common.HexToAddress("0x1111111111111111111111111111111111111111")
	grant, err := f.svc.RequestFaucetGrant(ctx, "USD", wallet)
	if err != nil || grant.Outcome.Status != orchestrator.StatusConfirmed {
		t.Fatalf("grant %+v %v", grant, err)
	}
	if _, err := f.store.GetOutcome(ctx, grant.Outcome.TxHash); err != nil {
		t.Fatalf("grant outcome not recorded: %v", err)
	}
	_, err = f.svc.RequestFaucetGrant(ctx, "USD", wallet)
	if !xerrors.IsCode(err, xerrors.CodeRateLimited) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if after, ok := xerrors.RetryAfterOf(err); !ok || after != 10*time.Minute {
		t.Fatalf("retry after %s", after)
	}
}

func TestSubmitRejectsGarbage(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Submit(context.Background(), []byte{0x01, 0x02})
	if !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestResolvePoolAndDeposit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	pool, err := f.svc.ResolvePool(ctx, "usd")
	if err != nil || pool.Address != f.pool {
		t.Fatalf("resolve: %+v %v", pool, err)
	}
	utx, err := f.svc.DepositToPool(ctx, PoolFundsRequest{Pool: f.pool, Signer: f.alice.Address(), Amount: "10"})
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if outcome := f.signAndSubmit(t, f.alice, utx); outcome.Status != orchestrator.StatusConfirmed {
		t.Fatalf("deposit outcome %s: %v", outcome.Status, outcome.Err)
	}
	mirrored, _ := f.store.GetPool(ctx, f.pool)
	if mirrored.Reserve != 100_000 {
		t.Fatalf("reserve %d", mirrored.Reserve)
	}

	utx, err = f.svc.WithdrawFromPool(ctx, PoolFundsRequest{Pool: f.pool, Signer: f.operator.Address(), Amount: "4"})
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if outcome := f.signAndSubmit(t, f.operator, utx); outcome.Status != orchestrator.StatusConfirmed {
		t.Fatalf("withdraw outcome %s: %v", outcome.Status, outcome.Err)
	}
	mirrored, _ = f.store.GetPool(ctx, f.pool)
	if mirrored.Reserve != 60_000 {
		t.Fatalf("reserve %d", mirrored.Reserve)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Dependencies{}); !xerrors.IsCode(err, xerrors.CodeInitializationFailure) {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}
