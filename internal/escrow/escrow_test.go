package escrow

import (
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
)

var (
	usd      = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	operator = common.HexToAddress("0x0000000000000000000000000000000000000001")
	alice    = common.HexToAddress("0x000000000000000000000000000000000000000a")
	bob      = common.HexToAddress("0x000000000000000000000000000000000000000b")
	mallory  = common.HexToAddress("0x000000000000000000000000000000000000000c")
)

const scenarioAmount = 2500_0000

func newTestPool(t *testing.T, feeBps uint16) *Pool {
	t.Helper()
	pool, err := NewPool(usd, operator, feeBps)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return pool
}

func createTransfer(t *testing.T, pool *Pool, nonce uint64, until int64) *Transfer {
	t.Helper()
	tr, err := Create(pool, CreateParams{
		Sender:         alice,
		Recipient:      bob,
		Asset:          usd,
		Amount:         scenarioAmount,
		Memo:           "invoice-1",
		ClaimableUntil: until,
		Nonce:          nonce,
		Now:            100,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return tr
}

func assertConserved(t *testing.T, pool *Pool, transfers []*Transfer) {
	t.Helper()
	var active uint64
	for _, tr := range transfers {
		if tr.Status == StatusActive {
			active += tr.Amount
		}
	}
	if got := pool.TotalDeposited - pool.TotalWithdrawn - pool.TotalFeesCollected; got != active {
		t.Fatalf("conservation broken: deposited-withdrawn-fees=%d active=%d (%+v)", got, active, pool)
	}
}

func TestCreateThenClaimPostsFee(t *testing.T) {
	pool := newTestPool(t, 250)
	tr := createTransfer(t, pool, 0, 0)

	if tr.Status != StatusActive || pool.TotalDeposited != scenarioAmount {
		t.Fatalf("unexpected state after create: %+v %+v", tr, pool)
	}
	if tr.Address != DeriveTransferAddress(alice, pool.Address, 0) {
		t.Fatalf("unexpected transfer address %s", tr.Address.Hex())
	}

	settlement, err := Claim(pool, tr, bob, 200)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	wantFee := uint64(scenarioAmount) * 250 / 10_000
	if settlement.Fee != wantFee || settlement.Payout != scenarioAmount-wantFee || settlement.Payee != bob {
		t.Fatalf("unexpected settlement: %+v", settlement)
	}
	if pool.TotalWithdrawn != scenarioAmount-wantFee || pool.TotalFeesCollected != wantFee {
		t.Fatalf("unexpected pool counters: %+v", pool)
	}
	if pool.Reserve != wantFee || pool.TransfersResolved != 1 {
		t.Fatalf("fee not moved to reserve: %+v", pool)
	}
	if tr.Status != StatusClaimed || tr.ResolvedAt != 200 {
		t.Fatalf("unexpected transfer: %+v", tr)
	}
	assertConserved(t, pool, []*Transfer{tr})
}

func TestRefundPathsNeverTakeFee(t *testing.T) {
	cases := []struct {
		name   string
		status Status
		run    func(*Pool, *Transfer) (Settlement, error)
	}{
		{"cancel", StatusCancelled, func(p *Pool, tr *Transfer) (Settlement, error) { return Cancel(p, tr, alice, 200) }},
		{"reject", StatusRejected, func(p *Pool, tr *Transfer) (Settlement, error) {
			return Reject(p, tr, operator, 3, "compliance hold", 200)
		}},
		{"decline", StatusDeclined, func(p *Pool, tr *Transfer) (Settlement, error) { return Decline(p, tr, bob, 0, "", 200) }},
		{"expire", StatusExpired, func(p *Pool, tr *Transfer) (Settlement, error) { return Expire(p, tr, 1_000) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pool := newTestPool(t, 9_999)
			tr := createTransfer(t, pool, 0, 500)

			settlement, err := tc.run(pool, tr)
			if err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			if settlement.Fee != 0 || settlement.Payout != scenarioAmount || settlement.Payee != alice {
				t.Fatalf("refund must be full: %+v", settlement)
			}
			if pool.TotalFeesCollected != 0 || pool.TotalWithdrawn != scenarioAmount || pool.Reserve != 0 {
				t.Fatalf("unexpected pool counters: %+v", pool)
			}
			if tr.Status != tc.status {
				t.Fatalf("unexpected status %s", tr.Status)
			}
			assertConserved(t, pool, []*Transfer{tr})
		})
	}
}

func TestRejectKeepsReason(t *testing.T) {
	pool := newTestPool(t, 100)
	tr := createTransfer(t, pool, 0, 0)
	if _, err := Reject(pool, tr, operator, 7, "sanctioned counterparty", 150); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if tr.ReasonCode != 7 || tr.Reason != "sanctioned counterparty" {
		t.Fatalf("reason not recorded: %+v", tr)
	}

	long := make([]byte, MaxReasonLength+1)
	other := createTransfer(t, pool, 1, 0)
	_, err := Reject(pool, other, operator, 0, string(long), 150)
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument || other.Status != StatusActive {
		t.Fatalf("expected invalid argument for long reason, got %v", err)
	}
}

func TestUnauthorizedLeavesStateUnchanged(t *testing.T) {
	pool := newTestPool(t, 100)
	tr := createTransfer(t, pool, 0, 0)
	poolBefore, trBefore := *pool, *tr

	checks := []struct {
		name string
		run  func() error
	}{
		{"claim by sender", func() error { _, err := Claim(pool, tr, alice, 150); return err }},
		{"claim by stranger", func() error { _, err := Claim(pool, tr, mallory, 150); return err }},
		{"cancel by recipient", func() error { _, err := Cancel(pool, tr, bob, 150); return err }},
		{"reject by sender", func() error { _, err := Reject(pool, tr, alice, 0, "", 150); return err }},
		{"decline by operator", func() error { _, err := Decline(pool, tr, operator, 0, "", 150); return err }},
	}
	for _, c := range checks {
		if err := c.run(); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
			t.Fatalf("%s: expected UNAUTHORIZED, got %v", c.name, err)
		}
		if *pool != poolBefore || *tr != trBefore {
			t.Fatalf("%s: state mutated", c.name)
		}
	}
}

func TestSingleResolution(t *testing.T) {
	pool := newTestPool(t, 100)
	tr := createTransfer(t, pool, 0, 500)
	if _, err := Claim(pool, tr, bob, 200); err != nil {
		t.Fatalf("claim: %v", err)
	}
	snapshot := *pool

	attempts := []func() error{
		func() error { _, err := Claim(pool, tr, bob, 201); return err },
		func() error { _, err := Cancel(pool, tr, alice, 201); return err },
		func() error { _, err := Reject(pool, tr, operator, 0, "", 201); return err },
		func() error { _, err := Decline(pool, tr, bob, 0, "", 201); return err },
		func() error { _, err := Expire(pool, tr, 1_000); return err },
	}
	for i, attempt := range attempts {
		if err := attempt(); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
			t.Fatalf("attempt %d: expected INVALID_STATE, got %v", i, err)
		}
	}
	if tr.Status != StatusClaimed || *pool != snapshot {
		t.Fatalf("terminal transfer changed: %+v %+v", tr, pool)
	}
}

func TestCreateValidation(t *testing.T) {
	pool := newTestPool(t, 0)
	base := CreateParams{Sender: alice, Recipient: bob, Asset: usd, Amount: 10, Now: 100}

	cases := []struct {
		name   string
		mutate func(*CreateParams)
		code   xerrors.Code
	}{
		{"zero amount", func(p *CreateParams) { p.Amount = 0 }, xerrors.CodeInvalidAmount},
		{"foreign asset", func(p *CreateParams) { p.Asset = mallory }, xerrors.CodeAssetNotFound},
		{"self transfer", func(p *CreateParams) { p.Recipient = alice }, xerrors.CodeInvalidArgument},
		{"long memo", func(p *CreateParams) { p.Memo = string(make([]byte, MaxMemoLength+1)) }, xerrors.CodeInvalidArgument},
		{"window elapsed", func(p *CreateParams) { p.ClaimableUntil = 100 }, xerrors.CodeInvalidArgument},
		{"empty window", func(p *CreateParams) { p.ClaimableAfter = 300; p.ClaimableUntil = 200 }, xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		params := base
		tc.mutate(&params)
		if _, err := Create(pool, params); xerrors.CodeOf(err) != tc.code {
			t.Fatalf("%s: expected %s, got %v", tc.name, tc.code, err)
		}
	}
	if pool.TotalDeposited != 0 || pool.TransfersCreated != 0 {
		t.Fatalf("failed creates must not post: %+v", pool)
	}
}

func TestPausedPoolBlocksCreateButAllowsResolution(t *testing.T) {
	pool := newTestPool(t, 100)
	tr := createTransfer(t, pool, 0, 0)

	if err := pool.TogglePause(alice); xerrors.CodeOf(err) != xerrors.CodeUnauthorized {
		t.Fatalf("expected unauthorized pause, got %v", err)
	}
	if err := pool.TogglePause(operator); err != nil {
		t.Fatalf("pause: %v", err)
	}
	_, err := Create(pool, CreateParams{Sender: alice, Recipient: bob, Asset: usd, Amount: 1, Nonce: 1, Now: 100})
	if xerrors.CodeOf(err) != xerrors.CodePoolUnavailable {
		t.Fatalf("expected POOL_UNAVAILABLE, got %v", err)
	}
	if _, err := Cancel(pool, tr, alice, 120); err != nil {
		t.Fatalf("cancel on paused pool: %v", err)
	}
}

func TestClaimWindow(t *testing.T) {
	pool := newTestPool(t, 0)
	tr, err := Create(pool, CreateParams{
		Sender: alice, Recipient: bob, Asset: usd, Amount: 10,
		ClaimableAfter: 200, ClaimableUntil: 300, Now: 100,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := Claim(pool, tr, bob, 150); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("early claim must fail, got %v", err)
	}
	if _, err := Expire(pool, tr, 300); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("expire at the deadline must fail, got %v", err)
	}
	if _, err := Claim(pool, tr, bob, 301); xerrors.CodeOf(err) != xerrors.CodeInvalidState {
		t.Fatalf("late claim must fail, got %v", err)
	}
	if _, err := Expire(pool, tr, 301); err != nil {
		t.Fatalf("expire: %v", err)
	}
}

func TestCalculateFeeDoesNotOverflow(t *testing.T) {
	pool := &Pool{FeeBps: MaxFeeBps}
	if got := pool.CalculateFee(^uint64(0)); got != ^uint64(0) {
		t.Fatalf("100%% fee must equal amount, got %d", got)
	}
	pool.FeeBps = 30
	if got := pool.CalculateFee(1_000_000); got != 3_000 {
		t.Fatalf("unexpected fee %d", got)
	}
	if _, err := NewPool(usd, operator, MaxFeeBps+1); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected invalid fee rate, got %v", err)
	}
}

func TestConservationUnderRandomResolutions(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	pool := newTestPool(t, 175)
	var transfers []*Transfer

	for step := 0; step < 500; step++ {
		if rng.Intn(3) == 0 || len(transfers) == 0 {
			tr, err := Create(pool, CreateParams{
				Sender: alice, Recipient: bob, Asset: usd,
				Amount: uint64(rng.Intn(1_000_000) + 1), Nonce: uint64(step), Now: 100,
				ClaimableUntil: 1_000,
			})
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			transfers = append(transfers, tr)
		} else {
			tr := transfers[rng.Intn(len(transfers))]
			switch rng.Intn(5) {
			case 0:
				_, _ = Claim(pool, tr, bob, 500)
			case 1:
				_, _ = Cancel(pool, tr, alice, 500)
			case 2:
				_, _ = Reject(pool, tr, operator, 1, "", 500)
			case 3:
				_, _ = Decline(pool, tr, bob, 0, "", 500)
			case 4:
				_, _ = Expire(pool, tr, 2_000)
			}
		}
		assertConserved(t, pool, transfers)
	}
}

func TestStatusText(t *testing.T) {
	for s := StatusActive; s <= StatusExpired; s++ {
		text, _ := s.MarshalText()
		var parsed Status
		if err := parsed.UnmarshalText(text); err != nil || parsed != s {
			t.Fatalf("status %s did not survive text form: %v", s, err)
		}
	}
	if StatusActive.Terminal() || !StatusExpired.Terminal() {
		t.Fatal("unexpected terminal classification")
	}
	if _, err := ParseStatus("pending"); err == nil {
		t.Fatal("expected unknown status error")
	}
}
