package mirror

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
)

var (
	poolA   = common.HexToAddress("0x00000000000000000000000000000000000000a0")
	poolB   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	xferOne = common.HexToAddress("0x0000000000000000000000000000000000000001")
	xferTwo = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func TestUpsertPoolIsSlotGuarded(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	applied, err := store.UpsertPool(ctx, escrow.Pool{Address: poolA, FeeBps: 100, Slot: 5})
	if err != nil || !applied {
		t.Fatalf("first upsert: %v %v", applied, err)
	}
	if applied, _ := store.UpsertPool(ctx, escrow.Pool{Address: poolA, FeeBps: 100, Slot: 5}); applied {
		t.Fatalf("equal slot must be a no-op")
	}
	if applied, _ := store.UpsertPool(ctx, escrow.Pool{Address: poolA, FeeBps: 999, Slot: 4}); applied {
		t.Fatalf("older slot must not overwrite")
	}
	if applied, _ := store.UpsertPool(ctx, escrow.Pool{Address: poolA, FeeBps: 100, TotalDeposited: 10, Slot: 6}); !applied {
		t.Fatalf("newer slot must apply")
	}
	pool, err := store.GetPool(ctx, poolA)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if pool.TotalDeposited != 10 || pool.Slot != 6 {
		t.Fatalf("unexpected pool %+v", pool)
	}

	if err := store.ReplacePool(ctx, escrow.Pool{Address: poolA, FeeBps: 50, Slot: 3}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	pool, _ = store.GetPool(ctx, poolA)
	if pool.FeeBps != 50 {
		t.Fatalf("replace must overwrite regardless of slot")
	}
}

func TestUpsertTransferNeverLeavesTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	active := escrow.Transfer{Address: xferOne, Pool: poolA, Status: escrow.StatusActive, Amount: 100, Slot: 2}
	claimed := active
	claimed.Status = escrow.StatusClaimed
	claimed.Slot = 3

	for i := 0; i < 2; i++ {
		if _, err := store.UpsertTransfer(ctx, active); err != nil {
			t.Fatalf("upsert active: %v", err)
		}
		if _, err := store.UpsertTransfer(ctx, claimed); err != nil {
			t.Fatalf("upsert claimed: %v", err)
		}
	}
	stale := active
	stale.Slot = 9
	if applied, _ := store.UpsertTransfer(ctx, stale); applied {
		t.Fatalf("terminal transfer must not regress to active")
	}
	got, err := store.GetTransfer(ctx, xferOne)
	if err != nil {
		t.Fatalf("get transfer: %v", err)
	}
	if got.Status != escrow.StatusClaimed || got.Slot != 3 {
		t.Fatalf("unexpected transfer %+v", got)
	}
}

func TestRecordOutcomeOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	hash := common.HexToHash("0x01")

	inserted, err := store.RecordOutcome(ctx, OutcomeRecord{TxHash: hash, Op: "claim", Status: "confirmed", Slot: 4})
	if err != nil || !inserted {
		t.Fatalf("first record: %v %v", inserted, err)
	}
	if inserted, _ := store.RecordOutcome(ctx, OutcomeRecord{TxHash: hash, Op: "claim", Status: "rejected"}); inserted {
		t.Fatalf("outcome must be recorded once")
	}
	got, err := store.GetOutcome(ctx, hash)
	if err != nil || got.Status != "confirmed" || got.RecordedAt.IsZero() {
		t.Fatalf("unexpected outcome %+v (%v)", got, err)
	}
	if _, err := store.GetOutcome(ctx, common.HexToHash("0x02")); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListTransfersFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	records := []escrow.Transfer{
		{Address: xferOne, Pool: poolA, Sender: alice, Recipient: bob, Status: escrow.StatusActive, CreatedAt: 10, ClaimableUntil: 50, Slot: 1},
		{Address: xferTwo, Pool: poolB, Sender: bob, Recipient: alice, Status: escrow.StatusCancelled, CreatedAt: 20, Slot: 2},
	}
	for _, r := range records {
		if _, err := store.UpsertTransfer(ctx, r); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	cases := []struct {
		name   string
		filter TransferFilter
		want   []common.Address
	}{
		{name: "all newest first", want: []common.Address{xferTwo, xferOne}},
		{name: "by pool", filter: TransferFilter{Pool: poolA}, want: []common.Address{xferOne}},
		{name: "by sender", filter: TransferFilter{Sender: bob}, want: []common.Address{xferTwo}},
		{name: "by recipient", filter: TransferFilter{Recipient: bob}, want: []common.Address{xferOne}},
		{name: "by status", filter: TransferFilter{Status: escrow.StatusCancelled}, want: []common.Address{xferTwo}},
		{name: "expired", filter: TransferFilter{ExpiredBefore: 60}, want: []common.Address{xferOne}},
		{name: "not yet expired", filter: TransferFilter{ExpiredBefore: 50}},
		{name: "limit", filter: TransferFilter{Limit: 1}, want: []common.Address{xferTwo}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := store.ListTransfers(ctx, tc.filter)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("expected %d transfers, got %d", len(tc.want), len(got))
			}
			for i := range got {
				if got[i].Address != tc.want[i] {
					t.Fatalf("position %d: expected %s, got %s", i, tc.want[i].Hex(), got[i].Address.Hex())
				}
			}
		})
	}
}

func TestUpsertAssetReplayKeepsStoredState(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	usd := AssetRecord{Address: poolA, Symbol: "USD", Decimals: 6, FaucetAmount: 100}

	if err := store.UpsertAsset(ctx, usd); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	first, _ := store.Asset(poolA)
	time.Sleep(2 * time.Millisecond)
	if err := store.UpsertAsset(ctx, usd); err != nil {
		t.Fatalf("replay: %v", err)
	}
	replayed, _ := store.Asset(poolA)
	if replayed != first {
		t.Fatalf("replay changed stored asset: %+v != %+v", replayed, first)
	}

	usd.FaucetAmount = 200
	if err := store.UpsertAsset(ctx, usd); err != nil {
		t.Fatalf("update: %v", err)
	}
	updated, _ := store.Asset(poolA)
	if updated.FaucetAmount != 200 || !updated.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("expected a fresh stamp on change, got %+v", updated)
	}
}
