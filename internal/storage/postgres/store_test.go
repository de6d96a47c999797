package postgres

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/mirror"
)

func TestTransferQueryNumbersParameters(t *testing.T) {
	pool := common.HexToAddress("0x00000000000000000000000000000000000000a0")
	query, args := transferQuery(mirror.TransferFilter{Pool: pool, Status: escrow.StatusActive, ExpiredBefore: 42, Limit: 5})

	for _, fragment := range []string{
		"WHERE pool = $1 AND status = $2",
		"claimable_until < $3",
		"ORDER BY created_at DESC, address ASC LIMIT $4",
	} {
		if !strings.Contains(query, fragment) {
			t.Fatalf("query %q missing %q", query, fragment)
		}
	}
	if len(args) != 4 || args[0] != hexAddress(pool) || args[1] != "active" || args[2] != int64(42) || args[3] != 5 {
		t.Fatalf("unexpected args %v", args)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("ESCROW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ESCROW_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	address := common.BytesToAddress([]byte(t.Name()))
	pool := escrow.Pool{Address: address, Operator: common.HexToAddress("0x01"), FeeBps: 100, TotalDeposited: ^uint64(0), Slot: 5}
	if _, err := store.UpsertPool(ctx, pool); err != nil {
		t.Fatalf("upsert pool: %v", err)
	}
	stale := pool
	stale.FeeBps = 1
	stale.Slot = 4
	if applied, err := store.UpsertPool(ctx, stale); err != nil || applied {
		t.Fatalf("older slot must not apply: %v %v", applied, err)
	}
	got, err := store.GetPool(ctx, address)
	if err != nil {
		t.Fatalf("get pool: %v", err)
	}
	if got.FeeBps != 100 || got.TotalDeposited != ^uint64(0) {
		t.Fatalf("unexpected pool %+v", got)
	}

	hash := common.BytesToHash([]byte(t.Name()))
	if _, err := store.RecordOutcome(ctx, mirror.OutcomeRecord{TxHash: hash, Op: "claim", Status: "confirmed"}); err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if inserted, err := store.RecordOutcome(ctx, mirror.OutcomeRecord{TxHash: hash, Op: "claim", Status: "confirmed"}); err != nil || inserted {
		t.Fatalf("duplicate outcome: %v %v", inserted, err)
	}
	if _, err := store.GetTransfer(ctx, common.HexToAddress("0xdead")); !xerrors.IsCode(err, xerrors.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
