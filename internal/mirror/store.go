// Package mirror is the off-ledger copy of assets, pools, transfers and
// submission outcomes. Writes are idempotent: a record only replaces an
// older slot, and a terminal transfer never returns to Active.
package mirror

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Handshake-Escrow/internal/escrow"
)

// AssetRecord is the mirrored view of a catalog asset.
type AssetRecord struct {
	Address      common.Address `json:"address"`
	Symbol       string         `json:"symbol"`
	Decimals     uint8          `json:"decimals"`
	FaucetAmount uint64         `json:"faucet_amount"`
	Native       bool           `json:"native"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// OutcomeRecord is the result of one submitted transaction.
type OutcomeRecord struct {
	TxHash     common.Hash `json:"tx_hash"`
	Op         string      `json:"op"`
	Status     string      `json:"status"`
	Slot       uint64      `json:"slot"`
	ErrorCode  string      `json:"error_code,omitempty"`
	Error      string      `json:"error,omitempty"`
	RecordedAt time.Time   `json:"recorded_at"`
}

// TransferFilter selects transfers. Zero fields match everything.
type TransferFilter struct {
	Pool      common.Address
	Sender    common.Address
	Recipient common.Address
	Status    escrow.Status
	// ExpiredBefore keeps Active transfers whose claim window closed before
	// this unix time.
	ExpiredBefore int64
	Limit         int
}

// Match reports whether t passes the filter.
func (f TransferFilter) Match(t *escrow.Transfer) bool {
	if f.Pool != (common.Address{}) && t.Pool != f.Pool {
		return false
	}
	if f.Sender != (common.Address{}) && t.Sender != f.Sender {
		return false
	}
	if f.Recipient != (common.Address{}) && t.Recipient != f.Recipient {
		return false
	}
	if f.Status != escrow.StatusUnknown && t.Status != f.Status {
		return false
	}
	if f.ExpiredBefore > 0 {
		if t.Status != escrow.StatusActive || t.ClaimableUntil == 0 || t.ClaimableUntil >= f.ExpiredBefore {
			return false
		}
	}
	return true
}

// Store persists the mirror.
//
// UpsertPool, UpsertTransfer and RecordOutcome report whether the write
// changed anything; replaying a write is a no-op reporting false.
type Store interface {
	UpsertAsset(ctx context.Context, asset AssetRecord) error
	UpsertPool(ctx context.Context, pool escrow.Pool) (bool, error)
	// ReplacePool overwrites the pool regardless of slot. It is reserved for
	// repairing a conflict against the ledger.
	ReplacePool(ctx context.Context, pool escrow.Pool) error
	UpsertTransfer(ctx context.Context, transfer escrow.Transfer) (bool, error)
	RecordOutcome(ctx context.Context, outcome OutcomeRecord) (bool, error)
	GetPool(ctx context.Context, address common.Address) (*escrow.Pool, error)
	ListPools(ctx context.Context) ([]escrow.Pool, error)
	GetTransfer(ctx context.Context, address common.Address) (*escrow.Transfer, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]escrow.Transfer, error)
	GetOutcome(ctx context.Context, txHash common.Hash) (*OutcomeRecord, error)
	Close() error
}

// AssetBatcher is implemented by stores that can upsert many assets in one
// round trip.
type AssetBatcher interface {
	UpsertAssets(ctx context.Context, assets []AssetRecord) error
}

// TransferNewer reports whether incoming may replace current.
func TransferNewer(current, incoming *escrow.Transfer) bool {
	if incoming.Slot <= current.Slot {
		return false
	}
	return !(current.Status.Terminal() && !incoming.Status.Terminal())
}

// PoolNewer reports whether incoming may replace current.
func PoolNewer(current, incoming *escrow.Pool) bool {
	return incoming.Slot > current.Slot
}
