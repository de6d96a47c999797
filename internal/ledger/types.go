package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"Handshake-Escrow/internal/escrow"
)

// NativeAsset is the address of the ledger's native asset.
var NativeAsset = common.Address{}

// Asset is a fungible token known to the ledger.
type Asset struct {
	Address   common.Address `json:"address"`
	Symbol    string         `json:"symbol"`
	Decimals  uint8          `json:"decimals"`
	Authority common.Address `json:"authority"`
	Supply    uint64         `json:"supply"`
}

// Holding is the balance of one owner for one asset.
type Holding struct {
	Owner   common.Address `json:"owner"`
	Asset   common.Address `json:"asset"`
	Balance uint64         `json:"balance"`
	Exists  bool           `json:"exists"`
}

// Head describes the latest slot.
type Head struct {
	Slot uint64      `json:"slot"`
	Hash common.Hash `json:"hash"`
	Time int64       `json:"time"`
}

// ReceiptStatus is the lifecycle of a submitted transaction.
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptConfirmed ReceiptStatus = "confirmed"
	ReceiptFailed    ReceiptStatus = "failed"
)

// Event kinds emitted by applied instructions.
const (
	EventAssetInitialized  = "AssetInitialized"
	EventPoolInitialized   = "PoolInitialized"
	EventHoldingCreated    = "HoldingCreated"
	EventAssetMinted       = "AssetMinted"
	EventPoolPauseToggled  = "PoolPauseToggled"
	EventTransferCreated   = "TransferCreated"
	EventTransferClaimed   = "TransferClaimed"
	EventTransferCancelled = "TransferCancelled"
	EventTransferRejected  = "TransferRejected"
	EventTransferDeclined  = "TransferDeclined"
	EventTransferExpired   = "TransferExpired"
	EventPoolDeposit       = "PoolDeposit"
	EventPoolWithdrawal    = "PoolWithdrawal"
)

// Event describes one applied instruction.
type Event struct {
	Kind       string         `json:"kind"`
	Transfer   common.Address `json:"transfer,omitempty"`
	Pool       common.Address `json:"pool,omitempty"`
	Asset      common.Address `json:"asset"`
	Sender     common.Address `json:"sender,omitempty"`
	Recipient  common.Address `json:"recipient,omitempty"`
	Amount     uint64         `json:"amount,omitempty"`
	Fee        uint64         `json:"fee,omitempty"`
	NetAmount  uint64         `json:"net_amount,omitempty"`
	ReasonCode uint8          `json:"reason_code,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

// Receipt is the ledger's record of a submitted transaction.
type Receipt struct {
	TxHash    common.Hash   `json:"tx_hash"`
	Status    ReceiptStatus `json:"status"`
	Slot      uint64        `json:"slot"`
	ErrorCode string        `json:"error_code,omitempty"`
	Error     string        `json:"error,omitempty"`
	Events    []Event       `json:"events,omitempty"`
}

// Reader is the read side of the ledger.
type Reader interface {
	Head(ctx context.Context) (Head, error)
	GetAsset(ctx context.Context, address common.Address) (*Asset, error)
	GetPool(ctx context.Context, address common.Address) (*escrow.Pool, error)
	ListPools(ctx context.Context) ([]escrow.Pool, error)
	GetTransfer(ctx context.Context, address common.Address) (*escrow.Transfer, error)
	GetHolding(ctx context.Context, owner, asset common.Address) (Holding, error)
	NextSequence(ctx context.Context, sender, pool common.Address) (uint64, error)
}

// Client is everything the orchestrator and reconciler need from a ledger.
// Implemented in-process by *Ledger and remotely by *RPCClient.
type Client interface {
	Reader
	SendTransaction(ctx context.Context, raw []byte) (common.Hash, error)
	GetReceipt(ctx context.Context, hash common.Hash) (*Receipt, error)
}
