package escrow

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Handshake-Escrow/internal/errors"
)

const (
	// MaxMemoLength bounds the memo attached on create.
	MaxMemoLength = 200
	// MaxReasonLength bounds the reason message attached on reject or decline.
	MaxReasonLength = 200
)

// Transfer is one escrow instance.
type Transfer struct {
	Address        common.Address `json:"address"`
	Pool           common.Address `json:"pool"`
	Sender         common.Address `json:"sender"`
	Recipient      common.Address `json:"recipient"`
	Asset          common.Address `json:"asset"`
	Amount         uint64         `json:"amount"`
	Memo           string         `json:"memo,omitempty"`
	Status         Status         `json:"status"`
	Nonce          uint64         `json:"nonce"`
	CreatedAt      int64          `json:"created_at"`
	ClaimableAfter int64          `json:"claimable_after,omitempty"`
	ClaimableUntil int64          `json:"claimable_until,omitempty"`
	CreateTx       common.Hash    `json:"create_tx"`
	ResolveTx      common.Hash    `json:"resolve_tx"`
	ResolvedAt     int64          `json:"resolved_at,omitempty"`
	ReasonCode     uint8          `json:"reason_code,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	Slot           uint64         `json:"slot"`
}

// DeriveTransferAddress returns the address of the nonce-th transfer created
// by sender against pool.
func DeriveTransferAddress(sender, pool common.Address, nonce uint64) common.Address {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], nonce)
	digest := crypto.Keccak256([]byte("transfer"), sender.Bytes(), pool.Bytes(), n[:])
	return common.BytesToAddress(digest[12:])
}

// CreateParams are the inputs of Create.
type CreateParams struct {
	Sender         common.Address
	Recipient      common.Address
	Asset          common.Address
	Amount         uint64
	Memo           string
	ClaimableAfter int64
	ClaimableUntil int64
	Nonce          uint64
	Now            int64
}

// Create opens an Active transfer against pool and posts the deposit.
func Create(pool *Pool, params CreateParams) (*Transfer, error) {
	if params.Amount == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidAmount, "")
	}
	if params.Asset != pool.Asset {
		return nil, xerrors.New(xerrors.CodeAssetNotFound, "asset is not served by this pool",
			xerrors.WithMetadata("asset", params.Asset.Hex()),
			xerrors.WithMetadata("pool", pool.Address.Hex()))
	}
	if pool.Paused {
		return nil, xerrors.New(xerrors.CodePoolUnavailable, "",
			xerrors.WithMetadata("pool", pool.Address.Hex()))
	}
	if params.Recipient == (common.Address{}) || params.Recipient == params.Sender {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "recipient must differ from sender")
	}
	if len(params.Memo) > MaxMemoLength {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("memo exceeds %d bytes", MaxMemoLength))
	}
	if params.ClaimableUntil != 0 {
		if params.ClaimableUntil <= params.Now {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "claim window already elapsed")
		}
		if params.ClaimableAfter >= params.ClaimableUntil {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "claim window is empty")
		}
	}
	if err := pool.PostDeposit(params.Amount); err != nil {
		return nil, err
	}
	return &Transfer{
		Address:        DeriveTransferAddress(params.Sender, pool.Address, params.Nonce),
		Pool:           pool.Address,
		Sender:         params.Sender,
		Recipient:      params.Recipient,
		Asset:          params.Asset,
		Amount:         params.Amount,
		Memo:           params.Memo,
		Status:         StatusActive,
		Nonce:          params.Nonce,
		CreatedAt:      params.Now,
		ClaimableAfter: params.ClaimableAfter,
		ClaimableUntil: params.ClaimableUntil,
	}, nil
}

// Settlement describes the payout produced by a resolution.
type Settlement struct {
	Transfer common.Address `json:"transfer"`
	Pool     common.Address `json:"pool"`
	Status   Status         `json:"status"`
	Payee    common.Address `json:"payee"`
	Payout   uint64         `json:"payout"`
	Fee      uint64         `json:"fee"`
}

// Claim pays the recipient the amount minus the pool fee.
func Claim(pool *Pool, t *Transfer, signer common.Address, now int64) (Settlement, error) {
	if err := linked(pool, t); err != nil {
		return Settlement{}, err
	}
	if signer != t.Recipient {
		return Settlement{}, unauthorized("only the recipient can claim", t)
	}
	if err := t.requireActive(); err != nil {
		return Settlement{}, err
	}
	if t.ClaimableAfter != 0 && now < t.ClaimableAfter {
		return Settlement{}, xerrors.New(xerrors.CodeInvalidState, "transfer is not claimable yet",
			xerrors.WithMetadata("transfer", t.Address.Hex()))
	}
	if t.ClaimableUntil != 0 && now > t.ClaimableUntil {
		return Settlement{}, xerrors.New(xerrors.CodeInvalidState, "claim window has elapsed",
			xerrors.WithMetadata("transfer", t.Address.Hex()))
	}
	fee := pool.CalculateFee(t.Amount)
	net := t.Amount - fee
	if err := pool.PostWithdrawal(net); err != nil {
		return Settlement{}, err
	}
	if err := pool.PostFee(fee); err != nil {
		return Settlement{}, err
	}
	t.resolve(StatusClaimed, now, 0, "")
	return Settlement{Transfer: t.Address, Pool: pool.Address, Status: StatusClaimed, Payee: t.Recipient, Payout: net, Fee: fee}, nil
}

// Cancel returns the full amount to the sender.
func Cancel(pool *Pool, t *Transfer, signer common.Address, now int64) (Settlement, error) {
	if err := linked(pool, t); err != nil {
		return Settlement{}, err
	}
	if signer != t.Sender {
		return Settlement{}, unauthorized("only the sender can cancel", t)
	}
	return refund(pool, t, StatusCancelled, now, 0, "")
}

// Reject is the operator-side refund. No fee is retained.
func Reject(pool *Pool, t *Transfer, signer common.Address, code uint8, reason string, now int64) (Settlement, error) {
	if err := linked(pool, t); err != nil {
		return Settlement{}, err
	}
	if signer != pool.Operator {
		return Settlement{}, unauthorized("only the pool operator can reject", t)
	}
	if err := validReason(reason); err != nil {
		return Settlement{}, err
	}
	return refund(pool, t, StatusRejected, now, code, reason)
}

// Decline is the recipient-side refund.
func Decline(pool *Pool, t *Transfer, signer common.Address, code uint8, reason string, now int64) (Settlement, error) {
	if err := linked(pool, t); err != nil {
		return Settlement{}, err
	}
	if signer != t.Recipient {
		return Settlement{}, unauthorized("only the recipient can decline", t)
	}
	if err := validReason(reason); err != nil {
		return Settlement{}, err
	}
	return refund(pool, t, StatusDeclined, now, code, reason)
}

// Expire refunds the sender once the claim window has passed. Any signer
// may trigger it.
func Expire(pool *Pool, t *Transfer, now int64) (Settlement, error) {
	if err := linked(pool, t); err != nil {
		return Settlement{}, err
	}
	if err := t.requireActive(); err != nil {
		return Settlement{}, err
	}
	if t.ClaimableUntil == 0 || now <= t.ClaimableUntil {
		return Settlement{}, xerrors.New(xerrors.CodeInvalidState, "transfer has not expired",
			xerrors.WithMetadata("transfer", t.Address.Hex()))
	}
	return refund(pool, t, StatusExpired, now, 0, "")
}

func refund(pool *Pool, t *Transfer, to Status, now int64, code uint8, reason string) (Settlement, error) {
	if err := t.requireActive(); err != nil {
		return Settlement{}, err
	}
	if err := pool.PostWithdrawal(t.Amount); err != nil {
		return Settlement{}, err
	}
	t.resolve(to, now, code, reason)
	return Settlement{Transfer: t.Address, Pool: pool.Address, Status: to, Payee: t.Sender, Payout: t.Amount}, nil
}

func (t *Transfer) requireActive() error {
	if t.Status != StatusActive {
		return xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("transfer is %s", t.Status),
			xerrors.WithMetadata("transfer", t.Address.Hex()),
			xerrors.WithMetadata("status", t.Status.String()))
	}
	return nil
}

// resolve is the only place a status leaves Active.
func (t *Transfer) resolve(to Status, now int64, code uint8, reason string) {
	if t.Status != StatusActive || !to.Terminal() {
		panic(fmt.Sprintf("escrow: illegal transition %s -> %s", t.Status, to))
	}
	t.Status = to
	t.ResolvedAt = now
	t.ReasonCode = code
	t.Reason = reason
}

func linked(pool *Pool, t *Transfer) error {
	if t.Pool != pool.Address {
		return xerrors.New(xerrors.CodeInvalidArgument, "transfer does not belong to pool",
			xerrors.WithMetadata("transfer", t.Address.Hex()),
			xerrors.WithMetadata("pool", pool.Address.Hex()))
	}
	return nil
}

func validReason(reason string) error {
	if len(reason) > MaxReasonLength {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("reason exceeds %d bytes", MaxReasonLength))
	}
	return nil
}

func unauthorized(msg string, t *Transfer) error {
	return xerrors.New(xerrors.CodeUnauthorized, msg, xerrors.WithMetadata("transfer", t.Address.Hex()))
}
