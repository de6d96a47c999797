package orchestrator

import (
	"context"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/escrow"
	"Handshake-Escrow/internal/ledger"
	"Handshake-Escrow/internal/observability/metrics"
	"Handshake-Escrow/pkg/logger"
)

// Builder assembles unsigned transactions. It only reads ledger state: every
// intent is validated by running the escrow transition on copies of the
// current records, so invalid requests fail before anything is signed.
type Builder struct {
	ledger ledger.Reader
	logger *slog.Logger
}

// BuilderOption customises a Builder.
type BuilderOption func(*Builder)

// WithBuilderLogger overrides the builder logger.
func WithBuilderLogger(l *slog.Logger) BuilderOption {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder creates a Builder over reader.
func NewBuilder(reader ledger.Reader, opts ...BuilderOption) *Builder {
	b := &Builder{ledger: reader, logger: logger.Named("builder")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateIntent describes a new transfer.
type CreateIntent struct {
	Sender         common.Address
	Recipient      common.Address
	Asset          common.Address
	Pool           common.Address
	Amount         uint64
	Memo           string
	ClaimableAfter int64
	ClaimableUntil int64
}

// ResolveIntent describes a resolution of an existing transfer.
type ResolveIntent struct {
	Transfer   common.Address
	Signer     common.Address
	ReasonCode uint8
	Reason     string
}

// BuildCreateTransfer builds a create transaction signed by the sender.
func (b *Builder) BuildCreateTransfer(ctx context.Context, in CreateIntent) (*UnsignedTx, error) {
	if in.Amount == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidAmount, "")
	}
	if _, err := b.ledger.GetAsset(ctx, in.Asset); err != nil {
		return nil, err
	}
	pool, err := b.pool(ctx, in.Pool)
	if err != nil {
		return nil, err
	}
	head, err := b.ledger.Head(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := b.ledger.NextSequence(ctx, in.Sender, pool.Address)
	if err != nil {
		return nil, err
	}
	t, err := escrow.Create(pool, escrow.CreateParams{
		Sender:         in.Sender,
		Recipient:      in.Recipient,
		Asset:          in.Asset,
		Amount:         in.Amount,
		Memo:           in.Memo,
		ClaimableAfter: in.ClaimableAfter,
		ClaimableUntil: in.ClaimableUntil,
		Nonce:          nonce,
		Now:            head.Time,
	})
	if err != nil {
		return nil, err
	}
	if err := b.requireBalance(ctx, in.Sender, in.Asset, in.Amount); err != nil {
		return nil, err
	}

	tx := ledger.Transaction{RecentHash: head.Hash, Instructions: []ledger.Instruction{{
		Op:             ledger.OpCreateTransfer,
		Signer:         in.Sender,
		Asset:          in.Asset,
		Pool:           pool.Address,
		Transfer:       t.Address,
		Account:        in.Recipient,
		Amount:         in.Amount,
		Nonce:          nonce,
		ClaimableAfter: uint64(in.ClaimableAfter),
		ClaimableUntil: uint64(in.ClaimableUntil),
		Text:           in.Memo,
	}}}
	return b.finish(OpCreateTransfer, tx, pool.Address, t.Address), nil
}

// BuildClaim builds a claim signed by the recipient.
func (b *Builder) BuildClaim(ctx context.Context, in ResolveIntent) (*UnsignedTx, error) {
	return b.buildResolution(ctx, OpClaim, ledger.OpClaim, in)
}

// BuildCancel builds a cancel signed by the sender.
func (b *Builder) BuildCancel(ctx context.Context, in ResolveIntent) (*UnsignedTx, error) {
	return b.buildResolution(ctx, OpCancel, ledger.OpCancel, in)
}

// BuildReject builds a reject signed by the pool operator.
func (b *Builder) BuildReject(ctx context.Context, in ResolveIntent) (*UnsignedTx, error) {
	return b.buildResolution(ctx, OpReject, ledger.OpReject, in)
}

// BuildDecline builds a decline signed by the recipient.
func (b *Builder) BuildDecline(ctx context.Context, in ResolveIntent) (*UnsignedTx, error) {
	return b.buildResolution(ctx, OpDecline, ledger.OpDecline, in)
}

// BuildExpire builds an expiry. Any signer may submit it.
func (b *Builder) BuildExpire(ctx context.Context, in ResolveIntent) (*UnsignedTx, error) {
	return b.buildResolution(ctx, OpExpire, ledger.OpExpire, in)
}

func (b *Builder) buildResolution(ctx context.Context, name string, op ledger.Op, in ResolveIntent) (*UnsignedTx, error) {
	t, err := b.ledger.GetTransfer(ctx, in.Transfer)
	if err != nil {
		return nil, err
	}
	pool, err := b.pool(ctx, t.Pool)
	if err != nil {
		return nil, err
	}
	head, err := b.ledger.Head(ctx)
	if err != nil {
		return nil, err
	}

	var settlement escrow.Settlement
	switch op {
	case ledger.OpClaim:
		settlement, err = escrow.Claim(pool, t, in.Signer, head.Time)
	case ledger.OpCancel:
		settlement, err = escrow.Cancel(pool, t, in.Signer, head.Time)
	case ledger.OpReject:
		settlement, err = escrow.Reject(pool, t, in.Signer, in.ReasonCode, in.Reason, head.Time)
	case ledger.OpDecline:
		settlement, err = escrow.Decline(pool, t, in.Signer, in.ReasonCode, in.Reason, head.Time)
	case ledger.OpExpire:
		settlement, err = escrow.Expire(pool, t, head.Time)
	}
	if err != nil {
		return nil, err
	}

	var instructions []ledger.Instruction
	holding, err := b.ensureHolding(ctx, in.Signer, settlement.Payee, t.Asset)
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, holding...)
	instructions = append(instructions, ledger.Instruction{
		Op:         op,
		Signer:     in.Signer,
		Pool:       pool.Address,
		Transfer:   t.Address,
		ReasonCode: in.ReasonCode,
		Text:       in.Reason,
	})
	tx := ledger.Transaction{RecentHash: head.Hash, Instructions: instructions}
	return b.finish(name, tx, pool.Address, t.Address), nil
}

// BuildDeposit builds a custodial deposit into the pool reserve.
func (b *Builder) BuildDeposit(ctx context.Context, poolAddress, depositor common.Address, amount uint64) (*UnsignedTx, error) {
	pool, err := b.pool(ctx, poolAddress)
	if err != nil {
		return nil, err
	}
	if err := pool.Fund(amount); err != nil {
		return nil, err
	}
	if err := b.requireBalance(ctx, depositor, pool.Asset, amount); err != nil {
		return nil, err
	}
	head, err := b.ledger.Head(ctx)
	if err != nil {
		return nil, err
	}
	tx := ledger.Transaction{RecentHash: head.Hash, Instructions: []ledger.Instruction{{
		Op:     ledger.OpDeposit,
		Signer: depositor,
		Pool:   pool.Address,
		Amount: amount,
	}}}
	return b.finish(OpDeposit, tx, pool.Address, common.Address{}), nil
}

// BuildWithdraw builds an operator withdrawal from the pool reserve to
// destination (the operator when zero).
func (b *Builder) BuildWithdraw(ctx context.Context, poolAddress, operator, destination common.Address, amount uint64) (*UnsignedTx, error) {
	pool, err := b.pool(ctx, poolAddress)
	if err != nil {
		return nil, err
	}
	if err := pool.Drain(operator, amount); err != nil {
		return nil, err
	}
	if destination == (common.Address{}) {
		destination = operator
	}
	head, err := b.ledger.Head(ctx)
	if err != nil {
		return nil, err
	}
	instructions, err := b.ensureHolding(ctx, operator, destination, pool.Asset)
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, ledger.Instruction{
		Op:      ledger.OpWithdraw,
		Signer:  operator,
		Pool:    pool.Address,
		Account: destination,
		Amount:  amount,
	})
	tx := ledger.Transaction{RecentHash: head.Hash, Instructions: instructions}
	return b.finish(OpWithdraw, tx, pool.Address, common.Address{}), nil
}

// BuildTogglePause builds a pause flip signed by the pool operator.
func (b *Builder) BuildTogglePause(ctx context.Context, poolAddress, operator common.Address) (*UnsignedTx, error) {
	pool, err := b.pool(ctx, poolAddress)
	if err != nil {
		return nil, err
	}
	if err := pool.TogglePause(operator); err != nil {
		return nil, err
	}
	head, err := b.ledger.Head(ctx)
	if err != nil {
		return nil, err
	}
	tx := ledger.Transaction{RecentHash: head.Hash, Instructions: []ledger.Instruction{{
		Op:     ledger.OpTogglePause,
		Signer: operator,
		Pool:   pool.Address,
	}}}
	return b.finish(OpTogglePause, tx, pool.Address, common.Address{}), nil
}

// BuildFaucetGrant builds a mint of amount to wallet signed by authority,
// creating the wallet holding when missing.
func (b *Builder) BuildFaucetGrant(ctx context.Context, asset, wallet, authority common.Address, amount uint64) (*UnsignedTx, error) {
	if amount == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidAmount, "")
	}
	a, err := b.ledger.GetAsset(ctx, asset)
	if err != nil {
		return nil, err
	}
	if a.Authority != authority {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "faucet key is not the mint authority",
			xerrors.WithMetadata("asset", asset.Hex()))
	}
	head, err := b.ledger.Head(ctx)
	if err != nil {
		return nil, err
	}
	instructions, err := b.ensureHolding(ctx, authority, wallet, asset)
	if err != nil {
		return nil, err
	}
	instructions = append(instructions, ledger.Instruction{
		Op:      ledger.OpMint,
		Signer:  authority,
		Asset:   asset,
		Account: wallet,
		Amount:  amount,
	})
	tx := ledger.Transaction{RecentHash: head.Hash, Instructions: instructions}
	return b.finish(OpFaucetGrant, tx, common.Address{}, common.Address{}), nil
}

func (b *Builder) finish(op string, tx ledger.Transaction, pool, transfer common.Address) *UnsignedTx {
	metrics.ObserveBuild(op)
	u := newUnsigned(op, tx, pool, transfer)
	b.logger.Debug("transaction built",
		slog.String("op", op),
		slog.String("digest", u.Digest.Hex()),
		slog.Int("instructions", len(tx.Instructions)))
	return u
}

// pool loads a pool. A missing pool is reported as NO_ACTIVE_POOL.
func (b *Builder) pool(ctx context.Context, address common.Address) (*escrow.Pool, error) {
	pool, err := b.ledger.GetPool(ctx, address)
	if err != nil {
		if xerrors.IsCode(err, xerrors.CodeNotFound) {
			return nil, xerrors.Wrap(xerrors.CodeNoActivePool, err, "pool not found",
				xerrors.WithMetadata("pool", address.Hex()))
		}
		return nil, err
	}
	return pool, nil
}

func (b *Builder) requireBalance(ctx context.Context, owner, asset common.Address, amount uint64) error {
	h, err := b.ledger.GetHolding(ctx, owner, asset)
	if err != nil {
		return err
	}
	if !h.Exists || h.Balance < amount {
		return xerrors.New(xerrors.CodeInsufficientFunds, "",
			xerrors.WithMetadata("owner", owner.Hex()),
			xerrors.WithMetadata("asset", asset.Hex()))
	}
	return nil
}

// ensureHolding returns a CreateHolding instruction paid by payer when
// owner has no holding for asset.
func (b *Builder) ensureHolding(ctx context.Context, payer, owner, asset common.Address) ([]ledger.Instruction, error) {
	h, err := b.ledger.GetHolding(ctx, owner, asset)
	if err != nil {
		return nil, err
	}
	if h.Exists {
		return nil, nil
	}
	return []ledger.Instruction{{
		Op:      ledger.OpCreateHolding,
		Signer:  payer,
		Asset:   asset,
		Account: owner,
	}}, nil
}
