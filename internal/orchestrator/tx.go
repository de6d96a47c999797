// Package orchestrator turns client intents into unsigned ledger
// transactions, signs them with a Signer and submits them, reporting one of
// three outcomes: confirmed, timed out unconfirmed, or rejected.
package orchestrator

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/ledger"
)

// Intent names used for metrics, logs and the transport envelope.
const (
	OpCreateTransfer = "create_transfer"
	OpClaim          = "claim"
	OpCancel         = "cancel"
	OpReject         = "reject"
	OpDecline        = "decline"
	OpExpire         = "expire"
	OpDeposit        = "deposit"
	OpWithdraw       = "withdraw"
	OpFaucetGrant    = "faucet_grant"
	OpTogglePause    = "toggle_pause"
)

// UnsignedTx is a built transaction waiting for signatures.
type UnsignedTx struct {
	Op       string
	Tx       ledger.Transaction
	Digest   common.Hash
	Signers  []common.Address
	Pool     common.Address
	Transfer common.Address
}

func newUnsigned(op string, tx ledger.Transaction, pool, transfer common.Address) *UnsignedTx {
	return &UnsignedTx{
		Op:       op,
		Tx:       tx,
		Digest:   tx.Digest(),
		Signers:  tx.Signers(),
		Pool:     pool,
		Transfer: transfer,
	}
}

type unsignedEnvelope struct {
	Op          string           `json:"op"`
	Transaction hexutil.Bytes    `json:"transaction"`
	Digest      common.Hash      `json:"digest"`
	Signers     []common.Address `json:"signers"`
	Pool        common.Address   `json:"pool,omitempty"`
	Transfer    common.Address   `json:"transfer,omitempty"`
}

// MarshalJSON encodes the transaction as hex RLP.
func (u *UnsignedTx) MarshalJSON() ([]byte, error) {
	raw, err := ledger.EncodeTransaction(&u.Tx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(unsignedEnvelope{
		Op:          u.Op,
		Transaction: raw,
		Digest:      u.Digest,
		Signers:     u.Signers,
		Pool:        u.Pool,
		Transfer:    u.Transfer,
	})
}

// UnmarshalJSON decodes the envelope. Digest and signers are recomputed from
// the transaction and must match the envelope.
func (u *UnsignedTx) UnmarshalJSON(data []byte) error {
	var env unsignedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed unsigned transaction")
	}
	tx, err := ledger.DecodeTransaction(env.Transaction)
	if err != nil {
		return err
	}
	decoded := newUnsigned(env.Op, *tx, env.Pool, env.Transfer)
	if env.Digest != (common.Hash{}) && env.Digest != decoded.Digest {
		return xerrors.New(xerrors.CodeInvalidArgument, "digest does not match transaction")
	}
	*u = *decoded
	return nil
}

// SignedTx is a fully signed transaction ready for submission.
type SignedTx struct {
	Op   string
	Raw  []byte
	Hash common.Hash
}

// DecodeSignedTx parses raw wire bytes received from a client.
func DecodeSignedTx(raw []byte) (*SignedTx, error) {
	stx, err := ledger.DecodeSignedTransaction(raw)
	if err != nil {
		return nil, err
	}
	return &SignedTx{Op: opOf(&stx.Tx), Raw: raw, Hash: stx.Hash()}, nil
}

var instructionIntents = map[ledger.Op]string{
	ledger.OpCreateTransfer: OpCreateTransfer,
	ledger.OpClaim:          OpClaim,
	ledger.OpCancel:         OpCancel,
	ledger.OpReject:         OpReject,
	ledger.OpDecline:        OpDecline,
	ledger.OpExpire:         OpExpire,
	ledger.OpDeposit:        OpDeposit,
	ledger.OpWithdraw:       OpWithdraw,
	ledger.OpMint:           OpFaucetGrant,
	ledger.OpTogglePause:    OpTogglePause,
}

// opOf names the intent of a transaction by its last non-holding instruction.
func opOf(tx *ledger.Transaction) string {
	for i := len(tx.Instructions) - 1; i >= 0; i-- {
		op := tx.Instructions[i].Op
		if op == ledger.OpCreateHolding {
			continue
		}
		if name, ok := instructionIntents[op]; ok {
			return name
		}
		return op.String()
	}
	return "unknown"
}
