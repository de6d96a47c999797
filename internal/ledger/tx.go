package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	xerrors "Handshake-Escrow/internal/errors"
)

// Op names a ledger instruction.
type Op uint8

const (
	OpInitAsset Op = iota + 1
	OpInitPool
	OpCreateHolding
	OpMint
	OpTogglePause
	OpCreateTransfer
	OpClaim
	OpCancel
	OpReject
	OpDecline
	OpExpire
	OpDeposit
	OpWithdraw
)

var opNames = map[Op]string{
	OpInitAsset:      "init_asset",
	OpInitPool:       "init_pool",
	OpCreateHolding:  "create_holding",
	OpMint:           "mint",
	OpTogglePause:    "toggle_pause",
	OpCreateTransfer: "create_transfer",
	OpClaim:          "claim",
	OpCancel:         "cancel",
	OpReject:         "reject",
	OpDecline:        "decline",
	OpExpire:         "expire",
	OpDeposit:        "deposit",
	OpWithdraw:       "withdraw",
}

func (o Op) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Instruction is one state transition inside a transaction. Signer is the
// identity whose authority the instruction uses; the transaction must carry
// its signature. Account is the counterparty: the recipient on create, the
// holding owner, the mint destination, the pool operator on init, or the
// withdrawal destination.
type Instruction struct {
	Op             Op
	Signer         common.Address
	Asset          common.Address
	Pool           common.Address
	Transfer       common.Address
	Account        common.Address
	Amount         uint64
	Nonce          uint64
	FeeBps         uint16
	Decimals       uint8
	ClaimableAfter uint64
	ClaimableUntil uint64
	ReasonCode     uint8
	Text           string
}

// Transaction is an ordered list of instructions anchored to a recent hash.
type Transaction struct {
	RecentHash   common.Hash
	Instructions []Instruction
}

// Digest is the hash every signer signs. It doubles as the transaction id.
func (tx *Transaction) Digest() common.Hash {
	enc, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash([]byte("escrow-tx"), enc)
}

// Signers returns the distinct instruction signers in order of appearance.
func (tx *Transaction) Signers() []common.Address {
	seen := make(map[common.Address]struct{}, len(tx.Instructions))
	var out []common.Address
	for _, ins := range tx.Instructions {
		if ins.Signer == (common.Address{}) {
			continue
		}
		if _, ok := seen[ins.Signer]; ok {
			continue
		}
		seen[ins.Signer] = struct{}{}
		out = append(out, ins.Signer)
	}
	return out
}

// EncodeTransaction returns the RLP form of an unsigned transaction.
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	return rlp.EncodeToBytes(tx)
}

// DecodeTransaction parses the RLP form of an unsigned transaction.
func DecodeTransaction(raw []byte) (*Transaction, error) {
	var tx Transaction
	if err := rlp.DecodeBytes(raw, &tx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed transaction")
	}
	return &tx, nil
}

// SignedTransaction is a transaction plus one 65-byte secp256k1 signature
// per required signer.
type SignedTransaction struct {
	Tx         Transaction
	Signatures [][]byte
}

// Hash returns the transaction id.
func (s *SignedTransaction) Hash() common.Hash {
	return s.Tx.Digest()
}

// Encode returns the RLP wire form.
func (s *SignedTransaction) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

// DecodeSignedTransaction parses the RLP wire form.
func DecodeSignedTransaction(raw []byte) (*SignedTransaction, error) {
	var stx SignedTransaction
	if err := rlp.DecodeBytes(raw, &stx); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "malformed signed transaction")
	}
	return &stx, nil
}

// Sign adds key's signature over the digest.
func (s *SignedTransaction) Sign(key *ecdsa.PrivateKey) error {
	digest := s.Tx.Digest()
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	s.Signatures = append(s.Signatures, sig)
	return nil
}

// SignTransaction signs tx with every key.
func SignTransaction(tx Transaction, keys ...*ecdsa.PrivateKey) (*SignedTransaction, error) {
	stx := &SignedTransaction{Tx: tx}
	for _, key := range keys {
		if err := stx.Sign(key); err != nil {
			return nil, err
		}
	}
	return stx, nil
}

// Verify checks that every required signer produced a valid signature and
// returns the recovered signer set.
func (s *SignedTransaction) Verify() (map[common.Address]struct{}, error) {
	if len(s.Tx.Instructions) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transaction has no instructions")
	}
	for i, ins := range s.Tx.Instructions {
		if ins.Signer == (common.Address{}) && ins.Op != OpCreateHolding {
			return nil, xerrors.New(xerrors.CodeUnauthorized, "instruction has no signer",
				xerrors.WithMetadata("instruction", strconv.Itoa(i)),
				xerrors.WithMetadata("op", ins.Op.String()))
		}
	}
	digest := s.Tx.Digest()
	recovered := make(map[common.Address]struct{}, len(s.Signatures))
	for i, sig := range s.Signatures {
		if len(sig) != crypto.SignatureLength {
			return nil, xerrors.New(xerrors.CodeUnauthorized, fmt.Sprintf("signature %d has invalid length", i))
		}
		pub, err := crypto.SigToPub(digest.Bytes(), sig)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeUnauthorized, err, fmt.Sprintf("signature %d is invalid", i))
		}
		recovered[crypto.PubkeyToAddress(*pub)] = struct{}{}
	}
	for _, signer := range s.Tx.Signers() {
		if _, ok := recovered[signer]; !ok {
			return nil, xerrors.New(xerrors.CodeUnauthorized, "missing signature",
				xerrors.WithMetadata("signer", signer.Hex()))
		}
	}
	return recovered, nil
}
