package orchestrator

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Handshake-Escrow/internal/errors"
	"Handshake-Escrow/internal/ledger"
)

// Signer produces signatures for unsigned transactions. The service never
// holds user keys; callers sign with their own Signer and submit the result.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, tx *UnsignedTx) (*SignedTx, error)
}

// KeySigner signs with an in-memory secp256k1 key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewKeySigner wraps key.
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// KeySignerFromHex parses a hex private key with or without 0x prefix.
func KeySignerFromHex(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid private key")
	}
	return NewKeySigner(key), nil
}

// Address returns the signing identity.
func (s *KeySigner) Address() common.Address {
	return s.address
}

// Sign signs tx. The key must belong to one of the required signers.
func (s *KeySigner) Sign(ctx context.Context, tx *UnsignedTx) (*SignedTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	required := false
	for _, signer := range tx.Signers {
		if signer == s.address {
			required = true
			break
		}
	}
	if !required {
		return nil, xerrors.New(xerrors.CodeUnauthorized, "key is not a required signer",
			xerrors.WithMetadata("signer", s.address.Hex()))
	}
	stx, err := ledger.SignTransaction(tx.Tx, s.key)
	if err != nil {
		return nil, err
	}
	raw, err := stx.Encode()
	if err != nil {
		return nil, err
	}
	return &SignedTx{Op: tx.Op, Raw: raw, Hash: stx.Hash()}, nil
}
