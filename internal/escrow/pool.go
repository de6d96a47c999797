package escrow

import (
	"math/bits"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Handshake-Escrow/internal/errors"
)

// MaxFeeBps is the highest accepted fee rate (100%).
const MaxFeeBps = 10_000

// Pool is the custodial ledger of one asset.
//
// TotalDeposited - TotalWithdrawn - TotalFeesCollected always equals the sum
// of the amounts of the pool's Active transfers. Reserve sits outside that
// balance: it holds collected fees and direct operator funding.
type Pool struct {
	Address            common.Address `json:"address"`
	Asset              common.Address `json:"asset"`
	Operator           common.Address `json:"operator"`
	FeeBps             uint16         `json:"fee_bps"`
	Paused             bool           `json:"paused"`
	TotalDeposited     uint64         `json:"total_deposited"`
	TotalWithdrawn     uint64         `json:"total_withdrawn"`
	TotalFeesCollected uint64         `json:"total_fees_collected"`
	TransfersCreated   uint64         `json:"transfers_created"`
	TransfersResolved  uint64         `json:"transfers_resolved"`
	Reserve            uint64         `json:"reserve"`
	Slot               uint64         `json:"slot"`
}

// NewPool validates the parameters and returns an unpaused pool.
func NewPool(asset, operator common.Address, feeBps uint16) (*Pool, error) {
	if operator == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "pool operator is required")
	}
	if feeBps > MaxFeeBps {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "fee rate exceeds 10000 bps")
	}
	return &Pool{
		Address:  DerivePoolAddress(asset, operator),
		Asset:    asset,
		Operator: operator,
		FeeBps:   feeBps,
	}, nil
}

// DerivePoolAddress returns the deterministic address of the pool owned by
// operator for asset.
func DerivePoolAddress(asset, operator common.Address) common.Address {
	digest := crypto.Keccak256([]byte("pool"), asset.Bytes(), operator.Bytes())
	return common.BytesToAddress(digest[12:])
}

// Locked returns the amount currently held for Active transfers.
func (p *Pool) Locked() uint64 {
	return p.TotalDeposited - p.TotalWithdrawn - p.TotalFeesCollected
}

// CalculateFee returns floor(amount * FeeBps / 10000) without overflowing.
func (p *Pool) CalculateFee(amount uint64) uint64 {
	bps := uint64(p.FeeBps)
	if bps > MaxFeeBps {
		bps = MaxFeeBps
	}
	hi, lo := bits.Mul64(amount, bps)
	fee, _ := bits.Div64(hi, lo, MaxFeeBps)
	return fee
}

// PostDeposit records value entering escrow.
func (p *Pool) PostDeposit(amount uint64) error {
	deposited, err := checkedAdd(p.TotalDeposited, amount, "total deposited")
	if err != nil {
		return err
	}
	created, err := checkedAdd(p.TransfersCreated, 1, "transfers created")
	if err != nil {
		return err
	}
	p.TotalDeposited = deposited
	p.TransfersCreated = created
	return nil
}

// PostWithdrawal records value leaving escrow and counts the resolution.
func (p *Pool) PostWithdrawal(amount uint64) error {
	if amount > p.Locked() {
		return xerrors.New(xerrors.CodeMathOverflow, "withdrawal exceeds locked balance")
	}
	resolved, err := checkedAdd(p.TransfersResolved, 1, "transfers resolved")
	if err != nil {
		return err
	}
	p.TotalWithdrawn += amount
	p.TransfersResolved = resolved
	return nil
}

// PostFee records a fee retained on claim and moves it into the reserve.
func (p *Pool) PostFee(fee uint64) error {
	if fee == 0 {
		return nil
	}
	if fee > p.Locked() {
		return xerrors.New(xerrors.CodeMathOverflow, "fee exceeds locked balance")
	}
	reserve, err := checkedAdd(p.Reserve, fee, "reserve")
	if err != nil {
		return err
	}
	p.TotalFeesCollected += fee
	p.Reserve = reserve
	return nil
}

// Fund adds direct operator funding to the reserve.
func (p *Pool) Fund(amount uint64) error {
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidAmount, "")
	}
	reserve, err := checkedAdd(p.Reserve, amount, "reserve")
	if err != nil {
		return err
	}
	p.Reserve = reserve
	return nil
}

// Drain removes amount from the reserve on behalf of signer.
func (p *Pool) Drain(signer common.Address, amount uint64) error {
	if signer != p.Operator {
		return xerrors.New(xerrors.CodeUnauthorized, "only the pool operator can withdraw")
	}
	if amount == 0 {
		return xerrors.New(xerrors.CodeInvalidAmount, "")
	}
	if amount > p.Reserve {
		return xerrors.New(xerrors.CodeInsufficientFunds, "pool reserve is too low")
	}
	p.Reserve -= amount
	return nil
}

// TogglePause flips the pause flag on behalf of signer.
func (p *Pool) TogglePause(signer common.Address) error {
	if signer != p.Operator {
		return xerrors.New(xerrors.CodeUnauthorized, "only the pool operator can pause")
	}
	p.Paused = !p.Paused
	return nil
}

func checkedAdd(a, b uint64, field string) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, xerrors.New(xerrors.CodeMathOverflow, field+" overflow")
	}
	return sum, nil
}
