package registry

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "Handshake-Escrow/internal/errors"
)

var maxAmount = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)

// ParseAmount converts a decimal string such as "2500.0000" into the smallest
// unit of an asset with the given decimals. Zero, negative, over-precise or
// out of range values fail with INVALID_AMOUNT.
func ParseAmount(raw string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidAmount, err, fmt.Sprintf("amount %q is not a number", raw))
	}
	if d.Sign() <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidAmount, "")
	}
	units := d.Shift(int32(decimals))
	if !units.IsInteger() {
		return 0, xerrors.New(xerrors.CodeInvalidAmount, fmt.Sprintf("amount %q has more than %d decimals", raw, decimals))
	}
	if units.Cmp(maxAmount) > 0 {
		return 0, xerrors.New(xerrors.CodeInvalidAmount, fmt.Sprintf("amount %q is out of range", raw))
	}
	return units.BigInt().Uint64(), nil
}

// FormatAmount prints units with exactly decimals fractional digits.
func FormatAmount(units uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(decimals)).StringFixed(int32(decimals))
}
