package fixedpoint

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	ErrNegative  = errors.New("fixedpoint: negative value")
	ErrPrecision = errors.New("fixedpoint: too many decimal places")
)

// ParsePrice converts a human price such as "2.1" into a scaled price.
func ParsePrice(s string) (*uint256.Int, error) {
	return ParseAmount(s, PriceDecimals)
}

// FormatPrice renders a scaled price as a decimal string.
func FormatPrice(price *uint256.Int) string {
	return FormatAmount(price, PriceDecimals)
}

// ParseAmount converts a decimal string into an integer amount of smallest
// units for an asset with the given precision. Excess precision is an error,
// never silently truncated.
func ParseAmount(s string, decimals uint8) (*uint256.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("fixedpoint: parse %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return nil, ErrNegative
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return nil, ErrPrecision
	}
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

// FormatAmount renders an integer amount of smallest units as a decimal string.
func FormatAmount(amount *uint256.Int, decimals uint8) string {
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals)).String()
}
