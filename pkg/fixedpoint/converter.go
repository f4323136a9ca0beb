// Package fixedpoint converts between base-asset and quote-asset quantities at a
// scaled price. Every conversion floors, and every intermediate product is
// computed in 512 bits before the final division.
package fixedpoint

import (
	"errors"

	"github.com/holiman/uint256"
)

const (
	// PriceDecimals is the number of decimals carried by a scaled price. A price
	// is quote units per one whole base unit, multiplied by 10^PriceDecimals.
	PriceDecimals = 18

	// MaxDecimals is the largest asset precision the converter accepts.
	MaxDecimals = 36
)

var (
	ErrOverflow       = errors.New("fixedpoint: result overflows 256 bits")
	ErrDivisionByZero = errors.New("fixedpoint: division by zero")
	ErrDecimals       = errors.New("fixedpoint: unsupported decimals")
)

// pow10 holds 10^0 .. 10^(MaxDecimals+PriceDecimals).
var pow10 [MaxDecimals + PriceDecimals + 1]uint256.Int

func init() {
	ten := uint256.NewInt(10)
	pow10[0].SetOne()
	for i := 1; i < len(pow10); i++ {
		pow10[i].Mul(&pow10[i-1], ten)
	}
}

// Pow10 returns a fresh copy of 10^n.
func Pow10(n int) *uint256.Int {
	return new(uint256.Int).Set(&pow10[n])
}

// PriceScale returns 10^PriceDecimals.
func PriceScale() *uint256.Int {
	return Pow10(PriceDecimals)
}

// ValidDecimals reports whether an asset precision is supported.
func ValidDecimals(decimals uint8) bool {
	return int(decimals) <= MaxDecimals
}

// QuoteForBase returns floor(base * price * 10^quoteDecimals / (PriceScale * 10^baseDecimals)).
func QuoteForBase(base, price *uint256.Int, baseDecimals, quoteDecimals uint8) (*uint256.Int, error) {
	if !ValidDecimals(baseDecimals) || !ValidDecimals(quoteDecimals) {
		return nil, ErrDecimals
	}
	// The ratio 10^quoteDecimals / (10^18 * 10^baseDecimals) collapses to a
	// single power of ten, so one mul-div is enough in either direction.
	k := int(quoteDecimals) - int(baseDecimals) - PriceDecimals
	if k >= 0 {
		product, overflow := new(uint256.Int).MulOverflow(base, price)
		if overflow {
			return nil, ErrOverflow
		}
		if k == 0 {
			return product, nil
		}
		out, overflow := product.MulOverflow(product, &pow10[k])
		if overflow {
			return nil, ErrOverflow
		}
		return out, nil
	}
	out, overflow := new(uint256.Int).MulDivOverflow(base, price, &pow10[-k])
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// BaseForQuote returns the largest base quantity whose cost at price does not
// exceed quote: floor(quote * PriceScale * 10^baseDecimals / (price * 10^quoteDecimals)).
func BaseForQuote(quote, price *uint256.Int, baseDecimals, quoteDecimals uint8) (*uint256.Int, error) {
	if !ValidDecimals(baseDecimals) || !ValidDecimals(quoteDecimals) {
		return nil, ErrDecimals
	}
	if price.IsZero() {
		return nil, ErrDivisionByZero
	}
	m := PriceDecimals + int(baseDecimals) - int(quoteDecimals)
	if m >= 0 {
		out, overflow := new(uint256.Int).MulDivOverflow(quote, &pow10[m], price)
		if overflow {
			return nil, ErrOverflow
		}
		return out, nil
	}
	denominator, overflow := new(uint256.Int).MulOverflow(price, &pow10[-m])
	if overflow {
		// The denominator exceeds every representable quote.
		return new(uint256.Int), nil
	}
	return new(uint256.Int).Div(quote, denominator), nil
}

// Min returns the smaller of a and b (not a copy).
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a
	}
	return b
}
