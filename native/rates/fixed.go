package rates

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision of every stored rate.
const Decimals = 18

var one = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(Decimals))

// One returns 1.0 in 18-decimal fixed point.
func One() *uint256.Int { return new(uint256.Int).Set(one) }

// ParseRate converts a decimal string such as "1.10" into 18-decimal fixed
// point. Zero, negative and over-precise inputs are rejected.
func ParseRate(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty rate", ErrInvalidRate)
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRate, value, err)
	}
	return FromDecimal(dec)
}

// FromDecimal scales a decimal into 18-decimal fixed point.
func FromDecimal(dec decimal.Decimal) (*uint256.Int, error) {
	if !dec.IsPositive() {
		return nil, ErrInvalidRate
	}
	scaled := dec.Shift(Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("%w: more than %d decimals", ErrInvalidRate, Decimals)
	}
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, ErrAmountOverflow
	}
	return out, nil
}

// ToDecimal converts an 18-decimal fixed point rate into a decimal.
func ToDecimal(rate *uint256.Int) decimal.Decimal {
	if rate == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(rate.ToBig(), -Decimals)
}

// FormatRate renders a fixed point rate without trailing zeros, e.g. "1.1".
func FormatRate(rate *uint256.Int) string {
	return ToDecimal(rate).String()
}

// Invert returns 1/rate in fixed point, rounded down.
func Invert(rate *uint256.Int) (*uint256.Int, error) {
	if rate == nil || rate.IsZero() {
		return nil, ErrInvalidRate
	}
	numerator := new(uint256.Int).Mul(one, one)
	out := new(uint256.Int).Div(numerator, rate)
	if out.IsZero() {
		return nil, ErrInvalidRate
	}
	return out, nil
}

// ChangeBps returns |next-prev|/prev in basis points, saturating at the
// maximum uint64 value. A zero prev reports the maximum.
func ChangeBps(prev, next *uint256.Int) uint64 {
	if prev == nil || prev.IsZero() {
		return ^uint64(0)
	}
	if next == nil {
		next = new(uint256.Int)
	}
	diff := new(uint256.Int)
	if next.Gt(prev) {
		diff.Sub(next, prev)
	} else {
		diff.Sub(prev, next)
	}
	bps, overflow := new(uint256.Int).MulDivOverflow(diff, uint256.NewInt(10_000), prev)
	if overflow || !bps.IsUint64() {
		return ^uint64(0)
	}
	return bps.Uint64()
}
