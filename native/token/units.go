package token

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ParseUnits converts a human decimal amount ("1.5") into smallest units for
// an asset with the given decimals. More fractional digits than decimals is an
// error rather than a silent truncation.
func ParseUnits(value string, decimals uint8) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	dec, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}
	scaled := dec.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %q exceeds %d decimals", value, decimals)
	}
	out, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("amount %q overflows", value)
	}
	return out, nil
}

// FormatUnits renders smallest units as a fixed decimal string, for example
// 1098900 with 6 decimals becomes "1.098900".
func FormatUnits(amount *uint256.Int, decimals uint8) string {
	if amount == nil {
		amount = new(uint256.Int)
	}
	return decimal.NewFromBigInt(amount.ToBig(), -int32(decimals)).StringFixed(int32(decimals))
}

// ParseAmount parses a base-10 smallest-unit integer string.
func ParseAmount(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	out, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", value, err)
	}
	return out, nil
}
