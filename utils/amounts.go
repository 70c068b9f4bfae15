package utils

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ValidateBigInt checks if a string is a valid base-10 big integer.
func ValidateBigInt(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}
	bigInt, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid big integer format")
	}
	return bigInt, nil
}

// ParseAmountWithDecimals parses a human-unit decimal string ("1.0") into
// atomic units at the given token decimals.
func ParseAmountWithDecimals(amount string, decimals int) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}
	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	multiplier := decimal.NewFromBigInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil), 0)
	return dec.Mul(multiplier).BigInt(), nil
}

// FormatAmountFromBigInt formats an atomic-unit amount as a human-unit
// decimal string at the given token decimals.
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
