package main

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

func scale(decimals uint8) decimal.Decimal {
	return decimal.New(1, int32(decimals))
}

// toBaseUnits converts a human amount such as "12.5" into the token's
// smallest unit. Amounts finer than the token precision are rejected.
func toBaseUnits(raw string, decimals uint8) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount is required")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative")
	}
	units := value.Mul(scale(decimals))
	if !units.Equal(units.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", trimmed, decimals)
	}
	return units.BigInt(), nil
}

// fromBaseUnits renders a base-unit amount with the token precision.
func fromBaseUnits(amount *big.Int, decimals uint8) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
