package model

import (
	"fmt"
	"math/big"
	"strings"
)

// ParseBaseUnits parses a non-negative integer base-unit amount.
func ParseBaseUnits(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty amount")
	}
	amount, ok := new(big.Int).SetString(clean, 10)
	if !ok {
		return nil, fmt.Errorf("amount must be an integer base-unit value, got %q", v)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return amount, nil
}

// HexToDecimal converts an optionally 0x-prefixed hex quantity to a decimal
// string. Empty input means zero.
func HexToDecimal(v string) (string, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return "0", nil
	}
	clean = strings.TrimPrefix(clean, "0x")
	clean = strings.TrimPrefix(clean, "0X")
	n := new(big.Int)
	if _, ok := n.SetString(clean, 16); !ok {
		return "", fmt.Errorf("invalid hex value %q", v)
	}
	return n.String(), nil
}
