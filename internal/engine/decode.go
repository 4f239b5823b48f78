package engine

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// decimalFromString parses a wire-format decimal string. Malformed values
// from the broker are the caller's problem to skip, not a reason to panic.
func decimalFromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// int64FromString parses a wire-format integer quantity string.
func int64FromString(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
