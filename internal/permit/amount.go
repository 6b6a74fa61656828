package permit

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

var (
	// ErrInvalidAmount is returned for empty, signed, exponent or otherwise malformed amounts.
	ErrInvalidAmount = errors.New("invalid decimal amount")
	// ErrFractionalPrecision is returned when an amount has more significant
	// fractional digits than the token supports. Nothing is ever rounded.
	ErrFractionalPrecision = errors.New("fractional component exceeds decimals")
	// ErrAmountOverflow is returned when the scaled amount does not fit in uint256.
	ErrAmountOverflow = errors.New("amount exceeds uint256")
)

// ParseUnits scales a human-readable decimal amount by 10^decimals using
// exact integer arithmetic.
//
// Accepted syntax is digits with an optional single '.' separator ("10",
// "1.5", ".25", "3."). Trailing fractional zeros are ignored, so "1.500000"
// is valid for a 6 decimal token; any other digit past the token precision
// yields ErrFractionalPrecision.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	whole, frac, found := strings.Cut(amount, ".")
	if found && strings.Contains(frac, ".") {
		return nil, fmt.Errorf("%w: more than one decimal point", ErrInvalidAmount)
	}
	if whole == "" && frac == "" {
		return nil, fmt.Errorf("%w: missing digits", ErrInvalidAmount)
	}
	if !isDigits(whole) || !isDigits(frac) {
		return nil, fmt.Errorf("%w: %q is not an unsigned decimal", ErrInvalidAmount, amount)
	}

	frac = strings.TrimRight(frac, "0")
	if len(frac) > int(decimals) {
		return nil, fmt.Errorf("%w: %d fractional digits, token has %d", ErrFractionalPrecision, len(frac), decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return new(big.Int), nil
	}
	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if value.Cmp(MaxUint256) > 0 {
		return nil, ErrAmountOverflow
	}
	return value, nil
}

// FormatUnits is the inverse of ParseUnits, used for logs and responses.
func FormatUnits(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	s := value.String()
	if decimals == 0 {
		return s
	}
	d := int(decimals)
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	whole, frac := s[:len(s)-d], strings.TrimRight(s[len(s)-d:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
