package units

import (
	"errors"
	"math/big"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the fixed-point precision of YD and ETH amounts at the contract boundary.
const Decimals = 18

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrTooPrecise     = errors.New("amount has more than 18 fractional digits")
)

// plainAmount is the only accepted shape: digits with an optional fraction.
// Exponent notation is refused before it can expand into a huge integer.
var plainAmount = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// ParseToken converts a human string such as "100" or "0.25" into base units.
func ParseToken(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if !plainAmount.MatchString(s) {
		return nil, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, ErrInvalidAmount
	}
	if d.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	shifted := d.Shift(Decimals)
	if !shifted.IsInteger() {
		return nil, ErrTooPrecise
	}
	return shifted.BigInt(), nil
}

// FormatToken renders base units without trailing zeros ("100", "0.5").
func FormatToken(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -Decimals).String()
}

// Token returns n whole tokens in base units.
func Token(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), One())
}

// One is 10^18.
func One() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)
}
