package vault

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits carried by settlement amounts.
const Decimals = 6

var unitScale = big.NewInt(1_000_000)

// Units converts a whole number of settlement units into base units.
func Units(whole int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(whole), unitScale)
}

// ParseAmount converts a decimal string with at most six fractional digits
// into base units. Negative values and excess precision are rejected.
func ParseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty amount", ErrInvalidAmount)
	}
	if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "+") {
		return nil, fmt.Errorf("%w: signed amount %q", ErrInvalidAmount, raw)
	}
	whole, frac, _ := strings.Cut(trimmed, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return nil, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, Decimals)
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	for _, r := range whole + frac {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, raw)
		}
	}
	value, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a decimal", ErrInvalidAmount, raw)
	}
	if value.BitLen() > 256 {
		return nil, fmt.Errorf("%w: exceeds 256 bits", ErrInvalidAmount)
	}
	return value, nil
}

// FormatAmount renders base units as a decimal string with six fractional digits.
func FormatAmount(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	abs := new(big.Int).Abs(amount)
	whole, frac := new(big.Int).QuoRem(abs, unitScale, new(big.Int))
	sign := ""
	if amount.Sign() < 0 {
		sign = "-"
	}
	return fmt.Sprintf("%s%s.%06d", sign, whole.String(), frac.Int64())
}

func toUint(amount *big.Int) (*uint256.Int, error) {
	if amount == nil || amount.Sign() == 0 {
		return nil, ErrZeroAmount
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative amount", ErrInvalidAmount)
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("%w: exceeds 256 bits", ErrInvalidAmount)
	}
	return value, nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
