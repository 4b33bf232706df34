// Package units converts between human-entered decimal strings and integer
// minor-unit amounts. Nothing in this package touches floating point.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

// ErrInvalidDecimalFormat is returned for input that is not a plain decimal number
var ErrInvalidDecimalFormat = errors.New("invalid decimal format")

// PercentageScale is the divisor applied by CalculatePercentage (parts per million)
const PercentageScale = 1_000_000

var decimalPattern = regexp.MustCompile(`^-?\d*\.?\d+$`)

var ten = big.NewInt(10)

// IsValidDecimal reports whether value is accepted by ParseToBigInt
func IsValidDecimal(value string) bool {
	return decimalPattern.MatchString(value)
}

// ParseToBigInt converts a decimal string into minor units with the given
// precision. Fractional digits beyond decimals are truncated, not rounded.
func ParseToBigInt(value string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, fmt.Errorf("negative decimals %d", decimals)
	}
	if !IsValidDecimal(value) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimalFormat, value)
	}

	negative := strings.HasPrefix(value, "-")
	value = strings.TrimPrefix(value, "-")

	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > decimals {
		frac = frac[:decimals]
	} else {
		frac += strings.Repeat("0", decimals-len(frac))
	}

	digits := whole + frac
	if digits == "" {
		digits = "0"
	}

	result, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecimalFormat, value)
	}
	if negative {
		result.Neg(result)
	}
	return result, nil
}

// FormatBigIntToDecimal renders minor units as a decimal string with trailing
// zeros removed. maxDecimalPlaces < 0 means no limit; extra places are truncated.
func FormatBigIntToDecimal(value *big.Int, decimals int, maxDecimalPlaces int) string {
	if value == nil {
		return "0"
	}

	abs := new(big.Int).Abs(value)
	whole, rem := new(big.Int), new(big.Int)
	whole.QuoRem(abs, new(big.Int).Exp(ten, big.NewInt(int64(decimals)), nil), rem)

	frac := ""
	if decimals > 0 {
		frac = rem.String()
		frac = strings.Repeat("0", decimals-len(frac)) + frac
		frac = strings.TrimRight(frac, "0")
		if maxDecimalPlaces >= 0 && len(frac) > maxDecimalPlaces {
			frac = strings.TrimRight(frac[:maxDecimalPlaces], "0")
		}
	}

	out := whole.String()
	if frac != "" {
		out += "." + frac
	}
	if value.Sign() < 0 && out != "0" {
		out = "-" + out
	}
	return out
}

// CalculatePercentage returns amount * rate / 1,000,000 using integer
// arithmetic only. The quotient truncates toward zero.
func CalculatePercentage(amount *big.Int, rate int64) *big.Int {
	result := new(big.Int).Mul(amount, big.NewInt(rate))
	return result.Quo(result, big.NewInt(PercentageScale))
}
