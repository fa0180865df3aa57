// Package money converts between decimal amounts and the fixed-point integer
// minor units used throughout netting.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrPrecision       = errors.New("amount has more decimal places than the currency allows")
	ErrOverflow        = errors.New("amount overflows minor units")
	ErrInvalidCurrency = errors.New("invalid currency code")
)

// exponents lists ISO 4217 currencies whose minor unit is not 2 decimal places
var exponents = map[string]int32{
	"BHD": 3,
	"CLP": 0,
	"IQD": 3,
	"ISK": 0,
	"JOD": 3,
	"JPY": 0,
	"KRW": 0,
	"KWD": 3,
	"LYD": 3,
	"OMR": 3,
	"TND": 3,
	"UGX": 0,
	"VND": 0,
	"XAF": 0,
	"XOF": 0,
}

// NormalizeCurrency upper-cases a currency code and checks it is three letters
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return code, nil
}

// Exponent returns the number of minor-unit decimal places for a currency
func Exponent(currency string) int32 {
	if exp, ok := exponents[strings.ToUpper(currency)]; ok {
		return exp
	}
	return 2
}

// ToMinor parses a decimal string into integer minor units of currency.
// Amounts with more precision than the currency supports are rejected, never rounded.
func ToMinor(amount string, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return DecimalToMinor(d, currency)
}

// DecimalToMinor converts a decimal value into integer minor units of currency
func DecimalToMinor(d decimal.Decimal, currency string) (int64, error) {
	scaled := d.Shift(Exponent(currency))
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s %s", ErrPrecision, d.String(), currency)
	}
	if scaled.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || scaled.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, fmt.Errorf("%w: %s", ErrOverflow, d.String())
	}
	return scaled.IntPart(), nil
}

// FromMinor renders integer minor units as a fixed-point decimal string
func FromMinor(minor int64, currency string) string {
	exp := Exponent(currency)
	return decimal.New(minor, -exp).StringFixed(exp)
}

// Add returns a+b or ErrOverflow
func Add(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Abs returns |v|. math.MinInt64 has no positive counterpart and is rejected.
func Abs(v int64) (int64, error) {
	if v == math.MinInt64 {
		return 0, ErrOverflow
	}
	if v < 0 {
		return -v, nil
	}
	return v, nil
}
