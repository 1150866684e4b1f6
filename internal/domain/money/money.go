// Package money holds fixed-point helpers for monetary amounts.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// 通貨ごとの小数桁数（ISO 4217）
var exponents = map[string]int32{
	"USD": 2,
	"EUR": 2,
	"GBP": 2,
	"CAD": 2,
	"AUD": 2,
	"SGD": 2,
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"KWD": 3,
	"BHD": 3,
	"JOD": 3,
}

// NormalizeCurrency は大文字化してから既知の通貨か確認する。
func NormalizeCurrency(code string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(code))
	if _, ok := exponents[c]; !ok {
		return "", fmt.Errorf("unsupported currency %q", code)
	}
	return c, nil
}

// Exponent は通貨の小数桁数。未知の通貨は2桁扱い。
func Exponent(currency string) int32 {
	if e, ok := exponents[strings.ToUpper(currency)]; ok {
		return e
	}
	return 2
}

// Round は通貨桁で四捨五入（銀行丸めではない）。
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(Exponent(currency))
}

// HasValidPrecision は通貨桁より細かい端数がないか。
func HasValidPrecision(amount decimal.Decimal, currency string) bool {
	return amount.Equal(amount.Truncate(Exponent(currency)))
}

// Format は通貨桁に揃えた文字列を返す。
func Format(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(Exponent(currency))
}

// Total = subtotal + tax + shipping - discount
func Total(subtotal, tax, shipping, discount decimal.Decimal) decimal.Decimal {
	return subtotal.Add(tax).Add(shipping).Sub(discount)
}

func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}
