package decimal

import (
	"github.com/shopspring/decimal"
)

// Zero is decimal zero
var Zero = decimal.Zero

var hundred = decimal.NewFromInt(100)

// FromCents creates a BRL amount from integer centavos
func FromCents(v int64) decimal.Decimal {
	return decimal.New(v, -2)
}

// FromString parses decimal from string
func FromString(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// MustFromString parses decimal from string, panics on error
func MustFromString(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// RoundCents rounds half away from zero to 2 places (BRL has centavos)
func RoundCents(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ToCents returns the amount as integer centavos after rounding
func ToCents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

// CalculateISS computes ISS amount: amount * (rate/100), rounded to centavos
func CalculateISS(amount, ratePercent decimal.Decimal) decimal.Decimal {
	if ratePercent.IsZero() {
		return Zero
	}
	return amount.Mul(ratePercent).Div(hundred).Round(2)
}

// RateFraction converts a percent (2.5) to the fraction form some schemas expect (0.025)
func RateFraction(ratePercent decimal.Decimal) decimal.Decimal {
	return ratePercent.Div(hundred)
}

// FormatBRL renders an amount as "R$ 1.500,00"
func FormatBRL(d decimal.Decimal) string {
	s := d.Abs().StringFixed(2)
	intPart, frac := s[:len(s)-3], s[len(s)-2:]

	var out []byte
	for i, c := range []byte(intPart) {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			out = append(out, '.')
		}
		out = append(out, c)
	}

	sign := ""
	if d.IsNegative() {
		sign = "-"
	}
	return sign + "R$ " + string(out) + "," + frac
}

// IsPositive returns true if decimal is greater than zero
func IsPositive(d decimal.Decimal) bool {
	return d.GreaterThan(Zero)
}

// IsNonNegative returns true if decimal is >= zero
func IsNonNegative(d decimal.Decimal) bool {
	return d.GreaterThanOrEqual(Zero)
}
