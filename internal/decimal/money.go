package decimal

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimal is the arbitrary-precision type used for every amount and rate
type Decimal = decimal.Decimal

// Zero is decimal zero
var Zero = decimal.Zero

// FromInt creates decimal from int
func FromInt(v int64) decimal.Decimal {
	return decimal.NewFromInt(v)
}

// FromFloat creates decimal from float with rounding to cents
func FromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(2)
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

// FormatMoney renders a monetary value with exactly 2 decimals and a '.' separator.
// The output never depends on the host locale.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// FormatRate renders a tax rate with exactly 4 decimals
func FormatRate(d decimal.Decimal) string {
	return d.StringFixed(4)
}

// Cents returns the amount in cents, rounded half away from zero
func Cents(d decimal.Decimal) int64 {
	return d.Round(2).Shift(2).IntPart()
}

// PaddedCents renders the amount in cents left-padded with zeros to width digits
func PaddedCents(d decimal.Decimal, width int) string {
	return fmt.Sprintf("%0*d", width, Cents(d))
}

// Sum sums a slice of decimals
func Sum(values []decimal.Decimal) decimal.Decimal {
	result := Zero
	for _, v := range values {
		result = result.Add(v)
	}
	return result
}

// IsCentExact reports whether d has no digits below the cent
func IsCentExact(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

// IsPositive returns true if decimal is greater than zero
func IsPositive(d decimal.Decimal) bool {
	return d.GreaterThan(Zero)
}

// IsNonNegative returns true if decimal is >= zero
func IsNonNegative(d decimal.Decimal) bool {
	return d.GreaterThanOrEqual(Zero)
}
