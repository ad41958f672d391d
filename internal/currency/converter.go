package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SourceScale is the decimal scale of every amount column (NUMERIC(12,2)).
const SourceScale int32 = 2

// Parse reads a money string as exported by the providers: "$1,234.50",
// "1234.5", "(12.00)" for negatives.
func Parse(s string) (decimal.Decimal, error) {
	clean := strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(clean, "(") && strings.HasSuffix(clean, ")") {
		negative = true
		clean = strings.TrimSuffix(strings.TrimPrefix(clean, "("), ")")
	}
	clean = strings.NewReplacer("$", "", ",", "", " ", "").Replace(clean)
	if clean == "" {
		return decimal.Zero, fmt.Errorf("empty amount")
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

// Normalize rounds an amount to the source column precision.
func Normalize(d decimal.Decimal) decimal.Decimal {
	return d.Round(SourceScale)
}

// Format renders an amount at source precision, e.g. "100.00".
func Format(d decimal.Decimal) string {
	return d.StringFixed(SourceScale)
}

// MinorUnits converts an amount to integer units at the given scale so that
// sums are computed exactly.
func MinorUnits(d decimal.Decimal, scale int32) int64 {
	return d.Round(scale).Shift(scale).IntPart()
}

// Tolerance is the allowed deviation when two amounts are compared for
// equality. The absolute difference is rounded half away from zero at Scale
// before comparison.
type Tolerance struct {
	Amount decimal.Decimal
	Scale  int32
}

// Exact compares amounts at cent precision with no deviation allowed.
func Exact() Tolerance {
	return Tolerance{Amount: decimal.Zero, Scale: SourceScale}
}

// Diff returns a-b rounded at the tolerance scale.
func (t Tolerance) Diff(a, b decimal.Decimal) decimal.Decimal {
	return a.Sub(b).Round(t.Scale)
}

// Equal reports whether a and b are equal within the tolerance.
func (t Tolerance) Equal(a, b decimal.Decimal) bool {
	return t.Diff(a, b).Abs().LessThanOrEqual(t.Amount)
}

// MinorUnits returns the tolerance amount as integer units at its scale.
func (t Tolerance) MinorUnits() int64 {
	return MinorUnits(t.Amount.Abs(), t.Scale)
}
