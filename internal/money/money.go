// Package money converts between human-readable decimal price strings
// ("$0.01") and integer micro-units, the only form gateway arithmetic
// is allowed to use internally.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// MicroUnitsPerDollar is the scale factor: 1 USD == 1_000_000 micro-units.
const MicroUnitsPerDollar = 1_000_000

// ParseRoundUp parses a decimal price string like "$0.01" or "0.0025" into
// micro-units, rounding away from zero. Use this for gateway-side pricing
// (e.g. discovered-capability markup) where under-charging is the unsafe
// direction.
func ParseRoundUp(s string) (int64, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return 0, err
	}
	scaled := d.Mul(decimal.NewFromInt(MicroUnitsPerDollar))
	return scaled.RoundUp(0).IntPart(), nil
}

// ParseRoundDown parses a decimal price string into micro-units, rounding
// toward zero. Use this for budget checks against a caller-supplied cap,
// where rounding up would silently shrink the caller's stated budget.
func ParseRoundDown(s string) (int64, error) {
	d, err := parseDecimal(s)
	if err != nil {
		return 0, err
	}
	scaled := d.Mul(decimal.NewFromInt(MicroUnitsPerDollar))
	return scaled.Truncate(0).IntPart(), nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return decimal.Decimal{}, fmt.Errorf("money: empty price string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("money: invalid price %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, fmt.Errorf("money: negative price %q", s)
	}
	return d, nil
}

// Display renders micro-units back to a "$X.YY" string for whole cents and a
// "$X.YYY" string otherwise; amounts finer than $0.001 are rounded to the
// nearest $0.001.
func Display(micros int64) string {
	d := decimal.NewFromInt(micros).Div(decimal.NewFromInt(MicroUnitsPerDollar))
	s := d.StringFixed(int32(decimalPlaces(micros)))
	return "$" + s
}

// decimalPlaces picks 2 decimals for round cents, otherwise 3 (covers the
// $0.001 granularity the discovery engine's markup formula rounds to).
func decimalPlaces(micros int64) int {
	if micros%10_000 == 0 {
		return 2
	}
	return 3
}

// RoundUpToMilli rounds micro-units up to the nearest $0.001 (1000 micro-units).
func RoundUpToMilli(micros int64) int64 {
	const milli = 1000
	if micros%milli == 0 {
		return micros
	}
	return (micros/milli + 1) * milli
}
