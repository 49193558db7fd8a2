// Package ratio computes rounded percentages with decimal arithmetic, so
// 2/3 rounds to 66.7 rather than drifting through binary floating point.
package ratio

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// Percent returns part/total*100 rounded half away from zero to places
// decimal places. It returns 0 when total is not positive.
func Percent(part, total int, places int32) float64 {
	if total <= 0 {
		return 0
	}
	v := decimal.NewFromInt(int64(part)).
		Mul(hundred).
		Div(decimal.NewFromInt(int64(total))).
		Round(places)
	f, _ := v.Float64()
	return f
}

// Round rounds f half away from zero to places decimal places.
func Round(f float64, places int32) float64 {
	out, _ := decimal.NewFromFloat(f).Round(places).Float64()
	return out
}
