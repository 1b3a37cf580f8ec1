// Package tax resolves the sales-tax rate that applies to a vendor's order
// from the vendor's state. Everything here is a pure function of its input.
package tax

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	StandardRate = decimal.RequireFromString("0.16")
	BorderRate   = decimal.RequireFromString("0.08")
)

// borderStates is the reduced-rate region, keyed by normalized name.
var borderStates = map[string]struct{}{
	"baja california":     {},
	"baja california sur": {},
	"sonora":              {},
	"chihuahua":           {},
	"coahuila":            {},
	"nuevo leon":          {},
	"tamaulipas":          {},
	"chiapas":             {},
	"tabasco":             {},
	"campeche":            {},
	"quintana roo":        {},
}

// Rate returns the rate for a state name. Unknown or empty names get the
// standard rate so an unrecognized jurisdiction is never under-charged.
func Rate(state string) float64 {
	f, _ := RateDecimal(state).Float64()
	return f
}

func RateDecimal(state string) decimal.Decimal {
	if IsBorderState(state) {
		return BorderRate
	}
	return StandardRate
}

func IsBorderState(state string) bool {
	_, ok := borderStates[normalize(state)]
	return ok
}

// Line is the frozen tax result stored on an order.
type Line struct {
	SubtotalCents int64
	Rate          float64
	TaxCents      int64
}

// Compute applies the state's rate to a subtotal, rounding half away from
// zero to the cent.
func Compute(subtotalCents int64, state string) Line {
	rate := RateDecimal(state)
	taxCents := decimal.NewFromInt(subtotalCents).Mul(rate).Round(0).IntPart()
	r, _ := rate.Float64()
	return Line{SubtotalCents: subtotalCents, Rate: r, TaxCents: taxCents}
}

func normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}
