package inventory

import (
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ApplyMarkup derives the selling price. With no markup the cost is returned
// unchanged; otherwise cost*(1+M/100) is rounded to the nearest hundred, ties
// to even.
func ApplyMarkup(priceOriginal, markupPercent float64) float64 {
	if markupPercent <= 0 {
		return priceOriginal
	}
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(markupPercent).Div(hundred))
	price := decimal.NewFromFloat(priceOriginal).Mul(factor).Div(hundred).RoundBank(0).Mul(hundred)
	f, _ := price.Float64()
	return f
}

// parsePrice reads a cost cell; anything non-numeric or negative is 0.
func parsePrice(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	return f
}

func priceValue(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, !math.IsNaN(t) && !math.IsInf(t, 0) && t >= 0
	case float32:
		return float64(t), t >= 0
	case int:
		return float64(t), t >= 0
	case int64:
		return float64(t), t >= 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
