package model

import "github.com/shopspring/decimal"

var (
	hundred  = decimal.NewFromInt(100)
	thousand = decimal.NewFromInt(1000)
)

// Round2 округляет сумму до двух знаков (половина — от нуля).
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// PriceWithMarkup вычисляет розничную цену: round2(originalRate * (1 + markup/100)).
func PriceWithMarkup(originalRate, markupPercent decimal.Decimal) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(markupPercent.Div(hundred))
	return Round2(originalRate.Mul(factor))
}

// OrderAmount вычисляет стоимость заказа: round2(rate * quantity / 1000).
func OrderAmount(rate decimal.Decimal, quantity int) decimal.Decimal {
	return Round2(rate.Mul(decimal.NewFromInt(int64(quantity))).Div(thousand))
}

// IsValidAmount проверяет, что сумма положительна и содержит не более двух знаков после запятой.
func IsValidAmount(d decimal.Decimal) bool {
	if !d.IsPositive() {
		return false
	}
	return d.Equal(d.Round(2))
}
