package domain

import "github.com/shopspring/decimal"

// Pricing налоговая ставка и стоимость доставки для расчёта итогов заказа
type Pricing struct {
	TaxRate      decimal.Decimal
	ShippingFlat decimal.Decimal
}

// Totals денежная разбивка заказа
type Totals struct {
	Subtotal     decimal.Decimal
	Tax          decimal.Decimal
	ShippingCost decimal.Decimal
	Discount     decimal.Decimal
	Total        decimal.Decimal
}

// Round2 rounds half away from zero to cents.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Quote computes the order totals from cart lines using the price captured at add time.
func (p Pricing) Quote(lines []CartLine) Totals {
	subtotal := decimal.Zero
	for _, l := range lines {
		subtotal = subtotal.Add(l.LineTotal())
	}
	subtotal = Round2(subtotal)
	tax := Round2(subtotal.Mul(p.TaxRate))
	shipping := Round2(p.ShippingFlat)
	discount := decimal.Zero
	return Totals{
		Subtotal:     subtotal,
		Tax:          tax,
		ShippingCost: shipping,
		Discount:     discount,
		Total:        Round2(subtotal.Add(tax).Add(shipping).Sub(discount)),
	}
}
