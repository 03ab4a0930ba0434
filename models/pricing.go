package models

import (
	"github.com/shopspring/decimal"

	"pos_backend/utils"
)

// PriceLine is one line's pricing input: quantity and the unit price
// snapshot taken when the sale was built.
type PriceLine struct {
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

type PriceBreakdown struct {
	LineSubtotals []decimal.Decimal
	Subtotal      decimal.Decimal
	Discount      decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	Change        decimal.Decimal
}

// ComputePriceBreakdown derives every monetary figure of a sale from its
// lines. Pure function: no clock, no database, no config reads; the tax
// rate comes in as an argument so the same math is replayable.
//
// Rounding discipline (half away from zero, 2 decimal places):
//   - each line subtotal is rounded once, before summation
//   - tax is rounded once, after applying the rate to the discounted base
//   - total and change are sums of already-rounded figures, never re-rounded
func ComputePriceBreakdown(lines []PriceLine, discount decimal.Decimal, taxRate decimal.Decimal, amountPaid decimal.Decimal) PriceBreakdown {
	lineSubtotals := make([]decimal.Decimal, 0, len(lines))
	subtotal := decimal.Zero
	for _, line := range lines {
		lineSubtotal := utils.RoundMoney(line.Quantity.Mul(line.UnitPrice))
		lineSubtotals = append(lineSubtotals, lineSubtotal)
		subtotal = subtotal.Add(lineSubtotal)
	}

	discounted := subtotal.Sub(discount)
	tax := utils.RoundMoney(discounted.Mul(taxRate))
	total := discounted.Add(tax)
	change := amountPaid.Sub(total)

	return PriceBreakdown{
		LineSubtotals: lineSubtotals,
		Subtotal:      subtotal,
		Discount:      discount,
		Tax:           tax,
		Total:         total,
		Change:        change,
	}
}
