package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal literal %q: %v", s, err)
	}
	return v
}

func assertEq(t *testing.T, name string, got, want decimal.Decimal) {
	t.Helper()
	if !got.Equal(want) {
		t.Fatalf("%s = %s, want %s", name, got.String(), want.String())
	}
}

func TestComputePriceBreakdownSimpleSale(t *testing.T) {
	lines := []PriceLine{
		{Quantity: d(t, "5"), UnitPrice: d(t, "3.50")},
	}
	b := ComputePriceBreakdown(lines, decimal.Zero, d(t, "0.18"), d(t, "25.00"))

	assertEq(t, "subtotal", b.Subtotal, d(t, "17.50"))
	assertEq(t, "tax", b.Tax, d(t, "3.15"))
	assertEq(t, "total", b.Total, d(t, "20.65"))
	assertEq(t, "change", b.Change, d(t, "4.35"))
}

func TestComputePriceBreakdownWithDiscount(t *testing.T) {
	lines := []PriceLine{
		{Quantity: d(t, "4"), UnitPrice: d(t, "25.00")},
	}
	b := ComputePriceBreakdown(lines, d(t, "10.00"), d(t, "0.18"), d(t, "110.00"))

	assertEq(t, "subtotal", b.Subtotal, d(t, "100.00"))
	assertEq(t, "discount", b.Discount, d(t, "10.00"))
	assertEq(t, "tax", b.Tax, d(t, "16.20"))
	assertEq(t, "total", b.Total, d(t, "106.20"))
	assertEq(t, "change", b.Change, d(t, "3.80"))
}

// Each line rounds before summation. Two lines of 3 x 0.335 make 2.02
// (1.005 -> 1.01 each), not 2.01 as rounding the summed 2.01 would give.
func TestComputePriceBreakdownRoundsPerLine(t *testing.T) {
	lines := []PriceLine{
		{Quantity: d(t, "3"), UnitPrice: d(t, "0.335")},
		{Quantity: d(t, "3"), UnitPrice: d(t, "0.335")},
	}
	b := ComputePriceBreakdown(lines, decimal.Zero, decimal.Zero, decimal.Zero)

	assertEq(t, "line[0]", b.LineSubtotals[0], d(t, "1.01"))
	assertEq(t, "line[1]", b.LineSubtotals[1], d(t, "1.01"))
	assertEq(t, "subtotal", b.Subtotal, d(t, "2.02"))
}

// Ties round away from zero: 2.675 -> 2.68, never banker's 2.67.
func TestComputePriceBreakdownRoundsHalfAwayFromZero(t *testing.T) {
	lines := []PriceLine{
		{Quantity: d(t, "1"), UnitPrice: d(t, "2.675")},
	}
	b := ComputePriceBreakdown(lines, decimal.Zero, decimal.Zero, decimal.Zero)
	assertEq(t, "subtotal", b.Subtotal, d(t, "2.68"))
}

func TestComputePriceBreakdownTaxRoundedOnce(t *testing.T) {
	lines := []PriceLine{
		{Quantity: d(t, "1"), UnitPrice: d(t, "10.10")},
	}
	b := ComputePriceBreakdown(lines, decimal.Zero, d(t, "0.18"), d(t, "12.00"))

	// 10.10 * 0.18 = 1.818 -> 1.82; total is the sum of rounded parts.
	assertEq(t, "tax", b.Tax, d(t, "1.82"))
	assertEq(t, "total", b.Total, d(t, "11.92"))
	assertEq(t, "change", b.Change, d(t, "0.08"))
}

func TestComputePriceBreakdownEmptySale(t *testing.T) {
	b := ComputePriceBreakdown(nil, decimal.Zero, d(t, "0.18"), decimal.Zero)
	assertEq(t, "subtotal", b.Subtotal, decimal.Zero)
	assertEq(t, "tax", b.Tax, decimal.Zero)
	assertEq(t, "total", b.Total, decimal.Zero)
}
