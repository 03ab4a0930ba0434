package models

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pos_backend/config"
	"pos_backend/utils"
)

// saleDraft is the validated, fully-priced form of a NewSale: product
// snapshots taken, per-product quantities aggregated, breakdown computed.
// The posting transaction consumes it; it holds no locks.
type saleDraft struct {
	input        *NewSale
	products     map[int]*Product
	requestedQty map[int]decimal.Decimal
	lines        []SaleLine
	breakdown    PriceBreakdown
}

// buildSaleDraft prices the sale against the given product snapshots.
// Lines referencing unknown products get a zero-price placeholder so the
// rule chain can still report every violation in one pass.
func buildSaleDraft(input *NewSale, products map[int]*Product, taxRate decimal.Decimal) *saleDraft {
	requestedQty := make(map[int]decimal.Decimal)
	priceLines := make([]PriceLine, 0, len(input.Lines))
	lines := make([]SaleLine, 0, len(input.Lines))

	for _, item := range input.Lines {
		unitPrice := decimal.Zero
		name := ""
		if product, ok := products[item.ProductId]; ok {
			unitPrice = product.SalePrice
			name = product.Name
		}
		requestedQty[item.ProductId] = requestedQty[item.ProductId].Add(item.Qty)
		priceLines = append(priceLines, PriceLine{Quantity: item.Qty, UnitPrice: unitPrice})
		lines = append(lines, SaleLine{
			ProductId:   item.ProductId,
			ProductName: name,
			Qty:         item.Qty,
			UnitPrice:   unitPrice,
		})
	}

	breakdown := ComputePriceBreakdown(priceLines, input.Discount, taxRate, input.AmountPaid)
	for i := range lines {
		lines[i].Subtotal = breakdown.LineSubtotals[i]
	}

	return &saleDraft{
		input:        input,
		products:     products,
		requestedQty: requestedQty,
		lines:        lines,
		breakdown:    breakdown,
	}
}

// checkRules runs the business rule chain and returns every violation at
// once, so the cashier sees the whole picture instead of one error per
// round trip. customerFound reflects the DB lookup done by the caller.
func (d *saleDraft) checkRules(customerFound bool) []utils.Violation {
	input := d.input
	var violations []utils.Violation

	if !input.DocumentType.Valid() {
		violations = append(violations, utils.Violation{
			Code:    "INVALID_DOCUMENT_TYPE",
			Message: fmt.Sprintf("unknown document type %q", string(input.DocumentType)),
		})
	}

	if len(input.Lines) == 0 {
		violations = append(violations, utils.Violation{
			Code: "EMPTY_SALE", Message: "sale must have at least one line",
		})
	}

	if input.DocumentType.RequiresCustomer() {
		if utils.DereferencePtr(input.CustomerId) <= 0 {
			violations = append(violations, utils.Violation{
				Code:    "CUSTOMER_REQUIRED",
				Message: "document type A requires a registered customer",
			})
		} else if !customerFound {
			violations = append(violations, utils.Violation{
				Code: "CUSTOMER_NOT_FOUND", Message: "customer not found",
			})
		}
	}

	seen := make(map[int]bool)
	for _, item := range input.Lines {
		if item.Qty.LessThanOrEqual(decimal.Zero) {
			violations = append(violations, utils.Violation{
				Code:    "INVALID_QUANTITY",
				Message: fmt.Sprintf("quantity must be positive (product_id=%d)", item.ProductId),
			})
		}
		product, ok := d.products[item.ProductId]
		if !ok {
			if !seen[item.ProductId] {
				violations = append(violations, utils.Violation{
					Code:    "PRODUCT_NOT_FOUND",
					Message: fmt.Sprintf("product %d not found", item.ProductId),
				})
			}
			seen[item.ProductId] = true
			continue
		}
		if product.IsActive != nil && !*product.IsActive && !seen[item.ProductId] {
			violations = append(violations, utils.Violation{
				Code:        "PRODUCT_INACTIVE",
				Message:     fmt.Sprintf("product %s is inactive", strings.TrimSpace(product.Name)),
				ProductName: product.Name,
			})
		}
		seen[item.ProductId] = true
	}

	// Per-product checks on aggregated quantities so duplicate lines for the
	// same product cannot each pass against the full on-hand amount.
	for productId, requested := range d.requestedQty {
		product, ok := d.products[productId]
		if !ok {
			continue
		}
		if product.SalePrice.LessThanOrEqual(decimal.Zero) {
			violations = append(violations, utils.Violation{
				Code: "UNIT_PRICE_INVALID",
				Message: fmt.Sprintf("unit price must be positive for %s (price=%s)",
					strings.TrimSpace(product.Name), product.SalePrice.String()),
				ProductName: product.Name,
			})
		}
		if product.Stock.LessThan(requested) {
			available := product.Stock
			saleQty := requested
			violations = append(violations, utils.Violation{
				Code: "INSUFFICIENT_STOCK",
				Message: fmt.Sprintf("insufficient stock on hand for %s (available=%s, sale_qty=%s)",
					strings.TrimSpace(product.Name), available.String(), saleQty.String()),
				ProductName: product.Name,
				Available:   &available,
				Requested:   &saleQty,
			})
		}
	}

	if input.Discount.IsNegative() {
		violations = append(violations, utils.Violation{
			Code: "INVALID_DISCOUNT", Message: "discount must not be negative",
		})
	} else if input.Discount.GreaterThan(d.breakdown.Subtotal) {
		violations = append(violations, utils.Violation{
			Code: "DISCOUNT_EXCEEDS_SUBTOTAL",
			Message: fmt.Sprintf("discount %s exceeds subtotal %s",
				input.Discount.String(), d.breakdown.Subtotal.String()),
		})
	}

	if !input.PaymentMethod.Valid() {
		violations = append(violations, utils.Violation{
			Code:    "INVALID_PAYMENT_METHOD",
			Message: fmt.Sprintf("unknown payment method %q", string(input.PaymentMethod)),
		})
	}

	if input.AmountPaid.LessThan(d.breakdown.Total) {
		violations = append(violations, utils.Violation{
			Code: "INSUFFICIENT_PAYMENT",
			Message: fmt.Sprintf("amount paid %s is less than total %s",
				input.AmountPaid.String(), d.breakdown.Total.String()),
		})
	}

	return violations
}

// validateNewSale loads current product and customer state and runs the
// rule chain. Read-only: it takes no locks, so the posting transaction
// must re-check stock under lock before decrementing.
func validateNewSale(ctx context.Context, input *NewSale, taxRate decimal.Decimal) (*saleDraft, error) {
	db := config.GetDB()

	productIds := make([]int, 0, len(input.Lines))
	for _, item := range input.Lines {
		productIds = append(productIds, item.ProductId)
	}
	productIds = utils.UniqueSlice(productIds)

	products := make(map[int]*Product, len(productIds))
	if len(productIds) > 0 {
		var rows []*Product
		if err := db.WithContext(ctx).Where("id IN ?", productIds).Find(&rows).Error; err != nil {
			return nil, utils.NewStorageError(err)
		}
		for _, p := range rows {
			products[p.ID] = p
		}
	}

	customerFound := false
	if customerId := utils.DereferencePtr(input.CustomerId); customerId > 0 {
		count, err := utils.ResourceCountWhere[Customer](ctx, "id = ?", customerId)
		if err != nil {
			return nil, utils.NewStorageError(err)
		}
		customerFound = count > 0
	}

	draft := buildSaleDraft(input, products, taxRate)
	if violations := draft.checkRules(customerFound); len(violations) > 0 {
		return nil, utils.NewValidationError(violations...)
	}
	return draft, nil
}
