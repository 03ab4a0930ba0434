package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pos_backend/config"
	"pos_backend/utils"
)

// Stock side-effects for the sale write paths. Explicit command style:
// called from PostSale / CancelSale inside the posting transaction, never
// from model hooks, so every stock mutation is visible at the call site.

// aggregateLineQty folds duplicate lines for the same product into one
// quantity so lock, check, and decrement happen once per product.
func aggregateLineQty(lines []SaleLine) (map[int]decimal.Decimal, []int) {
	qtyByProduct := make(map[int]decimal.Decimal)
	for _, line := range lines {
		qtyByProduct[line.ProductId] = qtyByProduct[line.ProductId].Add(line.Qty)
	}
	productIds := make([]int, 0, len(qtyByProduct))
	for id := range qtyByProduct {
		productIds = append(productIds, id)
	}
	// Ascending id order everywhere stock rows are locked. Concurrent
	// postings that share products then queue instead of deadlocking.
	sort.Ints(productIds)
	return qtyByProduct, productIds
}

// ApplySaleStockDecrement locks the sale's product rows, re-checks stock
// under those locks, decrements, and appends SALE movements. The re-check
// matters: validation ran without locks, so another posting may have
// consumed the stock since. A stale read here is a Conflict, which the
// posting loop retries with fresh validation.
func ApplySaleStockDecrement(tx *gorm.DB, sale *Sale) error {
	if tx == nil {
		return fmt.Errorf("tx is nil")
	}
	if sale == nil || sale.ID <= 0 {
		return fmt.Errorf("sale is not persisted")
	}

	ctx := tx.Statement.Context
	qtyByProduct, productIds := aggregateLineQty(sale.Lines)

	for _, productId := range productIds {
		// Crash-safety guard, same as the reversal side: a SALE movement for
		// this sale and product means the decrement already ran.
		done, err := saleMovementExists(tx, sale.ID, productId, MovementTypeSale)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		qty := qtyByProduct[productId]

		var product Product
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&product, productId).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return utils.NewNotFoundError("product")
			}
			return err
		}

		if product.Stock.LessThan(qty) {
			return utils.NewConflictError(
				fmt.Sprintf("stock changed while posting sale for %s (available=%s, sale_qty=%s)",
					strings.TrimSpace(product.Name), product.Stock.String(), qty.String()),
				nil,
			)
		}

		before := product.Stock
		after := before.Sub(qty)
		if err := tx.WithContext(ctx).Model(&product).Update("Stock", after).Error; err != nil {
			return err
		}

		product.Stock = after
		if product.IsLowStock() {
			config.GetLogger().WithFields(logrus.Fields{
				"module":    "stockCommands_sale.go",
				"funcName":  "ApplySaleStockDecrement",
				"productId": product.ID,
				"stock":     after.String(),
				"threshold": product.StockThreshold.String(),
			}).Warn("product stock at or below threshold")
		}

		movement := InventoryMovement{
			ProductId:    productId,
			Qty:          qty.Neg(),
			MovementType: MovementTypeSale,
			StockBefore:  before,
			StockAfter:   after,
			SaleId:       &sale.ID,
		}
		if err := tx.WithContext(ctx).Create(&movement).Error; err != nil {
			return err
		}
	}

	return nil
}

// ReverseSaleStock releases a cancelled sale's stock with compensating
// SALE_REVERSAL movements. Per-product idempotent: a product that already
// has a reversal row for this sale is skipped, so a crash between
// movement writes cannot double-restore on re-run.
func ReverseSaleStock(tx *gorm.DB, sale *Sale, reason string) error {
	if tx == nil {
		return fmt.Errorf("tx is nil")
	}
	if sale == nil || sale.ID <= 0 {
		return fmt.Errorf("sale is not persisted")
	}

	ctx := tx.Statement.Context
	qtyByProduct, productIds := aggregateLineQty(sale.Lines)

	for _, productId := range productIds {
		done, err := saleMovementExists(tx, sale.ID, productId, MovementTypeSaleReversal)
		if err != nil {
			return err
		}
		if done {
			continue
		}

		qty := qtyByProduct[productId]

		var product Product
		if err := tx.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&product, productId).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return utils.NewNotFoundError("product")
			}
			return err
		}

		before := product.Stock
		after := before.Add(qty)
		if err := tx.WithContext(ctx).Model(&product).Update("Stock", after).Error; err != nil {
			return err
		}

		movement := InventoryMovement{
			ProductId:    productId,
			Qty:          qty,
			MovementType: MovementTypeSaleReversal,
			StockBefore:  before,
			StockAfter:   after,
			SaleId:       &sale.ID,
			Reason:       reason,
		}
		if err := tx.WithContext(ctx).Create(&movement).Error; err != nil {
			return err
		}
	}

	return nil
}
