package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"pos_backend/config"
	"pos_backend/utils"
)

// InventoryMovement is the append-only stock ledger. Rows are never
// updated or deleted; a cancelled sale gets compensating SALE_REVERSAL
// rows instead. StockBefore/StockAfter snapshot the product's on-hand
// quantity around this movement so history is auditable without replay.
type InventoryMovement struct {
	ID           int             `gorm:"primary_key" json:"id"`
	ProductId    int             `gorm:"index;not null" json:"product_id"`
	Qty          decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	MovementType MovementType    `gorm:"type:enum('SALE','SALE_REVERSAL','ADJUSTMENT');not null;index" json:"movement_type"`
	StockBefore  decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"stock_before"`
	StockAfter   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"stock_after"`
	SaleId       *int            `gorm:"index" json:"sale_id"`
	Reason       string          `gorm:"size:255" json:"reason"`
	CreatedAt    time.Time       `gorm:"autoCreateTime;index" json:"created_at"`
}

func GetMovementsForSale(ctx context.Context, saleId int) ([]*InventoryMovement, error) {
	if err := utils.ValidateResourceId[Sale](ctx, saleId); err != nil {
		if err == utils.ErrorRecordNotFound {
			return nil, utils.NewNotFoundError("sale")
		}
		return nil, utils.NewStorageError(err)
	}

	db := config.GetDB()
	var movements []*InventoryMovement
	if err := db.WithContext(ctx).
		Where("sale_id = ?", saleId).
		Order("id").
		Find(&movements).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}
	return movements, nil
}

func GetMovementsForProduct(ctx context.Context, productId int, limit int) ([]*InventoryMovement, error) {
	if err := utils.ValidateResourceId[Product](ctx, productId); err != nil {
		if err == utils.ErrorRecordNotFound {
			return nil, utils.NewNotFoundError("product")
		}
		return nil, utils.NewStorageError(err)
	}

	db := config.GetDB()
	if limit <= 0 {
		limit = 50
	}
	var movements []*InventoryMovement
	if err := db.WithContext(ctx).
		Where("product_id = ?", productId).
		Order("id DESC").
		Limit(limit).
		Find(&movements).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}
	return movements, nil
}

// saleMovementExists checks the crash-safety guard used by the stock
// commands: a SALE (or SALE_REVERSAL) row for this sale and product means
// that side-effect already ran and must not run again.
func saleMovementExists(tx *gorm.DB, saleId int, productId int, movementType MovementType) (bool, error) {
	var count int64
	err := tx.Model(&InventoryMovement{}).
		Where("sale_id = ? AND product_id = ? AND movement_type = ?", saleId, productId, movementType).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
