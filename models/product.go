package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pos_backend/config"
	"pos_backend/utils"
)

type Product struct {
	ID             int             `gorm:"primary_key" json:"id"`
	Name           string          `gorm:"size:100;not null" json:"name" binding:"required"`
	Sku            string          `gorm:"size:100;uniqueIndex" json:"sku"`
	Barcode        string          `gorm:"size:100;index" json:"barcode"`
	SalePrice      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sale_price"`
	Stock          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"stock"`
	StockThreshold decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"stock_threshold"`
	IsActive       *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name           string          `json:"name" validate:"required,max=100"`
	Sku            string          `json:"sku" validate:"max=100"`
	Barcode        string          `json:"barcode" validate:"max=100"`
	SalePrice      decimal.Decimal `json:"sale_price"`
	Stock          decimal.Decimal `json:"stock"`
	StockThreshold decimal.Decimal `json:"stock_threshold"`
}

// IsLowStock reports whether on-hand stock has fallen to or below the
// alert threshold. Display concern only; never blocks a sale by itself.
func (p *Product) IsLowStock() bool {
	if p.StockThreshold.IsZero() {
		return false
	}
	return p.Stock.LessThanOrEqual(p.StockThreshold)
}

const lowStockCacheKey = "lowStockProducts"

// GetLowStockProducts lists active products at or below their alert
// threshold, for the restocking dashboard. Cached in Redis with a short
// TTL (the sale path changes stock constantly; the TTL absorbs that);
// manual adjustments invalidate the cache explicitly.
func GetLowStockProducts(ctx context.Context) ([]*Product, error) {
	var products []*Product
	if found, err := config.GetRedisObject(lowStockCacheKey, &products); err == nil && found {
		return products, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).
		Where("is_active = ? AND stock_threshold > 0 AND stock <= stock_threshold", true).
		Order("name").
		Find(&products).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}

	_ = config.SetRedisObject(lowStockCacheKey, products, time.Minute)
	return products, nil
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	db := config.GetDB()

	if err := utils.ValidatePayload(input); err != nil {
		return nil, err
	}
	if input.SalePrice.IsNegative() {
		return nil, utils.NewValidationError(utils.Violation{
			Code: "NEGATIVE_PRICE", Message: "sale price must not be negative",
		})
	}
	if input.Sku != "" {
		if err := utils.ValidateUnique[Product](ctx, "sku", input.Sku, 0); err != nil {
			return nil, err
		}
	}

	product := Product{
		Name:           input.Name,
		Sku:            input.Sku,
		Barcode:        input.Barcode,
		SalePrice:      input.SalePrice,
		Stock:          input.Stock,
		StockThreshold: input.StockThreshold,
		IsActive:       utils.NewTrue(),
	}

	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}
	return &product, nil
}

func GetProduct(ctx context.Context, id int) (*Product, error) {
	db := config.GetDB()
	var product Product
	if err := db.WithContext(ctx).First(&product, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.NewNotFoundError("product")
		}
		return nil, utils.NewStorageError(err)
	}
	return &product, nil
}

func GetProducts(ctx context.Context, name *string) ([]*Product, error) {
	db := config.GetDB()
	var products []*Product
	dbCtx := db.WithContext(ctx).Order("name")
	if name != nil && *name != "" {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	if err := dbCtx.Find(&products).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}
	return products, nil
}

func ToggleActiveProduct(ctx context.Context, id int, isActive bool) (*Product, error) {
	db := config.GetDB()
	product, err := GetProduct(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(product).Update("IsActive", isActive).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}
	product.IsActive = &isActive
	return product, nil
}

// AdjustProductStock applies a manual stock correction outside the sale
// paths. Same ledger discipline as a sale: row lock, then a movement row
// with before/after snapshots, all in one transaction.
func AdjustProductStock(ctx context.Context, productId int, delta decimal.Decimal, reason string) (*Product, error) {
	db := config.GetDB()

	if reason == "" {
		return nil, utils.NewValidationError(utils.Violation{
			Code: "REASON_REQUIRED", Message: "adjustment reason is required",
		})
	}

	tx := db.Begin()
	// IMPORTANT: always rollback on early-return or panic to avoid leaking DB locks.
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var product Product
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&product, productId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.NewNotFoundError("product")
		}
		return nil, utils.NewStorageError(err)
	}

	before := product.Stock
	after := before.Add(delta)
	if err := tx.WithContext(ctx).Model(&product).Update("Stock", after).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}
	product.Stock = after

	movement := InventoryMovement{
		ProductId:    product.ID,
		Qty:          delta,
		MovementType: MovementTypeAdjustment,
		StockBefore:  before,
		StockAfter:   after,
		Reason:       reason,
	}
	if err := tx.WithContext(ctx).Create(&movement).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}

	if err := tx.Commit().Error; err != nil {
		return nil, utils.NewStorageError(err)
	}

	_ = config.RemoveRedisKey(lowStockCacheKey)
	return &product, nil
}
