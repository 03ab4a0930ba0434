package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"pos_backend/config"
	"pos_backend/utils"
)

type Sale struct {
	ID                 int             `gorm:"primary_key" json:"id"`
	DocumentNumber     string          `gorm:"size:30;uniqueIndex;not null" json:"document_number"`
	DocumentType       DocumentType    `gorm:"type:enum('A','B');not null;index" json:"document_type"`
	Series             string          `gorm:"size:10;not null" json:"series"`
	SequenceNo         int64           `gorm:"not null;default:0" json:"sequence_no"`
	SaleDate           time.Time       `gorm:"index;not null" json:"sale_date"`
	CustomerId         *int            `gorm:"index" json:"customer_id"`
	Subtotal           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"subtotal"`
	Discount           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount"`
	Tax                decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax"`
	Total              decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`
	PaymentMethod      PaymentMethod   `gorm:"type:enum('CASH','CARD','TRANSFER');not null" json:"payment_method"`
	AmountPaid         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_paid"`
	ChangeGiven        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"change_given"`
	CurrentStatus      SaleStatus      `gorm:"type:enum('Pending','Paid','Cancelled');not null;default:'Pending';index" json:"current_status"`
	CancellationReason *string         `gorm:"type:text" json:"cancellation_reason"`
	CancelledAt        *time.Time      `json:"cancelled_at"`
	Lines              []SaleLine      `gorm:"foreignKey:SaleId" json:"lines"`
	CreatedAt          time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// SaleLine snapshots name and unit price at posting time; later catalog
// edits never change what a posted receipt says.
type SaleLine struct {
	ID          int             `gorm:"primary_key" json:"id"`
	SaleId      int             `gorm:"index;not null" json:"sale_id"`
	ProductId   int             `gorm:"index;not null" json:"product_id"`
	ProductName string          `gorm:"size:100;not null" json:"product_name"`
	Qty         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"qty"`
	UnitPrice   decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"unit_price"`
	Subtotal    decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"subtotal"`
}

type NewSale struct {
	DocumentType  DocumentType    `json:"document_type" validate:"required"`
	CustomerId    *int            `json:"customer_id"`
	Lines         []*NewSaleLine  `json:"lines" validate:"required,dive,required"`
	Discount      decimal.Decimal `json:"discount"`
	PaymentMethod PaymentMethod   `json:"payment_method" validate:"required"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
}

type NewSaleLine struct {
	ProductId int             `json:"product_id" validate:"required,gt=0"`
	Qty       decimal.Decimal `json:"qty"`
}

// PostSale is the single entry point for turning a cart into a committed
// sale. Validation runs without locks; the posting transaction re-checks
// stock under row locks and is retried on serialization conflicts, each
// retry starting over with fresh validation so a genuinely sold-out
// product surfaces as a Validation error, not an infinite retry.
func PostSale(ctx context.Context, input *NewSale) (*Sale, error) {
	logger := config.GetLogger()

	if err := utils.ValidatePayload(input); err != nil {
		return nil, err
	}

	taxRate := config.TaxRate()
	maxRetries := config.PostingMaxRetries()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		draft, err := validateNewSale(ctx, input, taxRate)
		if err != nil {
			return nil, err
		}

		sale, err := postSaleOnce(ctx, draft)
		if err == nil {
			return sale, nil
		}
		if !utils.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		fields := logrus.Fields{
			"module":   "sale.go",
			"funcName": "PostSale",
			"attempt":  attempt,
		}
		if terminalId, ok := utils.GetTerminalIdFromContext(ctx); ok {
			fields["terminalId"] = terminalId
		}
		logger.WithFields(fields).Warn(err.Error())
	}

	if _, ok := utils.AsSaleError(lastErr); ok {
		return nil, lastErr
	}
	return nil, utils.NewConflictError("sale posting kept conflicting, giving up", lastErr)
}

// postSaleOnce runs one posting attempt in one DB transaction: document
// number allocation, sale insert, stock decrement, outbox event. All of
// it commits or none of it does; a rollback also returns the allocated
// number, so the series never gaps.
func postSaleOnce(ctx context.Context, draft *saleDraft) (*Sale, error) {
	db := config.GetDB()
	input := draft.input
	series := DefaultDocumentSeries()

	// Best-effort cross-instance gate; DB locks below are authoritative.
	release, err := utils.StoreLock(ctx, "salePosting", string(input.DocumentType)+":"+series, "sale.go", "postSaleOnce")
	if err != nil {
		return nil, err
	}
	defer release()

	tx := db.Begin()
	// IMPORTANT: always rollback on early-return or panic to avoid leaking DB locks
	// (leaked transactions are a common cause of MySQL 1205 lock wait timeouts).
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	documentNumber, seqNo, err := NextDocumentNumber(tx.WithContext(ctx), input.DocumentType, series)
	if err != nil {
		return nil, err
	}

	breakdown := draft.breakdown
	sale := Sale{
		DocumentNumber: documentNumber,
		DocumentType:   input.DocumentType,
		Series:         series,
		SequenceNo:     seqNo,
		SaleDate:       time.Now(),
		CustomerId:     input.CustomerId,
		Subtotal:       breakdown.Subtotal,
		Discount:       breakdown.Discount,
		Tax:            breakdown.Tax,
		Total:          breakdown.Total,
		PaymentMethod:  input.PaymentMethod,
		AmountPaid:     input.AmountPaid,
		ChangeGiven:    breakdown.Change,
		CurrentStatus:  SaleStatusPaid,
		Lines:          draft.lines,
	}

	if err := tx.WithContext(ctx).Create(&sale).Error; err != nil {
		return nil, err
	}

	if err := ApplySaleStockDecrement(tx.WithContext(ctx), &sale); err != nil {
		return nil, err
	}

	if err := WriteSaleEvent(ctx, tx, SaleEventTypePosted, &sale); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		if utils.IsRetryableMySQLError(err) {
			return nil, utils.NewConflictError("posting transaction failed to commit", err)
		}
		return nil, utils.NewStorageError(err)
	}

	return &sale, nil
}

func GetSale(ctx context.Context, id int) (*Sale, error) {
	db := config.GetDB()
	var sale Sale
	if err := db.WithContext(ctx).Preload("Lines").First(&sale, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.NewNotFoundError("sale")
		}
		return nil, utils.NewStorageError(err)
	}
	return &sale, nil
}

func GetSaleByDocumentNumber(ctx context.Context, documentNumber string) (*Sale, error) {
	db := config.GetDB()
	var sale Sale
	err := db.WithContext(ctx).Preload("Lines").
		Where("document_number = ?", documentNumber).
		First(&sale).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.NewNotFoundError("sale")
		}
		return nil, utils.NewStorageError(err)
	}
	return &sale, nil
}

func GetSales(ctx context.Context, status *SaleStatus, limit int) ([]*Sale, error) {
	db := config.GetDB()
	if limit <= 0 {
		limit = 50
	}
	dbCtx := db.WithContext(ctx).Preload("Lines").Order("id DESC").Limit(limit)
	if status != nil {
		dbCtx = dbCtx.Where("current_status = ?", *status)
	}
	var sales []*Sale
	if err := dbCtx.Find(&sales).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}
	return sales, nil
}
