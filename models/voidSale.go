package models

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pos_backend/config"
	"pos_backend/utils"
)

// CancelSale compensates a posted sale: stock goes back via reversal
// movements, the status flips Paid -> Cancelled, and a CANCELLED event is
// written, all in one transaction. The document number stays on the sale;
// cancellation never reuses or reclaims numbers.
//
// Only Paid sales can be cancelled. A second cancel of the same sale is
// rejected by the status guard, read under the row lock, so two racing
// cancels cannot both restore stock.
func CancelSale(ctx context.Context, saleId int, reason string) (*Sale, error) {
	db := config.GetDB()

	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, utils.NewValidationError(utils.Violation{
			Code: "REASON_REQUIRED", Message: "cancellation reason is required",
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

	var sale Sale
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&sale, saleId).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.NewNotFoundError("sale")
		}
		return nil, utils.NewStorageError(err)
	}

	switch sale.CurrentStatus {
	case SaleStatusCancelled:
		return nil, utils.NewIllegalStateError("sale is already cancelled")
	case SaleStatusPaid:
		// proceed
	default:
		return nil, utils.NewIllegalStateError("only paid sales can be cancelled")
	}

	// Lines loaded after the row lock so the reversal works off committed
	// state, not a snapshot from before the lock was granted.
	if err := tx.WithContext(ctx).Where("sale_id = ?", sale.ID).Find(&sale.Lines).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}

	if err := ReverseSaleStock(tx.WithContext(ctx), &sale, reason); err != nil {
		return nil, err
	}

	now := time.Now()
	updates := map[string]interface{}{
		"current_status":      SaleStatusCancelled,
		"cancellation_reason": reason,
		"cancelled_at":        &now,
	}
	if err := tx.WithContext(ctx).Model(&sale).Updates(updates).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}
	sale.CurrentStatus = SaleStatusCancelled
	sale.CancellationReason = &reason
	sale.CancelledAt = &now

	if err := WriteSaleEvent(ctx, tx, SaleEventTypeCancelled, &sale); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		if utils.IsRetryableMySQLError(err) {
			return nil, utils.NewConflictError("cancel transaction failed to commit", err)
		}
		return nil, utils.NewStorageError(err)
	}

	return &sale, nil
}
