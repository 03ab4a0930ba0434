package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"pos_backend/config"
	"pos_backend/utils"
)

// SaleEventRecord is a transactional outbox row: written in the same
// transaction as the sale mutation it describes, so a committed sale and
// its event are inseparable. A downstream receipt/fiscal worker polls
// unprocessed rows; this service never publishes directly.
type SaleEventRecord struct {
	ID             int           `gorm:"primary_key" json:"id"`
	EventType      SaleEventType `gorm:"type:enum('POSTED','CANCELLED');not null;index" json:"event_type"`
	SaleId         int           `gorm:"index;not null" json:"sale_id"`
	DocumentNumber string        `gorm:"size:30;not null" json:"document_number"`
	Payload        []byte        `gorm:"type:blob" json:"payload"`
	IsProcessed    bool          `gorm:"index;not null" json:"is_processed"`
	ProcessedAt    *time.Time    `json:"processed_at"`
	CorrelationId  string        `gorm:"size:64;index" json:"correlation_id"`
	CreatedAt      time.Time     `gorm:"autoCreateTime" json:"created_at"`
}

// WriteSaleEvent appends the outbox row inside the caller's transaction.
// The correlation id comes from the request context when present so one
// id threads from HTTP request to downstream consumer.
func WriteSaleEvent(ctx context.Context, tx *gorm.DB, eventType SaleEventType, sale *Sale) error {
	payload, err := json.Marshal(sale)
	if err != nil {
		return err
	}

	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
	}

	record := SaleEventRecord{
		EventType:      eventType,
		SaleId:         sale.ID,
		DocumentNumber: sale.DocumentNumber,
		Payload:        payload,
		CorrelationId:  correlationId,
	}
	return tx.WithContext(ctx).Create(&record).Error
}

// GetUnprocessedSaleEvents is the consumer-facing read: oldest first,
// bounded batch.
func GetUnprocessedSaleEvents(ctx context.Context, limit int) ([]*SaleEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	db := config.GetDB()
	var records []*SaleEventRecord
	err := db.WithContext(ctx).
		Where("is_processed = ?", false).
		Order("id").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, utils.NewStorageError(err)
	}
	return records, nil
}

// MarkSaleEventProcessed acknowledges one outbox row.
func MarkSaleEventProcessed(ctx context.Context, id int) error {
	db := config.GetDB()
	now := time.Now()
	result := db.WithContext(ctx).Model(&SaleEventRecord{}).
		Where("id = ? AND is_processed = ?", id, false).
		Updates(map[string]interface{}{"is_processed": true, "processed_at": &now})
	if result.Error != nil {
		return utils.NewStorageError(result.Error)
	}
	if result.RowsAffected == 0 {
		return utils.NewNotFoundError("sale event")
	}
	return nil
}
