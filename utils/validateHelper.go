package utils

import (
	"context"
	"reflect"

	"github.com/go-playground/validator/v10"

	"pos_backend/config"
)

var payloadValidator = validator.New()

// ValidatePayload checks struct tags (`validate:"..."`) on a command payload.
// Shape errors only; business rules live in the sale validator.
func ValidatePayload(payload interface{}) error {
	if err := payloadValidator.Struct(payload); err != nil {
		fields := ProcessValidationErrors(err)
		violations := make([]Violation, 0, len(fields))
		for field, tag := range fields {
			violations = append(violations, Violation{
				Code:    "INVALID_FIELD",
				Message: field + " failed " + tag,
			})
		}
		return NewValidationError(violations...)
	}
	return nil
}

// check if id exists, return RecordNotFound Error
func ValidateResourceId[T any](ctx context.Context, id interface{}) error {

	count, err := ResourceCountWhere[T](ctx, "id = ?", id)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrorRecordNotFound
	}

	return nil
}

func ValidateUnique[T any](ctx context.Context, column string, value interface{}, exceptId interface{}) error {
	var count int64
	var err error
	if reflect.ValueOf(exceptId).IsZero() {
		count, err = ResourceCountWhere[T](ctx, column+" = ?", value)
	} else {
		count, err = ResourceCountWhere[T](ctx, column+" = ? AND NOT id = ?", value, exceptId)
	}

	if err != nil {
		return err
	}
	if count > 0 {
		return NewValidationError(Violation{Code: "DUPLICATE", Message: "duplicate " + column})
	}
	return nil
}

// count records matching the condition
func ResourceCountWhere[T any](ctx context.Context, condition string, value ...interface{}) (int64, error) {
	var model T

	db := config.GetDB()
	var count int64
	if err := db.WithContext(ctx).Model(&model).Where(condition, value...).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}
