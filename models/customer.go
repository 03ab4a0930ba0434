package models

import (
	"context"
	"time"

	"gorm.io/gorm"

	"pos_backend/config"
	"pos_backend/utils"
)

type Customer struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name" binding:"required"`
	TaxId     string    `gorm:"size:30;index" json:"tax_id"`
	Email     string    `gorm:"size:100" json:"email"`
	Phone     string    `gorm:"size:20" json:"phone"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewCustomer struct {
	Name  string `json:"name" validate:"required,max=100"`
	TaxId string `json:"tax_id" validate:"max=30"`
	Email string `json:"email" validate:"max=100"`
	Phone string `json:"phone" validate:"max=20"`
}

func CreateCustomer(ctx context.Context, input *NewCustomer) (*Customer, error) {
	db := config.GetDB()

	if err := utils.ValidatePayload(input); err != nil {
		return nil, err
	}
	if input.Email != "" && !utils.IsValidEmail(input.Email) {
		return nil, utils.NewValidationError(utils.Violation{
			Code: "INVALID_EMAIL", Message: "invalid email",
		})
	}

	customer := Customer{
		Name:     input.Name,
		TaxId:    input.TaxId,
		Email:    input.Email,
		Phone:    input.Phone,
		IsActive: utils.NewTrue(),
	}

	if err := db.WithContext(ctx).Create(&customer).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}
	return &customer, nil
}

func GetCustomer(ctx context.Context, id int) (*Customer, error) {
	db := config.GetDB()
	var customer Customer
	if err := db.WithContext(ctx).First(&customer, id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.NewNotFoundError("customer")
		}
		return nil, utils.NewStorageError(err)
	}
	return &customer, nil
}

func GetCustomers(ctx context.Context, name *string) ([]*Customer, error) {
	db := config.GetDB()
	var customers []*Customer
	dbCtx := db.WithContext(ctx).Order("name")
	if name != nil && *name != "" {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	if err := dbCtx.Find(&customers).Error; err != nil {
		return nil, utils.NewStorageError(err)
	}
	return customers, nil
}
