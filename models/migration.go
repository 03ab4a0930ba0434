package models

import (
	"log"

	"pos_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Product{}, &Customer{},
		&Sale{}, &SaleLine{},
		&InventoryMovement{},
		&DocumentSequence{},
		&SaleEventRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
