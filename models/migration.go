package models

import (
	"log"

	"bitbucket.org/mmdatafocus/stockroom_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Product{}, &ProductUnit{}, &StockMovement{},
		&Invoice{}, &InvoiceItem{},
		&Request{}, &RequestItem{},
		&NumberSeries{},
		&History{}, &EventOutboxRecord{},
		&User{}, &Role{}, &RoleModule{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
