package migrations

import (
	"gorm.io/gorm"

	"github.com/Austinkuria/clinique-beauty-sub003/models"
)

func MigratePayments(db *gorm.DB) error {
	return db.AutoMigrate(&models.MpesaPayment{})
}
