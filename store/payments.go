package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Austinkuria/clinique-beauty-sub003/models"
)

// GormPayments implements Payments on a gorm-managed database.
type GormPayments struct {
	db *gorm.DB
}

func NewGormPayments(db *gorm.DB) *GormPayments {
	return &GormPayments{db: db}
}

func (s *GormPayments) CreatePending(ctx context.Context, payment *models.MpesaPayment) error {
	if payment.Status == "" {
		payment.Status = models.StatusPending
	}
	return s.db.WithContext(ctx).Create(payment).Error
}

func (s *GormPayments) FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.MpesaPayment, error) {
	var payment models.MpesaPayment
	err := s.db.WithContext(ctx).Where("checkout_request_id = ?", checkoutRequestID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *GormPayments) FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (*models.MpesaPayment, error) {
	var payment models.MpesaPayment
	err := s.db.WithContext(ctx).Where("merchant_request_id = ?", merchantRequestID).First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// ApplyResult is the single-writer compare-and-set: the guard on the current
// status makes the first accepted result win and turns duplicate or
// contradictory late callbacks into no-ops.
func (s *GormPayments) ApplyResult(ctx context.Context, paymentID uint, result Result) (bool, error) {
	now := time.Now()
	tx := s.db.WithContext(ctx).Model(&models.MpesaPayment{}).
		Where("id = ? AND status = ?", paymentID, models.StatusPending).
		Updates(map[string]interface{}{
			"status":          result.Status,
			"result_code":     result.ResultCode,
			"result_desc":     result.ResultDesc,
			"receipt_number":  result.ReceiptNumber,
			"payment_details": result.Details,
			"reconciled_at":   now,
			"updated_at":      now,
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}
