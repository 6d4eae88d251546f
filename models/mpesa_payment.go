package models

import (
	"time"

	"gorm.io/gorm"
)

// Payment lifecycle states. A payment is created as StatusPending and moves to
// exactly one of the terminal states when the gateway callback is reconciled.
const (
	StatusPending       = "pending"
	StatusPaid          = "paid"
	StatusPaymentFailed = "payment_failed"
)

// IsTerminal reports whether a payment status can no longer change.
func IsTerminal(status string) bool {
	return status == StatusPaid || status == StatusPaymentFailed
}

type MpesaPayment struct {
	gorm.Model
	MerchantRequestID string `gorm:"index;not null"`
	CheckoutRequestID string `gorm:"uniqueIndex;not null"`
	OrderID           string `gorm:"not null"`
	PhoneNumber       string `gorm:"not null"`
	Amount            int    `gorm:"not null"`
	Description       string
	CustomerEmail     string
	Status            string `gorm:"not null;default:pending"`

	// Reconciliation fields, written once by the callback path.
	ResultCode     *int
	ResultDesc     string
	ReceiptNumber  string
	PaymentDetails string `gorm:"type:text"` // raw provider metadata for audit
	ReconciledAt   *time.Time
}
