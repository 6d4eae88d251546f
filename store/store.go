package store

import (
	"context"
	"errors"

	"github.com/Austinkuria/clinique-beauty-sub003/models"
)

// ErrNotFound is returned when no payment record matches the given key.
var ErrNotFound = errors.New("payment not found")

// Result carries the reconciled outcome the callback path writes to a
// pending payment record.
type Result struct {
	Status        string // models.StatusPaid or models.StatusPaymentFailed
	ResultCode    int
	ResultDesc    string
	ReceiptNumber string
	Details       string // raw provider metadata as JSON, kept for audit
}

// Payments is the reconciliation store for M-Pesa payment records.
//
// The callback path is the only writer of terminal state: ApplyResult is a
// compare-and-set that transitions a record out of pending exactly once.
// Every other path reads.
type Payments interface {
	// CreatePending persists a freshly initiated payment with its
	// correlation identifiers, before control returns to the client.
	CreatePending(ctx context.Context, payment *models.MpesaPayment) error

	// FindByCheckoutRequestID looks a payment up by its primary correlation
	// key. Returns ErrNotFound when no record matches.
	FindByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.MpesaPayment, error)

	// FindByMerchantRequestID is the fallback lookup for callbacks whose
	// checkout request id cannot be resolved.
	FindByMerchantRequestID(ctx context.Context, merchantRequestID string) (*models.MpesaPayment, error)

	// ApplyResult transitions the record to a terminal state if and only if
	// it is still pending. It reports whether the update was applied; false
	// with a nil error means another writer already finalized the record.
	ApplyResult(ctx context.Context, paymentID uint, result Result) (bool, error)
}
