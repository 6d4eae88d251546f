package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Austinkuria/clinique-beauty-sub003/models"
	"github.com/Austinkuria/clinique-beauty-sub003/mpesa"
	"github.com/Austinkuria/clinique-beauty-sub003/store"
)

// Initiation plus the token exchange can take two round trips to the gateway.
const gatewayCallBudget = 30 * time.Second

const maxCallbackBodyBytes = int64(65536)

// Gateway is the slice of the M-Pesa client the handlers use.
type Gateway interface {
	STKPush(ctx context.Context, in mpesa.STKPushInput) (*mpesa.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResponse, error)
}

// Notifier delivers post-payment notifications. Implementations must not
// block or fail the payment flow.
type Notifier interface {
	SendPaymentReceipt(email, orderID, receiptNumber string, amount int)
}

// Handler owns the payment routes: initiation, the gateway callback, and the
// client-facing status query.
type Handler struct {
	payments    store.Payments
	gateway     Gateway
	notifier    Notifier
	countryCode string
}

func NewHandler(payments store.Payments, gateway Gateway, notifier Notifier, countryCode string) *Handler {
	return &Handler{
		payments:    payments,
		gateway:     gateway,
		notifier:    notifier,
		countryCode: countryCode,
	}
}

type initiateRequest struct {
	PhoneNumber   string  `json:"phoneNumber"`
	Amount        float64 `json:"amount"`
	OrderID       string  `json:"orderId"`
	Description   string  `json:"description"`
	CustomerEmail string  `json:"customerEmail"`
}

// InitiateMpesaPayment pushes an STK prompt to the payer's phone and records
// the pending payment. The payment outcome arrives later on the callback.
func (h *Handler) InitiateMpesaPayment(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body."})
		return
	}
	if req.PhoneNumber == "" || req.Amount <= 0 || req.OrderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Phone number, amount and order id are required."})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), gatewayCallBudget)
	defer cancel()

	resp, err := h.gateway.STKPush(ctx, mpesa.STKPushInput{
		PhoneNumber: req.PhoneNumber,
		Amount:      req.Amount,
		OrderID:     req.OrderID,
		Description: req.Description,
	})
	if err != nil {
		switch {
		case errors.Is(err, mpesa.ErrInvalidArgument):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, mpesa.ErrUpstreamRejected):
			log.Error().Err(err).Str("order_id", req.OrderID).Msg("gateway rejected STK push")
			c.JSON(http.StatusBadGateway, gin.H{"error": "Payment could not be started. Please try again."})
		default:
			log.Error().Err(err).Str("order_id", req.OrderID).Msg("STK push failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment could not be started. Please try again."})
		}
		return
	}

	payment := &models.MpesaPayment{
		MerchantRequestID: resp.MerchantRequestID,
		CheckoutRequestID: resp.CheckoutRequestID,
		OrderID:           req.OrderID,
		PhoneNumber:       mpesa.NormalizePhone(req.PhoneNumber, h.countryCode),
		Amount:            mpesa.RoundAmount(req.Amount),
		Description:       req.Description,
		CustomerEmail:     req.CustomerEmail,
		Status:            models.StatusPending,
	}

	// The correlation identifiers must be on disk before the client gets a
	// success response, otherwise the callback cannot be joined to the order.
	if err := h.payments.CreatePending(ctx, payment); err != nil {
		log.Error().Err(err).
			Str("order_id", req.OrderID).
			Str("checkout_request_id", resp.CheckoutRequestID).
			Msg("failed to persist pending payment")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Payment could not be started. Please try again."})
		return
	}

	log.Info().
		Str("order_id", req.OrderID).
		Str("checkout_request_id", resp.CheckoutRequestID).
		Int("amount", payment.Amount).
		Msg("STK push initiated")

	c.JSON(http.StatusOK, gin.H{
		"checkoutRequestId":   resp.CheckoutRequestID,
		"merchantRequestId":   resp.MerchantRequestID,
		"responseCode":        resp.ResponseCode,
		"responseDescription": resp.ResponseDescription,
		"customerMessage":     resp.CustomerMessage,
	})
}

// MpesaCallback receives the gateway's out-of-band payment result. It always
// acknowledges success; a non-200 or error body makes the gateway retry the
// callback indefinitely.
func (h *Handler) MpesaCallback(c *gin.Context) {
	// The acknowledgement is unconditional, so send it once at the end no
	// matter what happens in between.
	defer c.JSON(http.StatusOK, gin.H{
		"ResultCode": 0,
		"ResultDesc": "Callback received successfully",
	})

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read callback body")
		return
	}

	result, err := mpesa.ParseCallback(body)
	if err != nil {
		log.Warn().Err(err).Msg("unparseable M-Pesa callback")
		return
	}

	ctx := c.Request.Context()
	payment, err := h.payments.FindByCheckoutRequestID(ctx, result.CheckoutRequestID)
	if errors.Is(err, store.ErrNotFound) && result.MerchantRequestID != "" {
		payment, err = h.payments.FindByMerchantRequestID(ctx, result.MerchantRequestID)
	}
	if err != nil {
		// Unknown ids are acknowledged anyway; the gateway must not be told
		// to retry for a record this system cannot resolve.
		log.Warn().Err(err).
			Str("checkout_request_id", result.CheckoutRequestID).
			Str("merchant_request_id", result.MerchantRequestID).
			Msg("callback did not match a payment record")
		return
	}

	if models.IsTerminal(payment.Status) {
		log.Info().
			Str("checkout_request_id", payment.CheckoutRequestID).
			Str("status", payment.Status).
			Int("result_code", result.ResultCode).
			Msg("duplicate callback for finalized payment, ignoring")
		return
	}

	status := models.StatusPaymentFailed
	if result.Success {
		status = models.StatusPaid
	}
	details, _ := json.Marshal(result.Metadata)

	applied, err := h.payments.ApplyResult(ctx, payment.ID, store.Result{
		Status:        status,
		ResultCode:    result.ResultCode,
		ResultDesc:    result.ResultDesc,
		ReceiptNumber: result.ReceiptNumber,
		Details:       string(details),
	})
	if err != nil {
		log.Error().Err(err).
			Str("checkout_request_id", payment.CheckoutRequestID).
			Msg("failed to apply payment result")
		return
	}
	if !applied {
		// A concurrent callback won the compare-and-set.
		log.Info().
			Str("checkout_request_id", payment.CheckoutRequestID).
			Msg("payment already finalized by a concurrent callback")
		return
	}

	log.Info().
		Str("checkout_request_id", payment.CheckoutRequestID).
		Str("order_id", payment.OrderID).
		Str("status", status).
		Str("receipt_number", result.ReceiptNumber).
		Msg("payment reconciled")

	if status == models.StatusPaid && h.notifier != nil && payment.CustomerEmail != "" {
		go h.notifier.SendPaymentReceipt(payment.CustomerEmail, payment.OrderID, result.ReceiptNumber, payment.Amount)
	}
}

// PaymentStatus answers the polling client. The store is authoritative once
// it holds a terminal state; only unresolved payments fall through to the
// gateway's synchronous query API. This path never writes.
func (h *Handler) PaymentStatus(c *gin.Context) {
	checkoutRequestID := c.Param("checkout_request_id")
	if checkoutRequestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Checkout request id is required."})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), gatewayCallBudget)
	defer cancel()

	payment, err := h.payments.FindByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Str("checkout_request_id", checkoutRequestID).Msg("payment lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch payment status."})
		return
	}

	if payment != nil && models.IsTerminal(payment.Status) {
		c.JSON(http.StatusOK, gin.H{
			"status":  payment.Status,
			"orderId": payment.OrderID,
			"details": gin.H{
				"receiptNumber": payment.ReceiptNumber,
				"resultDesc":    payment.ResultDesc,
			},
		})
		return
	}

	res, err := h.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		switch {
		case errors.Is(err, mpesa.ErrPending):
			h.respondPending(c, payment)
		case errors.Is(err, mpesa.ErrUpstreamRejected):
			if payment != nil {
				// The gateway no longer recognizes the id but the record is
				// still pending; keep the client polling.
				h.respondPending(c, payment)
				return
			}
			c.JSON(http.StatusNotFound, gin.H{"status": "not_found"})
		default:
			if payment != nil {
				h.respondPending(c, payment)
				return
			}
			log.Error().Err(err).Str("checkout_request_id", checkoutRequestID).Msg("gateway status query failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Payment status is temporarily unavailable. Please retry."})
		}
		return
	}

	// Best-effort answer from the gateway; terminal state is only ever
	// written by the callback path.
	status := models.StatusPaymentFailed
	if res.ResultCode == "0" {
		status = models.StatusPaid
	}
	response := gin.H{
		"status": status,
		"details": gin.H{
			"resultCode": res.ResultCode,
			"resultDesc": res.ResultDesc,
		},
	}
	if payment != nil {
		response["orderId"] = payment.OrderID
	}
	c.JSON(http.StatusOK, response)
}

func (h *Handler) respondPending(c *gin.Context, payment *models.MpesaPayment) {
	response := gin.H{"status": models.StatusPending}
	if payment != nil {
		response["orderId"] = payment.OrderID
	}
	c.JSON(http.StatusOK, response)
}
