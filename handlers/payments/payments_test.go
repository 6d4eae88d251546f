package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Austinkuria/clinique-beauty-sub003/models"
	"github.com/Austinkuria/clinique-beauty-sub003/mpesa"
	"github.com/Austinkuria/clinique-beauty-sub003/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockGateway implements Gateway with overridable funcs.
type mockGateway struct {
	STKPushFunc     func(ctx context.Context, in mpesa.STKPushInput) (*mpesa.STKPushResponse, error)
	QueryStatusFunc func(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResponse, error)
}

func (m *mockGateway) STKPush(ctx context.Context, in mpesa.STKPushInput) (*mpesa.STKPushResponse, error) {
	if m.STKPushFunc != nil {
		return m.STKPushFunc(ctx, in)
	}
	return &mpesa.STKPushResponse{
		MerchantRequestID:   "merchant-1",
		CheckoutRequestID:   "checkout-1",
		ResponseCode:        "0",
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
	}, nil
}

func (m *mockGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResponse, error) {
	if m.QueryStatusFunc != nil {
		return m.QueryStatusFunc(ctx, checkoutRequestID)
	}
	return nil, mpesa.ErrPending
}

// mockNotifier records receipt notifications on a channel so tests can wait
// for the asynchronous dispatch.
type mockNotifier struct {
	calls chan string
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{calls: make(chan string, 4)}
}

func (m *mockNotifier) SendPaymentReceipt(email, orderID, receiptNumber string, amount int) {
	m.calls <- receiptNumber
}

func testStore(t *testing.T) store.Payments {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.MpesaPayment{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	return store.NewGormPayments(db)
}

func newTestRouter(payments store.Payments, gw Gateway, notifier Notifier) *gin.Engine {
	h := NewHandler(payments, gw, notifier, "254")
	r := gin.New()
	RegisterPaymentRoutes(r, r.Group("/"), h)
	return r
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func callbackPayload(checkoutID, merchantID string, resultCode int, items []map[string]interface{}) map[string]interface{} {
	stk := map[string]interface{}{
		"MerchantRequestID": merchantID,
		"CheckoutRequestID": checkoutID,
		"ResultCode":        resultCode,
		"ResultDesc":        "The service request is processed successfully.",
	}
	if items != nil {
		stk["CallbackMetadata"] = map[string]interface{}{"Item": items}
	}
	return map[string]interface{}{"Body": map[string]interface{}{"stkCallback": stk}}
}

func seedPending(t *testing.T, s store.Payments, checkoutID string) *models.MpesaPayment {
	t.Helper()
	payment := &models.MpesaPayment{
		MerchantRequestID: "merchant-" + checkoutID,
		CheckoutRequestID: checkoutID,
		OrderID:           "ORDER-1",
		PhoneNumber:       "254712345678",
		Amount:            100,
		CustomerEmail:     "payer@example.com",
		Status:            models.StatusPending,
	}
	if err := s.CreatePending(context.Background(), payment); err != nil {
		t.Fatalf("seed pending payment: %v", err)
	}
	return payment
}

func TestInitiatePersistsPendingPayment(t *testing.T) {
	s := testStore(t)
	var pushed mpesa.STKPushInput
	gw := &mockGateway{
		STKPushFunc: func(ctx context.Context, in mpesa.STKPushInput) (*mpesa.STKPushResponse, error) {
			pushed = in
			return &mpesa.STKPushResponse{
				MerchantRequestID: "merchant-1",
				CheckoutRequestID: "checkout-1",
				ResponseCode:      "0",
				CustomerMessage:   "Success. Request accepted for processing",
			}, nil
		},
	}
	r := newTestRouter(s, gw, newMockNotifier())

	w := doJSON(r, http.MethodPost, "/initiate-mpesa-payment", map[string]interface{}{
		"phoneNumber":   "0712345678",
		"amount":        99.5,
		"orderId":       "ORDER-1",
		"description":   "Order ORDER-1",
		"customerEmail": "payer@example.com",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["checkoutRequestId"] != "checkout-1" || resp["merchantRequestId"] != "merchant-1" {
		t.Errorf("missing correlation ids in response: %v", resp)
	}

	if pushed.PhoneNumber != "0712345678" || pushed.Amount != 99.5 {
		t.Errorf("gateway received unexpected input: %+v", pushed)
	}

	payment, err := s.FindByCheckoutRequestID(context.Background(), "checkout-1")
	if err != nil {
		t.Fatalf("pending payment not persisted: %v", err)
	}
	if payment.PhoneNumber != "254712345678" {
		t.Errorf("stored phone = %q, want normalized 254712345678", payment.PhoneNumber)
	}
	if payment.Amount != 100 {
		t.Errorf("stored amount = %d, want 100", payment.Amount)
	}
	if payment.Status != models.StatusPending {
		t.Errorf("stored status = %q, want pending", payment.Status)
	}
	if payment.MerchantRequestID != "merchant-1" {
		t.Errorf("stored merchant request id = %q", payment.MerchantRequestID)
	}
}

func TestInitiateValidation(t *testing.T) {
	s := testStore(t)
	gw := &mockGateway{
		STKPushFunc: func(ctx context.Context, in mpesa.STKPushInput) (*mpesa.STKPushResponse, error) {
			t.Error("gateway must not be called for invalid input")
			return nil, nil
		},
	}
	r := newTestRouter(s, gw, newMockNotifier())

	tests := []map[string]interface{}{
		{"amount": 10, "orderId": "ORDER-1"},
		{"phoneNumber": "0712345678", "orderId": "ORDER-1"},
		{"phoneNumber": "0712345678", "amount": 10},
	}
	for _, body := range tests {
		if w := doJSON(r, http.MethodPost, "/initiate-mpesa-payment", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %v: status = %d, want 400", body, w.Code)
		}
	}
}

func TestInitiateGatewayFailures(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{name: "unavailable", err: fmt.Errorf("%w: connection refused", mpesa.ErrUpstreamUnavailable), wantCode: http.StatusServiceUnavailable},
		{name: "rejected", err: fmt.Errorf("%w: invalid shortcode", mpesa.ErrUpstreamRejected), wantCode: http.StatusBadGateway},
		{name: "invalid", err: fmt.Errorf("%w: amount rounds to zero", mpesa.ErrInvalidArgument), wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testStore(t)
			gw := &mockGateway{
				STKPushFunc: func(ctx context.Context, in mpesa.STKPushInput) (*mpesa.STKPushResponse, error) {
					return nil, tt.err
				},
			}
			r := newTestRouter(s, gw, newMockNotifier())

			w := doJSON(r, http.MethodPost, "/initiate-mpesa-payment", map[string]interface{}{
				"phoneNumber": "0712345678",
				"amount":      10,
				"orderId":     "ORDER-1",
			})
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}

func TestCallbackReconciliationLifecycle(t *testing.T) {
	s := testStore(t)
	notifier := newMockNotifier()
	gw := &mockGateway{
		QueryStatusFunc: func(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResponse, error) {
			t.Error("status query must not contact the gateway once the store is terminal")
			return nil, mpesa.ErrUpstreamUnavailable
		},
	}
	r := newTestRouter(s, gw, notifier)

	seedPending(t, s, "checkout-1")

	payload := callbackPayload("checkout-1", "merchant-checkout-1", 0, []map[string]interface{}{
		{"Name": "Amount", "Value": 100},
		{"Name": "MpesaReceiptNumber", "Value": "ABC123"},
		{"Name": "TransactionDate", "Value": 20191219102115},
		{"Name": "PhoneNumber", "Value": 254712345678},
	})

	w := doJSON(r, http.MethodPost, "/mpesa/callback", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d", w.Code)
	}
	var ack map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack["ResultCode"] != float64(0) || ack["ResultDesc"] != "Callback received successfully" {
		t.Errorf("unexpected acknowledgement: %v", ack)
	}

	payment, err := s.FindByCheckoutRequestID(context.Background(), "checkout-1")
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if payment.Status != models.StatusPaid {
		t.Errorf("status = %q, want paid", payment.Status)
	}
	if payment.ReceiptNumber != "ABC123" {
		t.Errorf("receipt = %q, want ABC123", payment.ReceiptNumber)
	}

	select {
	case receipt := <-notifier.calls:
		if receipt != "ABC123" {
			t.Errorf("notified receipt = %q", receipt)
		}
	case <-time.After(2 * time.Second):
		t.Error("receipt notification was not dispatched")
	}

	// Replaying the identical callback is a benign no-op.
	w = doJSON(r, http.MethodPost, "/mpesa/callback", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("replay status = %d", w.Code)
	}

	// So is a late, contradictory callback for the same checkout id.
	contradictory := callbackPayload("checkout-1", "merchant-checkout-1", 1032, nil)
	w = doJSON(r, http.MethodPost, "/mpesa/callback", contradictory)
	if w.Code != http.StatusOK {
		t.Fatalf("contradictory replay status = %d", w.Code)
	}

	payment, err = s.FindByCheckoutRequestID(context.Background(), "checkout-1")
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if payment.Status != models.StatusPaid || payment.ReceiptNumber != "ABC123" {
		t.Errorf("terminal state was overwritten: %+v", payment)
	}

	select {
	case <-notifier.calls:
		t.Error("replayed callback must not notify again")
	case <-time.After(100 * time.Millisecond):
	}

	// The store is terminal, so the status query answers without touching
	// the gateway (QueryStatusFunc fails the test if invoked).
	w = doJSON(r, http.MethodGet, "/payments/checkout-1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status query = %d", w.Code)
	}
	var statusResp struct {
		Status  string `json:"status"`
		OrderID string `json:"orderId"`
		Details struct {
			ReceiptNumber string `json:"receiptNumber"`
		} `json:"details"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &statusResp); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if statusResp.Status != models.StatusPaid {
		t.Errorf("status = %q, want paid", statusResp.Status)
	}
	if statusResp.Details.ReceiptNumber != "ABC123" {
		t.Errorf("receiptNumber = %q, want ABC123", statusResp.Details.ReceiptNumber)
	}
	if statusResp.OrderID != "ORDER-1" {
		t.Errorf("orderId = %q, want ORDER-1", statusResp.OrderID)
	}
}

func TestCallbackFailureResult(t *testing.T) {
	s := testStore(t)
	r := newTestRouter(s, &mockGateway{}, newMockNotifier())

	seedPending(t, s, "checkout-1")

	w := doJSON(r, http.MethodPost, "/mpesa/callback", callbackPayload("checkout-1", "merchant-checkout-1", 1032, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d", w.Code)
	}

	payment, err := s.FindByCheckoutRequestID(context.Background(), "checkout-1")
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if payment.Status != models.StatusPaymentFailed {
		t.Errorf("status = %q, want payment_failed", payment.Status)
	}
	if payment.ResultCode == nil || *payment.ResultCode != 1032 {
		t.Errorf("result code = %v, want 1032", payment.ResultCode)
	}
}

func TestCallbackMerchantRequestIDFallback(t *testing.T) {
	s := testStore(t)
	r := newTestRouter(s, &mockGateway{}, newMockNotifier())

	payment := seedPending(t, s, "checkout-indexed-late")

	// The callback carries a checkout id the store has not indexed; the
	// merchant request id still resolves the record.
	w := doJSON(r, http.MethodPost, "/mpesa/callback", callbackPayload("ws_CO_unknown", payment.MerchantRequestID, 0, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("callback status = %d", w.Code)
	}

	got, err := s.FindByCheckoutRequestID(context.Background(), "checkout-indexed-late")
	if err != nil {
		t.Fatalf("find payment: %v", err)
	}
	if got.Status != models.StatusPaid {
		t.Errorf("status = %q, want paid", got.Status)
	}
}

func TestCallbackAlwaysAcknowledges(t *testing.T) {
	s := testStore(t)
	r := newTestRouter(s, &mockGateway{}, newMockNotifier())

	// Unknown correlation ids.
	w := doJSON(r, http.MethodPost, "/mpesa/callback", callbackPayload("ws_CO_unknown", "m-unknown", 0, nil))
	if w.Code != http.StatusOK {
		t.Errorf("unknown id: status = %d, want 200", w.Code)
	}

	// Unparseable body.
	req := httptest.NewRequest(http.MethodPost, "/mpesa/callback", bytes.NewBufferString("not json"))
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req)
	if w2.Code != http.StatusOK {
		t.Errorf("garbage body: status = %d, want 200", w2.Code)
	}
	var ack map[string]interface{}
	if err := json.Unmarshal(w2.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack["ResultCode"] != float64(0) {
		t.Errorf("garbage body must still be acknowledged with ResultCode 0, got %v", ack)
	}
}

func TestStatusQueryPendingFallsThroughToGateway(t *testing.T) {
	s := testStore(t)
	queried := false
	gw := &mockGateway{
		QueryStatusFunc: func(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResponse, error) {
			queried = true
			return nil, mpesa.ErrPending
		},
	}
	r := newTestRouter(s, gw, newMockNotifier())

	seedPending(t, s, "checkout-1")

	w := doJSON(r, http.MethodGet, "/payments/checkout-1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !queried {
		t.Error("pending payment must fall through to the gateway query")
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != models.StatusPending {
		t.Errorf("status = %v, want pending", resp["status"])
	}

	// The query path never writes.
	payment, _ := s.FindByCheckoutRequestID(context.Background(), "checkout-1")
	if payment.Status != models.StatusPending {
		t.Errorf("status query wrote to the store: %q", payment.Status)
	}
}

func TestStatusQueryBestEffortGatewayAnswer(t *testing.T) {
	s := testStore(t)
	gw := &mockGateway{
		QueryStatusFunc: func(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResponse, error) {
			return &mpesa.StatusResponse{
				ResponseCode: "0",
				ResultCode:   "1032",
				ResultDesc:   "Request cancelled by user",
			}, nil
		},
	}
	r := newTestRouter(s, gw, newMockNotifier())

	seedPending(t, s, "checkout-1")

	w := doJSON(r, http.MethodGet, "/payments/checkout-1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != models.StatusPaymentFailed {
		t.Errorf("status = %v, want payment_failed", resp["status"])
	}

	// Best effort only; terminal state still belongs to the callback path.
	payment, _ := s.FindByCheckoutRequestID(context.Background(), "checkout-1")
	if payment.Status != models.StatusPending {
		t.Errorf("status query wrote terminal state: %q", payment.Status)
	}
}

func TestStatusQueryUnknownID(t *testing.T) {
	s := testStore(t)
	gw := &mockGateway{
		QueryStatusFunc: func(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResponse, error) {
			return nil, fmt.Errorf("%w: invalid CheckoutRequestID", mpesa.ErrUpstreamRejected)
		},
	}
	r := newTestRouter(s, gw, newMockNotifier())

	w := doJSON(r, http.MethodGet, "/payments/ws_CO_unknown/status", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "not_found" {
		t.Errorf("status = %v, want not_found", resp["status"])
	}
}

func TestStatusQueryGatewayDown(t *testing.T) {
	s := testStore(t)
	gw := &mockGateway{
		QueryStatusFunc: func(ctx context.Context, checkoutRequestID string) (*mpesa.StatusResponse, error) {
			return nil, fmt.Errorf("%w: timeout", mpesa.ErrUpstreamUnavailable)
		},
	}
	r := newTestRouter(s, gw, newMockNotifier())

	// With no local record, a transient gateway failure is surfaced as
	// retryable.
	w := doJSON(r, http.MethodGet, "/payments/ws_CO_unknown/status", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("no record: status = %d, want 503", w.Code)
	}

	// With a pending record, the client keeps polling instead of seeing a
	// hard failure.
	seedPending(t, s, "checkout-1")
	w = doJSON(r, http.MethodGet, "/payments/checkout-1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pending record: status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != models.StatusPending {
		t.Errorf("status = %v, want pending", resp["status"])
	}
}
