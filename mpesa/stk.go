package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Daraja limits on the free-text request fields.
const (
	maxAccountReferenceLen = 12
	maxTransactionDescLen  = 13
)

// STKPushInput is the caller-facing initiation request.
type STKPushInput struct {
	PhoneNumber string
	Amount      float64
	OrderID     string
	Description string
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int    `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the gateway's synchronous acknowledgement. The payment
// outcome itself arrives later on the callback channel.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush submits a payment prompt to the payer's phone and returns the
// correlation identifiers immediately. It does not wait for the outcome.
func (c *Client) STKPush(ctx context.Context, in STKPushInput) (*STKPushResponse, error) {
	if in.PhoneNumber == "" {
		return nil, fmt.Errorf("%w: phone number is required", ErrInvalidArgument)
	}
	if in.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	if in.OrderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrInvalidArgument)
	}

	phone := NormalizePhone(in.PhoneNumber, c.cfg.CountryCode)
	amount := RoundAmount(in.Amount)
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount rounds to zero", ErrInvalidArgument)
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	desc := in.Description
	if desc == "" {
		desc = "Order payment"
	}

	password, timestamp := c.credentials(time.Now())
	payload := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  truncate(in.OrderID, maxAccountReferenceLen),
		TransactionDesc:   truncate(desc, maxTransactionDescLen),
	}

	var out STKPushResponse
	if err := c.postJSON(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &out); err != nil {
		return nil, err
	}
	if out.ResponseCode != "0" {
		return nil, fmt.Errorf("%w: %s (response code %s)", ErrUpstreamRejected, out.ResponseDescription, out.ResponseCode)
	}
	return &out, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// StatusResponse is the gateway's answer to a synchronous status query.
type StatusResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          string `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// Gateway error code meaning the transaction has not been resolved yet.
const errCodeStillProcessing = "500.001.1001"

// QueryStatus asks the gateway for the current state of an STK push. A
// still-processing transaction is reported as ErrPending.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResponse, error) {
	if checkoutRequestID == "" {
		return nil, fmt.Errorf("%w: checkout request id is required", ErrInvalidArgument)
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := c.credentials(time.Now())
	payload := stkQueryRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/mpesa/stkpushquery/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		var gatewayErr struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		}
		_ = json.Unmarshal(respBody, &gatewayErr)
		if gatewayErr.ErrorCode == errCodeStillProcessing {
			return nil, ErrPending
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: gateway returned %d: %s", ErrUpstreamUnavailable, resp.StatusCode, respBody)
		}
		return nil, fmt.Errorf("%w: gateway returned %d: %s", ErrUpstreamRejected, resp.StatusCode, respBody)
	}

	var out StatusResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, fmt.Errorf("%w: malformed gateway response: %v", ErrUpstreamUnavailable, err)
	}
	return &out, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
