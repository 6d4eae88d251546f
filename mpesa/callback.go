package mpesa

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// CallbackEnvelope is the nested payload the gateway posts to the callback
// URL once the payer has responded to the STK prompt.
type CallbackEnvelope struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// CallbackResult is the flattened outcome of one callback delivery.
type CallbackResult struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Success           bool

	// Populated from CallbackMetadata on success; absent keys stay zero.
	Amount          float64
	ReceiptNumber   string
	TransactionDate string
	PhoneNumber     string

	// Metadata holds every Name/Value pair as delivered, for audit.
	Metadata map[string]interface{}
}

// ParseCallback decodes the callback envelope and folds the metadata item
// list into a flat result. Missing metadata keys are treated as absent, not
// as parse errors.
func ParseCallback(payload []byte) (*CallbackResult, error) {
	var envelope CallbackEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("parse callback: %w", err)
	}

	cb := envelope.Body.StkCallback
	if cb.CheckoutRequestID == "" && cb.MerchantRequestID == "" {
		return nil, fmt.Errorf("parse callback: missing correlation identifiers")
	}

	result := &CallbackResult{
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		ResultDesc:        cb.ResultDesc,
		Success:           cb.ResultCode == 0,
		Metadata:          make(map[string]interface{}),
	}

	for _, item := range cb.CallbackMetadata.Item {
		result.Metadata[item.Name] = item.Value
		switch item.Name {
		case "Amount":
			if v, ok := item.Value.(float64); ok {
				result.Amount = v
			}
		case "MpesaReceiptNumber":
			if v, ok := item.Value.(string); ok {
				result.ReceiptNumber = v
			}
		case "TransactionDate":
			result.TransactionDate = metadataString(item.Value)
		case "PhoneNumber":
			result.PhoneNumber = metadataString(item.Value)
		}
	}

	return result, nil
}

// metadataString renders a metadata value as a string. The gateway delivers
// phone numbers and transaction dates as JSON numbers.
func metadataString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return ""
	}
}
