package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Canonical envelope, used by internal collaborators and tests
// ============================================================================

type canonicalEnvelope struct {
	Provider             string          `json:"provider"`
	EventType            string          `json:"event_type"`
	ExternalReference    string          `json:"external_reference"`
	TransactionReference string          `json:"transaction_reference"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Status               string          `json:"status"`
	Metadata             json.RawMessage `json:"metadata"`
}

func DecodeCanonical(body []byte) (*ProviderEvent, error) {
	var env canonicalEnvelope
	if err := strictUnmarshal(body, &env); err != nil {
		return nil, err
	}
	meta, err := flattenMetadata(env.Metadata)
	if err != nil {
		return nil, err
	}
	ev := &ProviderEvent{
		Provider:             strings.ToLower(env.Provider),
		Type:                 Type(env.EventType),
		ExternalReference:    env.ExternalReference,
		TransactionReference: env.TransactionReference,
		Amount:               env.Amount,
		Currency:             env.Currency,
		Status:               strings.ToLower(env.Status),
		Metadata:             meta,
		Raw:                  body,
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// ============================================================================
// Paystack
// ============================================================================

const ProviderPaystack = "paystack"

var paystackEvents = map[string]Type{
	"charge.success":    TypeChargeSuccess,
	"transfer.success":  TypeTransferSuccess,
	"transfer.failed":   TypeTransferFailed,
	"transfer.reversed": TypeTransferReversed,
}

var paystackStatuses = map[string]string{
	"success":   StatusSuccess,
	"failed":    StatusFailed,
	"abandoned": StatusFailed,
	"pending":   StatusPending,
	"reversed":  StatusReversed,
}

type paystackEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Reference    string          `json:"reference"`
		TransferCode string          `json:"transfer_code"`
		Amount       *decimal.Decimal `json:"amount"`
		Currency     string          `json:"currency"`
		Status       string          `json:"status"`
		Channel      string          `json:"channel"`
		Metadata     json.RawMessage `json:"metadata"`
	} `json:"data"`
}

// DecodePaystack maps a Paystack webhook body. Amounts arrive in kobo.
func DecodePaystack(body []byte) (*ProviderEvent, error) {
	var env paystackEnvelope
	if err := strictUnmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedEvent)
	}
	typ, ok := paystackEvents[env.Event]
	if !ok {
		return nil, fmt.Errorf("%w: paystack %s", ErrUnsupportedEvent, env.Event)
	}
	if env.Data.Reference == "" {
		return nil, fmt.Errorf("%w: missing data.reference", ErrMalformedEvent)
	}
	if env.Data.Amount == nil {
		return nil, fmt.Errorf("%w: missing data.amount", ErrMalformedEvent)
	}

	meta, err := flattenMetadata(env.Data.Metadata)
	if err != nil {
		return nil, err
	}
	if env.Data.Channel != "" {
		meta["channel"] = env.Data.Channel
	}

	ev := &ProviderEvent{
		Provider:             ProviderPaystack,
		Type:                 typ,
		ExternalReference:    env.Data.Reference,
		TransactionReference: env.Data.Reference,
		Amount:               env.Data.Amount.Shift(-2),
		Currency:             env.Data.Currency,
		Status:               paystackStatuses[strings.ToLower(env.Data.Status)],
		Metadata:             meta,
		Raw:                  body,
	}
	// transfers we initiate carry our reference; Paystack's own id is the transfer code
	if env.Data.TransferCode != "" {
		ev.ExternalReference = env.Data.TransferCode
	}
	if ref := meta["transaction_reference"]; ref != "" {
		ev.TransactionReference = ref
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// ============================================================================
// VTpass
// ============================================================================

const ProviderVTpass = "vtpass"

const (
	vtpassDelivered = "000"
	vtpassReversed  = "040"
)

type vtpassEnvelope struct {
	Type string `json:"type"`
	Data struct {
		Code      string           `json:"code"`
		RequestID string           `json:"requestId"`
		Amount    *decimal.Decimal `json:"amount"`
		Content   struct {
			Transactions struct {
				Status        string           `json:"status"`
				TransactionID string           `json:"transactionId"`
				ProductName   string           `json:"product_name"`
				Amount        *decimal.Decimal `json:"amount"`
			} `json:"transactions"`
		} `json:"content"`
	} `json:"data"`
}

// DecodeVTpass maps a VTpass transaction-update callback.
func DecodeVTpass(body []byte) (*ProviderEvent, error) {
	var env vtpassEnvelope
	if err := strictUnmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Type != "transaction-update" {
		return nil, fmt.Errorf("%w: vtpass %s", ErrUnsupportedEvent, env.Type)
	}
	txn := env.Data.Content.Transactions

	ev := &ProviderEvent{
		Provider:             ProviderVTpass,
		ExternalReference:    txn.TransactionID,
		TransactionReference: env.Data.RequestID,
		Currency:             "NGN",
		Metadata:             map[string]string{"product_name": txn.ProductName, "code": env.Data.Code},
		Raw:                  body,
	}

	status := strings.ToLower(txn.Status)
	switch {
	case env.Data.Code == vtpassDelivered || status == "delivered":
		ev.Type = TypeBillDelivered
		ev.Status = StatusSuccess
	case env.Data.Code == vtpassReversed || status == "reversed":
		ev.Type = TypeBillReversed
		ev.Status = StatusReversed
	case status == "failed":
		ev.Type = TypeBillFailed
		ev.Status = StatusFailed
	default:
		ev.Type = TypeStatusUpdate
		ev.Status = StatusPending
	}

	// reversals echo the refunded amount at data.amount
	switch {
	case env.Data.Amount != nil:
		ev.Amount = *env.Data.Amount
	case txn.Amount != nil:
		ev.Amount = *txn.Amount
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// ============================================================================
// helpers
// ============================================================================

func strictUnmarshal(body []byte, v interface{}) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return fmt.Errorf("%w: empty body", ErrMalformedEvent)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// flattenMetadata accepts an object (values stringified), an empty string or null.
func flattenMetadata(raw json.RawMessage) (map[string]string, error) {
	out := map[string]string{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte(`""`)) {
		return out, nil
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrMalformedEvent, err)
	}
	for k, v := range obj {
		switch val := v.(type) {
		case nil:
		case string:
			out[k] = val
		case float64, bool:
			out[k] = fmt.Sprint(val)
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out, nil
}
