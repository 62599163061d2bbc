package event

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDecodePaystackChargeToVirtualAccount(t *testing.T) {
	body := []byte(`{
		"event": "charge.success",
		"data": {
			"reference": "T123456789",
			"amount": 250050,
			"currency": "NGN",
			"status": "success",
			"channel": "dedicated_nuban",
			"metadata": {"receiver_account_number": "9930000001", "receiver_bank": "Wema Bank"}
		}
	}`)

	ev, err := DecodePaystack(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Type != TypeChargeSuccess || ev.Outcome() != OutcomeSuccess {
		t.Fatalf("unexpected type/outcome %s/%s", ev.Type, ev.Outcome())
	}
	if !ev.Amount.Equal(decimal.RequireFromString("2500.50")) {
		t.Fatalf("expected kobo to be converted, got %s", ev.Amount)
	}
	if !ev.IsFunding() {
		t.Fatalf("expected funding event")
	}
	if ev.Metadata["channel"] != "dedicated_nuban" {
		t.Fatalf("channel not carried: %v", ev.Metadata)
	}
	if ev.LockKey() != "paystack:T123456789" {
		t.Fatalf("unexpected lock key %s", ev.LockKey())
	}
}

func TestDecodePaystackTransferUsesTransferCode(t *testing.T) {
	body := []byte(`{"event":"transfer.reversed","data":{"reference":"WLT|BKTRF|0001ABCDEFGH","transfer_code":"TRF_abc","amount":100000,"currency":"NGN","status":"reversed","metadata":""}}`)

	ev, err := DecodePaystack(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.ExternalReference != "TRF_abc" {
		t.Fatalf("expected transfer code as external ref, got %s", ev.ExternalReference)
	}
	if ev.TransactionReference != "WLT|BKTRF|0001ABCDEFGH" {
		t.Fatalf("expected our reference echoed, got %s", ev.TransactionReference)
	}
	if ev.Outcome() != OutcomeReversal {
		t.Fatalf("expected reversal, got %s", ev.Outcome())
	}
	if ev.IsFunding() {
		t.Fatalf("transfer must not be treated as funding")
	}
}

func TestDecodePaystackErrors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want error
	}{
		{"empty", ``, ErrMalformedEvent},
		{"not json", `{"event":`, ErrMalformedEvent},
		{"no event", `{"data":{"reference":"x","amount":1}}`, ErrMalformedEvent},
		{"unsupported", `{"event":"subscription.create","data":{}}`, ErrUnsupportedEvent},
		{"no reference", `{"event":"charge.success","data":{"amount":100}}`, ErrMalformedEvent},
		{"no amount", `{"event":"charge.success","data":{"reference":"x"}}`, ErrMalformedEvent},
		{"bad metadata", `{"event":"charge.success","data":{"reference":"x","amount":1,"metadata":[1,2]}}`, ErrMalformedEvent},
		{"negative", `{"event":"transfer.failed","data":{"reference":"x","amount":-100}}`, ErrMalformedEvent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodePaystack([]byte(tc.body))
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestDecodeVTpass(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		typ     Type
		outcome Outcome
		amount  string
	}{
		{
			"delivered",
			`{"type":"transaction-update","data":{"code":"000","requestId":"WLT-BILL-0001","content":{"transactions":{"status":"delivered","transactionId":"1700000001","product_name":"MTN Airtime","amount":500}}}}`,
			TypeBillDelivered, OutcomeSuccess, "500",
		},
		{
			"reversed with amount",
			`{"type":"transaction-update","data":{"code":"040","requestId":"WLT-BILL-0002","amount":"150.5","content":{"transactions":{"status":"reversed","transactionId":"1700000002","amount":500}}}}`,
			TypeBillReversed, OutcomeReversal, "150.5",
		},
		{
			"failed",
			`{"type":"transaction-update","data":{"code":"016","requestId":"WLT-BILL-0003","content":{"transactions":{"status":"failed","transactionId":"1700000003"}}}}`,
			TypeBillFailed, OutcomeFailure, "0",
		},
		{
			"still pending",
			`{"type":"transaction-update","data":{"code":"099","requestId":"WLT-BILL-0004","content":{"transactions":{"status":"initiated","transactionId":"1700000004"}}}}`,
			TypeStatusUpdate, OutcomePending, "0",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := DecodeVTpass([]byte(tc.body))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if ev.Type != tc.typ || ev.Outcome() != tc.outcome {
				t.Fatalf("got %s/%s", ev.Type, ev.Outcome())
			}
			if !ev.Amount.Equal(decimal.RequireFromString(tc.amount)) {
				t.Fatalf("expected amount %s, got %s", tc.amount, ev.Amount)
			}
			if ev.Provider != ProviderVTpass || ev.ExternalReference == "" || ev.TransactionReference == "" {
				t.Fatalf("references not mapped: %+v", ev)
			}
		})
	}
}

func TestDecodeVTpassRejectsOtherTypes(t *testing.T) {
	_, err := DecodeVTpass([]byte(`{"type":"wallet-update","data":{}}`))
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("expected unsupported, got %v", err)
	}
}

func TestDecodeCanonical(t *testing.T) {
	body := []byte(`{"provider":"Paystack","event_type":"status.update","transaction_reference":"WLT|BKTRF|0001ABCDEFGH","amount":"1000.00","currency":"NGN","status":"FAILED","metadata":{"attempt":2}}`)
	ev, err := DecodeCanonical(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Provider != "paystack" || ev.Outcome() != OutcomeFailure {
		t.Fatalf("unexpected %+v", ev)
	}
	if ev.Metadata["attempt"] != "2" {
		t.Fatalf("metadata not flattened: %v", ev.Metadata)
	}
	if ev.LockKey() != "paystack:WLT|BKTRF|0001ABCDEFGH" {
		t.Fatalf("lock key should fall back to transaction ref, got %s", ev.LockKey())
	}

	if _, err := DecodeCanonical([]byte(`{"provider":"x","event_type":"status.update","transaction_reference":"r","status":"weird"}`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed for unknown status, got %v", err)
	}
	if _, err := DecodeCanonical([]byte(`{"event_type":"charge.success","external_reference":"r"}`)); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed for missing provider, got %v", err)
	}
}

func TestFundingWithoutAmountIsMalformed(t *testing.T) {
	ev := &ProviderEvent{
		Provider:          "paystack",
		Type:              TypeChargeSuccess,
		ExternalReference: "x",
		Metadata:          map[string]string{MetaReceiverAccount: "9930000001"},
	}
	if err := ev.Validate(); !errors.Is(err, ErrMalformedEvent) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestSignatures(t *testing.T) {
	body := []byte(`{"event":"charge.success"}`)

	sig := SignSHA512("sk_test", body)
	if len(sig) != 128 {
		t.Fatalf("unexpected sha512 hex length %d", len(sig))
	}
	if !VerifySHA512("sk_test", body, sig) {
		t.Fatalf("expected valid signature")
	}
	if VerifySHA512("other", body, sig) {
		t.Fatalf("wrong secret must fail")
	}
	if VerifySHA512("sk_test", []byte(`{"event":"charge.failed"}`), sig) {
		t.Fatalf("tampered body must fail")
	}
	if VerifySHA512("sk_test", body, "") {
		t.Fatalf("empty signature must fail")
	}

	sig256 := SignSHA256("shared", body)
	if !VerifySHA256("shared", body, " "+sig256+" ") {
		t.Fatalf("expected surrounding whitespace to be tolerated")
	}
}
