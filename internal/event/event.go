// Package event is the parsing and validation boundary for provider callbacks.
// Raw provider payloads are turned into a ProviderEvent here and nowhere else.
package event

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeChargeSuccess    Type = "charge.success"
	TypeChargeFailed     Type = "charge.failed"
	TypeTransferSuccess  Type = "transfer.success"
	TypeTransferFailed   Type = "transfer.failed"
	TypeTransferReversed Type = "transfer.reversed"
	TypeBillDelivered    Type = "bill.delivered"
	TypeBillFailed       Type = "bill.failed"
	TypeBillReversed     Type = "bill.reversed"
	// TypeStatusUpdate carries its outcome in Status. Used for synchronous
	// provider answers and status queries made by the pending sweep.
	TypeStatusUpdate Type = "status.update"
)

type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeFailure  Outcome = "failure"
	OutcomeReversal Outcome = "reversal"
	OutcomePending  Outcome = "pending"
)

const (
	StatusSuccess  = "success"
	StatusFailed   = "failed"
	StatusReversed = "reversed"
	StatusPending  = "pending"
)

// MetaReceiverAccount is the metadata key holding the virtual account number
// an inbound bank transfer was paid into.
const MetaReceiverAccount = "receiver_account_number"

var (
	ErrMalformedEvent   = errors.New("malformed provider event")
	ErrUnsupportedEvent = errors.New("unsupported provider event")
)

var typeOutcomes = map[Type]Outcome{
	TypeChargeSuccess:    OutcomeSuccess,
	TypeChargeFailed:     OutcomeFailure,
	TypeTransferSuccess:  OutcomeSuccess,
	TypeTransferFailed:   OutcomeFailure,
	TypeTransferReversed: OutcomeReversal,
	TypeBillDelivered:    OutcomeSuccess,
	TypeBillFailed:       OutcomeFailure,
	TypeBillReversed:     OutcomeReversal,
}

var statusOutcomes = map[string]Outcome{
	StatusSuccess:  OutcomeSuccess,
	StatusFailed:   OutcomeFailure,
	StatusReversed: OutcomeReversal,
	StatusPending:  OutcomePending,
}

type ProviderEvent struct {
	Provider          string
	Type              Type
	ExternalReference string
	// TransactionReference is our own reference when the provider echoes it.
	TransactionReference string
	Amount               decimal.Decimal
	Currency             string
	Status               string
	Metadata             map[string]string
	Raw                  []byte
}

func (e *ProviderEvent) Outcome() Outcome {
	if e.Type == TypeStatusUpdate {
		return statusOutcomes[e.Status]
	}
	return typeOutcomes[e.Type]
}

// IsFunding reports whether the event may create a new inbound funding record.
func (e *ProviderEvent) IsFunding() bool {
	return e.Type == TypeChargeSuccess && e.Metadata[MetaReceiverAccount] != ""
}

// LockKey identifies the event for serialization across deliveries.
func (e *ProviderEvent) LockKey() string {
	ref := e.ExternalReference
	if ref == "" {
		ref = e.TransactionReference
	}
	return e.Provider + ":" + ref
}

func (e *ProviderEvent) Validate() error {
	if strings.TrimSpace(e.Provider) == "" {
		return fmt.Errorf("%w: provider is required", ErrMalformedEvent)
	}
	if e.ExternalReference == "" && e.TransactionReference == "" {
		return fmt.Errorf("%w: a reference is required", ErrMalformedEvent)
	}
	if e.Type == TypeStatusUpdate {
		if _, ok := statusOutcomes[e.Status]; !ok {
			return fmt.Errorf("%w: unknown status %q", ErrMalformedEvent, e.Status)
		}
	} else if _, ok := typeOutcomes[e.Type]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, e.Type)
	}
	if e.Amount.IsNegative() {
		return fmt.Errorf("%w: negative amount %s", ErrMalformedEvent, e.Amount)
	}
	if e.Outcome() == OutcomeSuccess && e.IsFunding() && !e.Amount.IsPositive() {
		return fmt.Errorf("%w: funding event without amount", ErrMalformedEvent)
	}
	return nil
}
