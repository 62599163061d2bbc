package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

const (
	EventRecordCreated   = "transaction.created"
	EventRecordCompleted = "transaction.completed"
)

// OutboxMessage is written in the same storage transaction as the ledger change
// it describes and published to Kafka later by the outbox sender.
type OutboxMessage struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID    int64      `gorm:"uniqueIndex;not null" json:"event_id"`
	EventType  string     `gorm:"type:varchar(40);not null" json:"event_type"`
	MessageKey string     `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string     `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string     `gorm:"type:text;not null" json:"payload"`
	Status     string     `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int        `gorm:"not null;default:0" json:"retry_count"`
	LastError  string     `gorm:"type:varchar(255)" json:"last_error,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_messages"
}

// TransactionEvent is the payload subscribers (notifications, activity feed)
// receive when a record is created or reaches a terminal status.
type TransactionEvent struct {
	EventID              int64           `json:"event_id"`
	EventType            string          `json:"event_type"`
	TransactionReference string          `json:"transaction_reference"`
	ParentReference      string          `json:"parent_reference,omitempty"`
	OwnerID              int64           `json:"owner_id"`
	WalletID             int64           `json:"wallet_id"`
	Type                 string          `json:"type"`
	Category             string          `json:"category"`
	Amount               decimal.Decimal `json:"amount"`
	AmountAfter          decimal.Decimal `json:"amount_after"`
	Currency             string          `json:"currency"`
	Status               string          `json:"status"`
	Provider             string          `json:"provider"`
	OccurredAt           time.Time       `json:"occurred_at"`
}

func NewTransactionEvent(eventID int64, eventType string, rec *TransactionRecord, at time.Time) TransactionEvent {
	ev := TransactionEvent{
		EventID:              eventID,
		EventType:            eventType,
		TransactionReference: rec.TransactionReference,
		OwnerID:              rec.OwnerID,
		WalletID:             rec.WalletID,
		Type:                 rec.Type,
		Category:             rec.Category,
		Amount:               rec.Amount,
		AmountAfter:          rec.AmountAfter,
		Currency:             rec.Currency,
		Status:               rec.Status,
		Provider:             rec.Provider,
		OccurredAt:           at,
	}
	if rec.ParentReference != nil {
		ev.ParentReference = *rec.ParentReference
	}
	return ev
}
