package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Record types, statuses and well known values
// ============================================================================

const (
	TypeDebit  = "debit"
	TypeCredit = "credit"
)

const (
	StatusPending    = "pending"
	StatusSuccessful = "successful"
	StatusFailed     = "failed"
	StatusReversed   = "reversed"
)

const (
	CategoryInAppTransfer    = "in-app-transfer"
	CategoryBankTransfer     = "external_bank_transfer"
	CategoryWalletFunding    = "wallet_funding"
	CategoryAirtime          = "airtime"
	CategoryData             = "data"
	CategoryBills            = "bills"
	CategoryGiftCard         = "gift_card"
	CategoryReferralBonus    = "referral_bonus"
	CategoryRefund           = "refund"
	CategoryManualAdjustment = "manual_adjustment"
)

const (
	ProviderSystem   = "system"
	ProviderPaystack = "paystack"
	ProviderVTpass   = "vtpass"
)

const (
	ChannelInternal     = "internal"
	ChannelInApp        = "in-app"
	ChannelBankTransfer = "bank-transfer"
	ChannelBills        = "bills"
	ChannelCard         = "card"
)

// ValidStatusTransitions lists the only moves a record may make.
// A successful debit can still be reversed by the provider; everything else is final.
var ValidStatusTransitions = map[string][]string{
	StatusPending:    {StatusSuccessful, StatusFailed, StatusReversed},
	StatusSuccessful: {StatusReversed},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsTerminal(status string) bool {
	return status != StatusPending
}

// ============================================================================
// TransactionRecord
// ============================================================================

// TransactionRecord is the audit row for one ledger mutation attempt.
//
// Rows are append-only. Once Status leaves pending, Amount, AmountBefore and
// AmountAfter never change again. Refunds and transfer counter-legs are new
// rows pointing at the original through ParentReference; the unique index on
// (parent_reference, category) allows at most one refund per original.
type TransactionRecord struct {
	ID                   int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID              int64           `gorm:"index;not null" json:"owner_id"`
	WalletID             int64           `gorm:"index:idx_wallet_created;not null" json:"wallet_id"`
	Type                 string          `gorm:"type:varchar(10);not null" json:"type"`
	Category             string          `gorm:"type:varchar(40);not null;uniqueIndex:idx_parent_category" json:"category"`
	Amount               decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount"`
	AmountBefore         decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount_before"`
	AmountAfter          decimal.Decimal `gorm:"type:decimal(20,2);not null" json:"amount_after"`
	Status               string          `gorm:"type:varchar(16);index;not null" json:"status"`
	Provider             string          `gorm:"type:varchar(32);not null;uniqueIndex:idx_provider_external_ref" json:"provider"`
	Channel              string          `gorm:"type:varchar(32)" json:"channel"`
	Currency             string          `gorm:"type:varchar(8);not null" json:"currency"`
	ExternalReference    *string         `gorm:"type:varchar(128);uniqueIndex:idx_provider_external_ref" json:"external_reference,omitempty"`
	TransactionReference string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_reference"`
	ParentReference      *string         `gorm:"type:varchar(64);uniqueIndex:idx_parent_category" json:"parent_reference,omitempty"`
	Description          string          `gorm:"type:varchar(256)" json:"description"`
	ProviderResponse     string          `gorm:"type:text" json:"-"`
	Metadata             string          `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt            time.Time       `gorm:"autoCreateTime;index:idx_wallet_created" json:"created_at"`
	UpdatedAt            time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
	PaidAt               *time.Time      `json:"paid_at,omitempty"`
	FailedAt             *time.Time      `json:"failed_at,omitempty"`
	ReversedAt           *time.Time      `json:"reversed_at,omitempty"`
}

func (TransactionRecord) TableName() string {
	return "transaction_records"
}

func (r *TransactionRecord) IsDebit() bool {
	return r.Type == TypeDebit
}

func (r *TransactionRecord) ExternalRef() string {
	if r.ExternalReference == nil {
		return ""
	}
	return *r.ExternalReference
}
