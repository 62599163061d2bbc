package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const DefaultCurrency = "NGN"

// Wallet holds a user's stored-value balance.
// Balance is only ever changed through the wallet service, inside the same
// transaction that writes the matching TransactionRecord.
type Wallet struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID   int64           `gorm:"uniqueIndex;not null" json:"owner_id"`
	Balance   decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`
	Currency  string          `gorm:"type:varchar(8);not null;default:NGN" json:"currency"`
	Version   int             `gorm:"not null;default:0" json:"version"` // optimistic lock
	CreatedAt time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Wallet) TableName() string {
	return "wallets"
}

// VirtualAccount maps a dedicated bank account number issued by a provider to
// the wallet it funds. Inbound transfers to the number arrive as charge events
// that have no pending record on our side.
type VirtualAccount struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OwnerID       int64     `gorm:"index;not null" json:"owner_id"`
	WalletID      int64     `gorm:"index;not null" json:"wallet_id"`
	AccountNumber string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"account_number"`
	AccountName   string    `gorm:"type:varchar(128)" json:"account_name"`
	BankName      string    `gorm:"type:varchar(64)" json:"bank_name"`
	Provider      string    `gorm:"type:varchar(32);not null" json:"provider"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (VirtualAccount) TableName() string {
	return "virtual_accounts"
}
