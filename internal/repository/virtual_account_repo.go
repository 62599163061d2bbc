package repository

import (
	"context"
	"errors"

	"walletledger/internal/model"

	"gorm.io/gorm"
)

type VirtualAccountRepository struct {
	db *gorm.DB
}

func NewVirtualAccountRepository(db *gorm.DB) *VirtualAccountRepository {
	return &VirtualAccountRepository{db: db}
}

func (r *VirtualAccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.VirtualAccount) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(account).Error
}

func (r *VirtualAccountRepository) GetByAccountNumber(ctx context.Context, tx *gorm.DB, accountNumber string) (*model.VirtualAccount, error) {
	if tx == nil {
		tx = r.db
	}
	var account model.VirtualAccount
	err := tx.WithContext(ctx).Where("account_number = ?", accountNumber).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVirtualAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

func (r *VirtualAccountRepository) ListByOwnerID(ctx context.Context, ownerID int64) ([]*model.VirtualAccount, error) {
	var accounts []*model.VirtualAccount
	err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id ASC").Find(&accounts).Error
	return accounts, err
}
