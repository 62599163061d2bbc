package repository

import (
	"context"
	"errors"

	"walletledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WalletRepository struct {
	db *gorm.DB
}

func NewWalletRepository(db *gorm.DB) *WalletRepository {
	return &WalletRepository{db: db}
}

func (r *WalletRepository) Create(ctx context.Context, tx *gorm.DB, wallet *model.Wallet) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(wallet).Error
}

func (r *WalletRepository) GetByID(ctx context.Context, id int64) (*model.Wallet, error) {
	return r.first(r.db.WithContext(ctx).Where("id = ?", id))
}

func (r *WalletRepository) GetByOwnerID(ctx context.Context, ownerID int64) (*model.Wallet, error) {
	return r.first(r.db.WithContext(ctx).Where("owner_id = ?", ownerID))
}

// GetForUpdate reads the wallet row under an exclusive row lock held until tx ends.
func (r *WalletRepository) GetForUpdate(ctx context.Context, tx *gorm.DB, id int64) (*model.Wallet, error) {
	return r.first(tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id))
}

func (r *WalletRepository) first(q *gorm.DB) (*model.Wallet, error) {
	var wallet model.Wallet
	if err := q.First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	return &wallet, nil
}

// Deduct decrements the balance of a wallet previously read at version.
// The guarded UPDATE refuses to go below zero and refuses stale versions.
func (r *WalletRepository) Deduct(ctx context.Context, tx *gorm.DB, wallet *model.Wallet, amount decimal.Decimal) (decimal.Decimal, error) {
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND balance >= ? AND version = ?", wallet.ID, amount, wallet.Version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return decimal.Zero, result.Error
	}

	if result.RowsAffected == 0 {
		current, err := r.GetForUpdate(ctx, tx, wallet.ID)
		if err != nil {
			return decimal.Zero, err
		}
		if current.Balance.LessThan(amount) {
			return decimal.Zero, ErrBalanceNotEnough
		}
		return decimal.Zero, ErrOptimisticLock
	}

	wallet.Version++
	wallet.Balance = wallet.Balance.Sub(amount)
	return wallet.Balance, nil
}

// Increase increments the balance of a wallet previously read at version.
func (r *WalletRepository) Increase(ctx context.Context, tx *gorm.DB, wallet *model.Wallet, amount decimal.Decimal) (decimal.Decimal, error) {
	result := tx.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id = ? AND version = ?", wallet.ID, wallet.Version).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})

	if result.Error != nil {
		return decimal.Zero, result.Error
	}

	if result.RowsAffected == 0 {
		if _, err := r.GetForUpdate(ctx, tx, wallet.ID); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, ErrOptimisticLock
	}

	wallet.Version++
	wallet.Balance = wallet.Balance.Add(amount)
	return wallet.Balance, nil
}

func (r *WalletRepository) GetOrCreate(ctx context.Context, ownerID int64, currency string) (*model.Wallet, error) {
	wallet, err := r.GetByOwnerID(ctx, ownerID)
	if err == nil {
		return wallet, nil
	}

	if !errors.Is(err, ErrWalletNotFound) {
		return nil, err
	}

	newWallet := &model.Wallet{
		OwnerID:  ownerID,
		Balance:  decimal.Zero,
		Currency: currency,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_id"}},
			DoNothing: true,
		}).
		Create(newWallet).Error

	if err != nil {
		return nil, err
	}

	return r.GetByOwnerID(ctx, ownerID)
}

// ListIDsAfter pages through wallet ids in ascending order.
func (r *WalletRepository) ListIDsAfter(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.Wallet{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
