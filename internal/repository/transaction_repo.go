package repository

import (
	"context"
	"errors"
	"time"

	"walletledger/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(rec).Error
}

func (r *TransactionRepository) GetByReference(ctx context.Context, tx *gorm.DB, reference string, forUpdate bool) (*model.TransactionRecord, error) {
	return r.first(r.query(ctx, tx, forUpdate).Where("transaction_reference = ?", reference))
}

// GetByExternalReference finds the record a provider knows by its own id.
func (r *TransactionRepository) GetByExternalReference(ctx context.Context, tx *gorm.DB, provider, externalRef string, forUpdate bool) (*model.TransactionRecord, error) {
	return r.first(r.query(ctx, tx, forUpdate).
		Where("provider = ? AND external_reference = ?", provider, externalRef))
}

// GetByProviderReference finds an internally referenced record scoped to provider.
func (r *TransactionRepository) GetByProviderReference(ctx context.Context, tx *gorm.DB, provider, reference string, forUpdate bool) (*model.TransactionRecord, error) {
	return r.first(r.query(ctx, tx, forUpdate).
		Where("provider = ? AND transaction_reference = ?", provider, reference))
}

// GetChild returns the record derived from parentRef with the given category,
// e.g. the refund issued for a failed debit.
func (r *TransactionRepository) GetChild(ctx context.Context, tx *gorm.DB, parentRef, category string) (*model.TransactionRecord, error) {
	return r.first(r.query(ctx, tx, false).
		Where("parent_reference = ? AND category = ?", parentRef, category))
}

func (r *TransactionRepository) query(ctx context.Context, tx *gorm.DB, forUpdate bool) *gorm.DB {
	if tx == nil {
		tx = r.db
	}
	q := tx.WithContext(ctx)
	if forUpdate {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return q
}

func (r *TransactionRepository) first(q *gorm.DB) (*model.TransactionRecord, error) {
	var rec model.TransactionRecord
	if err := q.First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Transition moves a record from one status to another. The WHERE on the
// current status makes concurrent completions fail instead of overwriting.
// Extra columns (timestamps, amounts while still pending) ride along in updates.
func (r *TransactionRepository) Transition(ctx context.Context, tx *gorm.DB, id int64, fromStatus, toStatus string, updates map[string]interface{}) error {
	if !model.CanTransitionTo(fromStatus, toStatus) {
		return ErrStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["status"] = toStatus

	now := time.Now()
	switch toStatus {
	case model.StatusSuccessful:
		updates["paid_at"] = &now
	case model.StatusFailed:
		updates["failed_at"] = &now
	case model.StatusReversed:
		updates["reversed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrStatusInvalid
	}

	return nil
}

// SetExternalReference stores the provider id on a record that has none yet.
func (r *TransactionRepository) SetExternalReference(ctx context.Context, tx *gorm.DB, id int64, externalRef string) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).
		Model(&model.TransactionRecord{}).
		Where("id = ? AND external_reference IS NULL", id).
		Update("external_reference", externalRef).Error
}

type ListFilter struct {
	Status   string
	Type     string
	Category string
}

func (r *TransactionRepository) ListByOwnerID(ctx context.Context, ownerID int64, filter ListFilter, page, pageSize int) ([]*model.TransactionRecord, int64, error) {
	var records []*model.TransactionRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&model.TransactionRecord{}).Where("owner_id = ?", ownerID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC, id DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&records).Error

	return records, total, err
}

// ListStalePending returns pending records of the given providers that have
// not moved since before.
func (r *TransactionRepository) ListStalePending(ctx context.Context, providers []string, before time.Time, limit int) ([]*model.TransactionRecord, error) {
	var records []*model.TransactionRecord
	err := r.db.WithContext(ctx).
		Where("status = ? AND provider IN ? AND updated_at < ?", model.StatusPending, providers, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// LedgerBalance derives a wallet balance from its records. Debits are booked
// when funds are held, so every debit counts whatever its status; a failed or
// reversed debit is offset by its own refund credit. Credits only count once
// successful.
func (r *TransactionRepository) LedgerBalance(ctx context.Context, walletID int64) (decimal.Decimal, error) {
	credits, err := r.sum(r.db.WithContext(ctx).Model(&model.TransactionRecord{}).
		Where("wallet_id = ? AND type = ? AND status = ?", walletID, model.TypeCredit, model.StatusSuccessful))
	if err != nil {
		return decimal.Zero, err
	}
	debits, err := r.sum(r.db.WithContext(ctx).Model(&model.TransactionRecord{}).
		Where("wallet_id = ? AND type = ?", walletID, model.TypeDebit))
	if err != nil {
		return decimal.Zero, err
	}
	return credits.Sub(debits), nil
}

// DebitedSince sums debits booked against a wallet after since, excluding
// ones that were refunded.
func (r *TransactionRepository) DebitedSince(ctx context.Context, walletID int64, since time.Time) (decimal.Decimal, error) {
	return r.sum(r.db.WithContext(ctx).Model(&model.TransactionRecord{}).
		Where("wallet_id = ? AND type = ? AND status IN ? AND created_at >= ?",
			walletID, model.TypeDebit, []string{model.StatusPending, model.StatusSuccessful}, since))
}

func (r *TransactionRepository) sum(q *gorm.DB) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	if err := q.Select("SUM(amount)").Row().Scan(&total); err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}
