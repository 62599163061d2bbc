package repository

import (
	"context"
	"time"

	"walletledger/internal/model"

	"gorm.io/gorm"
)

const maxLastErrorLen = 255

// OutboxRepository holds transaction events waiting for the broker.
type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create must be given the transaction of the ledger change the message describes.
func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	if tx == nil {
		return ErrTxRequired
	}
	return tx.WithContext(ctx).Create(msg).Error
}

// ListPending returns the oldest pending messages first so a wallet's events
// reach the broker in the order they were written.
func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

// MarkSent only moves a pending message; a message requeued or parked in the
// meantime is left alone.
func (r *OutboxRepository) MarkSent(ctx context.Context, id int64, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Updates(map[string]interface{}{
			"status":     model.OutboxStatusSent,
			"sent_at":    at,
			"last_error": "",
		}).Error
}

// RecordFailure counts a failed publish and parks the message once it has
// used up maxRetry attempts. It reports whether the message was parked.
func (r *OutboxRepository) RecordFailure(ctx context.Context, msg *model.OutboxMessage, cause error, maxRetry int) (bool, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
		if len(reason) > maxLastErrorLen {
			reason = reason[:maxLastErrorLen]
		}
	}

	parked := msg.RetryCount+1 >= maxRetry
	updates := map[string]interface{}{
		"retry_count": gorm.Expr("retry_count + 1"),
		"last_error":  reason,
	}
	if parked {
		updates["status"] = model.OutboxStatusFailed
	}

	err := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", msg.ID, model.OutboxStatusPending).
		Updates(updates).Error
	if err != nil {
		return false, err
	}
	return parked, nil
}

// Requeue puts parked messages back in line with a fresh retry budget.
func (r *OutboxRepository) Requeue(ctx context.Context, limit int) (int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("status = ?", model.OutboxStatusFailed).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	result := r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id IN ? AND status = ?", ids, model.OutboxStatusFailed).
		Updates(map[string]interface{}{
			"status":      model.OutboxStatusPending,
			"retry_count": 0,
		})
	return result.RowsAffected, result.Error
}
