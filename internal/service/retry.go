package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"walletledger/internal/config"
	"walletledger/internal/metrics"
	"walletledger/internal/repository"

	"gorm.io/gorm"
)

// RetryPolicy bounds how often a transaction that lost a lock race is re-run.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, BaseDelay: 20 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
}

func NewRetryPolicy(cfg config.LedgerConfig) RetryPolicy {
	p := RetryPolicy{
		Attempts:  cfg.RetryAttempts,
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
	}
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// backoff is exponential with jitter in [d/2, d].
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}

func isConflict(err error) bool {
	return errors.Is(err, ErrStorageConflict) || repository.IsRetryable(err)
}

// Do runs fn until it succeeds, fails with a non-conflict error, or the
// attempts are used up. Exhaustion surfaces as ErrStorageConflict.
func (p RetryPolicy) Do(ctx context.Context, m *metrics.Metrics, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil || !isConflict(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}
		m.ObserveStorageRetry()

		timer := time.NewTimer(p.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if errors.Is(err, ErrStorageConflict) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrStorageConflict, err)
}

// runInTx runs fn in a fresh transaction per attempt.
func runInTx(ctx context.Context, db *gorm.DB, p RetryPolicy, m *metrics.Metrics, fn func(tx *gorm.DB) error) error {
	return p.Do(ctx, m, func() error {
		return mapStoreErr(db.WithContext(ctx).Transaction(fn))
	})
}
