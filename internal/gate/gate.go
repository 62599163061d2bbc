// Package gate holds the advisory pre-checks consulted before a wallet is debited.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Request struct {
	OwnerID  int64
	WalletID int64
	Amount   decimal.Decimal
	Category string
	Balance  decimal.Decimal
}

// Gate vetoes a debit by returning a *BlockedError. Any other error means the
// gate could not decide and the debit must not proceed.
type Gate interface {
	Check(ctx context.Context, req Request) error
}

// BlockedError carries the internal reason. It is logged, never shown to users.
type BlockedError struct {
	Rule   string
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("blocked by %s: %s", e.Rule, e.Reason)
}

func IsBlocked(err error) bool {
	var b *BlockedError
	return errors.As(err, &b)
}

// Func adapts a function to Gate.
type Func func(ctx context.Context, req Request) error

func (f Func) Check(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// Allow never blocks.
var Allow Gate = Func(func(context.Context, Request) error { return nil })

// Chain runs gates in order and stops at the first error.
type Chain []Gate

func (c Chain) Check(ctx context.Context, req Request) error {
	for _, g := range c {
		if g == nil {
			continue
		}
		if err := g.Check(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// UsageSource reports how much a wallet has already spent since a point in time.
type UsageSource interface {
	DebitedSince(ctx context.Context, walletID int64, since time.Time) (decimal.Decimal, error)
}

// LimitGate enforces per-debit and per-day caps. Zero disables a cap.
type LimitGate struct {
	MaxSingleDebit decimal.Decimal
	DailyLimit     decimal.Decimal
	Usage          UsageSource
	Now            func() time.Time
}

func NewLimitGate(maxSingle, daily decimal.Decimal, usage UsageSource) *LimitGate {
	return &LimitGate{
		MaxSingleDebit: maxSingle,
		DailyLimit:     daily,
		Usage:          usage,
		Now:            time.Now,
	}
}

func (g *LimitGate) Check(ctx context.Context, req Request) error {
	if g.MaxSingleDebit.IsPositive() && req.Amount.GreaterThan(g.MaxSingleDebit) {
		return &BlockedError{
			Rule:   "max_single_debit",
			Reason: fmt.Sprintf("amount %s exceeds single debit limit %s", req.Amount, g.MaxSingleDebit),
		}
	}

	if !g.DailyLimit.IsPositive() || g.Usage == nil {
		return nil
	}

	now := g.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	used, err := g.Usage.DebitedSince(ctx, req.WalletID, startOfDay)
	if err != nil {
		return fmt.Errorf("limit gate usage lookup: %w", err)
	}
	if used.Add(req.Amount).GreaterThan(g.DailyLimit) {
		return &BlockedError{
			Rule:   "daily_debit",
			Reason: fmt.Sprintf("daily usage %s plus %s exceeds limit %s", used, req.Amount, g.DailyLimit),
		}
	}
	return nil
}
