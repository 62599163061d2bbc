// Package alert is the operational alert channel for invariant violations
// and reconciliation anomalies. Nothing raised here is shown to end users.
package alert

import (
	"context"
	"sync"

	"walletledger/internal/metrics"

	"go.uber.org/zap"
)

const (
	KindAlreadyTerminal    = "already_terminal"
	KindAmountMismatch     = "amount_mismatch"
	KindBalanceMismatch    = "balance_mismatch"
	KindMissingCorrection  = "missing_correction"
	KindConflictingEvent   = "conflicting_event"
	KindUnknownTransaction = "unknown_transaction"
	KindCreditReversal     = "credit_reversal"
	KindDuplicateRecord    = "duplicate_record"
)

type Alert struct {
	Kind      string
	Message   string
	Reference string
	Fields    []zap.Field
}

type Alerter interface {
	Raise(ctx context.Context, a Alert)
}

// LogAlerter writes alerts at error level and counts them.
type LogAlerter struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewLogAlerter(logger *zap.Logger, m *metrics.Metrics) *LogAlerter {
	return &LogAlerter{logger: logger.Named("alert"), metrics: m}
}

func (a *LogAlerter) Raise(_ context.Context, al Alert) {
	fields := append([]zap.Field{
		zap.String("alert_kind", al.Kind),
		zap.String("reference", al.Reference),
	}, al.Fields...)
	a.logger.Error(al.Message, fields...)
	a.metrics.ObserveAlert(al.Kind)
}

// Recorder keeps raised alerts in memory and forwards them to next.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	next   Alerter
}

func NewRecorder(next Alerter) *Recorder {
	return &Recorder{next: next}
}

func (r *Recorder) Raise(ctx context.Context, al Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, al)
	r.mu.Unlock()
	if r.next != nil {
		r.next.Raise(ctx, al)
	}
}

func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, al := range r.alerts {
		if al.Kind == kind {
			n++
		}
	}
	return n
}

type nop struct{}

func (nop) Raise(context.Context, Alert) {}

// Nop discards alerts.
func Nop() Alerter { return nop{} }
