package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wallet_ledger"

// Metrics groups the ledger collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ReconcileEvents  *prometheus.CounterVec
	LedgerMutations  *prometheus.CounterVec
	Discrepancies    *prometheus.CounterVec
	Alerts           *prometheus.CounterVec
	StorageRetries   prometheus.Counter
	ProviderCalls    *prometheus.CounterVec
	OutboxPublished  *prometheus.CounterVec
	SweepResults     *prometheus.CounterVec
	AuditMismatches  prometheus.Gauge
	AuditLastRunUnix prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ReconcileEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "events_total",
				Help:      "Provider events processed partitioned by provider and outcome.",
			},
			[]string{"provider", "outcome"},
		),
		LedgerMutations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "wallet",
				Name:      "mutations_total",
				Help:      "Wallet debit and credit attempts partitioned by type and result.",
			},
			[]string{"type", "result"},
		),
		Discrepancies: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "discrepancies_total",
				Help:      "Mismatches between provider events and the ledger partitioned by kind.",
			},
			[]string{"kind"},
		),
		Alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ops",
				Name:      "alerts_total",
				Help:      "Operational alerts raised partitioned by kind.",
			},
			[]string{"kind"},
		),
		StorageRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "conflict_retries_total",
				Help:      "Transactions retried after lock contention.",
			},
		),
		ProviderCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "provider",
				Name:      "calls_total",
				Help:      "Outbound provider calls partitioned by provider and result.",
			},
			[]string{"provider", "result"},
		),
		OutboxPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "outbox",
				Name:      "published_total",
				Help:      "Outbox messages handed to the broker partitioned by result.",
			},
			[]string{"result"},
		),
		SweepResults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sweep",
				Name:      "records_total",
				Help:      "Pending records re-verified by the sweep partitioned by result.",
			},
			[]string{"result"},
		),
		AuditMismatches: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "balance_mismatches",
				Help:      "Wallets whose stored balance differed from the ledger in the last audit run.",
			},
		),
		AuditLastRunUnix: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "last_run_unix",
				Help:      "Unix time of the most recent integrity audit.",
			},
		),
	}
}

func (m *Metrics) ObserveReconcile(provider, outcome string) {
	if m == nil {
		return
	}
	m.ReconcileEvents.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveMutation(kind, result string) {
	if m == nil {
		return
	}
	m.LedgerMutations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ObserveDiscrepancy(kind string) {
	if m == nil {
		return
	}
	m.Discrepancies.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveAlert(kind string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveStorageRetry() {
	if m == nil {
		return
	}
	m.StorageRetries.Inc()
}

func (m *Metrics) ObserveProviderCall(provider, result string) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) ObserveOutbox(result string) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveSweep(result string) {
	if m == nil {
		return
	}
	m.SweepResults.WithLabelValues(result).Inc()
}

func (m *Metrics) SetAudit(mismatches int, runUnix int64) {
	if m == nil {
		return
	}
	m.AuditMismatches.Set(float64(mismatches))
	m.AuditLastRunUnix.Set(float64(runUnix))
}
