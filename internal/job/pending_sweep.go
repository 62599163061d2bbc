package job

import (
	"context"
	"errors"
	"time"

	"walletledger/internal/config"
	"walletledger/internal/event"
	"walletledger/internal/metrics"
	"walletledger/internal/model"
	"walletledger/internal/provider"
	"walletledger/internal/repository"
	"walletledger/internal/service"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PendingSweepJob asks providers about records that have been pending for
// too long and feeds final answers through the reconciliation engine.
// A record is never failed here just because the provider stays silent.
type PendingSweepJob struct {
	db           *gorm.DB
	txRepo       *repository.TransactionRepository
	engine       *service.ReconcileService
	providers    *provider.Registry
	logger       *zap.Logger
	metrics      *metrics.Metrics
	stopCh       chan struct{}
	interval     time.Duration
	pendingAfter time.Duration
	queryTimeout time.Duration
	batchSize    int
	now          func() time.Time
}

func NewPendingSweepJob(
	db *gorm.DB,
	engine *service.ReconcileService,
	providers *provider.Registry,
	cfg *config.Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *PendingSweepJob {
	j := &PendingSweepJob{
		db:           db,
		txRepo:       repository.NewTransactionRepository(db),
		engine:       engine,
		providers:    providers,
		logger:       logger.Named("sweep"),
		metrics:      m,
		stopCh:       make(chan struct{}),
		interval:     cfg.Jobs.SweepInterval,
		pendingAfter: cfg.Jobs.SweepPendingAfter,
		queryTimeout: cfg.Ledger.ProviderTimeout,
		batchSize:    cfg.Jobs.SweepBatchSize,
		now:          time.Now,
	}
	if j.interval <= 0 {
		j.interval = 30 * time.Second
	}
	if j.pendingAfter <= 0 {
		j.pendingAfter = 5 * time.Minute
	}
	if j.queryTimeout <= 0 {
		j.queryTimeout = 60 * time.Second
	}
	if j.batchSize <= 0 {
		j.batchSize = 50
	}
	return j
}

func (j *PendingSweepJob) Start(ctx context.Context) {
	j.logger.Info("pending sweep started",
		zap.Duration("interval", j.interval),
		zap.Duration("pending_after", j.pendingAfter))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("pending sweep exiting")
			return
		case <-j.stopCh:
			j.logger.Info("pending sweep stopped")
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

func (j *PendingSweepJob) Stop() {
	close(j.stopCh)
}

// SweepStats counts what one pass did.
type SweepStats struct {
	Checked  int
	Resolved int
	Pending  int
	Errors   int
}

func (j *PendingSweepJob) sweep(ctx context.Context) SweepStats {
	var stats SweepStats

	names := j.providers.Names()
	if len(names) == 0 {
		return stats
	}
	records, err := j.txRepo.ListStalePending(ctx, names, j.now().Add(-j.pendingAfter), j.batchSize)
	if err != nil {
		j.logger.Error("load stale pending records", zap.Error(err))
		return stats
	}
	if len(records) == 0 {
		return stats
	}

	j.logger.Info("found stale pending records", zap.Int("count", len(records)))
	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		stats.Checked++
		switch j.resolve(ctx, rec) {
		case "resolved":
			stats.Resolved++
		case "pending":
			stats.Pending++
		default:
			stats.Errors++
		}
	}

	j.logger.Info("pending sweep finished",
		zap.Int("checked", stats.Checked),
		zap.Int("resolved", stats.Resolved),
		zap.Int("still_pending", stats.Pending),
		zap.Int("errors", stats.Errors))
	return stats
}

func (j *PendingSweepJob) resolve(ctx context.Context, rec *model.TransactionRecord) string {
	log := j.logger.With(
		zap.String("reference", rec.TransactionReference),
		zap.String("provider", rec.Provider))

	client, ok := j.providers.Get(rec.Provider)
	if !ok {
		return j.observe("error")
	}

	queryCtx, cancel := context.WithTimeout(ctx, j.queryTimeout)
	resp, err := client.QueryStatus(queryCtx, rec.TransactionReference)
	cancel()
	if err != nil {
		j.metrics.ObserveProviderCall(rec.Provider, "error")
		log.Warn("status query failed, leaving record pending", zap.Error(err))
		return j.observe("error")
	}
	if !resp.IsFinal() {
		j.metrics.ObserveProviderCall(rec.Provider, provider.StatusPending)
		return j.observe("pending")
	}
	j.metrics.ObserveProviderCall(rec.Provider, resp.Status)

	externalRef := resp.ExternalReference
	if externalRef == "" {
		externalRef = rec.ExternalRef()
	}
	res, err := j.engine.Process(ctx, &event.ProviderEvent{
		Provider:             rec.Provider,
		Type:                 event.TypeStatusUpdate,
		Status:               resp.Status,
		ExternalReference:    externalRef,
		TransactionReference: rec.TransactionReference,
		Amount:               resp.Amount,
		Currency:             rec.Currency,
		Raw:                  resp.Raw,
	})
	if err != nil {
		if errors.Is(err, service.ErrUnknownTransaction) {
			log.Error("swept record no longer matches, skipping", zap.Error(err))
		} else {
			log.Warn("apply swept status", zap.Error(err))
		}
		return j.observe("error")
	}

	log.Info("pending record resolved",
		zap.String("outcome", string(res.Outcome)),
		zap.String("status", resp.Status))
	return j.observe("resolved")
}

func (j *PendingSweepJob) observe(result string) string {
	j.metrics.ObserveSweep(result)
	return result
}
