package job

import (
	"context"
	"time"

	"walletledger/internal/alert"
	"walletledger/internal/config"
	"walletledger/internal/metrics"
	"walletledger/internal/repository"
	"walletledger/internal/service"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IntegrityAuditJob walks every wallet and compares its stored balance with
// the balance derived from its records. Mismatches are alerted, never fixed.
type IntegrityAuditJob struct {
	db         *gorm.DB
	walletRepo *repository.WalletRepository
	wallets    *service.WalletService
	alerter    alert.Alerter
	logger     *zap.Logger
	metrics    *metrics.Metrics
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
}

func NewIntegrityAuditJob(
	db *gorm.DB,
	wallets *service.WalletService,
	alerter alert.Alerter,
	cfg *config.Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *IntegrityAuditJob {
	if alerter == nil {
		alerter = alert.Nop()
	}
	j := &IntegrityAuditJob{
		db:         db,
		walletRepo: repository.NewWalletRepository(db),
		wallets:    wallets,
		alerter:    alerter,
		logger:     logger.Named("audit"),
		metrics:    m,
		stopCh:     make(chan struct{}),
		interval:   cfg.Jobs.AuditInterval,
		batchSize:  cfg.Jobs.AuditBatchSize,
	}
	if j.interval <= 0 {
		j.interval = 10 * time.Minute
	}
	if j.batchSize <= 0 {
		j.batchSize = 200
	}
	return j
}

func (j *IntegrityAuditJob) Start(ctx context.Context) {
	j.logger.Info("integrity audit started", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("integrity audit exiting")
			return
		case <-j.stopCh:
			j.logger.Info("integrity audit stopped")
			return
		case <-ticker.C:
			j.audit(ctx)
		}
	}
}

func (j *IntegrityAuditJob) Stop() {
	close(j.stopCh)
}

// audit runs one full pass and returns the wallets that did not balance.
func (j *IntegrityAuditJob) audit(ctx context.Context) []*service.Integrity {
	var (
		mismatches []*service.Integrity
		checked    int
		lastID     int64
	)

	for ctx.Err() == nil {
		ids, err := j.walletRepo.ListIDsAfter(ctx, lastID, j.batchSize)
		if err != nil {
			j.logger.Error("list wallets", zap.Int64("after_id", lastID), zap.Error(err))
			return mismatches
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			integrity, err := j.wallets.VerifyBalance(ctx, id)
			if err != nil {
				j.logger.Warn("verify wallet", zap.Int64("wallet_id", id), zap.Error(err))
				continue
			}
			checked++
			if integrity.Consistent() {
				continue
			}
			mismatches = append(mismatches, integrity)
			j.metrics.ObserveDiscrepancy(alert.KindBalanceMismatch)
			j.alerter.Raise(ctx, alert.Alert{
				Kind:    alert.KindBalanceMismatch,
				Message: "stored balance differs from the ledger",
				Fields: []zap.Field{
					zap.Int64("wallet_id", id),
					zap.Stringer("stored", integrity.Stored),
					zap.Stringer("derived", integrity.Derived),
					zap.Stringer("difference", integrity.Difference),
				},
			})
		}
		lastID = ids[len(ids)-1]
	}

	j.metrics.SetAudit(len(mismatches), time.Now().Unix())
	j.logger.Info("integrity audit finished",
		zap.Int("checked", checked),
		zap.Int("mismatches", len(mismatches)))
	return mismatches
}
