package job

import (
	"context"
	"time"

	"walletledger/internal/config"
	"walletledger/internal/infrastructure/mq"
	"walletledger/internal/metrics"
	"walletledger/internal/model"
	"walletledger/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OutboxSender publishes transaction events written alongside ledger changes.
// Delivery is at least once; consumers dedupe on event_id.
type OutboxSender struct {
	db         *gorm.DB
	outboxRepo *repository.OutboxRepository
	publisher  mq.Publisher
	logger     *zap.Logger
	metrics    *metrics.Metrics
	stopCh     chan struct{}
	interval   time.Duration
	batchSize  int
	maxRetry   int
}

func NewOutboxSender(db *gorm.DB, publisher mq.Publisher, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *OutboxSender {
	s := &OutboxSender{
		db:         db,
		outboxRepo: repository.NewOutboxRepository(db),
		publisher:  publisher,
		logger:     logger.Named("outbox"),
		metrics:    m,
		stopCh:     make(chan struct{}),
		interval:   cfg.Jobs.OutboxInterval,
		batchSize:  cfg.Jobs.OutboxBatchSize,
		maxRetry:   cfg.Jobs.OutboxMaxRetry,
	}
	if s.interval <= 0 {
		s.interval = 100 * time.Millisecond
	}
	if s.batchSize <= 0 {
		s.batchSize = 100
	}
	if s.maxRetry <= 0 {
		s.maxRetry = 3
	}
	return s
}

func (s *OutboxSender) Start(ctx context.Context) {
	s.logger.Info("outbox sender started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("outbox sender exiting")
			return
		case <-s.stopCh:
			s.logger.Info("outbox sender stopped")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

// processPendingMessages sends one batch and reports how many were published.
func (s *OutboxSender) processPendingMessages(ctx context.Context) int {
	messages, err := s.outboxRepo.ListPending(ctx, s.batchSize)
	if err != nil {
		s.logger.Error("load pending messages", zap.Error(err))
		return 0
	}

	sent := 0
	for _, msg := range messages {
		if ctx.Err() != nil {
			break
		}
		if s.sendMessage(ctx, msg) {
			sent++
		}
	}
	return sent
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) bool {
	log := s.logger.With(
		zap.Int64("id", msg.ID),
		zap.Int64("event_id", msg.EventID),
		zap.String("topic", msg.Topic),
		zap.String("key", msg.MessageKey))

	err := s.publisher.Publish(msg.Topic, msg.MessageKey, []byte(msg.Payload))
	if err == nil {
		s.metrics.ObserveOutbox("sent")
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID, time.Now()); updateErr != nil {
			// published but not marked: it goes out again next tick
			log.Warn("mark message sent", zap.Error(updateErr))
		} else {
			log.Debug("message published", zap.String("event_type", msg.EventType))
		}
		return true
	}

	s.metrics.ObserveOutbox("error")
	log.Warn("publish message", zap.Int("retry_count", msg.RetryCount), zap.Error(err))

	parked, updateErr := s.outboxRepo.RecordFailure(ctx, msg, err, s.maxRetry)
	if updateErr != nil {
		log.Error("record publish failure", zap.Error(updateErr))
	} else if parked {
		s.metrics.ObserveOutbox("failed")
		log.Error("message exceeded retry limit, parked as failed", zap.Int("max_retry", s.maxRetry))
	}
	return false
}

// Requeue puts parked messages back in line, used once the broker recovers.
func (s *OutboxSender) Requeue(ctx context.Context, limit int) (int64, error) {
	n, err := s.outboxRepo.Requeue(ctx, limit)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("requeued failed messages", zap.Int64("count", n))
	}
	return n, nil
}
