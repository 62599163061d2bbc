package service

import (
	"context"
	"errors"
	"fmt"

	"walletledger/internal/alert"
	"walletledger/internal/config"
	"walletledger/internal/event"
	"walletledger/internal/infrastructure/lock"
	"walletledger/internal/metrics"
	"walletledger/internal/model"
	"walletledger/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ReconcileOutcome string

const (
	OutcomeApplied   ReconcileOutcome = "applied"
	OutcomeCreated   ReconcileOutcome = "created"
	OutcomeDuplicate ReconcileOutcome = "duplicate"
	OutcomeIgnored   ReconcileOutcome = "ignored"
	OutcomeUnknown   ReconcileOutcome = "unknown"
)

type ReconcileResult struct {
	Outcome    ReconcileOutcome
	Record     *model.TransactionRecord
	Correction *model.TransactionRecord
	// Balance is the wallet balance after the mutation, zero when nothing moved.
	Balance decimal.Decimal
	Reason  string

	alerts []alert.Alert
}

func (r *ReconcileResult) raise(a alert.Alert) {
	r.alerts = append(r.alerts, a)
}

// ============================================================================
// ReconcileService
// ============================================================================
//
//   pending    + success   -> successful  (credit: wallet credited)
//   pending    + failure   -> failed      (debit: refund + correction)
//   pending    + reversal  -> reversed    (debit: refund + correction)
//   successful + reversal  -> reversed    (debit: refund + correction)
//   terminal   + same      -> duplicate   (missing debit correction repaired)
//   terminal   + other     -> ignored, alerted
//   not found  + funding to a known virtual account -> new successful credit
//   not found  otherwise   -> ErrUnknownTransaction
//
// Deliveries for one (provider, reference) are serialized by a keyed lock,
// then the record row is read FOR UPDATE inside the transaction.
// ============================================================================

type ReconcileService struct {
	db       *gorm.DB
	wallets  *WalletService
	recorder *Recorder
	txRepo   *repository.TransactionRepository
	vaRepo   *repository.VirtualAccountRepository
	locker   lock.Locker
	retry    RetryPolicy
	alerter  alert.Alerter
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewReconcileService(
	db *gorm.DB,
	wallets *WalletService,
	recorder *Recorder,
	locker lock.Locker,
	cfg *config.Config,
	alerter alert.Alerter,
	logger *zap.Logger,
	m *metrics.Metrics,
) *ReconcileService {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if alerter == nil {
		alerter = alert.Nop()
	}
	return &ReconcileService{
		db:       db,
		wallets:  wallets,
		recorder: recorder,
		txRepo:   repository.NewTransactionRepository(db),
		vaRepo:   repository.NewVirtualAccountRepository(db),
		locker:   locker,
		retry:    NewRetryPolicy(cfg.Ledger),
		alerter:  alerter,
		logger:   logger.Named("reconcile"),
		metrics:  m,
	}
}

// Process drives the ledger to the state ev describes, exactly once.
// Duplicates and ignored events are successes; ErrUnknownTransaction means
// the event should be acknowledged without a retry.
func (s *ReconcileService) Process(ctx context.Context, ev *event.ProviderEvent) (*ReconcileResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	log := s.logger.With(
		zap.String("provider", ev.Provider),
		zap.String("event_type", string(ev.Type)),
		zap.String("external_reference", ev.ExternalReference),
		zap.String("transaction_reference", ev.TransactionReference))

	if ev.Outcome() == event.OutcomePending {
		log.Debug("pending status, nothing to apply")
		s.metrics.ObserveReconcile(ev.Provider, string(OutcomeIgnored))
		return &ReconcileResult{Outcome: OutcomeIgnored, Reason: "provider reports pending"}, nil
	}

	release, err := s.locker.Acquire(ctx, "reconcile:"+ev.LockKey())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageConflict, err)
	}
	defer release()

	var (
		result     *ReconcileResult
		duplicates int
	)
	err = s.retry.Do(ctx, s.metrics, func() error {
		result = nil
		txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res, err := s.apply(ctx, tx, ev)
			if err != nil {
				return err
			}
			result = res
			return nil
		})
		switch {
		case txErr == nil:
			return nil
		case repository.IsDuplicateKey(txErr):
			// lost a race to a concurrent delivery; run again as a lookup,
			// once. A row the lookup cannot see will not go away with backoff.
			duplicates++
			if duplicates > 1 {
				return fmt.Errorf("%w: %v", ErrDuplicateRecord, txErr)
			}
			return fmt.Errorf("%w: %v", ErrStorageConflict, txErr)
		case errors.Is(txErr, ErrAlreadyTerminal):
			return fmt.Errorf("%w: %v", ErrStorageConflict, txErr)
		default:
			return mapStoreErr(txErr)
		}
	})

	if errors.Is(err, ErrUnknownTransaction) {
		s.metrics.ObserveReconcile(ev.Provider, string(OutcomeUnknown))
		s.alerter.Raise(ctx, alert.Alert{
			Kind:      alert.KindUnknownTransaction,
			Message:   "provider event matches no transaction",
			Reference: ev.LockKey(),
			Fields:    []zap.Field{zap.String("event_type", string(ev.Type))},
		})
		return &ReconcileResult{Outcome: OutcomeUnknown, Reason: "no matching transaction"}, err
	}
	if errors.Is(err, ErrDuplicateRecord) {
		s.alerter.Raise(ctx, alert.Alert{
			Kind:      alert.KindDuplicateRecord,
			Message:   "event collides with a stored record that lookup does not match",
			Reference: ev.LockKey(),
			Fields:    []zap.Field{zap.String("event_type", string(ev.Type)), zap.Error(err)},
		})
	}
	if err != nil {
		s.metrics.ObserveReconcile(ev.Provider, "error")
		log.Error("reconcile failed", zap.Error(err))
		return nil, err
	}

	for _, a := range result.alerts {
		if a.Kind == alert.KindAmountMismatch {
			s.metrics.ObserveDiscrepancy(a.Kind)
		}
		s.alerter.Raise(ctx, a)
	}
	s.metrics.ObserveReconcile(ev.Provider, string(result.Outcome))

	fields := []zap.Field{zap.String("outcome", string(result.Outcome))}
	if result.Record != nil {
		fields = append(fields, zap.String("reference", result.Record.TransactionReference), zap.String("status", result.Record.Status))
	}
	if result.Reason != "" {
		fields = append(fields, zap.String("reason", result.Reason))
	}
	if result.Outcome == OutcomeDuplicate || result.Outcome == OutcomeIgnored {
		log.Info("event not applied", fields...)
	} else {
		log.Info("event applied", fields...)
	}
	return result, nil
}

func (s *ReconcileService) apply(ctx context.Context, tx *gorm.DB, ev *event.ProviderEvent) (*ReconcileResult, error) {
	rec, err := s.lookup(ctx, tx, ev)
	if errors.Is(err, repository.ErrRecordNotFound) {
		return s.applyUnmatched(ctx, tx, ev)
	}
	if err != nil {
		return nil, err
	}

	res := &ReconcileResult{Record: rec}
	outcome := ev.Outcome()

	switch rec.Status {
	case model.StatusPending:
		return res, s.applyPending(ctx, tx, rec, ev, res)

	case model.StatusSuccessful:
		switch outcome {
		case event.OutcomeSuccess:
			res.Outcome = OutcomeDuplicate
			return res, nil
		case event.OutcomeReversal:
			if !rec.IsDebit() {
				res.Outcome = OutcomeIgnored
				res.Reason = "reversal of a settled credit"
				res.raise(alert.Alert{
					Kind:      alert.KindCreditReversal,
					Message:   "provider reversed a credit that was already settled into the wallet",
					Reference: rec.TransactionReference,
					Fields:    []zap.Field{zap.Stringer("amount", rec.Amount)},
				})
				return res, nil
			}
			s.checkAmount(rec, ev, res)
			if err := s.refund(ctx, tx, rec, ev, res); err != nil {
				return nil, err
			}
			completed, err := s.recorder.Complete(ctx, tx, rec, model.StatusReversed, Completion{ProviderResponse: ev.Raw})
			if err != nil {
				return nil, err
			}
			res.Record = completed
			res.Outcome = OutcomeApplied
			return res, nil
		}

	case model.StatusFailed:
		if outcome == event.OutcomeFailure {
			return res, s.duplicateTerminal(ctx, tx, rec, ev, res)
		}

	case model.StatusReversed:
		if outcome == event.OutcomeReversal {
			return res, s.duplicateTerminal(ctx, tx, rec, ev, res)
		}
	}

	res.Outcome = OutcomeIgnored
	res.Reason = fmt.Sprintf("%s event for a %s record", outcome, rec.Status)
	res.raise(alert.Alert{
		Kind:      alert.KindConflictingEvent,
		Message:   "provider event conflicts with the recorded terminal status",
		Reference: rec.TransactionReference,
		Fields: []zap.Field{
			zap.String("status", rec.Status),
			zap.String("event_type", string(ev.Type)),
		},
	})
	return res, nil
}

// lookup matches the provider's own id first, then our reference if echoed.
func (s *ReconcileService) lookup(ctx context.Context, tx *gorm.DB, ev *event.ProviderEvent) (*model.TransactionRecord, error) {
	if ev.ExternalReference != "" {
		rec, err := s.txRepo.GetByExternalReference(ctx, tx, ev.Provider, ev.ExternalReference, true)
		if !errors.Is(err, repository.ErrRecordNotFound) {
			return rec, err
		}
	}
	if ev.TransactionReference == "" {
		return nil, repository.ErrRecordNotFound
	}
	rec, err := s.txRepo.GetByProviderReference(ctx, tx, ev.Provider, ev.TransactionReference, true)
	if ev.ExternalReference != "" || !errors.Is(err, repository.ErrRecordNotFound) {
		return rec, err
	}
	// unmatched funding keeps the only reference the event carried as external
	return s.txRepo.GetByExternalReference(ctx, tx, ev.Provider, ev.TransactionReference, true)
}

func (s *ReconcileService) applyPending(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord, ev *event.ProviderEvent, res *ReconcileResult) error {
	s.checkAmount(rec, ev, res)
	completion := Completion{ProviderResponse: ev.Raw, ExternalReference: ev.ExternalReference}

	var status string
	switch ev.Outcome() {
	case event.OutcomeSuccess:
		status = model.StatusSuccessful
		if !rec.IsDebit() {
			amount := s.authoritativeAmount(rec, ev)
			newBalance, err := s.wallets.Credit(ctx, tx, rec.WalletID, amount, Purpose{
				OwnerID:   rec.OwnerID,
				Category:  rec.Category,
				Reference: rec.TransactionReference,
			})
			if err != nil {
				return err
			}
			completion.Amount = &amount
			completion.BalanceAfter = &newBalance
			res.Balance = newBalance
		}
		// a debit already moved its funds when it was opened
	case event.OutcomeFailure:
		status = model.StatusFailed
		if rec.IsDebit() {
			if err := s.refund(ctx, tx, rec, ev, res); err != nil {
				return err
			}
		}
	case event.OutcomeReversal:
		status = model.StatusReversed
		if rec.IsDebit() {
			if err := s.refund(ctx, tx, rec, ev, res); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: outcome %q", event.ErrMalformedEvent, ev.Outcome())
	}

	completed, err := s.recorder.Complete(ctx, tx, rec, status, completion)
	if err != nil {
		return err
	}
	res.Record = completed
	res.Outcome = OutcomeApplied
	return nil
}

// refund credits the wallet and writes the correction, unless the correction
// already exists.
func (s *ReconcileService) refund(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord, ev *event.ProviderEvent, res *ReconcileResult) error {
	existing, err := s.txRepo.GetChild(ctx, tx, rec.TransactionReference, model.CategoryRefund)
	if err == nil {
		res.Correction = existing
		return nil
	}
	if !errors.Is(err, repository.ErrRecordNotFound) {
		return err
	}

	// the refund returns exactly what was held; a differing provider amount
	// is alerted by checkAmount and never credited
	amount := rec.Amount
	newBalance, err := s.wallets.Credit(ctx, tx, rec.WalletID, amount, Purpose{
		OwnerID:   rec.OwnerID,
		Category:  model.CategoryRefund,
		Reference: rec.TransactionReference,
	})
	if err != nil {
		return err
	}
	correction, err := s.recorder.RecordCorrection(ctx, tx, rec, amount, newBalance.Sub(amount), model.CategoryRefund)
	if err != nil {
		return err
	}
	res.Correction = correction
	res.Balance = newBalance
	return nil
}

// duplicateTerminal handles a repeat of the event that made rec terminal.
// A failed or reversed debit must have its correction; if it is missing the
// refund is issued now and the gap is alerted.
func (s *ReconcileService) duplicateTerminal(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord, ev *event.ProviderEvent, res *ReconcileResult) error {
	res.Outcome = OutcomeDuplicate
	if !rec.IsDebit() {
		return nil
	}

	existing, err := s.txRepo.GetChild(ctx, tx, rec.TransactionReference, model.CategoryRefund)
	if err == nil {
		res.Correction = existing
		return nil
	}
	if !errors.Is(err, repository.ErrRecordNotFound) {
		return err
	}

	res.raise(alert.Alert{
		Kind:      alert.KindMissingCorrection,
		Message:   "terminal debit had no refund correction, issuing it now",
		Reference: rec.TransactionReference,
		Fields:    []zap.Field{zap.String("status", rec.Status)},
	})
	if err := s.refund(ctx, tx, rec, ev, res); err != nil {
		return err
	}
	res.Outcome = OutcomeApplied
	res.Reason = "repaired missing correction"
	return nil
}

func (s *ReconcileService) applyUnmatched(ctx context.Context, tx *gorm.DB, ev *event.ProviderEvent) (*ReconcileResult, error) {
	if ev.Outcome() != event.OutcomeSuccess || !ev.IsFunding() {
		return nil, ErrUnknownTransaction
	}

	account, err := s.vaRepo.GetByAccountNumber(ctx, tx, ev.Metadata[event.MetaReceiverAccount])
	if errors.Is(err, repository.ErrVirtualAccountNotFound) {
		return nil, ErrUnknownTransaction
	}
	if err != nil {
		return nil, err
	}

	externalRef := ev.ExternalReference
	if externalRef == "" {
		externalRef = ev.TransactionReference
	}

	newBalance, err := s.wallets.Credit(ctx, tx, account.WalletID, ev.Amount, Purpose{
		OwnerID:   account.OwnerID,
		Category:  model.CategoryWalletFunding,
		Reference: externalRef,
	})
	if err != nil {
		return nil, err
	}

	currency := ev.Currency
	if currency == "" {
		currency = s.wallets.currency
	}
	rec, err := s.recorder.RecordSettled(ctx, tx, RecordParams{
		OwnerID:           account.OwnerID,
		WalletID:          account.WalletID,
		Type:              model.TypeCredit,
		Category:          model.CategoryWalletFunding,
		Amount:            ev.Amount,
		BalanceBefore:     newBalance.Sub(ev.Amount),
		Provider:          ev.Provider,
		Channel:           model.ChannelBankTransfer,
		Currency:          currency,
		ExternalReference: externalRef,
		Description:       fmt.Sprintf("Wallet funding into %s", account.AccountNumber),
		ProviderResponse:  ev.Raw,
		Metadata:          ev.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{Outcome: OutcomeCreated, Record: rec, Balance: newBalance}, nil
}

// authoritativeAmount is the provider-echoed amount when there is one. It
// only settles credits; debits are refunded at the held amount.
func (s *ReconcileService) authoritativeAmount(rec *model.TransactionRecord, ev *event.ProviderEvent) decimal.Decimal {
	if ev.Amount.IsPositive() {
		return ev.Amount
	}
	return rec.Amount
}

func (s *ReconcileService) checkAmount(rec *model.TransactionRecord, ev *event.ProviderEvent, res *ReconcileResult) {
	if !ev.Amount.IsPositive() || ev.Amount.Equal(rec.Amount) {
		return
	}
	res.raise(alert.Alert{
		Kind:      alert.KindAmountMismatch,
		Message:   "provider amount differs from the recorded amount",
		Reference: rec.TransactionReference,
		Fields: []zap.Field{
			zap.Stringer("recorded", rec.Amount),
			zap.Stringer("provider", ev.Amount),
			zap.String("type", rec.Type),
		},
	})
}
