package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"walletledger/internal/alert"
	"walletledger/internal/model"
	"walletledger/internal/repository"
	"walletledger/pkg/idgen"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxReferenceAttempts = 5

// RecordParams describes a record about to be written. BalanceBefore is the
// wallet balance immediately before the mutation the record pairs with.
type RecordParams struct {
	OwnerID           int64
	WalletID          int64
	Type              string
	Category          string
	Amount            decimal.Decimal
	BalanceBefore     decimal.Decimal
	Provider          string
	Channel           string
	Currency          string
	Reference         string // generated when empty
	ExternalReference string
	ParentReference   string
	Description       string
	ProviderResponse  []byte
	Metadata          map[string]string
}

// Completion carries what is known when a record reaches a terminal status.
type Completion struct {
	ProviderResponse  []byte
	ExternalReference string
	// Amount and BalanceAfter are only applied while the record is still
	// pending, e.g. a pending credit settled for the provider-echoed amount.
	Amount       *decimal.Decimal
	BalanceAfter *decimal.Decimal
}

// Recorder writes TransactionRecords and the outbox events describing them.
// Every method must be given the transaction of the paired wallet mutation.
type Recorder struct {
	txRepo     *repository.TransactionRepository
	outboxRepo *repository.OutboxRepository
	newRef     func(channel, provider string) string
	topic      string
	alerter    alert.Alerter
	logger     *zap.Logger
}

func NewRecorder(db *gorm.DB, refs *idgen.ReferenceGenerator, topic string, alerter alert.Alerter, logger *zap.Logger) *Recorder {
	if refs == nil {
		refs = idgen.NewReferenceGenerator(idgen.DefaultReferencePrefix)
	}
	if alerter == nil {
		alerter = alert.Nop()
	}
	return &Recorder{
		txRepo:     repository.NewTransactionRepository(db),
		outboxRepo: repository.NewOutboxRepository(db),
		newRef: func(channel, provider string) string {
			return refs.Generate(channel, provider, true)
		},
		topic:   topic,
		alerter: alerter,
		logger:  logger.Named("recorder"),
	}
}

// Open writes a pending record. A pending debit already holds its funds, so
// its amount_after is the balance right after the hold.
func (r *Recorder) Open(ctx context.Context, tx *gorm.DB, p RecordParams) (*model.TransactionRecord, error) {
	rec := r.build(p, model.StatusPending)
	if rec.Type == model.TypeCredit {
		rec.AmountAfter = rec.AmountBefore
	}
	if err := r.insert(ctx, tx, rec, p.Reference == ""); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordSettled writes a record that is born successful: externally
// originated funding and flows that complete synchronously.
func (r *Recorder) RecordSettled(ctx context.Context, tx *gorm.DB, p RecordParams) (*model.TransactionRecord, error) {
	rec := r.build(p, model.StatusSuccessful)
	now := time.Now()
	rec.PaidAt = &now
	if err := r.insert(ctx, tx, rec, p.Reference == ""); err != nil {
		return nil, err
	}
	return rec, nil
}

// RecordCorrection writes the compensating credit for original. The original
// record is left as is apart from the status change its caller makes.
func (r *Recorder) RecordCorrection(ctx context.Context, tx *gorm.DB, original *model.TransactionRecord, amount, balanceBefore decimal.Decimal, category string) (*model.TransactionRecord, error) {
	return r.RecordSettled(ctx, tx, RecordParams{
		OwnerID:         original.OwnerID,
		WalletID:        original.WalletID,
		Type:            model.TypeCredit,
		Category:        category,
		Amount:          amount,
		BalanceBefore:   balanceBefore,
		Provider:        original.Provider,
		Channel:         "reverse",
		Currency:        original.Currency,
		ParentReference: original.TransactionReference,
		Description:     fmt.Sprintf("Refund for %s", original.TransactionReference),
	})
}

// Complete moves rec to status. Anything model.CanTransitionTo refuses is
// an AlreadyTerminal violation and is raised as an alert.
func (r *Recorder) Complete(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord, status string, c Completion) (*model.TransactionRecord, error) {
	from := rec.Status
	if !model.CanTransitionTo(from, status) {
		r.raiseAlreadyTerminal(ctx, rec, from, status)
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, rec.TransactionReference, from)
	}

	updates := map[string]interface{}{}
	if len(c.ProviderResponse) > 0 {
		updates["provider_response"] = string(c.ProviderResponse)
	}
	if from == model.StatusPending {
		if c.Amount != nil {
			updates["amount"] = *c.Amount
		}
		if c.BalanceAfter != nil {
			updates["amount_after"] = *c.BalanceAfter
			if c.Amount != nil && rec.Type == model.TypeCredit {
				updates["amount_before"] = c.BalanceAfter.Sub(*c.Amount)
			}
		}
	}

	err := r.txRepo.Transition(ctx, tx, rec.ID, from, status, updates)
	if errors.Is(err, repository.ErrStatusInvalid) {
		// someone else completed it after we read it
		r.raiseAlreadyTerminal(ctx, rec, from, status)
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrAlreadyTerminal, rec.TransactionReference)
	}
	if err != nil {
		return nil, err
	}

	if c.ExternalReference != "" && rec.ExternalReference == nil {
		if err := r.AttachExternalReference(ctx, tx, rec, c.ExternalReference); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	rec.Status = status
	switch status {
	case model.StatusSuccessful:
		rec.PaidAt = &now
	case model.StatusFailed:
		rec.FailedAt = &now
	case model.StatusReversed:
		rec.ReversedAt = &now
	}
	if v, ok := updates["amount"]; ok {
		rec.Amount = v.(decimal.Decimal)
	}
	if v, ok := updates["amount_before"]; ok {
		rec.AmountBefore = v.(decimal.Decimal)
	}
	if v, ok := updates["amount_after"]; ok {
		rec.AmountAfter = v.(decimal.Decimal)
	}
	if len(c.ProviderResponse) > 0 {
		rec.ProviderResponse = string(c.ProviderResponse)
	}

	if err := r.emit(ctx, tx, model.EventRecordCompleted, rec); err != nil {
		return nil, err
	}
	r.logger.Info("record completed",
		zap.String("reference", rec.TransactionReference),
		zap.String("from", from),
		zap.String("to", status))
	return rec, nil
}

// AttachExternalReference stores the provider's id on a record that has none.
func (r *Recorder) AttachExternalReference(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord, externalRef string) error {
	if externalRef == "" || rec.ExternalReference != nil {
		return nil
	}
	if err := r.txRepo.SetExternalReference(ctx, tx, rec.ID, externalRef); err != nil {
		return err
	}
	rec.ExternalReference = &externalRef
	return nil
}

func (r *Recorder) build(p RecordParams, status string) *model.TransactionRecord {
	rec := &model.TransactionRecord{
		OwnerID:              p.OwnerID,
		WalletID:             p.WalletID,
		Type:                 p.Type,
		Category:             p.Category,
		Amount:               p.Amount,
		AmountBefore:         p.BalanceBefore,
		Status:               status,
		Provider:             p.Provider,
		Channel:              p.Channel,
		Currency:             p.Currency,
		TransactionReference: p.Reference,
		Description:          p.Description,
		ProviderResponse:     string(p.ProviderResponse),
	}
	if rec.Provider == "" {
		rec.Provider = model.ProviderSystem
	}
	if rec.Currency == "" {
		rec.Currency = model.DefaultCurrency
	}
	if rec.Type == model.TypeDebit {
		rec.AmountAfter = p.BalanceBefore.Sub(p.Amount)
	} else {
		rec.AmountAfter = p.BalanceBefore.Add(p.Amount)
	}
	if p.ExternalReference != "" {
		ext := p.ExternalReference
		rec.ExternalReference = &ext
	}
	if p.ParentReference != "" {
		parent := p.ParentReference
		rec.ParentReference = &parent
	}
	if len(p.Metadata) > 0 {
		b, _ := json.Marshal(p.Metadata)
		rec.Metadata = string(b)
	}
	return rec
}

// insert writes rec inside a savepoint. When the reference is ours to choose
// and it collides, a fresh one is generated; any other unique violation is
// returned to the caller.
func (r *Recorder) insert(ctx context.Context, tx *gorm.DB, rec *model.TransactionRecord, generate bool) error {
	if tx == nil {
		return ErrTxRequired
	}

	attempts := 1
	if generate {
		attempts = maxReferenceAttempts
	}

	var err error
	for i := 0; i < attempts; i++ {
		if generate {
			rec.TransactionReference = r.newRef(rec.Channel, rec.Provider)
		}
		err = tx.Transaction(func(sp *gorm.DB) error {
			if err := r.txRepo.Create(ctx, sp, rec); err != nil {
				return err
			}
			return r.emit(ctx, sp, model.EventRecordCreated, rec)
		})
		if err == nil {
			return nil
		}
		if !generate || !repository.IsDuplicateKey(err) || !r.referenceTaken(ctx, tx, rec.TransactionReference) {
			return err
		}
		r.logger.Warn("reference collision, regenerating", zap.String("reference", rec.TransactionReference))
		rec.ID = 0
	}
	return fmt.Errorf("generate unique reference: %w", err)
}

func (r *Recorder) referenceTaken(ctx context.Context, tx *gorm.DB, reference string) bool {
	_, err := r.txRepo.GetByReference(ctx, tx, reference, false)
	return err == nil
}

func (r *Recorder) emit(ctx context.Context, tx *gorm.DB, eventType string, rec *model.TransactionRecord) error {
	eventID := idgen.NextID()
	payload, err := json.Marshal(model.NewTransactionEvent(eventID, eventType, rec, time.Now()))
	if err != nil {
		return fmt.Errorf("encode transaction event: %w", err)
	}
	return r.outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		EventID:    eventID,
		EventType:  eventType,
		MessageKey: rec.TransactionReference,
		Topic:      r.topic,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	})
}

func (r *Recorder) raiseAlreadyTerminal(ctx context.Context, rec *model.TransactionRecord, from, to string) {
	r.alerter.Raise(ctx, alert.Alert{
		Kind:      alert.KindAlreadyTerminal,
		Message:   "attempt to complete a record that is not open for this transition",
		Reference: rec.TransactionReference,
		Fields: []zap.Field{
			zap.String("from", from),
			zap.String("to", to),
			zap.Int64("record_id", rec.ID),
		},
	})
}
