package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"walletledger/internal/config"
	"walletledger/internal/event"
	"walletledger/internal/metrics"
	"walletledger/internal/model"
	"walletledger/internal/provider"
	"walletledger/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PaymentService composes Debit, Credit and the recorder into the flows
// users trigger: vending and bank transfers, in-app transfers, internal credits.
type PaymentService struct {
	db              *gorm.DB
	wallets         *WalletService
	recorder        *Recorder
	engine          *ReconcileService
	providers       *provider.Registry
	txRepo          *repository.TransactionRepository
	providerTimeout time.Duration
	retry           RetryPolicy
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

func NewPaymentService(
	db *gorm.DB,
	wallets *WalletService,
	recorder *Recorder,
	engine *ReconcileService,
	providers *provider.Registry,
	cfg *config.Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *PaymentService {
	if providers == nil {
		providers = provider.NewRegistry()
	}
	return &PaymentService{
		db:              db,
		wallets:         wallets,
		recorder:        recorder,
		engine:          engine,
		providers:       providers,
		txRepo:          repository.NewTransactionRepository(db),
		providerTimeout: cfg.Ledger.ProviderTimeout,
		retry:           NewRetryPolicy(cfg.Ledger),
		logger:          logger.Named("payment"),
		metrics:         m,
	}
}

type DebitRequest struct {
	OwnerID     int64             `json:"owner_id" binding:"required"`
	Amount      decimal.Decimal   `json:"amount" binding:"required"`
	Category    string            `json:"category" binding:"required"`
	Provider    string            `json:"provider" binding:"required"`
	Channel     string            `json:"channel"`
	Destination string            `json:"destination"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
	// RequestID makes a client retry return the first attempt's result
	// instead of holding the funds again. It becomes the record's reference.
	RequestID string `json:"request_id" binding:"omitempty,max=64"`
}

type DebitResult struct {
	TransactionReference string          `json:"transaction_reference"`
	Status               string          `json:"status"`
	NewBalance           decimal.Decimal `json:"new_balance"`
}

// Purchase holds the funds, calls the provider outside any lock and applies
// its answer in a new transaction. A timeout or transport error leaves the
// record pending and returns ErrProviderTimeout together with the result.
func (s *PaymentService) Purchase(ctx context.Context, req *DebitRequest) (*DebitResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	client, ok := s.providers.Get(req.Provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, req.Provider)
	}
	if req.RequestID != "" {
		if res, err := s.replayPurchase(ctx, req); !errors.Is(err, ErrRecordNotFound) {
			return res, err
		}
	}
	wallet, err := s.wallets.WalletOf(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	channel := req.Channel
	if channel == "" {
		channel = channelFor(req.Category)
	}

	var (
		rec        *model.TransactionRecord
		newBalance decimal.Decimal
	)
	err = runInTx(ctx, s.db, s.retry, s.metrics, func(tx *gorm.DB) error {
		bal, err := s.wallets.Debit(ctx, tx, wallet.ID, req.Amount, Purpose{OwnerID: req.OwnerID, Category: req.Category})
		if err != nil {
			return err
		}
		opened, err := s.recorder.Open(ctx, tx, RecordParams{
			OwnerID:       req.OwnerID,
			WalletID:      wallet.ID,
			Type:          model.TypeDebit,
			Category:      req.Category,
			Amount:        req.Amount,
			BalanceBefore: bal.Add(req.Amount),
			Provider:      req.Provider,
			Channel:       channel,
			Currency:      wallet.Currency,
			Reference:     req.RequestID,
			Description:   req.Description,
			Metadata:      req.Metadata,
		})
		if err != nil {
			return err
		}
		rec, newBalance = opened, bal
		return nil
	})
	if err != nil && req.RequestID != "" && repository.IsDuplicateKey(err) {
		// a concurrent retry of the same request won
		return s.replayPurchase(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	result := &DebitResult{
		TransactionReference: rec.TransactionReference,
		Status:               rec.Status,
		NewBalance:           newBalance,
	}
	log := s.logger.With(zap.String("reference", rec.TransactionReference), zap.String("provider", req.Provider))

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	resp, err := client.Execute(callCtx, provider.Request{
		Reference:   rec.TransactionReference,
		Category:    req.Category,
		Amount:      req.Amount,
		Currency:    wallet.Currency,
		Destination: req.Destination,
		Metadata:    req.Metadata,
	})
	cancel()
	if err != nil {
		s.metrics.ObserveProviderCall(req.Provider, "error")
		log.Warn("provider call did not complete, record stays pending", zap.Error(err))
		return result, fmt.Errorf("%w: %v", ErrProviderTimeout, err)
	}

	if !resp.IsFinal() {
		s.metrics.ObserveProviderCall(req.Provider, provider.StatusPending)
		if resp.ExternalReference != "" {
			err := runInTx(ctx, s.db, s.retry, s.metrics, func(tx *gorm.DB) error {
				return s.recorder.AttachExternalReference(ctx, tx, rec, resp.ExternalReference)
			})
			if err != nil {
				log.Warn("store provider reference", zap.Error(err))
			}
		}
		return result, nil
	}
	s.metrics.ObserveProviderCall(req.Provider, resp.Status)

	// the synchronous answer goes through the same state machine as a webhook
	res, err := s.engine.Process(ctx, &event.ProviderEvent{
		Provider:             req.Provider,
		Type:                 event.TypeStatusUpdate,
		Status:               resp.Status,
		ExternalReference:    resp.ExternalReference,
		TransactionReference: rec.TransactionReference,
		Amount:               resp.Amount,
		Currency:             wallet.Currency,
		Raw:                  resp.Raw,
	})
	if err != nil {
		return result, err
	}
	if res.Record != nil {
		result.Status = res.Record.Status
	}
	if balance, err := s.wallets.BalanceOf(ctx, wallet.ID); err == nil {
		result.NewBalance = balance
	}
	return result, nil
}

// replayPurchase returns the result of an earlier Purchase with the same
// request id. ErrRecordNotFound means there was none.
func (s *PaymentService) replayPurchase(ctx context.Context, req *DebitRequest) (*DebitResult, error) {
	rec, err := s.txRepo.GetByReference(ctx, nil, req.RequestID, false)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if rec.OwnerID != req.OwnerID || !rec.IsDebit() || rec.Category != req.Category ||
		rec.Provider != req.Provider || !rec.Amount.Equal(req.Amount) {
		return nil, fmt.Errorf("%w: %s", ErrRequestReused, req.RequestID)
	}
	s.logger.Info("purchase replayed", zap.String("reference", rec.TransactionReference), zap.String("status", rec.Status))
	return &DebitResult{TransactionReference: rec.TransactionReference, Status: rec.Status, NewBalance: rec.AmountAfter}, nil
}

type FundingRequest struct {
	OwnerID  int64           `json:"owner_id" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	Provider string          `json:"provider"`
	Channel  string          `json:"channel"`
}

// InitiateFunding opens a pending credit whose reference the client hands to
// the payment page. The provider's charge webhook settles it.
func (s *PaymentService) InitiateFunding(ctx context.Context, req *FundingRequest) (*model.TransactionRecord, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	wallet, err := s.wallets.WalletOf(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	providerName := req.Provider
	if providerName == "" {
		providerName = model.ProviderPaystack
	}
	channel := req.Channel
	if channel == "" {
		channel = model.ChannelCard
	}

	var rec *model.TransactionRecord
	err = runInTx(ctx, s.db, s.retry, s.metrics, func(tx *gorm.DB) error {
		opened, err := s.recorder.Open(ctx, tx, RecordParams{
			OwnerID:       req.OwnerID,
			WalletID:      wallet.ID,
			Type:          model.TypeCredit,
			Category:      model.CategoryWalletFunding,
			Amount:        req.Amount,
			BalanceBefore: wallet.Balance,
			Provider:      providerName,
			Channel:       channel,
			Currency:      wallet.Currency,
			Description:   "Wallet funding",
		})
		rec = opened
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type CreditRequest struct {
	OwnerID     int64           `json:"owner_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Category    string          `json:"category" binding:"required"`
	Description string          `json:"description"`
	// Reference makes the credit idempotent when the caller supplies one.
	Reference string `json:"reference"`
}

// CreditInternal settles a system credit such as a referral bonus or a
// manual refund.
func (s *PaymentService) CreditInternal(ctx context.Context, req *CreditRequest) (*DebitResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if req.Reference != "" {
		if existing, err := s.txRepo.GetByReference(ctx, nil, req.Reference, false); err == nil {
			return &DebitResult{TransactionReference: existing.TransactionReference, Status: existing.Status, NewBalance: existing.AmountAfter}, nil
		}
	}
	wallet, err := s.wallets.WalletOf(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}

	var result *DebitResult
	err = runInTx(ctx, s.db, s.retry, s.metrics, func(tx *gorm.DB) error {
		bal, err := s.wallets.Credit(ctx, tx, wallet.ID, req.Amount, Purpose{OwnerID: req.OwnerID, Category: req.Category, Reference: req.Reference})
		if err != nil {
			return err
		}
		rec, err := s.recorder.RecordSettled(ctx, tx, RecordParams{
			OwnerID:       req.OwnerID,
			WalletID:      wallet.ID,
			Type:          model.TypeCredit,
			Category:      req.Category,
			Amount:        req.Amount,
			BalanceBefore: bal.Sub(req.Amount),
			Provider:      model.ProviderSystem,
			Channel:       channelFor(req.Category),
			Currency:      wallet.Currency,
			Reference:     req.Reference,
			Description:   req.Description,
		})
		if err != nil {
			return err
		}
		result = &DebitResult{TransactionReference: rec.TransactionReference, Status: rec.Status, NewBalance: bal}
		return nil
	})
	if err != nil && req.Reference != "" && repository.IsDuplicateKey(err) {
		// a concurrent call with the same reference won
		existing, getErr := s.txRepo.GetByReference(ctx, nil, req.Reference, false)
		if getErr == nil {
			return &DebitResult{TransactionReference: existing.TransactionReference, Status: existing.Status, NewBalance: existing.AmountAfter}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

type TransferRequest struct {
	FromOwnerID int64           `json:"from_owner_id" binding:"required"`
	ToOwnerID   int64           `json:"to_owner_id" binding:"required"`
	Amount      decimal.Decimal `json:"amount" binding:"required"`
	Description string          `json:"description"`
	// RequestID is the sender leg's reference; a retry returns both legs.
	RequestID string `json:"request_id" binding:"omitempty,max=64"`
}

type TransferResult struct {
	Debit      *model.TransactionRecord `json:"debit"`
	Credit     *model.TransactionRecord `json:"credit"`
	NewBalance decimal.Decimal          `json:"new_balance"`
}

// TransferInApp moves funds between two wallets in one transaction. Both legs
// are born successful; the recipient leg points at the sender leg.
func (s *PaymentService) TransferInApp(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	from, err := s.wallets.WalletOf(ctx, req.FromOwnerID)
	if err != nil {
		return nil, err
	}
	to, err := s.wallets.WalletOf(ctx, req.ToOwnerID)
	if err != nil {
		return nil, err
	}
	if from.ID == to.ID {
		return nil, ErrSelfTransfer
	}
	if req.RequestID != "" {
		if res, err := s.replayTransfer(ctx, req); !errors.Is(err, ErrRecordNotFound) {
			return res, err
		}
	}

	var result *TransferResult
	err = runInTx(ctx, s.db, s.retry, s.metrics, func(tx *gorm.DB) error {
		if err := s.wallets.LockWallets(ctx, tx, from.ID, to.ID); err != nil {
			return err
		}

		fromBal, err := s.wallets.Debit(ctx, tx, from.ID, req.Amount, Purpose{OwnerID: req.FromOwnerID, Category: model.CategoryInAppTransfer})
		if err != nil {
			return err
		}
		debit, err := s.recorder.RecordSettled(ctx, tx, RecordParams{
			OwnerID:       req.FromOwnerID,
			WalletID:      from.ID,
			Type:          model.TypeDebit,
			Category:      model.CategoryInAppTransfer,
			Amount:        req.Amount,
			BalanceBefore: fromBal.Add(req.Amount),
			Provider:      model.ProviderSystem,
			Channel:       model.ChannelInApp,
			Currency:      from.Currency,
			Reference:     req.RequestID,
			Description:   req.Description,
		})
		if err != nil {
			return err
		}

		toBal, err := s.wallets.Credit(ctx, tx, to.ID, req.Amount, Purpose{OwnerID: req.FromOwnerID, Category: model.CategoryInAppTransfer, Reference: debit.TransactionReference})
		if err != nil {
			return err
		}
		credit, err := s.recorder.RecordSettled(ctx, tx, RecordParams{
			OwnerID:         req.ToOwnerID,
			WalletID:        to.ID,
			Type:            model.TypeCredit,
			Category:        model.CategoryInAppTransfer,
			Amount:          req.Amount,
			BalanceBefore:   toBal.Sub(req.Amount),
			Provider:        model.ProviderSystem,
			Channel:         model.ChannelInApp,
			Currency:        to.Currency,
			ParentReference: debit.TransactionReference,
			Description:     req.Description,
		})
		if err != nil {
			return err
		}

		result = &TransferResult{Debit: debit, Credit: credit, NewBalance: fromBal}
		return nil
	})
	if err != nil && req.RequestID != "" && repository.IsDuplicateKey(err) {
		return s.replayTransfer(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("in-app transfer",
		zap.String("reference", result.Debit.TransactionReference),
		zap.Int64("from_wallet", from.ID),
		zap.Int64("to_wallet", to.ID),
		zap.Stringer("amount", req.Amount))
	return result, nil
}

// replayTransfer returns both legs of an earlier transfer with the same
// request id. ErrRecordNotFound means there was none.
func (s *PaymentService) replayTransfer(ctx context.Context, req *TransferRequest) (*TransferResult, error) {
	debit, err := s.txRepo.GetByReference(ctx, nil, req.RequestID, false)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	reused := fmt.Errorf("%w: %s", ErrRequestReused, req.RequestID)
	if debit.OwnerID != req.FromOwnerID || !debit.IsDebit() || debit.Category != model.CategoryInAppTransfer || !debit.Amount.Equal(req.Amount) {
		return nil, reused
	}
	credit, err := s.txRepo.GetChild(ctx, nil, debit.TransactionReference, model.CategoryInAppTransfer)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if credit.OwnerID != req.ToOwnerID {
		return nil, reused
	}
	s.logger.Info("in-app transfer replayed", zap.String("reference", debit.TransactionReference))
	return &TransferResult{Debit: debit, Credit: credit, NewBalance: debit.AmountAfter}, nil
}

type HistoryPage struct {
	Records  []*model.TransactionRecord `json:"records"`
	Total    int64                      `json:"total"`
	Page     int                        `json:"page"`
	PageSize int                        `json:"page_size"`
}

func (s *PaymentService) History(ctx context.Context, ownerID int64, filter repository.ListFilter, page, pageSize int) (*HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	records, total, err := s.txRepo.ListByOwnerID(ctx, ownerID, filter, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &HistoryPage{Records: records, Total: total, Page: page, PageSize: pageSize}, nil
}

// Wallet returns the owner's wallet, used by the balance endpoint.
func (s *PaymentService) Wallet(ctx context.Context, ownerID int64) (*model.Wallet, error) {
	return s.wallets.WalletOf(ctx, ownerID)
}

func channelFor(category string) string {
	switch category {
	case model.CategoryBankTransfer:
		return model.ChannelBankTransfer
	case model.CategoryAirtime, model.CategoryData, model.CategoryBills, model.CategoryGiftCard:
		return model.ChannelBills
	case model.CategoryReferralBonus:
		return "referral"
	case model.CategoryInAppTransfer:
		return model.ChannelInApp
	default:
		return model.ChannelInternal
	}
}
