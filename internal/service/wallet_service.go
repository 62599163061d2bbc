package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"walletledger/internal/config"
	"walletledger/internal/gate"
	"walletledger/internal/metrics"
	"walletledger/internal/model"
	"walletledger/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Purpose describes why a wallet is mutated. OwnerID is the acting user.
type Purpose struct {
	OwnerID   int64
	Category  string
	Reference string
}

// WalletService owns the only two balance-mutating primitives, Debit and Credit.
// Both must be given the transaction that also writes the paired record.
type WalletService struct {
	db         *gorm.DB
	walletRepo *repository.WalletRepository
	vaRepo     *repository.VirtualAccountRepository
	gate       gate.Gate
	currency   string
	retry      RetryPolicy
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func NewWalletService(db *gorm.DB, g gate.Gate, cfg *config.Config, logger *zap.Logger, m *metrics.Metrics) *WalletService {
	if g == nil {
		g = gate.Allow
	}
	currency := cfg.Ledger.Currency
	if currency == "" {
		currency = model.DefaultCurrency
	}
	return &WalletService{
		db:         db,
		walletRepo: repository.NewWalletRepository(db),
		vaRepo:     repository.NewVirtualAccountRepository(db),
		gate:       g,
		currency:   currency,
		retry:      NewRetryPolicy(cfg.Ledger),
		logger:     logger.Named("wallet"),
		metrics:    m,
	}
}

// OpenWallet creates the owner's wallet with a zero balance, or returns the
// existing one.
func (s *WalletService) OpenWallet(ctx context.Context, ownerID int64, currency string) (*model.Wallet, error) {
	if currency == "" {
		currency = s.currency
	}
	wallet, err := s.walletRepo.GetOrCreate(ctx, ownerID, currency)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return wallet, nil
}

type AccountInfo struct {
	AccountNumber string
	AccountName   string
	BankName      string
	Provider      string
}

// AssignVirtualAccount maps a dedicated account number to the owner's wallet.
// Assigning the same number to the same wallet again is a no-op.
func (s *WalletService) AssignVirtualAccount(ctx context.Context, ownerID int64, info AccountInfo) (*model.VirtualAccount, error) {
	wallet, err := s.WalletOf(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	account := &model.VirtualAccount{
		OwnerID:       ownerID,
		WalletID:      wallet.ID,
		AccountNumber: info.AccountNumber,
		AccountName:   info.AccountName,
		BankName:      info.BankName,
		Provider:      info.Provider,
	}
	err = s.vaRepo.Create(ctx, nil, account)
	if err == nil {
		return account, nil
	}
	if !repository.IsDuplicateKey(err) {
		return nil, err
	}

	existing, getErr := s.vaRepo.GetByAccountNumber(ctx, nil, info.AccountNumber)
	if getErr != nil {
		return nil, getErr
	}
	if existing.WalletID != wallet.ID {
		return nil, ErrAccountTaken
	}
	return existing, nil
}

// Debit takes amount out of the wallet and returns the new balance.
// The gate is consulted before anything is written.
func (s *WalletService) Debit(ctx context.Context, tx *gorm.DB, walletID int64, amount decimal.Decimal, purpose Purpose) (decimal.Decimal, error) {
	if tx == nil {
		return decimal.Zero, ErrTxRequired
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	wallet, err := s.walletRepo.GetForUpdate(ctx, tx, walletID)
	if err != nil {
		return decimal.Zero, mapStoreErr(err)
	}

	err = s.gate.Check(ctx, gate.Request{
		OwnerID:  purpose.OwnerID,
		WalletID: walletID,
		Amount:   amount,
		Category: purpose.Category,
		Balance:  wallet.Balance,
	})
	if err != nil {
		s.metrics.ObserveMutation(model.TypeDebit, "blocked")
		if gate.IsBlocked(err) {
			s.logger.Warn("debit blocked",
				zap.Int64("wallet_id", walletID),
				zap.Int64("owner_id", purpose.OwnerID),
				zap.Stringer("amount", amount),
				zap.String("category", purpose.Category),
				zap.Error(err))
			return decimal.Zero, fmt.Errorf("%w: %w", ErrFraudBlocked, err)
		}
		return decimal.Zero, err
	}

	if wallet.Balance.LessThan(amount) {
		s.metrics.ObserveMutation(model.TypeDebit, "insufficient")
		return decimal.Zero, ErrInsufficientFunds
	}

	newBalance, err := s.walletRepo.Deduct(ctx, tx, wallet, amount)
	if err != nil {
		err = mapStoreErr(err)
		if errors.Is(err, ErrInsufficientFunds) {
			s.metrics.ObserveMutation(model.TypeDebit, "insufficient")
		}
		return decimal.Zero, err
	}

	s.metrics.ObserveMutation(model.TypeDebit, "ok")
	s.logger.Debug("debit",
		zap.Int64("wallet_id", walletID),
		zap.String("reference", purpose.Reference),
		zap.Stringer("amount", amount),
		zap.Stringer("balance", newBalance))
	return newBalance, nil
}

// Credit adds amount to the wallet and returns the new balance.
func (s *WalletService) Credit(ctx context.Context, tx *gorm.DB, walletID int64, amount decimal.Decimal, purpose Purpose) (decimal.Decimal, error) {
	if tx == nil {
		return decimal.Zero, ErrTxRequired
	}
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	wallet, err := s.walletRepo.GetForUpdate(ctx, tx, walletID)
	if err != nil {
		return decimal.Zero, mapStoreErr(err)
	}

	newBalance, err := s.walletRepo.Increase(ctx, tx, wallet, amount)
	if err != nil {
		return decimal.Zero, mapStoreErr(err)
	}

	s.metrics.ObserveMutation(model.TypeCredit, "ok")
	s.logger.Debug("credit",
		zap.Int64("wallet_id", walletID),
		zap.String("reference", purpose.Reference),
		zap.Stringer("amount", amount),
		zap.Stringer("balance", newBalance))
	return newBalance, nil
}

// LockWallets takes the row locks of several wallets in ascending id order,
// so two transfers in opposite directions cannot deadlock.
func (s *WalletService) LockWallets(ctx context.Context, tx *gorm.DB, walletIDs ...int64) error {
	if tx == nil {
		return ErrTxRequired
	}
	ids := append([]int64(nil), walletIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if _, err := s.walletRepo.GetForUpdate(ctx, tx, id); err != nil {
			return mapStoreErr(err)
		}
	}
	return nil
}

// BalanceOf returns the last committed balance.
func (s *WalletService) BalanceOf(ctx context.Context, walletID int64) (decimal.Decimal, error) {
	wallet, err := s.walletRepo.GetByID(ctx, walletID)
	if err != nil {
		return decimal.Zero, mapStoreErr(err)
	}
	return wallet.Balance, nil
}

func (s *WalletService) WalletOf(ctx context.Context, ownerID int64) (*model.Wallet, error) {
	wallet, err := s.walletRepo.GetByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return wallet, nil
}

// Integrity compares the stored balance with the one derived from records.
type Integrity struct {
	WalletID   int64
	Stored     decimal.Decimal
	Derived    decimal.Decimal
	Difference decimal.Decimal
}

func (i Integrity) Consistent() bool {
	return i.Difference.IsZero()
}

func (s *WalletService) VerifyBalance(ctx context.Context, walletID int64) (*Integrity, error) {
	var result *Integrity
	// both reads in one transaction so they see the same snapshot
	err := runInTx(ctx, s.db, s.retry, s.metrics, func(tx *gorm.DB) error {
		var wallet model.Wallet
		if err := tx.WithContext(ctx).Where("id = ?", walletID).First(&wallet).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrWalletNotFound
			}
			return err
		}
		derived, err := repository.NewTransactionRepository(tx).LedgerBalance(ctx, walletID)
		if err != nil {
			return err
		}
		result = &Integrity{
			WalletID:   walletID,
			Stored:     wallet.Balance,
			Derived:    derived,
			Difference: wallet.Balance.Sub(derived),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
