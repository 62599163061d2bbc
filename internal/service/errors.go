package service

import (
	"errors"
	"fmt"

	"walletledger/internal/repository"
)

// Error kinds returned by the ledger core. Callers match them with errors.Is.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrFraudBlocked       = errors.New("transaction blocked")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrRecordNotFound     = errors.New("transaction not found")
	ErrUnknownTransaction = errors.New("event does not match any transaction")
	ErrAlreadyTerminal    = errors.New("transaction already completed")
	ErrStorageConflict    = errors.New("storage conflict")
	ErrProviderTimeout    = errors.New("provider did not respond, transaction is processing")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrSelfTransfer       = errors.New("cannot transfer to the same wallet")
	ErrTxRequired         = errors.New("wallet mutation must run inside a transaction")
	ErrAccountTaken       = errors.New("virtual account belongs to another wallet")
	ErrDuplicateRecord    = errors.New("event collides with an existing record")
	ErrRequestReused      = errors.New("request id already used for a different operation")
)

// mapStoreErr converts repository errors into the service error kinds.
// Errors that are already service kinds pass through untouched.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStorageConflict):
		return err
	case errors.Is(err, repository.ErrWalletNotFound):
		return ErrWalletNotFound
	case errors.Is(err, repository.ErrBalanceNotEnough):
		return ErrInsufficientFunds
	case errors.Is(err, repository.ErrRecordNotFound):
		return ErrRecordNotFound
	case repository.IsRetryable(err):
		return fmt.Errorf("%w: %v", ErrStorageConflict, err)
	}
	return err
}
