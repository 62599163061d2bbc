package handler

import (
	"errors"

	"walletledger/internal/service"
	"walletledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// renderError maps service errors to a safe code and message. Internal
// details, such as why the gate blocked a debit, are logged and never sent.
func renderError(c *gin.Context, logger *zap.Logger, err error) {
	code, message := classify(err)
	if code == response.CodeServerError {
		logger.Error("request failed", zap.String("request_id", requestID(c)), zap.Error(err))
	} else if code == response.CodeTransactionBlocked {
		logger.Warn("transaction blocked", zap.String("request_id", requestID(c)), zap.Error(err))
	}
	_ = c.Error(err)
	response.BusinessError(c, code, message)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount):
		return response.CodeInvalidAmount, "amount must be positive"
	case errors.Is(err, service.ErrInsufficientFunds):
		return response.CodeBalanceNotEnough, "insufficient funds"
	case errors.Is(err, service.ErrWalletNotFound):
		return response.CodeWalletNotFound, "wallet not found"
	case errors.Is(err, service.ErrRecordNotFound):
		return response.CodeTransactionNotFound, "transaction not found"
	case errors.Is(err, service.ErrFraudBlocked):
		return response.CodeTransactionBlocked, "transaction not allowed"
	case errors.Is(err, service.ErrUnknownProvider):
		return response.CodeUnknownProvider, "unsupported provider"
	case errors.Is(err, service.ErrSelfTransfer):
		return response.CodeSelfTransfer, "cannot transfer to the same wallet"
	case errors.Is(err, service.ErrRequestReused):
		return response.CodeDuplicateRequest, "request id already used"
	case errors.Is(err, service.ErrAccountTaken):
		return response.CodeDuplicateRequest, "account number already assigned"
	case errors.Is(err, service.ErrStorageConflict):
		return response.CodeConflict, "please retry"
	}
	return response.CodeServerError, "internal server error"
}
