package handler

import (
	"errors"
	"strconv"

	"walletledger/internal/repository"
	"walletledger/internal/service"
	"walletledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler serves the wallet endpoints. Authentication sits in front of it;
// owner ids arrive already trusted.
type Handler struct {
	payments *service.PaymentService
	wallets  *service.WalletService
	logger   *zap.Logger
}

func NewHandler(payments *service.PaymentService, wallets *service.WalletService, logger *zap.Logger) *Handler {
	return &Handler{
		payments: payments,
		wallets:  wallets,
		logger:   logger.Named("handler"),
	}
}

// ============================================================
// wallet
// ============================================================

// GetBalance
// GET /api/v1/wallet/balance?owner_id=xxx
func (h *Handler) GetBalance(c *gin.Context) {
	ownerID, ok := ownerParam(c)
	if !ok {
		return
	}

	wallet, err := h.payments.Wallet(c.Request.Context(), ownerID)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}

	response.Success(c, gin.H{
		"owner_id":  wallet.OwnerID,
		"wallet_id": wallet.ID,
		"balance":   wallet.Balance,
		"currency":  wallet.Currency,
	})
}

// OpenWallet
// POST /api/v1/wallet/open
func (h *Handler) OpenWallet(c *gin.Context) {
	var req struct {
		OwnerID  int64  `json:"owner_id" binding:"required"`
		Currency string `json:"currency"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	wallet, err := h.wallets.OpenWallet(c.Request.Context(), req.OwnerID, req.Currency)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	response.Success(c, wallet)
}

type VirtualAccountRequest struct {
	OwnerID       int64  `json:"owner_id" binding:"required"`
	AccountNumber string `json:"account_number" binding:"required"`
	AccountName   string `json:"account_name"`
	BankName      string `json:"bank_name"`
	Provider      string `json:"provider" binding:"required"`
}

// AssignVirtualAccount
// POST /api/v1/wallet/virtual-account
func (h *Handler) AssignVirtualAccount(c *gin.Context) {
	var req VirtualAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	account, err := h.wallets.AssignVirtualAccount(c.Request.Context(), req.OwnerID, service.AccountInfo{
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
		BankName:      req.BankName,
		Provider:      req.Provider,
	})
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	response.Success(c, account)
}

// Debit runs a purchase or bank transfer against the wallet.
// POST /api/v1/wallet/debit
//
// A provider that does not answer in time leaves the transaction pending;
// the caller gets CodeProcessing with the reference to poll.
func (h *Handler) Debit(c *gin.Context) {
	var req service.DebitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.payments.Purchase(c.Request.Context(), &req)
	if errors.Is(err, service.ErrProviderTimeout) && result != nil {
		response.Ack(c, response.CodeProcessing, "transaction is processing", result)
		return
	}
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	response.Success(c, result)
}

// Credit
// POST /api/v1/wallet/credit
func (h *Handler) Credit(c *gin.Context) {
	var req service.CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.payments.CreditInternal(c.Request.Context(), &req)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	response.Success(c, result)
}

// Fund opens a pending card funding the provider's charge webhook settles.
// POST /api/v1/wallet/fund
func (h *Handler) Fund(c *gin.Context) {
	var req service.FundingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	rec, err := h.payments.InitiateFunding(c.Request.Context(), &req)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	response.Success(c, gin.H{
		"transaction_reference": rec.TransactionReference,
		"status":                rec.Status,
		"amount":                rec.Amount,
	})
}

// ============================================================
// transfers and history
// ============================================================

// TransferInApp
// POST /api/v1/transfer/in-app
func (h *Handler) TransferInApp(c *gin.Context) {
	var req service.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "invalid request: "+err.Error())
		return
	}

	result, err := h.payments.TransferInApp(c.Request.Context(), &req)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}
	response.Success(c, gin.H{
		"transaction_reference": result.Debit.TransactionReference,
		"recipient_reference":   result.Credit.TransactionReference,
		"status":                result.Debit.Status,
		"new_balance":           result.NewBalance,
	})
}

// ListTransactions
// GET /api/v1/transactions?owner_id=xxx&page=1&page_size=20&status=&type=&category=
func (h *Handler) ListTransactions(c *gin.Context) {
	ownerID, ok := ownerParam(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	filter := repository.ListFilter{
		Status:   c.Query("status"),
		Type:     c.Query("type"),
		Category: c.Query("category"),
	}

	history, err := h.payments.History(c.Request.Context(), ownerID, filter, page, pageSize)
	if err != nil {
		renderError(c, h.logger, err)
		return
	}

	response.Success(c, gin.H{
		"list":      history.Records,
		"total":     history.Total,
		"page":      history.Page,
		"page_size": history.PageSize,
	})
}

func ownerParam(c *gin.Context) (int64, bool) {
	ownerID, err := strconv.ParseInt(c.Query("owner_id"), 10, 64)
	if err != nil || ownerID <= 0 {
		response.ParamError(c, "owner_id is required")
		return 0, false
	}
	return ownerID, true
}
