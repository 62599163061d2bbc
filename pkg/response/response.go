package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess      = 0
	CodeParamError   = 400
	CodeUnauthorized = 401
	CodeServerError  = 500
)

// wallet and ledger outcomes
const (
	CodeTransactionNotFound = 1001
	CodeInvalidAmount       = 1002
	CodeBalanceNotEnough    = 1003
	CodeDuplicateRequest    = 1004
	CodeWalletNotFound      = 1005
	CodeTransactionBlocked  = 1006
	CodeProcessing          = 1007
	CodeUnknownProvider     = 1008
	CodeSelfTransfer        = 1009
	CodeConflict            = 1010
)

// webhook acknowledgements, always sent with HTTP 200
const (
	CodeProcessed          = 0
	CodeDuplicate          = 2001
	CodeUnknownTransaction = 2002
	CodeIgnored            = 2003
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

// Error reports a business failure. The HTTP status stays 200 and the code
// carries the outcome.
func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

// Ack answers a webhook delivery. The HTTP status tells the provider
// whether to retry; the code tells a human what happened.
func Ack(c *gin.Context, code int, message string, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
		Data:    data,
	})
}

// Abort sends a non-200 status, used where the caller must see a failure.
func Abort(c *gin.Context, status, code int, message string) {
	c.AbortWithStatusJSON(status, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	Error(c, CodeParamError, message)
}

func BusinessError(c *gin.Context, code int, message string) {
	Error(c, code, message)
}
