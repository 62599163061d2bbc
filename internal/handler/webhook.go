package handler

import (
	"errors"
	"net/http"

	"walletledger/internal/config"
	"walletledger/internal/event"
	"walletledger/internal/service"
	"walletledger/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// WebhookHandler receives provider callbacks. Anything the provider should
// not redeliver is answered with 200; only storage failures return 500.
type WebhookHandler struct {
	engine  *service.ReconcileService
	secrets config.WebhookConfig
	logger  *zap.Logger
}

func NewWebhookHandler(engine *service.ReconcileService, secrets config.WebhookConfig, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		engine:  engine,
		secrets: secrets,
		logger:  logger.Named("webhook"),
	}
}

// Paystack
// POST /webhooks/paystack, signed with HMAC-SHA512 of the body.
func (h *WebhookHandler) Paystack(c *gin.Context) {
	body, ok := h.readSigned(c, h.secrets.PaystackSecret, event.HeaderPaystackSignature, event.VerifySHA512)
	if !ok {
		return
	}
	ev, err := event.DecodePaystack(body)
	h.process(c, ev, err)
}

// VTpass
// POST /webhooks/vtpass
func (h *WebhookHandler) VTpass(c *gin.Context) {
	body, ok := h.readSigned(c, h.secrets.VTpassSecret, event.HeaderWebhookSignature, event.VerifySHA256)
	if !ok {
		return
	}
	ev, err := event.DecodeVTpass(body)
	h.process(c, ev, err)
}

// Events accepts the canonical event shape from internal relays.
// POST /webhooks/events
func (h *WebhookHandler) Events(c *gin.Context) {
	body, ok := h.readSigned(c, h.secrets.EventsSecret, event.HeaderWebhookSignature, event.VerifySHA256)
	if !ok {
		return
	}
	ev, err := event.DecodeCanonical(body)
	h.process(c, ev, err)
}

// readSigned returns the raw body. An empty secret disables verification.
func (h *WebhookHandler) readSigned(c *gin.Context, secret, header string, verify func(secret string, body []byte, signature string) bool) ([]byte, bool) {
	body, err := c.GetRawData()
	if err != nil {
		response.Abort(c, http.StatusBadRequest, response.CodeParamError, "unreadable body")
		return nil, false
	}
	if secret != "" && !verify(secret, body, c.GetHeader(header)) {
		h.logger.Warn("rejected webhook with bad signature",
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", requestID(c)))
		response.Abort(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid signature")
		return nil, false
	}
	return body, true
}

func (h *WebhookHandler) process(c *gin.Context, ev *event.ProviderEvent, decodeErr error) {
	log := h.logger.With(zap.String("request_id", requestID(c)), zap.String("path", c.Request.URL.Path))

	if errors.Is(decodeErr, event.ErrUnsupportedEvent) {
		log.Info("unsupported event acknowledged", zap.Error(decodeErr))
		response.Ack(c, response.CodeIgnored, "ignored", nil)
		return
	}
	if decodeErr != nil {
		log.Warn("malformed webhook", zap.Error(decodeErr))
		response.Abort(c, http.StatusBadRequest, response.CodeParamError, "malformed payload")
		return
	}

	res, err := h.engine.Process(c.Request.Context(), ev)
	switch {
	case errors.Is(err, service.ErrUnknownTransaction):
		response.Ack(c, response.CodeUnknownTransaction, "unknown_transaction", nil)
		return
	case errors.Is(err, event.ErrUnsupportedEvent):
		response.Ack(c, response.CodeIgnored, "ignored", nil)
		return
	case errors.Is(err, event.ErrMalformedEvent):
		log.Warn("invalid provider event", zap.Error(err))
		response.Abort(c, http.StatusBadRequest, response.CodeParamError, "malformed payload")
		return
	case err != nil:
		// the provider redelivers on 5xx
		log.Error("webhook processing failed", zap.String("lock_key", ev.LockKey()), zap.Error(err))
		response.Abort(c, http.StatusInternalServerError, response.CodeServerError, "processing failed")
		return
	}

	data := gin.H{"outcome": res.Outcome}
	if res.Record != nil {
		data["transaction_reference"] = res.Record.TransactionReference
		data["status"] = res.Record.Status
	}

	switch res.Outcome {
	case service.OutcomeDuplicate:
		response.Ack(c, response.CodeDuplicate, "duplicate", data)
	case service.OutcomeIgnored:
		response.Ack(c, response.CodeIgnored, "ignored", data)
	default:
		response.Ack(c, response.CodeProcessed, "processed", data)
	}
}
