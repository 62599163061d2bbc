package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"walletledger/internal/config"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HTTPClient talks to a provider gateway that accepts a JSON transaction and
// answers with {status, reference, message, amount}.
type HTTPClient struct {
	name      string
	baseURL   string
	secretKey string
	client    *http.Client
	logger    *zap.Logger
}

func NewHTTPClient(name string, cfg config.ProviderConfig, logger *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		name:      name,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
		client:    &http.Client{Timeout: timeout},
		logger:    logger.Named("provider").With(zap.String("provider", name)),
	}
}

func (c *HTTPClient) Name() string { return c.name }

type gatewayRequest struct {
	Reference   string            `json:"reference"`
	Category    string            `json:"category"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Destination string            `json:"destination,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type gatewayResponse struct {
	Status    string           `json:"status"`
	Reference string           `json:"reference"`
	Message   string           `json:"message"`
	Amount    *decimal.Decimal `json:"amount"`
}

func (c *HTTPClient) Execute(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(gatewayRequest{
		Reference:   req.Reference,
		Category:    req.Category,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Destination: req.Destination,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.logger.Info("execute", zap.String("reference", req.Reference), zap.Stringer("amount", req.Amount))
	return c.do(httpReq)
}

func (c *HTTPClient) QueryStatus(ctx context.Context, reference string) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transactions/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}
	return c.do(httpReq)
}

func (c *HTTPClient) do(httpReq *http.Request) (*Response, error) {
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.secretKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrTimeout, c.name, err)
		}
		return nil, fmt.Errorf("%s request: %w", c.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s read body: %w", c.name, err)
	}

	// 5xx says nothing about the transaction itself
	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Warn("gateway error", zap.Int("status_code", resp.StatusCode))
		return nil, fmt.Errorf("%s gateway: %d", c.name, resp.StatusCode)
	}

	var out gatewayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%s decode response: %w", c.name, err)
	}

	r := &Response{
		Status:            normalizeStatus(out.Status),
		ExternalReference: out.Reference,
		Message:           out.Message,
		Raw:               raw,
	}
	if out.Amount != nil {
		r.Amount = *out.Amount
	}
	if resp.StatusCode >= http.StatusBadRequest && r.Status == StatusPending {
		// a 4xx without a status is a rejection of the request
		r.Status = StatusFailed
	}
	return r, nil
}

func normalizeStatus(s string) string {
	switch strings.ToLower(s) {
	case "success", "successful", "delivered", "completed":
		return StatusSuccess
	case "failed", "failure", "rejected", "declined", "reversed":
		return StatusFailed
	default:
		return StatusPending
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
