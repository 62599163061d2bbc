package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"walletledger/internal/alert"
	"walletledger/internal/config"
	"walletledger/internal/event"
	"walletledger/internal/infrastructure/database"
	"walletledger/internal/metrics"
	"walletledger/internal/model"
	"walletledger/internal/provider"
	"walletledger/internal/service"
	"walletledger/pkg/idgen"
	"walletledger/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const paystackSecret = "sk_test_webhook"

type server struct {
	router   *gin.Engine
	wallets  *service.WalletService
	payments *service.PaymentService
}

func newServer(t *testing.T, clients ...provider.Client) *server {
	t.Helper()
	path := filepath.Join(t.TempDir(), "http.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), database.GormConfig("silent"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })

	cfg := &config.Config{
		Server:  config.ServerConfig{Mode: gin.TestMode},
		Kafka:   config.KafkaConfig{Topic: config.KafkaTopicConfig{TransactionEvents: "wallet.transaction.events"}},
		Webhook: config.WebhookConfig{PaystackSecret: paystackSecret},
		Ledger: config.LedgerConfig{
			Currency:        "NGN",
			ReferencePrefix: "WLT",
			ProviderTimeout: time.Second,
			RetryAttempts:   10,
			RetryBaseDelay:  2 * time.Millisecond,
			RetryMaxDelay:   20 * time.Millisecond,
		},
	}
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	alerter := alert.NewLogAlerter(logger, m)

	wallets := service.NewWalletService(db, nil, cfg, logger, m)
	recorder := service.NewRecorder(db, idgen.NewReferenceGenerator("WLT"), cfg.Kafka.Topic.TransactionEvents, alerter, logger)
	engine := service.NewReconcileService(db, wallets, recorder, nil, cfg, alerter, logger, m)
	payments := service.NewPaymentService(db, wallets, recorder, engine, provider.NewRegistry(clients...), cfg, logger, m)

	router := SetupRouter(Deps{
		Config:   cfg,
		Payments: payments,
		Wallets:  wallets,
		Engine:   engine,
		Logger:   logger,
		Gatherer: reg,
	})
	return &server{router: router, wallets: wallets, payments: payments}
}

func (s *server) do(t *testing.T, method, path string, body []byte, headers map[string]string) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp response.Response
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", w.Body.String(), err)
		}
	}
	return w, resp
}

func (s *server) seed(t *testing.T, owner int64, amount string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.wallets.OpenWallet(ctx, owner, ""); err != nil {
		t.Fatalf("open wallet: %v", err)
	}
	if amount == "" {
		return
	}
	_, err := s.payments.CreditInternal(ctx, &service.CreditRequest{
		OwnerID:  owner,
		Amount:   decimal.RequireFromString(amount),
		Category: model.CategoryManualAdjustment,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func paystackCharge(reference string, kobo int64, account string) map[string]interface{} {
	return map[string]interface{}{
		"event": "charge.success",
		"data": map[string]interface{}{
			"reference": reference,
			"amount":    kobo,
			"currency":  "NGN",
			"status":    "success",
			"channel":   "dedicated_nuban",
			"metadata":  map[string]interface{}{"receiver_account_number": account},
		},
	}
}

func signed(body []byte) map[string]string {
	return map[string]string{event.HeaderPaystackSignature: event.SignSHA512(paystackSecret, body)}
}

func TestPaystackWebhookOutcomes(t *testing.T) {
	s := newServer(t)
	s.seed(t, 7, "")
	if _, err := s.wallets.AssignVirtualAccount(context.Background(), 7, service.AccountInfo{AccountNumber: "9900112233", Provider: "paystack"}); err != nil {
		t.Fatalf("assign account: %v", err)
	}

	body := mustJSON(t, paystackCharge("PSK_001", 250000, "9900112233"))

	w, resp := s.do(t, http.MethodPost, "/webhooks/paystack", body, signed(body))
	if w.Code != http.StatusOK || resp.Code != response.CodeProcessed || resp.Message != "processed" {
		t.Fatalf("first delivery: %d %+v", w.Code, resp)
	}

	w, resp = s.do(t, http.MethodPost, "/webhooks/paystack", body, signed(body))
	if w.Code != http.StatusOK || resp.Code != response.CodeDuplicate {
		t.Fatalf("second delivery: %d %+v", w.Code, resp)
	}

	wallet, err := s.wallets.WalletOf(context.Background(), 7)
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if !wallet.Balance.Equal(decimal.RequireFromString("2500")) {
		t.Fatalf("expected 2500 credited once, got %s", wallet.Balance)
	}

	stray := mustJSON(t, paystackCharge("PSK_002", 1000, "0000000000"))
	w, resp = s.do(t, http.MethodPost, "/webhooks/paystack", stray, signed(stray))
	if w.Code != http.StatusOK || resp.Code != response.CodeUnknownTransaction {
		t.Fatalf("stray delivery: %d %+v", w.Code, resp)
	}

	unsupported := mustJSON(t, map[string]interface{}{"event": "subscription.create", "data": map[string]interface{}{"reference": "x"}})
	w, resp = s.do(t, http.MethodPost, "/webhooks/paystack", unsupported, signed(unsupported))
	if w.Code != http.StatusOK || resp.Code != response.CodeIgnored {
		t.Fatalf("unsupported event: %d %+v", w.Code, resp)
	}
}

func TestPaystackWebhookRejections(t *testing.T) {
	s := newServer(t)
	body := mustJSON(t, paystackCharge("PSK_001", 1000, "9900112233"))

	w, _ := s.do(t, http.MethodPost, "/webhooks/paystack", body, map[string]string{event.HeaderPaystackSignature: "deadbeef"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad signature, got %d", w.Code)
	}

	w, _ = s.do(t, http.MethodPost, "/webhooks/paystack", body, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a signature, got %d", w.Code)
	}

	malformed := []byte(`{"event":"charge.success","data":{"amount":100}}`)
	w, _ = s.do(t, http.MethodPost, "/webhooks/paystack", malformed, signed(malformed))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed payload, got %d", w.Code)
	}
}

func TestVTpassWebhookCompletesPurchase(t *testing.T) {
	pending := &provider.StubClient{
		ProviderName: "vtpass",
		ExecuteFunc: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			return &provider.Response{Status: provider.StatusPending}, nil
		},
	}
	s := newServer(t, pending)
	s.seed(t, 1, "1000")

	w, resp := s.do(t, http.MethodPost, "/api/v1/wallet/debit", mustJSON(t, map[string]interface{}{
		"owner_id": 1,
		"amount":   "300",
		"category": model.CategoryAirtime,
		"provider": "vtpass",
	}), nil)
	if w.Code != http.StatusOK || resp.Code != response.CodeSuccess {
		t.Fatalf("debit: %d %+v", w.Code, resp)
	}
	data := resp.Data.(map[string]interface{})
	ref := data["transaction_reference"].(string)
	if data["status"] != model.StatusPending {
		t.Fatalf("expected pending, got %v", data["status"])
	}

	hook := mustJSON(t, map[string]interface{}{
		"type": "transaction-update",
		"data": map[string]interface{}{
			"code":      "040",
			"requestId": ref,
			"amount":    300,
			"content": map[string]interface{}{
				"transactions": map[string]interface{}{"status": "reversed", "transactionId": "VT-555", "product_name": "MTN Airtime"},
			},
		},
	})
	w, resp = s.do(t, http.MethodPost, "/webhooks/vtpass", hook, nil)
	if w.Code != http.StatusOK || resp.Code != response.CodeProcessed {
		t.Fatalf("vtpass webhook: %d %+v", w.Code, resp)
	}

	w, resp = s.do(t, http.MethodGet, "/api/v1/wallet/balance?owner_id=1", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("balance: %d", w.Code)
	}
	bal := resp.Data.(map[string]interface{})["balance"]
	if bal != "1000" {
		t.Fatalf("expected the reversal refunded, balance %v", bal)
	}
}

func TestDebitErrorsAreSafe(t *testing.T) {
	s := newServer(t, &provider.StubClient{ProviderName: "vtpass"})
	s.seed(t, 1, "100")

	_, resp := s.do(t, http.MethodPost, "/api/v1/wallet/debit", mustJSON(t, map[string]interface{}{
		"owner_id": 1, "amount": "500", "category": model.CategoryAirtime, "provider": "vtpass",
	}), nil)
	if resp.Code != response.CodeBalanceNotEnough || resp.Message != "insufficient funds" {
		t.Fatalf("unexpected response %+v", resp)
	}

	_, resp = s.do(t, http.MethodPost, "/api/v1/wallet/debit", mustJSON(t, map[string]interface{}{
		"owner_id": 1, "amount": "5", "category": model.CategoryAirtime, "provider": "nope",
	}), nil)
	if resp.Code != response.CodeUnknownProvider {
		t.Fatalf("unexpected response %+v", resp)
	}

	_, resp = s.do(t, http.MethodPost, "/api/v1/wallet/debit", []byte(`{"owner_id":1}`), nil)
	if resp.Code != response.CodeParamError {
		t.Fatalf("expected a param error, got %+v", resp)
	}
}

func TestDebitRequestIDReplaysAndRejectsReuse(t *testing.T) {
	s := newServer(t, &provider.StubClient{ProviderName: "vtpass"})
	s.seed(t, 1, "100")

	body := mustJSON(t, map[string]interface{}{
		"owner_id": 1, "amount": "30", "category": model.CategoryAirtime, "provider": "vtpass", "request_id": "app-7781",
	})
	for i := 0; i < 2; i++ {
		_, resp := s.do(t, http.MethodPost, "/api/v1/wallet/debit", body, nil)
		if resp.Code != response.CodeSuccess {
			t.Fatalf("attempt %d: unexpected response %+v", i, resp)
		}
	}

	_, resp := s.do(t, http.MethodPost, "/api/v1/wallet/debit", mustJSON(t, map[string]interface{}{
		"owner_id": 1, "amount": "31", "category": model.CategoryAirtime, "provider": "vtpass", "request_id": "app-7781",
	}), nil)
	if resp.Code != response.CodeDuplicateRequest || resp.Message != "request id already used" {
		t.Fatalf("unexpected response %+v", resp)
	}

	_, resp = s.do(t, http.MethodGet, "/api/v1/wallet/balance?owner_id=1", nil, nil)
	if resp.Code != response.CodeSuccess {
		t.Fatalf("balance: %+v", resp)
	}
	data, _ := resp.Data.(map[string]interface{})
	if data["balance"] != "70" {
		t.Fatalf("expected one debit of 30, got balance %v", data["balance"])
	}
}

func TestDebitProviderTimeoutReportsProcessing(t *testing.T) {
	slow := &provider.StubClient{
		ProviderName: "vtpass",
		ExecuteFunc: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			return nil, provider.ErrTimeout
		},
	}
	s := newServer(t, slow)
	s.seed(t, 1, "100")

	w, resp := s.do(t, http.MethodPost, "/api/v1/wallet/debit", mustJSON(t, map[string]interface{}{
		"owner_id": 1, "amount": "40", "category": model.CategoryData, "provider": "vtpass",
	}), nil)
	if w.Code != http.StatusOK || resp.Code != response.CodeProcessing {
		t.Fatalf("expected processing, got %d %+v", w.Code, resp)
	}
}

func TestTransferAndHistory(t *testing.T) {
	s := newServer(t)
	s.seed(t, 1, "500")
	s.seed(t, 2, "")

	w, resp := s.do(t, http.MethodPost, "/api/v1/transfer/in-app", mustJSON(t, map[string]interface{}{
		"from_owner_id": 1, "to_owner_id": 2, "amount": "125.50",
	}), nil)
	if w.Code != http.StatusOK || resp.Code != response.CodeSuccess {
		t.Fatalf("transfer: %d %+v", w.Code, resp)
	}

	_, resp = s.do(t, http.MethodPost, "/api/v1/transfer/in-app", mustJSON(t, map[string]interface{}{
		"from_owner_id": 1, "to_owner_id": 1, "amount": "1",
	}), nil)
	if resp.Code != response.CodeSelfTransfer {
		t.Fatalf("expected self transfer rejection, got %+v", resp)
	}

	_, resp = s.do(t, http.MethodGet, "/api/v1/transactions?owner_id=2", nil, nil)
	if resp.Code != response.CodeSuccess {
		t.Fatalf("history: %+v", resp)
	}
	page := resp.Data.(map[string]interface{})
	if page["total"].(float64) != 1 {
		t.Fatalf("expected one record for the recipient, got %v", page["total"])
	}

	_, resp = s.do(t, http.MethodGet, "/api/v1/transactions", nil, nil)
	if resp.Code != response.CodeParamError {
		t.Fatalf("expected owner_id to be required, got %+v", resp)
	}
}

func TestHealthMetricsAndRequestID(t *testing.T) {
	s := newServer(t)

	w, _ := s.do(t, http.MethodGet, "/health", nil, map[string]string{HeaderRequestID: "req-42"})
	if w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}
	if got := w.Header().Get(HeaderRequestID); got != "req-42" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	w, _ = s.do(t, http.MethodGet, "/health", nil, nil)
	if w.Header().Get(HeaderRequestID) == "" {
		t.Fatalf("expected a generated request id")
	}

	s.seed(t, 1, "10")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "wallet_ledger_wallet_mutations_total") {
		t.Fatalf("expected ledger metrics to be exposed, got %d", rec.Code)
	}
}
