package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"walletledger/internal/alert"
	"walletledger/internal/config"
	"walletledger/internal/event"
	"walletledger/internal/gate"
	"walletledger/internal/infrastructure/database"
	"walletledger/internal/metrics"
	"walletledger/internal/model"
	"walletledger/internal/provider"
	"walletledger/internal/repository"
	"walletledger/pkg/idgen"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testTopic = "wallet.transaction.events"

type testEnv struct {
	db        *gorm.DB
	cfg       *config.Config
	alerts    *alert.Recorder
	metrics   *metrics.Metrics
	wallets   *WalletService
	recorder  *Recorder
	engine    *ReconcileService
	payments  *PaymentService
	providers *provider.Registry
	txRepo    *repository.TransactionRepository
}

// newTestDB opens a file-backed SQLite database in WAL mode so concurrent
// transactions behave like they do against a real server.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"), database.GormConfig("silent"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql handle: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func testConfig() *config.Config {
	return &config.Config{
		Kafka: config.KafkaConfig{Topic: config.KafkaTopicConfig{TransactionEvents: testTopic}},
		Ledger: config.LedgerConfig{
			Currency:        "NGN",
			ReferencePrefix: "WLT",
			ProviderTimeout: 2 * time.Second,
			RetryAttempts:   20,
			RetryBaseDelay:  2 * time.Millisecond,
			RetryMaxDelay:   40 * time.Millisecond,
		},
	}
}

func newTestEnv(t *testing.T, g gate.Gate, clients ...provider.Client) *testEnv {
	t.Helper()
	db := newTestDB(t)
	cfg := testConfig()
	logger := zaptest.NewLogger(t)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	alerts := alert.NewRecorder(nil)

	wallets := NewWalletService(db, g, cfg, logger, m)
	recorder := NewRecorder(db, idgen.NewReferenceGenerator(cfg.Ledger.ReferencePrefix), testTopic, alerts, logger)
	engine := NewReconcileService(db, wallets, recorder, nil, cfg, alerts, logger, m)
	providers := provider.NewRegistry(clients...)
	payments := NewPaymentService(db, wallets, recorder, engine, providers, cfg, logger, m)

	return &testEnv{
		db:        db,
		cfg:       cfg,
		alerts:    alerts,
		metrics:   m,
		wallets:   wallets,
		recorder:  recorder,
		engine:    engine,
		payments:  payments,
		providers: providers,
		txRepo:    repository.NewTransactionRepository(db),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// fundWallet opens a wallet for owner and seeds it through a settled credit,
// so the ledger and the stored balance agree from the start.
func (e *testEnv) fundWallet(t *testing.T, owner int64, amount string) *model.Wallet {
	t.Helper()
	ctx := context.Background()
	wallet, err := e.wallets.OpenWallet(ctx, owner, "")
	if err != nil {
		t.Fatalf("open wallet: %v", err)
	}
	if amount != "" && !dec(amount).IsZero() {
		_, err := e.payments.CreditInternal(ctx, &CreditRequest{
			OwnerID:  owner,
			Amount:   dec(amount),
			Category: model.CategoryManualAdjustment,
		})
		if err != nil {
			t.Fatalf("seed wallet: %v", err)
		}
	}
	return wallet
}

func (e *testEnv) balance(t *testing.T, walletID int64) decimal.Decimal {
	t.Helper()
	bal, err := e.wallets.BalanceOf(context.Background(), walletID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (e *testEnv) requireBalance(t *testing.T, walletID int64, want string) {
	t.Helper()
	if got := e.balance(t, walletID); !got.Equal(dec(want)) {
		t.Fatalf("expected balance %s, got %s", want, got)
	}
}

// requireConsistent checks the stored balance against the ledger-derived one.
func (e *testEnv) requireConsistent(t *testing.T, walletID int64) {
	t.Helper()
	integrity, err := e.wallets.VerifyBalance(context.Background(), walletID)
	if err != nil {
		t.Fatalf("verify balance: %v", err)
	}
	if !integrity.Consistent() {
		t.Fatalf("stored balance %s differs from ledger %s", integrity.Stored, integrity.Derived)
	}
}

func (e *testEnv) records(t *testing.T, walletID int64) []*model.TransactionRecord {
	t.Helper()
	var recs []*model.TransactionRecord
	if err := e.db.Where("wallet_id = ?", walletID).Order("id ASC").Find(&recs).Error; err != nil {
		t.Fatalf("list records: %v", err)
	}
	return recs
}

// recordsExcludingSeed drops the manual adjustment used to fund the wallet.
func (e *testEnv) recordsExcludingSeed(t *testing.T, walletID int64) []*model.TransactionRecord {
	t.Helper()
	var out []*model.TransactionRecord
	for _, r := range e.records(t, walletID) {
		if r.Category != model.CategoryManualAdjustment {
			out = append(out, r)
		}
	}
	return out
}

func (e *testEnv) record(t *testing.T, reference string) *model.TransactionRecord {
	t.Helper()
	rec, err := e.txRepo.GetByReference(context.Background(), nil, reference, false)
	if err != nil {
		t.Fatalf("get record %s: %v", reference, err)
	}
	return rec
}

func (e *testEnv) outboxCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := e.db.Model(&model.OutboxMessage{}).Count(&n).Error; err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	return n
}

func pendingStub(name, externalRef string) *provider.StubClient {
	return &provider.StubClient{
		ProviderName: name,
		ExecuteFunc: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			return &provider.Response{Status: provider.StatusPending, ExternalReference: externalRef}, nil
		},
	}
}

func timeoutStub(name string) *provider.StubClient {
	return &provider.StubClient{
		ProviderName: name,
		ExecuteFunc: func(ctx context.Context, req provider.Request) (*provider.Response, error) {
			return nil, provider.ErrTimeout
		},
	}
}

func requireErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func transferFailed(externalRef string) *event.ProviderEvent {
	return &event.ProviderEvent{Provider: "paystack", Type: event.TypeTransferFailed, ExternalReference: externalRef}
}
