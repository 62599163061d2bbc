package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"walletledger/internal/alert"
	"walletledger/internal/config"
	"walletledger/internal/gate"
	"walletledger/internal/handler"
	"walletledger/internal/infrastructure/cache"
	"walletledger/internal/infrastructure/database"
	"walletledger/internal/infrastructure/lock"
	"walletledger/internal/infrastructure/mq"
	"walletledger/internal/job"
	"walletledger/internal/metrics"
	"walletledger/internal/provider"
	"walletledger/internal/repository"
	"walletledger/internal/service"
	"walletledger/pkg/idgen"
	"walletledger/pkg/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "walletledger: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if err := idgen.Init(1); err != nil {
		return fmt.Errorf("init id generator: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		return err
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// reconciliation locks: redis across instances, in-process otherwise
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.Enabled {
		redisClient, err := cache.InitRedis(ctx, &cfg.Redis)
		if err != nil {
			return err
		}
		defer redisClient.Close()
		locker = lock.NewRedisLocker(redisClient, "walletledger:reconcile", cfg.Ledger.LockTTL)
	}

	var publisher mq.Publisher = mq.FuncPublisher(func(topic, key string, value []byte) error {
		log.Info("outbox event", zap.String("topic", topic), zap.String("key", key), zap.ByteString("value", value))
		return nil
	})
	if cfg.Kafka.Enabled {
		kafka, err := mq.InitKafka(&cfg.Kafka)
		if err != nil {
			return err
		}
		publisher = kafka
	}
	defer publisher.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)
	alerter := alert.NewLogAlerter(log, m)

	providers := provider.NewRegistry()
	for name, pc := range cfg.Providers {
		providers.Register(provider.NewHTTPClient(name, pc, log))
	}

	maxSingle, daily, err := cfg.Limits.Amounts()
	if err != nil {
		return err
	}
	limits := gate.NewLimitGate(maxSingle, daily, repository.NewTransactionRepository(db))

	wallets := service.NewWalletService(db, limits, cfg, log, m)
	recorder := service.NewRecorder(db, idgen.NewReferenceGenerator(cfg.Ledger.ReferencePrefix), cfg.Kafka.Topic.TransactionEvents, alerter, log)
	engine := service.NewReconcileService(db, wallets, recorder, locker, cfg, alerter, log, m)
	payments := service.NewPaymentService(db, wallets, recorder, engine, providers, cfg, log, m)

	router := handler.SetupRouter(handler.Deps{
		Config:   cfg,
		Payments: payments,
		Wallets:  wallets,
		Engine:   engine,
		Logger:   log,
		Gatherer: reg,
		Ready:    sqlDB.Ping,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	outbox := job.NewOutboxSender(db, publisher, cfg, log, m)
	sweep := job.NewPendingSweepJob(db, engine, providers, cfg, log, m)
	audit := job.NewIntegrityAuditJob(db, wallets, alerter, cfg, log, m)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { outbox.Start(gctx); return nil })
	g.Go(func() error { sweep.Start(gctx); return nil })
	g.Go(func() error { audit.Start(gctx); return nil })
	g.Go(func() error {
		log.Info("http server listening", zap.Int("port", cfg.Server.Port), zap.Strings("providers", providers.Names()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}
