package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/openmarket/settlement/internal/api"
	"github.com/openmarket/settlement/internal/audit"
	"github.com/openmarket/settlement/internal/compliance"
	"github.com/openmarket/settlement/internal/config"
	"github.com/openmarket/settlement/internal/consumer"
	"github.com/openmarket/settlement/internal/ledger"
	"github.com/openmarket/settlement/internal/policy"
	"github.com/openmarket/settlement/internal/settlement"
	"github.com/openmarket/settlement/internal/store"
	"github.com/openmarket/settlement/pkg/dedup"
	"github.com/openmarket/settlement/pkg/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	driver, dsn := cfg.Driver()
	db, err := store.Open(driver, dsn)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	if driver == "postgres" {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := policy.NewRegistry(db, logger)
	if err := registry.Bootstrap(ctx, bootstrapPolicy()); err != nil {
		log.Fatalf("bootstrap policy: %v", err)
	}

	bus, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSURL,
		Name:           cfg.NATSName,
		ReconnectWait:  cfg.NATSReconnectWait,
		MaxReconnects:  cfg.NATSMaxReconnects,
		ConnectTimeout: cfg.NATSConnectTimeout,
	})
	if err != nil {
		log.Fatalf("connect to NATS: %v", err)
	}
	defer bus.Close()

	chain := audit.NewChain(db)
	engine := ledger.NewEngine(db)

	complianceOpts := []compliance.Option{compliance.WithPublisher(bus)}
	if cfg.AutoReviewEnabled {
		// The external eligibility collaborator is wired here when one
		// is deployed; absent that, submissions stay pending for manual
		// review.
		logger.Info("kyc auto review enabled without a decision backend; submissions stay pending")
	}
	gate := compliance.NewService(db, chain, logger, complianceOpts...)

	orchestrator := settlement.NewOrchestrator(db, registry, gate, engine, chain, bus, logger)

	cache, err := buildDedupCache(cfg)
	if err != nil {
		log.Fatalf("build dedup cache: %v", err)
	}

	cons := consumer.New(db, orchestrator, cache, logger, consumer.Config{
		Workers: cfg.ConsumerWorkers,
	})

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- cons.Start(ctx, bus)
	}()

	server := api.NewServer(registry, gate, engine, orchestrator, chain, logger)
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("settlement engine listening", "port", cfg.Port, "driver", driver)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := bus.Drain(); err != nil {
		logger.Error("bus drain", "error", err)
	}
	if err := <-consumerDone; err != nil && err != context.Canceled {
		logger.Error("consumer stopped", "error", err)
	}
}

func buildDedupCache(cfg *config.Config) (dedup.Cache, error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return dedup.NewRedis(redis.NewClient(opts), cfg.DedupCacheTTL), nil
	}
	return dedup.NewLRU(cfg.DedupSize)
}

// bootstrapPolicy is installed at first start so the registry never lacks
// an active policy. Real pricing is published through the administrative
// path afterwards.
func bootstrapPolicy() *policy.Policy {
	return &policy.Policy{
		Version:           "v1.0.0",
		PostingFeePct:     decimal.NewFromInt(4),
		BookingFeePct:     decimal.NewFromInt(3),
		TransactionFeePct: decimal.NewFromInt(7),
		Tiers: []policy.ListingTier{
			{Name: "starter", MaxListings: 10, WeeklyFee: decimal.NewFromInt(5)},
			{Name: "growth", MaxListings: 50, WeeklyFee: decimal.NewFromInt(15)},
			{Name: "scale", MaxListings: 250, WeeklyFee: decimal.NewFromInt(40)},
		},
		Notes: "bootstrap policy",
	}
}
