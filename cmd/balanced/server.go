package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/tutorbalance/internal/config"
	"github.com/MarkoPoloResearchLab/tutorbalance/internal/gateway"
	"github.com/MarkoPoloResearchLab/tutorbalance/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/tutorbalance/internal/httpapi"
	"github.com/MarkoPoloResearchLab/tutorbalance/internal/locker"
	"github.com/MarkoPoloResearchLab/tutorbalance/internal/metrics"
	"github.com/MarkoPoloResearchLab/tutorbalance/internal/oplog"
	"github.com/MarkoPoloResearchLab/tutorbalance/pkg/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

type components struct {
	ledger       *ledger.Ledger
	transactions *ledger.Transactions
	webhooks     *ledger.WebhookEngine
	tracker      *ledger.ConsumptionTracker
	analytics    *ledger.Analytics
	recorder     *metrics.Recorder
	registry     *prometheus.Registry
}

func runServer(ctx context.Context, cfg *config.Config) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := seedPlans(ctx, store, cfg.Plans); err != nil {
		return err
	}

	options := []ledger.Option{}
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer func() { _ = redisClient.Close() }()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		distributedLocker, err := locker.New(redisClient, locker.Config{TTL: cfg.LockTTL})
		if err != nil {
			return fmt.Errorf("locker init: %w", err)
		}
		options = append(options, ledger.WithLocker(distributedLocker))
		logger.Info("using redis locks", zap.String("redis_addr", cfg.RedisAddr))
	}

	built, err := buildComponents(store, cfg, logger, options)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, httpapi.Config{
			ListenAddr:     cfg.HTTPListenAddr,
			AllowedOrigins: cfg.AllowedOrigins,
			JWTSigningKey:  cfg.JWTSigningKey,
			JWTIssuer:      cfg.JWTIssuer,
			RetryBatch:     cfg.WebhookRetryBatch,
			ReportWindow:   cfg.ReportWindow,
		}, httpapi.Services{
			Ledger:       built.ledger,
			Transactions: built.transactions,
			Webhooks:     built.webhooks,
			Tracker:      built.tracker,
			Analytics:    built.analytics,
			Metrics:      built.recorder,
			Gatherer:     built.registry,
		}, logger)
	})
	group.Go(func() error {
		return serveGRPC(groupCtx, cfg.GRPCListenAddr, built, logger)
	})
	group.Go(func() error {
		runMaintenance(groupCtx, cfg, built, logger)
		return nil
	})
	return group.Wait()
}

func buildComponents(store ledger.Store, cfg *config.Config, logger *zap.Logger, options []ledger.Option) (*components, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewRecorder(registry)

	clock := func() int64 { return time.Now().UTC().Unix() }
	options = append(options, ledger.WithOperationLogger(ledger.MultiLogger{oplog.New(logger), recorder}))

	balances, err := ledger.NewLedger(store, clock, options...)
	if err != nil {
		return nil, fmt.Errorf("ledger init: %w", err)
	}
	transactions, err := ledger.NewTransactions(balances, gateway.NewSandbox())
	if err != nil {
		return nil, fmt.Errorf("transactions init: %w", err)
	}
	verifier, err := ledger.NewHMACVerifier(cfg.WebhookSecret, cfg.WebhookTolerance, clock)
	if err != nil {
		return nil, fmt.Errorf("signature verifier init: %w", err)
	}
	webhooks, err := ledger.NewWebhookEngine(transactions, verifier)
	if err != nil {
		return nil, fmt.Errorf("webhook engine init: %w", err)
	}
	tracker, err := ledger.NewConsumptionTracker(balances)
	if err != nil {
		return nil, fmt.Errorf("consumption tracker init: %w", err)
	}
	analytics, err := ledger.NewAnalytics(store)
	if err != nil {
		return nil, fmt.Errorf("analytics init: %w", err)
	}
	return &components{
		ledger:       balances,
		transactions: transactions,
		webhooks:     webhooks,
		tracker:      tracker,
		analytics:    analytics,
		recorder:     recorder,
		registry:     registry,
	}, nil
}

func seedPlans(ctx context.Context, store ledger.Store, raw []string) error {
	plans, err := config.ParsePlans(raw)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		if err := store.SavePlan(ctx, plan); err != nil {
			return fmt.Errorf("seed plan %s: %w", plan.ID.String(), err)
		}
	}
	return nil
}

func serveGRPC(ctx context.Context, listenAddr string, built *components, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	grpcServer := grpc.NewServer()
	grpcserver.Register(grpcServer, grpcserver.NewBalanceServiceServer(built.ledger, built.tracker, logger))

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

// runMaintenance re-drives failed webhook events and refreshes the analytics
// gauges until ctx ends.
func runMaintenance(ctx context.Context, cfg *config.Config, built *components, logger *zap.Logger) {
	ticker := time.NewTicker(cfg.WebhookRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			succeeded, err := built.webhooks.RetryFailedEvents(ctx, cfg.WebhookRetryBatch)
			if err != nil {
				logger.Warn("webhook retry pass incomplete", zap.Int("succeeded", succeeded), zap.Error(err))
			} else if succeeded > 0 {
				logger.Info("webhook retry pass", zap.Int("succeeded", succeeded))
			}
			until := time.Now().UTC()
			report, err := built.analytics.Report(ctx, until.Add(-cfg.ReportWindow), until)
			if err != nil {
				logger.Warn("analytics refresh failed", zap.Error(err))
				continue
			}
			built.recorder.ObserveReport(report)
		}
	}
}
