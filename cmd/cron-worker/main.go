package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/grosir-backend/internal/cron"
	"github.com/angelmondragon/grosir-backend/internal/ledger"
	"github.com/angelmondragon/grosir-backend/internal/participants"
	"github.com/angelmondragon/grosir-backend/internal/payments"
	"github.com/angelmondragon/grosir-backend/internal/sessions"
	"github.com/angelmondragon/grosir-backend/internal/warehouse"
	"github.com/angelmondragon/grosir-backend/pkg/config"
	"github.com/angelmondragon/grosir-backend/pkg/db"
	"github.com/angelmondragon/grosir-backend/pkg/factorymsg"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/metrics"
	"github.com/angelmondragon/grosir-backend/pkg/migrate"
	"github.com/angelmondragon/grosir-backend/pkg/ops"
	"github.com/angelmondragon/grosir-backend/pkg/orderservice"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
	"github.com/angelmondragon/grosir-backend/pkg/paymentgateway"
	"github.com/angelmondragon/grosir-backend/pkg/redis"
	"github.com/angelmondragon/grosir-backend/pkg/retry"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	registry, err := buildJobs(cfg, logg, dbClient)
	if err != nil {
		logg.Error(context.Background(), "failed to build cron jobs", err)
		os.Exit(1)
	}

	lock, err := redis.NewLock(redisClient, redisClient.CronLockKey(cfg.App.Env), cycleLockTTL(cfg.Sweep))
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Sweep.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	opsServer, err := ops.NewServer(ops.Params{
		Addr:   net.JoinHostPort("", cfg.Ops.Port),
		Env:    cfg.App.Env,
		Logger: logg,
		Checks: map[string]ops.Check{
			"database": dbClient.Ping,
			"redis":    redisClient.Ping,
		},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ops server", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	go func() {
		if err := opsServer.Run(ctx); err != nil {
			logg.Error(ctx, "ops server stopped", err)
		}
	}()

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildJobs(cfg *config.Config, logg *logger.Logger, dbClient *db.Client) (*cron.Registry, error) {
	conn := dbClient.DB()
	policy := retry.FromConfig(cfg.Retry)
	outboxRepo := outbox.NewRepository(conn)
	publisher := outbox.NewService(outboxRepo, logg)

	gateway, err := paymentgateway.NewClient(cfg.PaymentGateway)
	if err != nil {
		return nil, err
	}
	orders, err := orderservice.NewClient(cfg.OrderService)
	if err != nil {
		return nil, err
	}

	ledgerService, err := ledger.NewService(ledger.NewRepository(conn))
	if err != nil {
		return nil, err
	}
	paymentService, err := payments.NewService(payments.Params{
		Repo:     payments.NewRepository(conn),
		Gateway:  gateway,
		Tx:       dbClient,
		Ledger:   ledgerService,
		Outbox:   publisher,
		Retry:    policy,
		Metrics:  metrics.NewEscrowMetrics(prometheus.DefaultRegisterer),
		Logger:   logg,
		Currency: cfg.Escrow.Currency,
		Redirect: cfg.Escrow.SuccessRedirect,
	})
	if err != nil {
		return nil, err
	}
	sessionService, err := sessions.NewService(sessions.Params{
		Repo:     sessions.NewRepository(conn),
		Tx:       dbClient,
		Outbox:   publisher,
		Payments: paymentService,
		Logger:   logg,
		ClaimTTL: cfg.Sweep.ClaimTTL,
	})
	if err != nil {
		return nil, err
	}
	participantRepo := participants.NewRepository(conn)
	participantService, err := participants.NewService(participantRepo, dbClient, publisher, paymentService, policy, logg)
	if err != nil {
		return nil, err
	}
	warehouseService, err := warehouse.NewService(warehouse.NewRepository(conn), dbClient, publisher, logg)
	if err != nil {
		return nil, err
	}

	var notifier *factorymsg.Client
	if cfg.FeatureFlags.NotifyFactory {
		notifier = factorymsg.NewClient(cfg.FactoryMessage)
	}
	sweepMetrics := metrics.NewSweepMetrics(prometheus.DefaultRegisterer)

	activation, err := cron.NewSessionActivationJob(cron.SessionActivationJobParams{
		Logger:    logg,
		Sessions:  sessionService,
		BatchSize: cfg.Sweep.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	expiry, err := cron.NewEscrowExpiryJob(cron.EscrowExpiryJobParams{
		Logger:       logg,
		Payments:     paymentService,
		Participants: participantService,
		BatchSize:    cfg.Sweep.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	expiration, err := cron.NewSessionExpirationJob(cron.SessionExpirationJobParams{
		Logger:         logg,
		Sessions:       sessionService,
		Participants:   participantRepo,
		Warehouse:      warehouseService,
		Orders:         orders,
		Payments:       paymentService,
		Notifier:       notifier,
		Metrics:        sweepMetrics,
		Retry:          policy,
		BatchSize:      cfg.Sweep.BatchSize,
		SessionTimeout: cfg.Sweep.SessionTimeout,
	})
	if err != nil {
		return nil, err
	}
	pendingStock, err := cron.NewPendingStockJob(cron.PendingStockJobParams{
		Logger:       logg,
		Sessions:     sessionService,
		Participants: participantRepo,
		Warehouse:    warehouseService,
		Orders:       orders,
		Payments:     paymentService,
		Notifier:     notifier,
		Metrics:      sweepMetrics,
		Retry:        policy,
		BatchSize:    cfg.Sweep.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:      logg,
		DB:          dbClient,
		Repository:  outboxRepo,
		Retention:   time.Duration(cfg.Outbox.RetentionDays) * 24 * time.Hour,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}

	// activation and escrow expiry run first so the sweep sees fresh state
	return cron.NewRegistry(activation, expiry, expiration, pendingStock, retention)
}

// cycleLockTTL keeps the run lock alive for a full cycle of slow sessions.
func cycleLockTTL(cfg config.SweepConfig) time.Duration {
	if cfg.LockTTL > 0 {
		return cfg.LockTTL
	}
	return 5 * time.Minute
}
