package main

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/grosir-backend/internal/factory"
	"github.com/angelmondragon/grosir-backend/internal/ledger"
	"github.com/angelmondragon/grosir-backend/internal/payments"
	"github.com/angelmondragon/grosir-backend/internal/sessions"
	"github.com/angelmondragon/grosir-backend/internal/warehouse"
	"github.com/angelmondragon/grosir-backend/pkg/config"
	"github.com/angelmondragon/grosir-backend/pkg/db"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/metrics"
	"github.com/angelmondragon/grosir-backend/pkg/ops"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
	"github.com/angelmondragon/grosir-backend/pkg/paymentgateway"
	"github.com/angelmondragon/grosir-backend/pkg/pubsub"
	"github.com/angelmondragon/grosir-backend/pkg/retry"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
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

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub", err)
		}
	}()

	gateway, err := paymentgateway.NewClient(cfg.PaymentGateway)
	if err != nil {
		logg.Error(context.Background(), "failed to create payment gateway client", err)
		os.Exit(1)
	}

	ledgerService, err := ledger.NewService(ledger.NewRepository(dbClient.DB()))
	if err != nil {
		logg.Error(context.Background(), "failed to create ledger service", err)
		os.Exit(1)
	}
	publisher := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)
	paymentService, err := payments.NewService(payments.Params{
		Repo:     payments.NewRepository(dbClient.DB()),
		Gateway:  gateway,
		Tx:       dbClient,
		Ledger:   ledgerService,
		Outbox:   publisher,
		Retry:    retry.FromConfig(cfg.Retry),
		Metrics:  metrics.NewEscrowMetrics(prometheus.DefaultRegisterer),
		Logger:   logg,
		Currency: cfg.Escrow.Currency,
		Redirect: cfg.Escrow.SuccessRedirect,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create payment service", err)
		os.Exit(1)
	}

	callbacks, err := payments.NewCallbackConsumer(paymentService, pubsubClient.PaymentCallbacksSubscription(), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create payment callback consumer", err)
		os.Exit(1)
	}

	components := []component{{name: "payment-callbacks", run: callbacks.Run}}

	if cfg.PubSub.FactoryEventsSubscription != "" {
		sessionService, err := sessions.NewService(sessions.Params{
			Repo:     sessions.NewRepository(dbClient.DB()),
			Tx:       dbClient,
			Outbox:   publisher,
			Payments: paymentService,
			Logger:   logg,
			ClaimTTL: cfg.Sweep.ClaimTTL,
		})
		if err != nil {
			logg.Error(context.Background(), "failed to create session service", err)
			os.Exit(1)
		}
		warehouseService, err := warehouse.NewService(warehouse.NewRepository(dbClient.DB()), dbClient, publisher, logg)
		if err != nil {
			logg.Error(context.Background(), "failed to create warehouse service", err)
			os.Exit(1)
		}
		factoryEvents, err := factory.NewConsumer(factory.ConsumerParams{
			Warehouse:    warehouseService,
			Sessions:     sessionService,
			Payments:     paymentService,
			Subscription: pubsubClient.FactoryEventsSubscription(),
			Logger:       logg,
		})
		if err != nil {
			logg.Error(context.Background(), "failed to create factory events consumer", err)
			os.Exit(1)
		}
		components = append(components, component{name: "factory-events", run: factoryEvents.Run})
	}

	opsServer, err := ops.NewServer(ops.Params{
		Addr:   net.JoinHostPort("", cfg.Ops.Port),
		Env:    cfg.App.Env,
		Logger: logg,
		Checks: map[string]ops.Check{
			"database": dbClient.Ping,
			"pubsub":   pubsubClient.Ping,
		},
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create ops server", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Logger: logg,
		Readiness: map[string]func(context.Context) error{
			"database": dbClient.Ping,
			"pubsub":   pubsubClient.Ping,
		},
		Components: append(components, component{name: "ops", run: opsServer.Run}),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "worker shutting down gracefully")
}
