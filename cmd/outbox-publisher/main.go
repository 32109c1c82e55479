package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/angelmondragon/grosir-backend/pkg/config"
	"github.com/angelmondragon/grosir-backend/pkg/db"
	"github.com/angelmondragon/grosir-backend/pkg/logger"
	"github.com/angelmondragon/grosir-backend/pkg/metrics"
	"github.com/angelmondragon/grosir-backend/pkg/migrate"
	"github.com/angelmondragon/grosir-backend/pkg/ops"
	"github.com/angelmondragon/grosir-backend/pkg/outbox"
	"github.com/angelmondragon/grosir-backend/pkg/outbox/registry"
	"github.com/angelmondragon/grosir-backend/pkg/pubsub"
)

func main() {
	replay := flag.String("replay", "", "dead-lettered event id to make publishable again, then exit")
	listDLQ := flag.Int("list-dlq", 0, "print the N most recent dead letters, then exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "outbox-publisher"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "outbox-publisher"

	logg = logger.New(logger.Options{
		ServiceName: "outbox-publisher",
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

	dlqRepo := outbox.NewDLQRepository(dbClient.DB())
	if *replay != "" || *listDLQ > 0 {
		if err := runDLQCommand(context.Background(), logg, dbClient, dlqRepo, *replay, *listDLQ); err != nil {
			logg.Error(context.Background(), "dead letter command failed", err)
			os.Exit(1)
		}
		return
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	repo := outbox.NewRepository(dbClient.DB())
	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		logg.Error(context.Background(), "failed to build event registry", err)
		os.Exit(1)
	}
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		PubSub:        pubsubClient,
		Repository:    repo,
		Registry:      eventRegistry,
		DLQRepository: dlqRepo,
		Metrics:       metrics.NewOutboxMetrics(prometheus.DefaultRegisterer),
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create outbox publisher", err)
		os.Exit(1)
	}

	opsServer, err := ops.NewServer(ops.Params{
		Addr:   net.JoinHostPort("", cfg.Ops.Port),
		Env:    cfg.App.Env,
		Logger: logg,
		Checks: map[string]ops.Check{
			"database": dbClient.Ping,
			"pubsub":   pubsubClient.PingTopics,
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
		"serviceKind": "outbox-publisher",
	})
	logg.Info(ctx, "starting outbox publisher")

	go func() {
		if err := opsServer.Run(ctx); err != nil {
			logg.Error(ctx, "ops server stopped", err)
		}
	}()

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "outbox publisher shutting down gracefully")
}

func runDLQCommand(ctx context.Context, logg *logger.Logger, dbClient *db.Client, dlq *outbox.DLQRepository, replay string, list int) error {
	if replay != "" {
		eventID, err := uuid.Parse(replay)
		if err != nil {
			return fmt.Errorf("invalid event id %q: %w", replay, err)
		}
		if err := dbClient.WithTx(ctx, func(tx *gorm.DB) error {
			return dlq.ReplayTx(tx, eventID)
		}); err != nil {
			return fmt.Errorf("replay %s: %w", eventID, err)
		}
		logg.Info(logg.WithField(ctx, "event_id", eventID.String()), "dead letter replayed")
		return nil
	}

	rows, err := dlq.ListRecent(ctx, list)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT ID\tTYPE\tAGGREGATE\tREASON\tATTEMPTS\tFAILED AT")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			row.EventID, row.EventType, row.AggregateID, row.ErrorReason, row.AttemptCount,
			row.FailedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}
