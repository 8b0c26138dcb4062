package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cellflow/internal/adapters/database"
	"cellflow/internal/adapters/queue"
	"cellflow/internal/app"
	"cellflow/internal/config"
	"cellflow/internal/platform/logger"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "scheduler",
		Usage: "Re-enqueue orphaned workflows and fail those past their deadline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to an env file",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "run a single reconciliation pass and exit",
			},
		},
		Action: run,
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return err
	}

	logg := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
	})

	pool, err := database.NewPostgresPool(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	catalogDB, err := database.NewPostgresConnection(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to open catalog connection: %w", err)
	}
	defer catalogDB.Close()

	redisClient := queue.NewRedisClient(queue.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	queueBroker := queue.NewRedisQueueBroker(redisClient, cfg.Redis.InFlightTTL)
	defer queueBroker.Close()

	schedulerService := app.NewSchedulerService(
		database.NewPostgresWorkflowRepository(pool),
		database.NewPostgresCatalogRepository(catalogDB),
		queueBroker,
		queue.NewRedisNotifier(redisClient, cfg.Redis.ResultsChannel),
		cfg.Redis.Queue,
		cfg.Scheduler.OrphanGrace,
		cfg.StaleAfter(),
		logg,
	)

	if cmd.Bool("once") {
		if err := schedulerService.RequeueOrphanedWorkflows(ctx); err != nil {
			return err
		}
		return schedulerService.FailTimedOutWorkflows(ctx)
	}

	logg.Info("cellflow scheduler starting",
		slog.Duration("orphan_grace", cfg.Scheduler.OrphanGrace),
		slog.Duration("stale_after", cfg.StaleAfter()))

	runner := app.NewSchedulerRunner(schedulerService, cfg.Scheduler.OrphanEvery, cfg.Scheduler.TimeoutEvery, logg)
	if err := runner.Start(ctx); err != nil {
		logg.Error("scheduler error", slog.Any("error", err))
	}

	logg.Info("scheduler stopped")
	return nil
}
