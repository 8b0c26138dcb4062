package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cellflow/internal/adapters/database"
	"cellflow/internal/adapters/ml"
	"cellflow/internal/adapters/queue"
	"cellflow/internal/adapters/storage"
	"cellflow/internal/app"
	"cellflow/internal/config"
	"cellflow/internal/domain"
	"cellflow/internal/platform/logger"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "worker",
		Usage: "Run annotation workflows from the task queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to an env file",
				Value: ".env",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "number of polling loops, overrides WORKER_CONCURRENCY",
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
	if n := cmd.Int("concurrency"); n > 0 {
		cfg.Worker.Concurrency = int(n)
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

	redisClient := queue.NewRedisClient(queue.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	queueBroker := queue.NewRedisQueueBroker(redisClient, cfg.Redis.InFlightTTL)
	defer queueBroker.Close()
	notifier := queue.NewRedisNotifier(redisClient, cfg.Redis.ResultsChannel)

	uploads, err := storage.NewFileUploadStore(cfg.Storage.UploadDir)
	if err != nil {
		return err
	}
	artifacts, err := storage.NewFileArtifactStore(cfg.Storage.ResultsDir)
	if err != nil {
		return err
	}

	registry, projector, err := buildModels(cfg.Models)
	if err != nil {
		return err
	}
	logg.Info("models registered",
		slog.String("backend", cfg.Models.Backend),
		slog.Any("models", registry.Names()))

	executor := app.NewExecutor(
		database.NewPostgresWorkflowRepository(pool),
		uploads,
		artifacts,
		registry,
		projector,
		notifier,
		cfg.Workflow.Timeout,
		logg,
	)

	workerService := app.NewWorkerService(ctx, queueBroker, cfg.JobTimeout(), logg)
	if err := workerService.RegisterHandler(app.JobTypeRunWorkflow, executor.Handle); err != nil {
		return err
	}

	logg.Info("starting cellflow worker",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.String("queue", cfg.Redis.Queue))

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		wg.Add(1)
		go func(loop int) {
			defer wg.Done()
			if err := workerService.ProcessJobs([]string{cfg.Redis.Queue}); err != nil && !errors.Is(err, context.Canceled) {
				logg.Error("worker loop stopped", slog.Int("loop", loop), slog.Any("error", err))
			}
		}(i)
	}

	<-ctx.Done()
	logg.Info("shutting down worker")

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := workerService.Stop(stopCtx); err != nil {
		logg.Error("failed to stop worker cleanly", slog.Any("error", err))
	}
	wg.Wait()

	logg.Info("worker exited")
	return nil
}

func buildModels(cfg config.ModelsConfig) (*ml.Registry, domain.Projector, error) {
	registry := ml.NewRegistry()

	switch cfg.Backend {
	case "http":
		client := ml.NewClient(cfg.SidecarURL, cfg.Timeout)
		for _, name := range cfg.Names {
			if err := registry.Register(name, client.Model(name)); err != nil {
				return nil, nil, err
			}
		}
		return registry, client.Projector(), nil
	default:
		model := ml.NewMockModel(cfg.MockCells, nil)
		for _, name := range cfg.Names {
			if err := registry.Register(name, model); err != nil {
				return nil, nil, err
			}
		}
		return registry, ml.AxisProjector{}, nil
	}
}
