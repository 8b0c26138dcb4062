package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cellflow/internal/adapters/database"
	httpAdapter "cellflow/internal/adapters/http"
	"cellflow/internal/adapters/queue"
	"cellflow/internal/adapters/storage"
	"cellflow/internal/app"
	"cellflow/internal/config"
	"cellflow/internal/platform/logger"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "api-server",
		Usage: "Serve the cellflow HTTP API and apply completion notifications",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to an env file",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "apply the schema and seed the catalog on startup",
				Value: true,
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

	if cmd.Bool("migrate") {
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
	}

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

	workflowRepo := database.NewPostgresWorkflowRepository(pool)
	catalogRepo := database.NewPostgresCatalogRepository(catalogDB)

	workflowService := app.NewWorkflowService(workflowRepo, catalogRepo, uploads, artifacts, queueBroker, cfg.Redis.Queue, logg)
	uploadService := app.NewUploadService(uploads, logg)
	catalogService := app.NewCatalogService(catalogRepo)

	gin.SetMode(gin.ReleaseMode)
	router := httpAdapter.NewRouter(httpAdapter.Handlers{
		Workflows: httpAdapter.NewWorkflowHandler(workflowService, uploadService, logg),
		Catalog:   httpAdapter.NewCatalogHandler(catalogService, logg),
	}, logg)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: router,
	}

	listener := app.NewCompletionListener(notifier, workflowRepo, logg)
	listenerDone := make(chan error, 1)
	go func() {
		listenerDone <- listener.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		logg.Info("starting cellflow api server", slog.String("port", cfg.HTTP.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	}

	logg.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logg.Error("server forced to shutdown", slog.Any("error", err))
	}

	if err := <-listenerDone; err != nil {
		logg.Error("completion listener stopped", slog.Any("error", err))
	}

	logg.Info("server exited")
	return nil
}
