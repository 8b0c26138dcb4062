package app

import (
	"cellflow/internal/domain"
	"context"
	"log/slog"
	"time"
)

type SchedulerRunner struct {
	service      domain.SchedulerService
	orphanEvery  time.Duration
	timeoutEvery time.Duration
	logger       *slog.Logger
}

func NewSchedulerRunner(service domain.SchedulerService, orphanEvery, timeoutEvery time.Duration, logger *slog.Logger) *SchedulerRunner {
	return &SchedulerRunner{
		service:      service,
		orphanEvery:  orphanEvery,
		timeoutEvery: timeoutEvery,
		logger:       logger,
	}
}

func (r *SchedulerRunner) Start(ctx context.Context) error {
	r.logger.Info("starting scheduler",
		slog.Duration("orphan_interval", r.orphanEvery),
		slog.Duration("timeout_interval", r.timeoutEvery))

	fastTicker := time.NewTicker(r.orphanEvery)
	slowTicker := time.NewTicker(r.timeoutEvery)

	defer fastTicker.Stop()
	defer slowTicker.Stop()

	go r.fastTick(ctx, fastTicker)
	go r.slowTick(ctx, slowTicker)

	<-ctx.Done()
	r.logger.Info("scheduler shutting down")
	return nil
}

func (r *SchedulerRunner) fastTick(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.service.RequeueOrphanedWorkflows(ctx); err != nil {
				r.logger.Error("error requeueing orphaned workflows", slog.Any("error", err))
			}
		}
	}
}

func (r *SchedulerRunner) slowTick(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.service.FailTimedOutWorkflows(ctx); err != nil {
				r.logger.Error("error failing timed-out workflows", slog.Any("error", err))
			}
		}
	}
}
