package app

import (
	"cellflow/internal/domain"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const sweepBatchSize = 100

// SchedulerService reconciles workflows that the request path or the executor
// left behind. Pending rows whose job never ran are enqueued again and running
// rows past their deadline are failed.
type SchedulerService struct {
	workflows   domain.WorkflowRepository
	catalog     domain.CatalogRepository
	broker      domain.QueueBroker
	notifier    domain.Notifier
	queue       string
	orphanGrace time.Duration
	timeout     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

func NewSchedulerService(
	workflows domain.WorkflowRepository,
	catalog domain.CatalogRepository,
	broker domain.QueueBroker,
	notifier domain.Notifier,
	queue string,
	orphanGrace time.Duration,
	timeout time.Duration,
	logger *slog.Logger,
) *SchedulerService {
	return &SchedulerService{
		workflows:   workflows,
		catalog:     catalog,
		broker:      broker,
		notifier:    notifier,
		queue:       queue,
		orphanGrace: orphanGrace,
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
	}
}

func (s *SchedulerService) RequeueOrphanedWorkflows(ctx context.Context) error {
	now := s.now()
	// An enqueued workflow still pending after a full deadline lost its job.
	orphans, err := s.workflows.ListOrphaned(ctx, now.Add(-s.orphanGrace), now.Add(-s.timeout), sweepBatchSize)
	if err != nil {
		return err
	}

	requeued := 0
	for _, wf := range orphans {
		if err := s.requeue(ctx, wf); err != nil {
			s.logger.Error("failed to requeue orphaned workflow",
				slog.String("workflow_id", wf.ID),
				slog.Any("error", err))
			if errors.Is(err, domain.ErrQueueUnavailable) {
				// Remaining orphans would hit the same outage.
				break
			}
			continue
		}
		requeued++
	}

	if requeued > 0 {
		s.logger.Info("requeued orphaned workflows", slog.Int("count", requeued))
	}
	return nil
}

func (s *SchedulerService) requeue(ctx context.Context, wf *domain.Workflow) error {
	model, err := s.catalog.GetModel(ctx, wf.ModelID)
	if err != nil {
		if errors.Is(err, domain.ErrModelNotFound) {
			return recordFailure(ctx, s.workflows, s.notifier, s.logger, wf.ID, err)
		}
		return fmt.Errorf("failed to resolve model %d: %w", wf.ModelID, err)
	}

	handle, err := enqueueWorkflow(ctx, s.broker, s.queue, wf, model.Name)
	if err != nil {
		return err
	}
	if err := s.workflows.SetJobHandle(ctx, wf.ID, handle); err != nil {
		// Without the handle the next sweep enqueues again; the executor skips duplicates once finished.
		return fmt.Errorf("failed to record job handle %s: %w", handle, err)
	}
	return nil
}

func (s *SchedulerService) FailTimedOutWorkflows(ctx context.Context) error {
	expired, err := s.workflows.ListTimedOut(ctx, s.now().Add(-s.timeout), sweepBatchSize)
	if err != nil {
		return err
	}

	failed := 0
	for _, wf := range expired {
		cause := fmt.Errorf("%w after %s", domain.ErrTimeout, s.timeout)
		if err := recordFailure(ctx, s.workflows, s.notifier, s.logger, wf.ID, cause); err != nil {
			s.logger.Error("failed to time out workflow",
				slog.String("workflow_id", wf.ID),
				slog.Any("error", err))
			continue
		}
		failed++
	}

	if failed > 0 {
		s.logger.Info("failed timed-out workflows", slog.Int("count", failed))
	}
	return nil
}
