package app

import (
	"cellflow/internal/domain"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const listenerRetryDelay = time.Second

// CompletionListener mirrors notifications from the executor into the workflow
// store. It is the redundant path for results whose direct write was lost.
type CompletionListener struct {
	notifier  domain.Notifier
	workflows domain.WorkflowRepository
	logger    *slog.Logger
}

func NewCompletionListener(notifier domain.Notifier, workflows domain.WorkflowRepository, logger *slog.Logger) *CompletionListener {
	return &CompletionListener{
		notifier:  notifier,
		workflows: workflows,
		logger:    logger,
	}
}

// Run subscribes and applies notifications until ctx is cancelled.
func (l *CompletionListener) Run(ctx context.Context) error {
	for {
		sub, err := l.notifier.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("failed to subscribe to completion notifications", slog.Any("error", err))
			if !sleepCtx(ctx, listenerRetryDelay) {
				return nil
			}
			continue
		}

		l.logger.Info("listening for completion notifications")
		err = l.consume(ctx, sub)
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Error("completion subscription lost, resubscribing", slog.Any("error", err))
		if !sleepCtx(ctx, listenerRetryDelay) {
			return nil
		}
	}
}

func (l *CompletionListener) consume(ctx context.Context, sub domain.Subscription) error {
	for {
		payload, err := sub.Receive(ctx)
		if err != nil {
			return err
		}
		if err := l.Apply(ctx, payload); err != nil {
			l.logger.Error("failed to apply completion notification", slog.Any("error", err))
		}
	}
}

type notification struct {
	WorkflowID string                `json:"workflow_id"`
	Status     domain.WorkflowStatus `json:"status"`
	Error      string                `json:"error"`
}

// Apply records one notification payload. Malformed or unknown notifications are
// logged and dropped; only store failures are returned.
func (l *CompletionListener) Apply(ctx context.Context, payload []byte) error {
	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		l.logger.Warn("dropping unparseable notification", slog.Any("error", err))
		return nil
	}
	if n.WorkflowID == "" {
		l.logger.Warn("dropping notification without workflow_id")
		return nil
	}

	logger := l.logger.With(slog.String("workflow_id", n.WorkflowID))

	var result json.RawMessage
	switch n.Status {
	case domain.WorkflowStatusCompleted:
		if _, err := domain.DecodeResultDocument(payload); err != nil {
			logger.Warn("dropping malformed result document", slog.Any("error", err))
			return nil
		}
		result = json.RawMessage(payload)
	case domain.WorkflowStatusFailed:
		if n.Error == "" {
			n.Error = "unknown error"
		}
	default:
		logger.Warn("dropping notification with unexpected status", slog.String("status", string(n.Status)))
		return nil
	}

	if _, err := l.workflows.GetWorkflow(ctx, n.WorkflowID); err != nil {
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			logger.Warn("dropping notification for unknown workflow")
			return nil
		}
		return fmt.Errorf("failed to load workflow %s: %w", n.WorkflowID, err)
	}

	err := l.workflows.SetResult(ctx, n.WorkflowID, result, n.Status, n.Error)
	switch {
	case err == nil:
		logger.Debug("notification applied", slog.String("status", string(n.Status)))
		return nil
	case errors.Is(err, domain.ErrResultConflict):
		logger.Warn("notification conflicts with recorded outcome", slog.String("status", string(n.Status)))
		return nil
	case errors.Is(err, domain.ErrWorkflowNotFound):
		logger.Warn("dropping notification for unknown workflow")
		return nil
	default:
		return fmt.Errorf("failed to record %s outcome for workflow %s: %w", n.Status, n.WorkflowID, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
