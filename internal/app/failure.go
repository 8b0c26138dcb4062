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

const terminalWriteTimeout = 10 * time.Second

// recordFailure moves a workflow to failed and announces it on the notification channel.
// It only returns an error when neither the store nor the channel took the failure,
// leaving the workflow with no path out of its current state.
func recordFailure(ctx context.Context, workflows domain.WorkflowRepository, notifier domain.Notifier, logger *slog.Logger, workflowID string, cause error) error {
	reason := cause.Error()

	// The caller's context may be the one that just expired.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	storeErr := workflows.SetResult(writeCtx, workflowID, nil, domain.WorkflowStatusFailed, reason)
	switch {
	case storeErr == nil:
	case errors.Is(storeErr, domain.ErrResultConflict):
		logger.Warn("workflow already finished, dropping failure",
			slog.String("workflow_id", workflowID),
			slog.String("reason", reason))
		return nil
	default:
		logger.Error("failed to record workflow failure",
			slog.String("workflow_id", workflowID),
			slog.Any("error", storeErr))
	}

	payload, err := json.Marshal(domain.FailureNotice{
		WorkflowID: workflowID,
		Status:     domain.WorkflowStatusFailed,
		Error:      reason,
	})
	if err != nil {
		return fmt.Errorf("failed to encode failure notice: %w", err)
	}

	pubErr := notifier.Publish(writeCtx, payload)
	if pubErr != nil {
		logger.Error("failed to publish failure notification",
			slog.String("workflow_id", workflowID),
			slog.Any("error", pubErr))
	}

	if storeErr != nil && pubErr != nil {
		return fmt.Errorf("workflow %s failure could not be recorded: %w", workflowID, errors.Join(storeErr, pubErr))
	}

	logger.Info("workflow failed",
		slog.String("workflow_id", workflowID),
		slog.String("reason", reason))
	return nil
}
