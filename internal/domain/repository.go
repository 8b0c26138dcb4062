package domain

import (
	"context"
	"encoding/json"
	"time"
)

type WorkflowRepository interface {
	CreateWorkflow(ctx context.Context, workflow *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// SetStatus moves a workflow forward. Re-applying the current status is a
	// no-op, except that re-applying running refreshes the start time.
	SetStatus(ctx context.Context, id string, status WorkflowStatus) error
	// SetResult finishes a workflow. A result is required for completed and
	// rejected for failed. Repeating an identical write is a no-op; a different
	// write to a finished workflow fails with ErrResultConflict.
	SetResult(ctx context.Context, id string, result json.RawMessage, status WorkflowStatus, errMsg string) error
	SetStage(ctx context.Context, id string, stage string) error
	SetJobHandle(ctx context.Context, id string, handle string) error
	// ListOrphaned returns pending workflows that were never enqueued and were created
	// before createdBefore, plus enqueued ones whose job has not been picked up since staleBefore.
	ListOrphaned(ctx context.Context, createdBefore, staleBefore time.Time, limit int) ([]*Workflow, error)
	// ListTimedOut returns running workflows started before the cutoff.
	ListTimedOut(ctx context.Context, startedBefore time.Time, limit int) ([]*Workflow, error)
}

type CatalogRepository interface {
	ListModels(ctx context.Context) ([]*Model, error)
	ListApplications(ctx context.Context) ([]*Application, error)
	// GetApplication loads an application together with its compatible models.
	GetApplication(ctx context.Context, id int64) (*Application, error)
	GetModel(ctx context.Context, id int64) (*Model, error)
}
