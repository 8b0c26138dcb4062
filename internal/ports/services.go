package ports

import (
	"cellflow/internal/domain"
	"context"
	"encoding/json"
	"io"
)

type SubmitRequest struct {
	ApplicationID int64
	ModelID       int64
	UploadID      string
}

type WorkflowService interface {
	Submit(ctx context.Context, req SubmitRequest) (*domain.Workflow, error)
	GetStatus(ctx context.Context, id string) (*domain.Workflow, error)
	GetResult(ctx context.Context, id string) (json.RawMessage, error)
	OpenAnnotatedTable(ctx context.Context, id string) (io.ReadCloser, string, error)
}

type UploadService interface {
	Upload(ctx context.Context, fileName string, r io.Reader) (string, error)
}

type CatalogService interface {
	ListModels(ctx context.Context) ([]*domain.Model, error)
	ListApplications(ctx context.Context) ([]*domain.Application, error)
	GetApplication(ctx context.Context, id int64) (*domain.Application, error)
}
