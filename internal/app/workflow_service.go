package app

import (
	"cellflow/internal/domain"
	"cellflow/internal/ports"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
)

type workflowService struct {
	workflows domain.WorkflowRepository
	catalog   domain.CatalogRepository
	uploads   domain.UploadStore
	artifacts domain.ArtifactStore
	broker    domain.QueueBroker
	queue     string
	logger    *slog.Logger
}

func NewWorkflowService(
	workflows domain.WorkflowRepository,
	catalog domain.CatalogRepository,
	uploads domain.UploadStore,
	artifacts domain.ArtifactStore,
	broker domain.QueueBroker,
	queue string,
	logger *slog.Logger,
) ports.WorkflowService {
	return &workflowService{
		workflows: workflows,
		catalog:   catalog,
		uploads:   uploads,
		artifacts: artifacts,
		broker:    broker,
		queue:     queue,
		logger:    logger,
	}
}

// Submit validates the request, persists a pending workflow and only then enqueues it.
// A queue failure leaves the workflow pending without a job handle for the reconciler.
func (s *workflowService) Submit(ctx context.Context, req ports.SubmitRequest) (*domain.Workflow, error) {
	application, err := s.catalog.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return nil, err
	}

	model, ok := application.CompatibleModel(req.ModelID)
	if !ok {
		return nil, fmt.Errorf("%w: model %d, application %d", domain.ErrModelNotFound, req.ModelID, req.ApplicationID)
	}

	exists, err := s.uploads.Exists(ctx, req.UploadID)
	if err != nil {
		return nil, fmt.Errorf("failed to check upload %s: %w", req.UploadID, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrUploadNotFound, req.UploadID)
	}

	wf := domain.NewWorkflow(application.ID, model.ID, req.UploadID)
	if err := s.workflows.CreateWorkflow(ctx, wf); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}

	handle, err := enqueueWorkflow(ctx, s.broker, s.queue, wf, model.Name)
	if err != nil {
		s.logger.Error("failed to enqueue workflow",
			slog.String("workflow_id", wf.ID),
			slog.Any("error", err))
		return nil, err
	}

	if err := s.workflows.SetJobHandle(ctx, wf.ID, handle); err != nil {
		// The job is already queued; the executor does not need the handle.
		s.logger.Warn("failed to record job handle",
			slog.String("workflow_id", wf.ID),
			slog.String("job_handle", handle),
			slog.Any("error", err))
	} else {
		wf.JobHandle = &handle
	}

	s.logger.Info("workflow submitted",
		slog.String("workflow_id", wf.ID),
		slog.String("model", model.Name),
		slog.Int64("application_id", application.ID),
		slog.String("job_handle", handle))

	return wf, nil
}

func (s *workflowService) GetStatus(ctx context.Context, id string) (*domain.Workflow, error) {
	return s.workflows.GetWorkflow(ctx, id)
}

func (s *workflowService) GetResult(ctx context.Context, id string) (json.RawMessage, error) {
	wf, err := s.workflows.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}

	switch wf.Status {
	case domain.WorkflowStatusCompleted:
		return wf.Result, nil
	case domain.WorkflowStatusFailed:
		reason := "unknown error"
		if wf.Error != nil {
			reason = *wf.Error
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowFailed, reason)
	default:
		return nil, domain.ErrResultNotReady
	}
}

func (s *workflowService) OpenAnnotatedTable(ctx context.Context, id string) (io.ReadCloser, string, error) {
	if _, err := s.workflows.GetWorkflow(ctx, id); err != nil {
		return nil, "", err
	}
	return s.artifacts.OpenAnnotatedTable(ctx, id)
}

type uploadService struct {
	uploads domain.UploadStore
	logger  *slog.Logger
}

func NewUploadService(uploads domain.UploadStore, logger *slog.Logger) ports.UploadService {
	return &uploadService{uploads: uploads, logger: logger}
}

func (s *uploadService) Upload(ctx context.Context, fileName string, r io.Reader) (string, error) {
	if !strings.EqualFold(filepath.Ext(fileName), ".h5ad") {
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedUpload, fileName)
	}
	id, err := s.uploads.Save(ctx, r)
	if err != nil {
		return "", err
	}
	s.logger.Info("upload stored", slog.String("upload_id", id), slog.String("file_name", fileName))
	return id, nil
}

type catalogService struct {
	catalog domain.CatalogRepository
}

func NewCatalogService(catalog domain.CatalogRepository) ports.CatalogService {
	return &catalogService{catalog: catalog}
}

func (s *catalogService) ListModels(ctx context.Context) ([]*domain.Model, error) {
	return s.catalog.ListModels(ctx)
}

func (s *catalogService) ListApplications(ctx context.Context) ([]*domain.Application, error) {
	return s.catalog.ListApplications(ctx)
}

func (s *catalogService) GetApplication(ctx context.Context, id int64) (*domain.Application, error) {
	app, err := s.catalog.GetApplication(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrApplicationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load application %d: %w", id, err)
	}
	return app, nil
}
