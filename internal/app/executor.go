package app

import (
	"cellflow/internal/domain"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor runs a single workflow end to end. It is registered on the worker
// service as the handler for run_workflow jobs.
type Executor struct {
	workflows domain.WorkflowRepository
	uploads   domain.UploadStore
	artifacts domain.ArtifactStore
	models    domain.ModelRegistry
	projector domain.Projector
	notifier  domain.Notifier
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewExecutor(
	workflows domain.WorkflowRepository,
	uploads domain.UploadStore,
	artifacts domain.ArtifactStore,
	models domain.ModelRegistry,
	projector domain.Projector,
	notifier domain.Notifier,
	timeout time.Duration,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		workflows: workflows,
		uploads:   uploads,
		artifacts: artifacts,
		models:    models,
		projector: projector,
		notifier:  notifier,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
	}
}

type execution struct {
	doc   *domain.ResultDocument
	table *domain.AnnotatedTable
	err   error
}

// Handle processes a run_workflow message. Execution failures are recorded on
// the workflow and the message is acknowledged; an error is only returned when
// the outcome could not be recorded anywhere or the worker is shutting down.
func (e *Executor) Handle(ctx context.Context, message *domain.QueueMessage) error {
	job, err := decodeRunWorkflowJob(message.Payload)
	if err != nil {
		e.logger.Error("dropping malformed job",
			slog.String("job_handle", message.ID),
			slog.Any("error", err))
		return nil
	}

	logger := e.logger.With(
		slog.String("workflow_id", job.WorkflowID),
		slog.String("job_handle", message.ID))

	if err := e.workflows.SetStatus(ctx, job.WorkflowID, domain.WorkflowStatusRunning); err != nil {
		switch {
		case errors.Is(err, domain.ErrWorkflowNotFound):
			logger.Warn("workflow for job does not exist")
			return nil
		case errors.Is(err, domain.ErrInvalidTransition):
			logger.Info("workflow already finished, skipping redelivered job")
			return nil
		default:
			return fmt.Errorf("failed to mark workflow %s running: %w", job.WorkflowID, err)
		}
	}
	logger.Info("workflow started", slog.String("model", job.ModelName))

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// A model that ignores cancellation keeps running in the background; its
	// late result lands in the buffered channel and is discarded.
	done := make(chan execution, 1)
	go func() {
		doc, table, err := e.run(runCtx, job)
		done <- execution{doc: doc, table: table, err: err}
	}()

	var out execution
	select {
	case out = <-done:
	case <-runCtx.Done():
		out.err = runCtx.Err()
	}

	if out.err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			out.err = fmt.Errorf("%w after %s", domain.ErrTimeout, e.timeout)
		}
		return recordFailure(ctx, e.workflows, e.notifier, logger, job.WorkflowID, out.err)
	}

	return e.complete(ctx, logger, job, out.doc, out.table)
}

func (e *Executor) run(ctx context.Context, job *RunWorkflowJob) (doc *domain.ResultDocument, table *domain.AnnotatedTable, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during workflow execution: %v", r)
		}
	}()

	dataset, err := e.uploads.Load(ctx, job.UploadID)
	if err != nil {
		return nil, nil, err
	}

	model, err := e.models.Get(job.ModelName)
	if err != nil {
		return nil, nil, err
	}

	e.setStage(ctx, job.WorkflowID, domain.StageEmbedding)
	embedding, err := model.Embed(ctx, dataset)
	if err != nil {
		return nil, nil, fmt.Errorf("embedding failed: %w", err)
	}

	e.setStage(ctx, job.WorkflowID, domain.StageClassification)
	classification, err := model.Classify(ctx, embedding)
	if err != nil {
		return nil, nil, fmt.Errorf("classification failed: %w", err)
	}
	if len(classification.Probabilities) != len(embedding.CellIDs) {
		return nil, nil, fmt.Errorf("%w: %d probability rows for %d cells",
			domain.ErrInvalidPrediction, len(classification.Probabilities), len(embedding.CellIDs))
	}

	e.setStage(ctx, job.WorkflowID, domain.StageRunningStats)
	predictions, err := domain.PredictionsFromProbabilities(classification.Probabilities)
	if err != nil {
		return nil, nil, err
	}
	if len(predictions) == 0 {
		return nil, nil, domain.ErrEmptyDataset
	}

	points, err := e.projector.Project(ctx, embedding.Vectors)
	if err != nil {
		return nil, nil, fmt.Errorf("projection failed: %w", err)
	}

	doc, err = domain.Aggregate(predictions, classification.Labels, points)
	if err != nil {
		return nil, nil, err
	}
	doc.WorkflowID = job.WorkflowID
	doc.Status = domain.WorkflowStatusCompleted
	doc.Metadata = &domain.ResultMetadata{
		Model:         job.ModelName,
		Application:   job.ApplicationID,
		InputFileName: dataset.FileName,
		CreatedAt:     e.now().UTC().Format(time.RFC3339Nano),
	}

	table = &domain.AnnotatedTable{
		CellIDs:       embedding.CellIDs,
		Probabilities: classification.Probabilities,
		Labels:        classification.Labels,
		Predictions:   predictions,
		Points:        points,
	}
	return doc, table, nil
}

func (e *Executor) complete(ctx context.Context, logger *slog.Logger, job *RunWorkflowJob, doc *domain.ResultDocument, table *domain.AnnotatedTable) error {
	payload, err := doc.Marshal()
	if err != nil {
		return recordFailure(ctx, e.workflows, e.notifier, logger, job.WorkflowID, err)
	}

	if err := e.artifacts.SaveAnnotatedTable(ctx, job.WorkflowID, table); err != nil {
		logger.Warn("failed to save annotated table", slog.Any("error", err))
	}

	storeErr := e.workflows.SetResult(ctx, job.WorkflowID, payload, domain.WorkflowStatusCompleted, "")
	if storeErr != nil {
		if errors.Is(storeErr, domain.ErrResultConflict) {
			logger.Warn("workflow already finished, discarding late result")
			return nil
		}
		logger.Error("failed to store result, relying on completion notification", slog.Any("error", storeErr))
	}

	pubErr := e.notifier.Publish(ctx, payload)
	if pubErr != nil {
		logger.Error("failed to publish completion notification", slog.Any("error", pubErr))
	}
	if storeErr != nil && pubErr != nil {
		return fmt.Errorf("workflow %s result could not be recorded: %w", job.WorkflowID, errors.Join(storeErr, pubErr))
	}

	if err := e.uploads.Delete(ctx, job.UploadID); err != nil {
		logger.Warn("failed to delete consumed upload",
			slog.String("upload_id", job.UploadID),
			slog.Any("error", err))
	}

	logger.Info("workflow completed",
		slog.Int("total_cells", doc.TotalCells),
		slog.Int("num_cell_types", doc.Summary.NumCellTypes))
	return nil
}

func (e *Executor) setStage(ctx context.Context, workflowID, stage string) {
	if err := e.workflows.SetStage(ctx, workflowID, stage); err != nil {
		e.logger.Warn("failed to record progress stage",
			slog.String("workflow_id", workflowID),
			slog.String("stage", stage),
			slog.Any("error", err))
	}
}
