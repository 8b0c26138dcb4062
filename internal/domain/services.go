package domain

import (
	"context"
	"io"
)

type SchedulerService interface {
	// RequeueOrphanedWorkflows enqueues pending workflows that were persisted but never handed to the queue
	RequeueOrphanedWorkflows(ctx context.Context) error
	// FailTimedOutWorkflows marks running workflows past their deadline as failed
	FailTimedOutWorkflows(ctx context.Context) error
}

type JobHandler func(context.Context, *QueueMessage) error

type WorkerService interface {
	// Register job handlers for different job types
	RegisterHandler(jobType string, handler JobHandler) error
	// ProcessJobs continuously processes jobs from the specified queues
	ProcessJobs(queues []string) error
	// Stop gracefully shuts down the worker service
	Stop(ctx context.Context) error
}

// Dataset is an uploaded input file loaded into memory.
type Dataset struct {
	UploadID string
	FileName string
	Data     []byte
}

type UploadStore interface {
	Save(ctx context.Context, r io.Reader) (uploadID string, err error)
	Exists(ctx context.Context, uploadID string) (bool, error)
	// Load fails with ErrDatasetLoad when the upload is missing or unreadable.
	Load(ctx context.Context, uploadID string) (*Dataset, error)
	Delete(ctx context.Context, uploadID string) error
}

// AnnotatedTable is the per-cell export offered for download next to the result document.
type AnnotatedTable struct {
	CellIDs       []string
	Probabilities [][]float64
	Labels        []string
	Predictions   []Prediction
	Points        []Point
}

type ArtifactStore interface {
	SaveAnnotatedTable(ctx context.Context, workflowID string, table *AnnotatedTable) error
	// OpenAnnotatedTable fails with ErrArtifactNotFound when nothing was written.
	OpenAnnotatedTable(ctx context.Context, workflowID string) (io.ReadCloser, string, error)
}

type Embedding struct {
	CellIDs []string
	Vectors [][]float64
}

type Classification struct {
	Probabilities [][]float64
	Labels        []string
}

// AnnotationModel pairs an embedding model with its classification head.
type AnnotationModel interface {
	Embed(ctx context.Context, dataset *Dataset) (*Embedding, error)
	Classify(ctx context.Context, embedding *Embedding) (*Classification, error)
}

type ModelRegistry interface {
	// Get resolves a catalog model name, case-insensitively.
	Get(name string) (AnnotationModel, error)
}

// Projector reduces embeddings to 2-D points for visualization.
type Projector interface {
	Project(ctx context.Context, vectors [][]float64) ([]Point, error)
}
