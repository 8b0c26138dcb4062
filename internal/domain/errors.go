package domain

import "errors"

// Submission validation.
var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrModelNotFound       = errors.New("model not found for the given application")
	ErrUploadNotFound      = errors.New("upload not found")
	ErrUnsupportedUpload   = errors.New("only .h5ad uploads are supported")
)

// Infrastructure.
var (
	ErrPersistence      = errors.New("failed to persist workflow")
	ErrQueueUnavailable = errors.New("task queue unavailable")
)

// Workflow store.
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrDuplicateID       = errors.New("workflow id already exists")
	ErrInvalidTransition = errors.New("invalid workflow status transition")
	ErrResultConflict    = errors.New("workflow already finished with a different result")
	ErrMalformedResult   = errors.New("malformed result document")
)

// Execution.
var (
	ErrEmptyDataset      = errors.New("dataset contains no cells")
	ErrInvalidPrediction = errors.New("invalid prediction input")
	ErrDatasetLoad       = errors.New("failed to load dataset")
	ErrUnknownModel      = errors.New("model is not registered")
	ErrTimeout           = errors.New("workflow exceeded its deadline")
)

// Queries.
var (
	ErrResultNotReady   = errors.New("workflow is still running or result is not yet available")
	ErrWorkflowFailed   = errors.New("workflow failed")
	ErrArtifactNotFound = errors.New("annotated table not found")
)
