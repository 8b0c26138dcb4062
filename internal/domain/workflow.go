package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
)

// Progress stages reported while a workflow is running.
const (
	StageEmbedding      = "EMBEDDING"
	StageClassification = "CLASSIFICATION"
	StageRunningStats   = "RUNNING STATS"
)

var workflowTransitions = map[WorkflowStatus]map[WorkflowStatus]bool{
	WorkflowStatusPending: {
		WorkflowStatusRunning:   true,
		WorkflowStatusCompleted: true,
		WorkflowStatusFailed:    true,
	},
	WorkflowStatusRunning: {
		WorkflowStatusCompleted: true,
		WorkflowStatusFailed:    true,
	},
}

func (s WorkflowStatus) Valid() bool {
	switch s {
	case WorkflowStatusPending, WorkflowStatusRunning, WorkflowStatusCompleted, WorkflowStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed out of s.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// CanTransition reports whether a workflow may move from one status to another.
// Staying in the same status is not a transition.
func CanTransition(from, to WorkflowStatus) bool {
	return workflowTransitions[from][to]
}

// PredecessorsOf lists every status from which to is reachable in one step.
func PredecessorsOf(to WorkflowStatus) []WorkflowStatus {
	var from []WorkflowStatus
	for _, s := range []WorkflowStatus{WorkflowStatusPending, WorkflowStatusRunning} {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}

type Workflow struct {
	ID            string          `json:"workflow_id"`
	ApplicationID int64           `json:"application_id"`
	ModelID       int64           `json:"model_id"`
	UploadID      string          `json:"upload_id"`
	Status        WorkflowStatus  `json:"status"`
	Stage         *string         `json:"stage,omitempty"`
	JobHandle     *string         `json:"job_handle,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *string         `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func NewWorkflow(applicationID, modelID int64, uploadID string) *Workflow {
	now := time.Now()
	return &Workflow{
		ID:            uuid.New().String(),
		ApplicationID: applicationID,
		ModelID:       modelID,
		UploadID:      uploadID,
		Status:        WorkflowStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Orphaned reports whether the workflow was persisted but never handed to the queue.
func (w *Workflow) Orphaned() bool {
	return w.Status == WorkflowStatusPending && w.JobHandle == nil
}
