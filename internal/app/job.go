package app

import (
	"cellflow/internal/domain"
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

const JobTypeRunWorkflow = "run_workflow"

// RunWorkflowJob is the queue payload handed from the dispatcher to the executor.
type RunWorkflowJob struct {
	WorkflowID    string `json:"workflow_id"`
	UploadID      string `json:"upload_id"`
	ModelName     string `json:"model_name"`
	ApplicationID int64  `json:"application_id"`
}

type jobEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func encodeJob(jobType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s job: %w", jobType, err)
	}
	return json.Marshal(jobEnvelope{Type: jobType, Data: raw})
}

func decodeRunWorkflowJob(payload []byte) (*RunWorkflowJob, error) {
	var env jobEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to parse job wrapper: %w", err)
	}
	var job RunWorkflowJob
	if err := json.Unmarshal(env.Data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse %s job: %w", JobTypeRunWorkflow, err)
	}
	if job.WorkflowID == "" {
		return nil, fmt.Errorf("%s job has no workflow id", JobTypeRunWorkflow)
	}
	return &job, nil
}

// enqueueWorkflow hands a persisted workflow to the queue and returns the job handle.
func enqueueWorkflow(ctx context.Context, broker domain.QueueBroker, queue string, wf *domain.Workflow, modelName string) (string, error) {
	payload, err := encodeJob(JobTypeRunWorkflow, RunWorkflowJob{
		WorkflowID:    wf.ID,
		UploadID:      wf.UploadID,
		ModelName:     modelName,
		ApplicationID: wf.ApplicationID,
	})
	if err != nil {
		return "", err
	}

	message := &domain.QueueMessage{
		ID:      uuid.New().String(),
		Queue:   queue,
		Payload: payload,
	}
	if err := broker.Enqueue(ctx, queue, message); err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrQueueUnavailable, err)
	}
	return message.ID, nil
}
