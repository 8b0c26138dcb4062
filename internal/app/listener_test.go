package app

import (
	"cellflow/internal/domain"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultPayload(t *testing.T, workflowID string) []byte {
	t.Helper()
	doc, err := domain.Aggregate([]domain.Prediction{
		{ClassIndex: 0, Confidence: 0.9},
		{ClassIndex: 1, Confidence: 0.7},
		{ClassIndex: 1, Confidence: 0.3},
	}, []string{"B cell", "T cell"}, nil)
	require.NoError(t, err)
	doc.WorkflowID = workflowID
	doc.Status = domain.WorkflowStatusCompleted
	payload, err := doc.Marshal()
	require.NoError(t, err)
	return payload
}

func TestCompletionListener_Apply(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, status domain.WorkflowStatus) (*memoryWorkflows, *CompletionListener, *domain.Workflow) {
		t.Helper()
		workflows := newMemoryWorkflows()
		wf := domain.NewWorkflow(1, 1, "upload-a")
		require.NoError(t, workflows.CreateWorkflow(ctx, wf))
		if status != domain.WorkflowStatusPending {
			require.NoError(t, workflows.SetStatus(ctx, wf.ID, status))
		}
		return workflows, NewCompletionListener(newFakeNotifier(), workflows, testLogger()), wf
	}

	t.Run("should record a completed result document", func(t *testing.T) {
		workflows, listener, wf := setup(t, domain.WorkflowStatusRunning)
		payload := resultPayload(t, wf.ID)

		require.NoError(t, listener.Apply(ctx, payload))

		stored := workflows.get(wf.ID)
		assert.Equal(t, domain.WorkflowStatusCompleted, stored.Status)
		assert.JSONEq(t, string(payload), string(stored.Result))
	})

	t.Run("should record a failure notice", func(t *testing.T) {
		workflows, listener, wf := setup(t, domain.WorkflowStatusRunning)

		require.NoError(t, listener.Apply(ctx, []byte(`{"workflow_id":"`+wf.ID+`","status":"failed","error":"boom"}`)))

		stored := workflows.get(wf.ID)
		assert.Equal(t, domain.WorkflowStatusFailed, stored.Status)
		require.NotNil(t, stored.Error)
		assert.Equal(t, "boom", *stored.Error)
		assert.Nil(t, stored.Result)
	})

	t.Run("should be idempotent for duplicate notifications", func(t *testing.T) {
		workflows, listener, wf := setup(t, domain.WorkflowStatusRunning)
		payload := resultPayload(t, wf.ID)

		require.NoError(t, listener.Apply(ctx, payload))
		require.NoError(t, listener.Apply(ctx, payload))

		assert.Equal(t, domain.WorkflowStatusCompleted, workflows.get(wf.ID).Status)
	})

	t.Run("should not overwrite a finished workflow with a different outcome", func(t *testing.T) {
		workflows, listener, wf := setup(t, domain.WorkflowStatusRunning)
		require.NoError(t, listener.Apply(ctx, []byte(`{"workflow_id":"`+wf.ID+`","status":"failed","error":"timeout"}`)))

		err := listener.Apply(ctx, resultPayload(t, wf.ID))

		assert.NoError(t, err)
		assert.Equal(t, domain.WorkflowStatusFailed, workflows.get(wf.ID).Status)
	})

	t.Run("should drop completed notifications that are not result documents", func(t *testing.T) {
		workflows, listener, wf := setup(t, domain.WorkflowStatusRunning)

		for _, payload := range []string{
			`{"workflow_id":"` + wf.ID + `","status":"completed"}`,
			`{"workflow_id":"` + wf.ID + `","status":"completed","total_cells":3}`,
			`{"workflow_id":"` + wf.ID + `","status":"completed","total_cells":3,"cell_type_distribution":{"B":3},"confidence_histograms":{"B":[0,0,0,0,0,0,0,0,0,3]}}`,
			`{"workflow_id":"` + wf.ID + `","status":"completed","total_cells":"three"}`,
		} {
			assert.NoError(t, listener.Apply(ctx, []byte(payload)), payload)
		}

		stored := workflows.get(wf.ID)
		assert.Equal(t, domain.WorkflowStatusRunning, stored.Status)
		assert.Nil(t, stored.Result)

		payload := resultPayload(t, wf.ID)
		require.NoError(t, listener.Apply(ctx, payload))
		assert.JSONEq(t, string(payload), string(workflows.get(wf.ID).Result))
	})

	t.Run("should drop malformed and unknown notifications", func(t *testing.T) {
		workflows, listener, wf := setup(t, domain.WorkflowStatusRunning)

		for _, payload := range []string{
			`not json`,
			`{"status":"completed"}`,
			`{"workflow_id":"` + wf.ID + `","status":"running"}`,
			`{"workflow_id":"does-not-exist","status":"completed"}`,
		} {
			assert.NoError(t, listener.Apply(ctx, []byte(payload)), payload)
		}

		assert.Equal(t, domain.WorkflowStatusRunning, workflows.get(wf.ID).Status)
	})

	t.Run("should return store errors", func(t *testing.T) {
		workflows, listener, wf := setup(t, domain.WorkflowStatusRunning)
		workflows.failSetResult = errStoreDown

		err := listener.Apply(ctx, resultPayload(t, wf.ID))

		assert.ErrorIs(t, err, errStoreDown)
	})
}

func TestCompletionListener_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workflows := newMemoryWorkflows()
	wf := domain.NewWorkflow(1, 1, "upload-a")
	require.NoError(t, workflows.CreateWorkflow(ctx, wf))
	require.NoError(t, workflows.SetStatus(ctx, wf.ID, domain.WorkflowStatusRunning))

	notifier := newFakeNotifier()
	listener := NewCompletionListener(notifier, workflows, testLogger())

	done := make(chan error, 1)
	go func() {
		done <- listener.Run(ctx)
	}()

	require.NoError(t, notifier.Publish(ctx, resultPayload(t, wf.ID)))

	assert.Eventually(t, func() bool {
		stored, err := workflows.GetWorkflow(ctx, wf.ID)
		return err == nil && stored.Status == domain.WorkflowStatusCompleted
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop")
	}
}
