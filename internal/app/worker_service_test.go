package app

import (
	"cellflow/internal/domain"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestWorker(ctx context.Context, broker domain.QueueBroker) *WorkerService {
	return NewWorkerService(ctx, broker, time.Minute, testLogger())
}

func TestNewWorkerService(t *testing.T) {
	mockBroker := &MockQueueBroker{}
	parentCtx := context.Background()

	service := newTestWorker(parentCtx, mockBroker)

	assert.NotNil(t, service)
	assert.Equal(t, mockBroker, service.broker)
	assert.Equal(t, time.Minute, service.jobTimeout)
	assert.NotNil(t, service.ctx)
	assert.NotNil(t, service.cancel)
}

func TestWorkerService_ProcessJobs(t *testing.T) {
	t.Run("should stop gracefully when context is cancelled", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		ctx, cancel := context.WithCancel(context.Background())
		service := newTestWorker(ctx, mockBroker)
		cancel()

		err := service.ProcessJobs([]string{"workflows"})

		assert.Error(t, err)
		assert.Equal(t, context.Canceled, err)
	})

	t.Run("should register handlers successfully", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		service := newTestWorker(context.Background(), mockBroker)

		handler := func(ctx context.Context, msg *domain.QueueMessage) error {
			return nil
		}

		err := service.RegisterHandler(JobTypeRunWorkflow, handler)
		assert.NoError(t, err)

		err = service.RegisterHandler("", handler)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "job type cannot be empty")

		err = service.RegisterHandler("test_job", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})

	t.Run("should acknowledge successfully processed messages", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		service := newTestWorker(ctx, mockBroker)

		service.RegisterHandler(JobTypeRunWorkflow, func(ctx context.Context, msg *domain.QueueMessage) error {
			return nil
		})

		message := &domain.QueueMessage{
			ID:      "job-123",
			Queue:   "workflows",
			Payload: []byte(`{"type": "run_workflow", "data": {"workflow_id": "wf-1"}}`),
		}

		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return(message, nil).Once()
		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return((*domain.QueueMessage)(nil), nil).Maybe()
		mockBroker.On("Ack", mock.Anything, message).Return(nil)

		done := make(chan error, 1)
		go func() {
			done <- service.ProcessJobs([]string{"workflows"})
		}()

		<-done
		mockBroker.AssertCalled(t, "Ack", mock.Anything, message)
		mockBroker.AssertNotCalled(t, "Nack", mock.Anything, message)
	})

	t.Run("should handle handler errors and nack message", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		service := newTestWorker(ctx, mockBroker)

		service.RegisterHandler("failing_job", func(ctx context.Context, msg *domain.QueueMessage) error {
			return errors.New("job processing failed")
		})

		message := &domain.QueueMessage{
			ID:      "job-456",
			Queue:   "workflows",
			Payload: []byte(`{"type": "failing_job", "data": {"test": "data"}}`),
		}

		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return(message, nil).Once()
		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return((*domain.QueueMessage)(nil), nil).Maybe()
		mockBroker.On("Nack", mock.Anything, message).Return(nil)

		done := make(chan error, 1)
		go func() {
			done <- service.ProcessJobs([]string{"workflows"})
		}()

		<-done
		mockBroker.AssertCalled(t, "Nack", mock.Anything, message)
	})

	t.Run("should pause before taking more work after a handler error", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		defer cancel()
		service := newTestWorker(ctx, mockBroker)
		service.retryDelay = 100 * time.Millisecond

		var calls atomic.Int32
		service.RegisterHandler("failing_job", func(ctx context.Context, msg *domain.QueueMessage) error {
			calls.Add(1)
			return errors.New("database unavailable")
		})

		message := &domain.QueueMessage{
			ID:      "job-retry",
			Queue:   "workflows",
			Payload: []byte(`{"type": "failing_job", "data": {}}`),
		}
		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return(message, nil)
		mockBroker.On("Nack", mock.Anything, message).Return(nil)

		err := service.ProcessJobs([]string{"workflows"})

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.GreaterOrEqual(t, calls.Load(), int32(1))
		assert.LessOrEqual(t, calls.Load(), int32(3))
	})

	t.Run("should nack unknown job types", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		service := newTestWorker(ctx, mockBroker)

		message := &domain.QueueMessage{
			ID:      "job-789",
			Queue:   "workflows",
			Payload: []byte(`{"type": "unknown_job", "data": {}}`),
		}

		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return(message, nil).Once()
		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return((*domain.QueueMessage)(nil), nil).Maybe()
		mockBroker.On("Nack", mock.Anything, message).Return(nil)

		done := make(chan error, 1)
		go func() {
			done <- service.ProcessJobs([]string{"workflows"})
		}()

		<-done
		mockBroker.AssertCalled(t, "Nack", mock.Anything, message)
	})

	t.Run("should drop malformed payloads instead of retrying them", func(t *testing.T) {
		for name, payload := range map[string]string{
			"invalid json":   `{invalid json`,
			"empty job type": `{"type": "", "data": {}}`,
		} {
			t.Run(name, func(t *testing.T) {
				mockBroker := &MockQueueBroker{}
				ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
				defer cancel()
				service := newTestWorker(ctx, mockBroker)

				message := &domain.QueueMessage{ID: "job-invalid", Queue: "workflows", Payload: []byte(payload)}

				mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
					Return(message, nil).Once()
				mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
					Return((*domain.QueueMessage)(nil), nil).Maybe()
				mockBroker.On("Ack", mock.Anything, message).Return(nil)

				done := make(chan error, 1)
				go func() {
					done <- service.ProcessJobs([]string{"workflows"})
				}()

				<-done
				mockBroker.AssertCalled(t, "Ack", mock.Anything, message)
				mockBroker.AssertNotCalled(t, "Nack", mock.Anything, message)
			})
		}
	})

	t.Run("should nack message returned alongside a dequeue error", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		service := newTestWorker(ctx, mockBroker)

		message := &domain.QueueMessage{
			ID:      "error-job",
			Queue:   "workflows",
			Payload: []byte(`{"type": "test"}`),
		}

		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return(message, errors.New("connection lost")).Once()
		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return((*domain.QueueMessage)(nil), nil).Maybe()
		mockBroker.On("Nack", mock.Anything, message).Return(nil)

		done := make(chan error, 1)
		go func() {
			done <- service.ProcessJobs([]string{"workflows"})
		}()

		<-done
		mockBroker.AssertCalled(t, "Nack", mock.Anything, message)
	})

	t.Run("should return error for empty queue list", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		service := newTestWorker(context.Background(), mockBroker)

		err := service.ProcessJobs([]string{})

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no queues specified for processing")
	})

	t.Run("should respect context timeout for graceful shutdown", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		service := newTestWorker(ctx, mockBroker)

		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return((*domain.QueueMessage)(nil), nil).Maybe()

		start := time.Now()
		err := service.ProcessJobs([]string{"workflows"})
		elapsed := time.Since(start)

		assert.Equal(t, context.DeadlineExceeded, err)
		assert.Less(t, elapsed, 50*time.Millisecond, "Should respond quickly to context cancellation")
	})
}

func TestWorkerService_Stop(t *testing.T) {
	t.Run("should stop worker that is processing a job", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		service := newTestWorker(context.Background(), mockBroker)

		jobStarted := make(chan bool, 1)
		jobStopped := make(chan bool, 1)

		service.RegisterHandler("slow_job", func(ctx context.Context, msg *domain.QueueMessage) error {
			jobStarted <- true
			select {
			case <-time.After(10 * time.Second):
				return nil
			case <-ctx.Done():
				jobStopped <- true
				return ctx.Err()
			}
		})

		message := &domain.QueueMessage{
			ID:      "slow-job",
			Queue:   "workflows",
			Payload: []byte(`{"type": "slow_job", "data": {}}`),
		}
		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return(message, nil).Once()
		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return((*domain.QueueMessage)(nil), nil).Maybe()
		mockBroker.On("Nack", mock.Anything, message).Return(nil)

		workerDone := make(chan error, 1)
		go func() {
			workerDone <- service.ProcessJobs([]string{"workflows"})
		}()

		<-jobStarted
		assert.NoError(t, service.Stop(context.Background()))

		select {
		case <-jobStopped:
		case <-time.After(time.Second):
			t.Fatal("job was not interrupted by Stop()")
		}

		select {
		case err := <-workerDone:
			assert.Equal(t, context.Canceled, err)
		case <-time.After(2 * time.Second):
			t.Fatal("worker did not stop")
		}

		// The interrupted job goes back to the queue.
		mockBroker.AssertCalled(t, "Nack", mock.Anything, message)
	})

	t.Run("should handle multiple stop calls safely", func(t *testing.T) {
		service := newTestWorker(context.Background(), &MockQueueBroker{})

		assert.NoError(t, service.Stop(context.Background()))
		assert.NoError(t, service.Stop(context.Background()))
	})
}

func TestWorkerService_InterfaceCompliance(t *testing.T) {
	var _ domain.WorkerService = &WorkerService{}
}

func TestWorkerService_EdgeCases(t *testing.T) {
	t.Run("should recover from handler panics and nack", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		service := newTestWorker(ctx, mockBroker)

		service.RegisterHandler("panic_job", func(ctx context.Context, msg *domain.QueueMessage) error {
			panic("handler crashed")
		})

		message := &domain.QueueMessage{
			ID:      "panic-job",
			Queue:   "workflows",
			Payload: []byte(`{"type": "panic_job", "data": {}}`),
		}

		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return(message, nil).Once()
		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return((*domain.QueueMessage)(nil), nil).Maybe()
		mockBroker.On("Nack", mock.Anything, message).Return(nil)

		assert.NotPanics(t, func() {
			err := service.ProcessJobs([]string{"workflows"})
			assert.Equal(t, context.DeadlineExceeded, err)
		})
		mockBroker.AssertCalled(t, "Nack", mock.Anything, message)
	})

	t.Run("should use the latest registered handler", func(t *testing.T) {
		mockBroker := &MockQueueBroker{}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		service := newTestWorker(ctx, mockBroker)

		called := make(chan string, 2)
		service.RegisterHandler(JobTypeRunWorkflow, func(ctx context.Context, msg *domain.QueueMessage) error {
			called <- "first"
			return nil
		})
		service.RegisterHandler(JobTypeRunWorkflow, func(ctx context.Context, msg *domain.QueueMessage) error {
			called <- "second"
			return nil
		})

		message := &domain.QueueMessage{
			ID:      "job-1",
			Queue:   "workflows",
			Payload: []byte(`{"type": "run_workflow", "data": {}}`),
		}
		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return(message, nil).Once()
		mockBroker.On("Dequeue", mock.Anything, []string{"workflows"}, mock.AnythingOfType("time.Duration")).
			Return((*domain.QueueMessage)(nil), nil).Maybe()
		mockBroker.On("Ack", mock.Anything, message).Return(nil)

		_ = service.ProcessJobs([]string{"workflows"})

		assert.Equal(t, "second", <-called)
	})
}
