package app

import (
	"cellflow/internal/domain"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

const (
	pollTimeout = 5 * time.Second
	retryDelay  = time.Second
)

type WorkerService struct {
	broker     domain.QueueBroker
	handlers   map[string]domain.JobHandler
	jobTimeout time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewWorkerService(parent context.Context, queueBroker domain.QueueBroker, jobTimeout time.Duration, logger *slog.Logger) *WorkerService {
	ctx, cancel := context.WithCancel(parent)
	return &WorkerService{
		broker:     queueBroker,
		handlers:   make(map[string]domain.JobHandler),
		jobTimeout: jobTimeout,
		retryDelay: retryDelay,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// RegisterHandler must be called before ProcessJobs starts.
func (s *WorkerService) RegisterHandler(jobType string, handler domain.JobHandler) error {
	if jobType == "" {
		return errors.New("job type cannot be empty")
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	s.handlers[jobType] = handler
	return nil
}

// ProcessJobs blocks until Stop is called. It is safe to run several loops
// against the same service.
func (s *WorkerService) ProcessJobs(queues []string) error {
	if len(queues) == 0 {
		return errors.New("no queues specified for processing")
	}
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
			pollCtx, pollCancel := context.WithTimeout(s.ctx, pollTimeout+time.Second)
			message, err := s.broker.Dequeue(pollCtx, queues, pollTimeout)
			pollCancel()

			if err != nil {
				if s.ctx.Err() != nil {
					continue
				}
				s.logger.Error("failed to dequeue job", slog.Any("error", err))
				if message != nil {
					s.nack(message)
				}
				sleepCtx(s.ctx, s.retryDelay)
				continue
			}
			if message != nil {
				s.dispatch(message)
			}
		}
	}
}

func (s *WorkerService) dispatch(message *domain.QueueMessage) {
	jobType, err := extractJobType(message.Payload)
	if err != nil {
		// A malformed payload never becomes valid; retrying it would spin forever.
		s.logger.Error("dropping malformed job",
			slog.String("job_handle", message.ID),
			slog.Any("error", err))
		s.ack(message)
		return
	}
	handler, ok := s.handlers[jobType]
	if !ok {
		s.logger.Warn("no handler registered for job type",
			slog.String("job_handle", message.ID),
			slog.String("job_type", jobType))
		s.nack(message)
		sleepCtx(s.ctx, s.retryDelay)
		return
	}

	jobCtx, jobCancel := context.WithTimeout(s.ctx, s.jobTimeout)
	err = s.invoke(jobCtx, handler, message)
	jobCancel()

	if err != nil {
		s.logger.Error("job failed, returning to queue",
			slog.String("job_handle", message.ID),
			slog.String("job_type", jobType),
			slog.Any("error", err))
		s.nack(message)
		sleepCtx(s.ctx, s.retryDelay)
		return
	}

	s.ack(message)
}

func (s *WorkerService) invoke(ctx context.Context, handler domain.JobHandler, message *domain.QueueMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler(ctx, message)
}

// Acks and nacks must land even while shutting down.
func (s *WorkerService) ack(message *domain.QueueMessage) {
	if err := s.broker.Ack(context.WithoutCancel(s.ctx), message); err != nil {
		s.logger.Warn("failed to ack job", slog.String("job_handle", message.ID), slog.Any("error", err))
	}
}

func (s *WorkerService) nack(message *domain.QueueMessage) {
	if err := s.broker.Nack(context.WithoutCancel(s.ctx), message); err != nil {
		s.logger.Warn("failed to nack job", slog.String("job_handle", message.ID), slog.Any("error", err))
	}
}

func (s *WorkerService) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

func extractJobType(payload []byte) (string, error) {
	var wrapper jobEnvelope
	if err := json.Unmarshal(payload, &wrapper); err != nil {
		return "", fmt.Errorf("failed to parse job wrapper: %w", err)
	}
	if wrapper.Type == "" {
		return "", errors.New("job type is required")
	}

	return wrapper.Type, nil
}
