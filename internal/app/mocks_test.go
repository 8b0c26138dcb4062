package app

import (
	"bytes"
	"cellflow/internal/domain"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
)

func bytesReader(s string) io.Reader {
	return bytes.NewBufferString(s)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockQueueBroker is a mock implementation of domain.QueueBroker
type MockQueueBroker struct {
	mock.Mock
}

func (m *MockQueueBroker) Enqueue(ctx context.Context, queue string, message *domain.QueueMessage) error {
	args := m.Called(ctx, queue, message)
	return args.Error(0)
}

func (m *MockQueueBroker) Dequeue(ctx context.Context, queues []string, timeout time.Duration) (*domain.QueueMessage, error) {
	args := m.Called(ctx, queues, timeout)
	return args.Get(0).(*domain.QueueMessage), args.Error(1)
}

func (m *MockQueueBroker) Ack(ctx context.Context, message *domain.QueueMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockQueueBroker) Nack(ctx context.Context, message *domain.QueueMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockQueueBroker) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockCatalogRepository struct {
	mock.Mock
}

func (m *MockCatalogRepository) ListModels(ctx context.Context) ([]*domain.Model, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*domain.Model), args.Error(1)
}

func (m *MockCatalogRepository) ListApplications(ctx context.Context) ([]*domain.Application, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*domain.Application), args.Error(1)
}

func (m *MockCatalogRepository) GetApplication(ctx context.Context, id int64) (*domain.Application, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*domain.Application), args.Error(1)
}

func (m *MockCatalogRepository) GetModel(ctx context.Context, id int64) (*domain.Model, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*domain.Model), args.Error(1)
}

// memoryWorkflows is an in-memory domain.WorkflowRepository with the same
// transition and idempotency rules as the Postgres store.
type memoryWorkflows struct {
	mu        sync.Mutex
	workflows map[string]*domain.Workflow
	stages    []string
	// failSetResult makes every SetResult call return the error.
	failSetResult error
	failCreate    error
	failSetHandle error
}

func newMemoryWorkflows() *memoryWorkflows {
	return &memoryWorkflows{workflows: make(map[string]*domain.Workflow)}
}

func (r *memoryWorkflows) CreateWorkflow(ctx context.Context, wf *domain.Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate != nil {
		return r.failCreate
	}
	if _, ok := r.workflows[wf.ID]; ok {
		return domain.ErrDuplicateID
	}
	cp := *wf
	r.workflows[wf.ID] = &cp
	return nil
}

func (r *memoryWorkflows) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, domain.ErrWorkflowNotFound
	}
	cp := *wf
	return &cp, nil
}

func (r *memoryWorkflows) SetStatus(ctx context.Context, id string, status domain.WorkflowStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	if wf.Status == status {
		if status == domain.WorkflowStatusRunning {
			now := time.Now()
			wf.StartedAt = &now
		}
		return nil
	}
	if !domain.CanTransition(wf.Status, status) {
		return domain.ErrInvalidTransition
	}
	wf.Status = status
	if status == domain.WorkflowStatusRunning {
		now := time.Now()
		wf.StartedAt = &now
	}
	return nil
}

func (r *memoryWorkflows) SetResult(ctx context.Context, id string, result json.RawMessage, status domain.WorkflowStatus, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSetResult != nil {
		return r.failSetResult
	}
	if !status.Terminal() || (status == domain.WorkflowStatusCompleted) != (len(result) > 0) {
		return domain.ErrInvalidTransition
	}
	wf, ok := r.workflows[id]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	if wf.Status.Terminal() {
		sameErr := (wf.Error == nil && errMsg == "") || (wf.Error != nil && *wf.Error == errMsg)
		if wf.Status == status && bytes.Equal(wf.Result, result) && sameErr {
			return nil
		}
		return domain.ErrResultConflict
	}
	wf.Status = status
	wf.Result = result
	if errMsg != "" {
		wf.Error = &errMsg
	}
	return nil
}

func (r *memoryWorkflows) SetStage(ctx context.Context, id string, stage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	wf, ok := r.workflows[id]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	wf.Stage = &stage
	r.stages = append(r.stages, stage)
	return nil
}

func (r *memoryWorkflows) SetJobHandle(ctx context.Context, id string, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSetHandle != nil {
		return r.failSetHandle
	}
	wf, ok := r.workflows[id]
	if !ok {
		return domain.ErrWorkflowNotFound
	}
	wf.JobHandle = &handle
	wf.UpdatedAt = time.Now()
	return nil
}

func (r *memoryWorkflows) ListOrphaned(ctx context.Context, createdBefore, staleBefore time.Time, limit int) ([]*domain.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Workflow
	for _, wf := range r.workflows {
		neverQueued := wf.Orphaned() && wf.CreatedAt.Before(createdBefore)
		stale := wf.Status == domain.WorkflowStatusPending && wf.JobHandle != nil && wf.UpdatedAt.Before(staleBefore)
		if (neverQueued || stale) && len(out) < limit {
			cp := *wf
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryWorkflows) ListTimedOut(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Workflow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Workflow
	for _, wf := range r.workflows {
		if wf.Status == domain.WorkflowStatusRunning && wf.StartedAt != nil && wf.StartedAt.Before(startedBefore) && len(out) < limit {
			cp := *wf
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memoryWorkflows) get(id string) *domain.Workflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workflows[id]
}

// fakeNotifier records published payloads and replays them to subscribers.
type fakeNotifier struct {
	mu         sync.Mutex
	published  [][]byte
	publishErr error
	ch         chan []byte
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan []byte, 16)}
}

func (n *fakeNotifier) Publish(ctx context.Context, payload []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.publishErr != nil {
		return n.publishErr
	}
	n.published = append(n.published, payload)
	select {
	case n.ch <- payload:
	default:
	}
	return nil
}

func (n *fakeNotifier) Subscribe(ctx context.Context) (domain.Subscription, error) {
	return &fakeSubscription{ch: n.ch}, nil
}

func (n *fakeNotifier) messages() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([][]byte(nil), n.published...)
}

type fakeSubscription struct {
	ch <-chan []byte
}

func (s *fakeSubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p := <-s.ch:
		return p, nil
	}
}

func (s *fakeSubscription) Close() error { return nil }

type memoryUploads struct {
	mu      sync.Mutex
	files   map[string][]byte
	deleted []string
}

func newMemoryUploads() *memoryUploads {
	return &memoryUploads{files: make(map[string][]byte)}
}

func (u *memoryUploads) Save(ctx context.Context, r io.Reader) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	id := "upload-" + string(rune('a'+len(u.files)))
	u.files[id] = data
	return id, nil
}

func (u *memoryUploads) Exists(ctx context.Context, uploadID string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.files[uploadID]
	return ok, nil
}

func (u *memoryUploads) Load(ctx context.Context, uploadID string) (*domain.Dataset, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	data, ok := u.files[uploadID]
	if !ok {
		return nil, domain.ErrDatasetLoad
	}
	return &domain.Dataset{UploadID: uploadID, FileName: uploadID + ".h5ad", Data: data}, nil
}

func (u *memoryUploads) Delete(ctx context.Context, uploadID string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.files, uploadID)
	u.deleted = append(u.deleted, uploadID)
	return nil
}

type memoryArtifacts struct {
	mu     sync.Mutex
	tables map[string]*domain.AnnotatedTable
}

func newMemoryArtifacts() *memoryArtifacts {
	return &memoryArtifacts{tables: make(map[string]*domain.AnnotatedTable)}
}

func (a *memoryArtifacts) SaveAnnotatedTable(ctx context.Context, workflowID string, table *domain.AnnotatedTable) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tables[workflowID] = table
	return nil
}

func (a *memoryArtifacts) OpenAnnotatedTable(ctx context.Context, workflowID string) (io.ReadCloser, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.tables[workflowID]; !ok {
		return nil, "", domain.ErrArtifactNotFound
	}
	return io.NopCloser(bytes.NewBufferString("cell_id\n")), "annotated_data_" + workflowID + ".csv", nil
}

// stubModel returns fixed probabilities regardless of input.
type stubModel struct {
	cellIDs       []string
	probabilities [][]float64
	labels        []string
	embedErr      error
	block         chan struct{}
	panicMsg      string
}

func (m *stubModel) Embed(ctx context.Context, dataset *domain.Dataset) (*domain.Embedding, error) {
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.block != nil {
		<-m.block
	}
	if m.embedErr != nil {
		return nil, m.embedErr
	}
	vectors := make([][]float64, len(m.cellIDs))
	for i := range vectors {
		vectors[i] = []float64{float64(i), 1}
	}
	return &domain.Embedding{CellIDs: m.cellIDs, Vectors: vectors}, nil
}

func (m *stubModel) Classify(ctx context.Context, embedding *domain.Embedding) (*domain.Classification, error) {
	return &domain.Classification{Probabilities: m.probabilities, Labels: m.labels}, nil
}

type stubRegistry map[string]domain.AnnotationModel

func (r stubRegistry) Get(name string) (domain.AnnotationModel, error) {
	m, ok := r[name]
	if !ok {
		return nil, domain.ErrUnknownModel
	}
	return m, nil
}

type identityProjector struct{}

func (identityProjector) Project(ctx context.Context, vectors [][]float64) ([]domain.Point, error) {
	points := make([]domain.Point, len(vectors))
	for i, v := range vectors {
		points[i] = domain.Point{X: v[0], Y: v[1]}
	}
	return points, nil
}

var errStoreDown = errors.New("store unavailable")
