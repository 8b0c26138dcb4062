package database

import (
	"cellflow/internal/domain"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresWorkflowRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresWorkflowRepository(pool *pgxpool.Pool) domain.WorkflowRepository {
	return &PostgresWorkflowRepository{pool: pool}
}

const workflowColumns = `id, application_id, model_id, upload_id, status, stage, job_handle, result, error, created_at, started_at, updated_at`

func (r *PostgresWorkflowRepository) CreateWorkflow(ctx context.Context, workflow *domain.Workflow) error {
	if workflow.Status == "" {
		workflow.Status = domain.WorkflowStatusPending
	}

	query := `
		INSERT INTO workflows (id, application_id, model_id, upload_id, status, job_handle)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		workflow.ID,
		workflow.ApplicationID,
		workflow.ModelID,
		workflow.UploadID,
		workflow.Status,
		workflow.JobHandle,
	).Scan(&workflow.CreatedAt, &workflow.UpdatedAt)
	if err != nil {
		return mapError(err, workflow.ID)
	}
	return nil
}

func (r *PostgresWorkflowRepository) GetWorkflow(ctx context.Context, id string) (*domain.Workflow, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE id = $1`

	wf, err := scanWorkflow(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, mapError(err, id)
	}
	return wf, nil
}

func (r *PostgresWorkflowRepository) SetStatus(ctx context.Context, id string, status domain.WorkflowStatus) error {
	if err := checkID(id); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}

	query := `
		UPDATE workflows
		SET status = $2,
			started_at = CASE WHEN $2 = 'running' THEN NOW() ELSE started_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`

	from := domain.PredecessorsOf(status)
	if status == domain.WorkflowStatusRunning {
		// A redelivered job restarts the clock.
		from = append(from, domain.WorkflowStatusRunning)
	}

	tag, err := r.pool.Exec(ctx, query, id, status, statusStrings(from))
	if err != nil {
		return mapError(err, id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := r.currentStatus(ctx, id)
	if err != nil {
		return err
	}
	if current == status {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, status)
}

// SetResult writes the terminal outcome in a single statement, so readers see
// either the previous row or the complete result.
func (r *PostgresWorkflowRepository) SetResult(ctx context.Context, id string, result json.RawMessage, status domain.WorkflowStatus, errMsg string) error {
	if err := checkID(id); err != nil {
		return err
	}
	if err := checkOutcome(result, status); err != nil {
		return err
	}

	var resultArg, errArg any
	if len(result) > 0 {
		resultArg = string(result)
	}
	if errMsg != "" {
		errArg = errMsg
	}

	query := `
		UPDATE workflows
		SET status = $2, result = $3::jsonb, error = $4, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')`

	tag, err := r.pool.Exec(ctx, query, id, status, resultArg, errArg)
	if err != nil {
		return mapError(err, id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Already finished: identical writes are no-ops, anything else conflicts.
	var current domain.WorkflowStatus
	var same bool
	err = r.pool.QueryRow(ctx, `
		SELECT status,
			(result IS NOT DISTINCT FROM $2::jsonb) AND (error IS NOT DISTINCT FROM $3)
		FROM workflows WHERE id = $1`, id, resultArg, errArg).Scan(&current, &same)
	if err != nil {
		return mapError(err, id)
	}
	if current == status && same {
		return nil
	}
	return fmt.Errorf("%w: workflow %s is %s", domain.ErrResultConflict, id, current)
}

// checkOutcome enforces that a result is present iff the workflow completed.
func checkOutcome(result json.RawMessage, status domain.WorkflowStatus) error {
	switch {
	case !status.Terminal():
		return fmt.Errorf("%w: %s is not a terminal status", domain.ErrInvalidTransition, status)
	case status == domain.WorkflowStatusCompleted && len(result) == 0:
		return fmt.Errorf("%w: completed without a result", domain.ErrInvalidTransition)
	case status == domain.WorkflowStatusFailed && len(result) > 0:
		return fmt.Errorf("%w: failed with a result", domain.ErrInvalidTransition)
	}
	return nil
}

func (r *PostgresWorkflowRepository) SetStage(ctx context.Context, id string, stage string) error {
	if err := checkID(id); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE workflows SET stage = $2, updated_at = NOW() WHERE id = $1`, id, stage)
	if err != nil {
		return mapError(err, id)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWorkflowNotFound
	}
	return nil
}

func (r *PostgresWorkflowRepository) SetJobHandle(ctx context.Context, id string, handle string) error {
	if err := checkID(id); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE workflows SET job_handle = $2, updated_at = NOW() WHERE id = $1`, id, handle)
	if err != nil {
		return mapError(err, id)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWorkflowNotFound
	}
	return nil
}

func (r *PostgresWorkflowRepository) ListOrphaned(ctx context.Context, createdBefore, staleBefore time.Time, limit int) ([]*domain.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE status = 'pending'
			AND ((job_handle IS NULL AND created_at < $1) OR (job_handle IS NOT NULL AND updated_at < $2))
		ORDER BY created_at
		LIMIT $3`
	return r.list(ctx, query, createdBefore, staleBefore, limit)
}

func (r *PostgresWorkflowRepository) ListTimedOut(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Workflow, error) {
	query := `
		SELECT ` + workflowColumns + `
		FROM workflows
		WHERE status = 'running' AND started_at < $1
		ORDER BY started_at
		LIMIT $2`
	return r.list(ctx, query, startedBefore, limit)
}

func (r *PostgresWorkflowRepository) list(ctx context.Context, query string, args ...any) ([]*domain.Workflow, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (r *PostgresWorkflowRepository) currentStatus(ctx context.Context, id string) (domain.WorkflowStatus, error) {
	var status domain.WorkflowStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM workflows WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return "", mapError(err, id)
	}
	return status, nil
}

func scanWorkflow(row pgx.Row) (*domain.Workflow, error) {
	var wf domain.Workflow
	var result []byte
	err := row.Scan(
		&wf.ID,
		&wf.ApplicationID,
		&wf.ModelID,
		&wf.UploadID,
		&wf.Status,
		&wf.Stage,
		&wf.JobHandle,
		&result,
		&wf.Error,
		&wf.CreatedAt,
		&wf.StartedAt,
		&wf.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if result != nil {
		wf.Result = json.RawMessage(result)
	}
	return &wf, nil
}

func statusStrings(statuses []domain.WorkflowStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// checkID rejects ids that cannot name a workflow before they reach the driver.
func checkID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	return nil
}

// mapError translates driver errors into domain errors for a workflow id.
func mapError(err error, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.UniqueViolation:
			return fmt.Errorf("%w: %s", domain.ErrDuplicateID, id)
		case pgerrcode.InvalidTextRepresentation:
			// Not a UUID, so it cannot name a workflow.
			return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, id)
		}
	}
	return err
}
