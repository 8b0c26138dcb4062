package database

import (
	"cellflow/internal/domain"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

type PostgresCatalogRepository struct {
	db *sql.DB
}

func NewPostgresCatalogRepository(db *sql.DB) domain.CatalogRepository {
	return &PostgresCatalogRepository{db: db}
}

const modelColumns = `m.id, m.name, m.description, m.speed, m.recommended, m.accuracy, m.attributes`

const applicationColumns = `id, name, description, time_estimation_min, time_estimation_max, is_new, attributes`

func (r *PostgresCatalogRepository) ListModels(ctx context.Context) ([]*domain.Model, error) {
	return r.queryModels(ctx, `SELECT `+modelColumns+` FROM models m ORDER BY m.id`)
}

func (r *PostgresCatalogRepository) GetModel(ctx context.Context, id int64) (*domain.Model, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models m WHERE m.id = $1`, id)
	model, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrModelNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return model, nil
}

func (r *PostgresCatalogRepository) ListApplications(ctx context.Context) ([]*domain.Application, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+applicationColumns+` FROM applications ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var applications []*domain.Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		applications = append(applications, app)
	}
	return applications, rows.Err()
}

func (r *PostgresCatalogRepository) GetApplication(ctx context.Context, id int64) (*domain.Application, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	app, err := scanApplication(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrApplicationNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	app.Models, err = r.queryModels(ctx, `
		SELECT `+modelColumns+`
		FROM models m
		JOIN application_models am ON am.model_id = m.id
		WHERE am.application_id = $1
		ORDER BY m.id`, id)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func (r *PostgresCatalogRepository) queryModels(ctx context.Context, query string, args ...any) ([]*domain.Model, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	models := []*domain.Model{}
	for rows.Next() {
		model, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, model)
	}
	return models, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*domain.Model, error) {
	var m domain.Model
	var description sql.NullString
	var accuracy sql.NullFloat64
	var attributes pq.StringArray
	if err := row.Scan(&m.ID, &m.Name, &description, &m.Speed, &m.Recommended, &accuracy, &attributes); err != nil {
		return nil, err
	}
	if description.Valid {
		m.Description = &description.String
	}
	if accuracy.Valid {
		m.Accuracy = &accuracy.Float64
	}
	m.Attributes = []string(attributes)
	if m.Attributes == nil {
		m.Attributes = []string{}
	}
	return &m, nil
}

func scanApplication(row rowScanner) (*domain.Application, error) {
	var a domain.Application
	var description sql.NullString
	var minutesMin, minutesMax sql.NullInt64
	var attributes pq.StringArray
	if err := row.Scan(&a.ID, &a.Name, &description, &minutesMin, &minutesMax, &a.IsNew, &attributes); err != nil {
		return nil, err
	}
	if description.Valid {
		a.Description = &description.String
	}
	if minutesMin.Valid {
		v := int(minutesMin.Int64)
		a.TimeEstimationMin = &v
	}
	if minutesMax.Valid {
		v := int(minutesMax.Int64)
		a.TimeEstimationMax = &v
	}
	a.Attributes = []string(attributes)
	if a.Attributes == nil {
		a.Attributes = []string{}
	}
	return &a, nil
}
