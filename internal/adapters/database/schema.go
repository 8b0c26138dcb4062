package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const MigrationSQL = `
-- Reference catalog
CREATE TABLE IF NOT EXISTS models (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	speed TEXT NOT NULL CHECK (speed IN ('fast', 'medium', 'slow')),
	recommended BOOLEAN NOT NULL DEFAULT FALSE,
	accuracy DOUBLE PRECISION,
	attributes TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS applications (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	description TEXT,
	time_estimation_min INTEGER,
	time_estimation_max INTEGER,
	is_new BOOLEAN NOT NULL DEFAULT TRUE,
	attributes TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS application_models (
	application_id BIGINT NOT NULL REFERENCES applications(id) ON DELETE CASCADE,
	model_id BIGINT NOT NULL REFERENCES models(id) ON DELETE CASCADE,
	PRIMARY KEY (application_id, model_id)
);

-- Workflows
CREATE TABLE IF NOT EXISTS workflows (
	id UUID PRIMARY KEY,
	application_id BIGINT NOT NULL REFERENCES applications(id),
	model_id BIGINT NOT NULL REFERENCES models(id),
	upload_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	stage TEXT,
	job_handle TEXT,
	result JSONB,
	error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	started_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_workflows_orphaned ON workflows(created_at) WHERE status = 'pending' AND job_handle IS NULL;
CREATE INDEX IF NOT EXISTS idx_workflows_running ON workflows(started_at) WHERE status = 'running';
`

const SeedSQL = `
INSERT INTO models (name, speed, recommended, accuracy, attributes) VALUES
	('Geneformer', 'fast', TRUE, 94, ARRAY['Pre-trained', 'High accuracy', 'Cell type annotation']),
	('scGPT', 'slow', FALSE, 93, ARRAY['Generative', 'Multi-task', 'State-of-the-art'])
ON CONFLICT (name) DO NOTHING;

INSERT INTO applications (name, description, time_estimation_min, time_estimation_max, is_new, attributes) VALUES
	('Cell type annotation', 'Annotate cell types in single-cell RNA-seq data', 5, 30, TRUE, ARRAY['scRNA-seq', 'Classification'])
ON CONFLICT (name) DO NOTHING;

INSERT INTO application_models (application_id, model_id)
SELECT a.id, m.id FROM applications a, models m
WHERE a.name = 'Cell type annotation' AND m.name IN ('Geneformer', 'scGPT')
ON CONFLICT DO NOTHING;
`

// Migrate creates the schema and seeds the reference catalog. It is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, MigrationSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	if _, err := pool.Exec(ctx, SeedSQL); err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}
	return nil
}
