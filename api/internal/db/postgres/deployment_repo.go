package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// DeploymentRepository keeps deployment history through database/sql, so it
// runs on the pgx stdlib driver.
type DeploymentRepository struct {
	db *sqlx.DB
}

func NewDeploymentRepository(db *sqlx.DB) *DeploymentRepository {
	return &DeploymentRepository{db: db}
}

// Start records a deployment as accepted.
func (r *DeploymentRepository) Start(ctx context.Context, rec *domain.DeploymentRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	const query = `
		INSERT INTO agent_deployments (trace_id, site_id, policy, state, started_at)
		VALUES (:trace_id, :site_id, :policy, :state, :started_at)
		ON CONFLICT (trace_id) DO NOTHING
	`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("recording deployment start: %w", err)
	}
	return nil
}

// Finish stores the terminal state of a deployment.
func (r *DeploymentRepository) Finish(ctx context.Context, rec *domain.DeploymentRecord) error {
	if rec.FinishedAt == nil {
		now := time.Now().UTC()
		rec.FinishedAt = &now
	}
	const query = `
		UPDATE agent_deployments
		SET policy = :policy, state = :state, digest = :digest, served_path = :served_path,
			failed_stage = :failed_stage, content_changed = :content_changed, finished_at = :finished_at
		WHERE trace_id = :trace_id
	`
	if _, err := r.db.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("recording deployment result: %w", err)
	}
	return nil
}

// ListBySite returns a site's deployments, newest first.
func (r *DeploymentRepository) ListBySite(ctx context.Context, siteID string, limit int) ([]domain.DeploymentRecord, error) {
	var records []domain.DeploymentRecord
	const query = `
		SELECT trace_id, site_id, policy, state, digest, served_path, failed_stage, content_changed, started_at, finished_at
		FROM agent_deployments
		WHERE site_id = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	err := r.db.SelectContext(ctx, &records, query, siteID, limit)
	return records, err
}
