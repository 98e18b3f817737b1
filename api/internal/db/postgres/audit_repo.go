package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// AuditRepository implements domain.AuditRepository on PostgreSQL.
type AuditRepository struct {
	pool *pgxpool.Pool
}

func NewAuditRepository(pool *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{pool: pool}
}

// Append persists one audit event. ID and timestamp are filled in when unset.
func (r *AuditRepository) Append(ctx context.Context, event *domain.AuditEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	const query = `
		INSERT INTO agent_audit_events
			(id, created_at, action, site_id, site_name, status, runtime, domain, trace_id, stage, content_changed, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.pool.Exec(ctx, query,
		event.ID,
		event.Timestamp,
		event.Action,
		event.SiteID,
		event.SiteName,
		event.Status,
		string(event.Runtime),
		event.Domain,
		event.TraceID,
		string(event.Stage),
		event.ContentChanged,
		event.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit event: %w", err)
	}
	return nil
}

// Recent returns the newest events first.
func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, created_at, action, site_id, site_name, status, runtime, domain, trace_id, stage, content_changed, error
		FROM agent_audit_events
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch audit events: %w", err)
	}
	defer rows.Close()

	return pgx.CollectRows(rows, pgx.RowToStructByName[domain.AuditEvent])
}
