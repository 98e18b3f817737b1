package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one entry of the agent's audit trail. Every deploy and restart
// produces exactly one, success or failure.
type AuditEvent struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	Timestamp      time.Time   `json:"timestamp" db:"created_at"`
	Action         string      `json:"action" db:"action"` // deploy, restart
	SiteID         string      `json:"siteId" db:"site_id"`
	SiteName       string      `json:"siteName,omitempty" db:"site_name"`
	Status         string      `json:"status" db:"status"` // success, failed
	Runtime        BackendKind `json:"runtime,omitempty" db:"runtime"`
	Domain         string      `json:"domain,omitempty" db:"domain"`
	TraceID        string      `json:"traceId,omitempty" db:"trace_id"`
	Stage          Stage       `json:"stage,omitempty" db:"stage"`
	ContentChanged bool        `json:"contentChanged,omitempty" db:"content_changed"`
	Error          string      `json:"error,omitempty" db:"error"`
}

const (
	AuditStatusSuccess = "success"
	AuditStatusFailed  = "failed"
)

// AuditRepository persists the audit trail. Implementations must be safe for
// concurrent use.
type AuditRepository interface {
	Append(ctx context.Context, event *AuditEvent) error
	// Recent returns at most limit events, most recent first.
	Recent(ctx context.Context, limit int) ([]AuditEvent, error)
}

// DeploymentRecord tracks one deployment attempt from acceptance to its terminal
// state.
type DeploymentRecord struct {
	TraceID        string           `json:"trace_id" db:"trace_id"`
	SiteID         string           `json:"site_id" db:"site_id"`
	Policy         ActivationPolicy `json:"policy" db:"policy"`
	State          ActivationState  `json:"state" db:"state"`
	Digest         string           `json:"digest,omitempty" db:"digest"`
	ServedPath     string           `json:"path,omitempty" db:"served_path"`
	FailedStage    string           `json:"failed_stage,omitempty" db:"failed_stage"`
	ContentChanged bool             `json:"content_changed" db:"content_changed"`
	StartedAt      time.Time        `json:"started_at" db:"started_at"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty" db:"finished_at"`
}

// DeploymentRepository keeps deployment history for operators.
type DeploymentRepository interface {
	Start(ctx context.Context, rec *DeploymentRecord) error
	Finish(ctx context.Context, rec *DeploymentRecord) error
	ListBySite(ctx context.Context, siteID string, limit int) ([]DeploymentRecord, error)
}
