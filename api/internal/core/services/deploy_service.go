package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// ArtifactResolver turns an ArtifactRef into archive bytes.
type ArtifactResolver interface {
	Resolve(ctx context.Context, ref domain.ArtifactRef) ([]byte, error)
}

// StatusReport is the agent's self-description for the platform.
type StatusReport struct {
	Status        string             `json:"status"`
	Runtime       domain.BackendKind `json:"runtime"`
	Platform      string             `json:"platform,omitempty"`
	UptimeSeconds float64            `json:"uptime"`
	SiteCount     int                `json:"sites"`
	Sites         []string           `json:"deployedSites"`
}

// DeployService is the entry point for every deploy and restart. It resolves the
// artifact, delegates to the ActivationManager and records the outcome in the
// audit trail, the deployment history and the live event stream.
type DeployService struct {
	source   ArtifactResolver
	manager  *ActivationManager
	audit    domain.AuditRepository
	history  domain.DeploymentRepository
	events   domain.EventPublisher
	platform string
	started  time.Time
	logger   *slog.Logger
}

// DeployServiceConfig wires a DeployService. History and Events are optional.
type DeployServiceConfig struct {
	Source      ArtifactResolver
	Manager     *ActivationManager
	Audit       domain.AuditRepository
	History     domain.DeploymentRepository
	Events      domain.EventPublisher
	PlatformURL string
	Logger      *slog.Logger
}

func NewDeployService(cfg DeployServiceConfig) *DeployService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DeployService{
		source:   cfg.Source,
		manager:  cfg.Manager,
		audit:    cfg.Audit,
		history:  cfg.History,
		events:   cfg.Events,
		platform: cfg.PlatformURL,
		started:  time.Now(),
		logger:   logger,
	}
}

// Deploy runs one deployment to completion. Errors are *domain.DeployError.
func (s *DeployService) Deploy(ctx context.Context, req domain.DeploymentRequest) (*domain.ActivationResult, error) {
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now().UTC()
	}
	log := s.logger.With(slog.String("site_id", req.Site.ID), slog.String("trace_id", req.TraceID))
	log.Info("Deployment requested", slog.String("site_name", req.Site.Name), slog.String("domain", req.Site.Domain))

	rec := &domain.DeploymentRecord{
		TraceID:   req.TraceID,
		SiteID:    req.Site.ID,
		Policy:    req.Policy,
		State:     domain.StateIdle,
		StartedAt: req.RequestedAt,
	}
	s.recordStart(ctx, rec, log)
	s.publish(req, domain.DeploymentEvent{State: domain.StateIdle, Message: "deployment accepted"})

	result, err := s.deploy(ctx, req, log)

	finished := time.Now().UTC()
	rec.FinishedAt = &finished
	event := &domain.AuditEvent{
		Action:   "deploy",
		SiteID:   req.Site.ID,
		SiteName: req.Site.Name,
		Runtime:  s.manager.Backend().Kind(),
		Domain:   req.Site.Domain,
		TraceID:  req.TraceID,
	}

	if err != nil {
		var de *domain.DeployError
		if errors.As(err, &de) {
			event.Stage = de.Stage
			event.ContentChanged = de.ContentChanged
			rec.FailedStage = string(de.Stage)
			rec.ContentChanged = de.ContentChanged
		}
		event.Status = domain.AuditStatusFailed
		event.Error = err.Error()
		switch {
		case rec.ContentChanged:
			rec.State = domain.StateActive
		case rec.FailedStage == string(domain.StageSwap):
			rec.State = domain.StateRolledBack
		default:
			rec.State = domain.StateIdle
		}
		log.Error("Deployment failed", slog.String("kind", domain.Kind(err)), slog.Any("error", err))
	} else {
		event.Status = domain.AuditStatusSuccess
		rec.State = domain.StateActive
		rec.Policy = result.Policy
		rec.Digest = result.Digest
		rec.ServedPath = result.ServedPath
		rec.ContentChanged = true
		log.Info("Deployment completed", slog.String("path", result.ServedPath), slog.String("digest", result.Digest))
	}

	// Bookkeeping must survive a client that went away mid-deploy.
	bg := context.WithoutCancel(ctx)
	s.recordAudit(bg, event, log)
	s.recordFinish(bg, rec, log)
	return result, err
}

func (s *DeployService) deploy(ctx context.Context, req domain.DeploymentRequest, log *slog.Logger) (*domain.ActivationResult, error) {
	if err := req.Site.Validate(); err != nil {
		return nil, s.failEarly(req, domain.StageValidate, err)
	}

	s.publish(req, domain.DeploymentEvent{Stage: domain.StageResolve, Message: "resolving artifact"})
	archive, err := s.source.Resolve(ctx, req.Artifact)
	if err != nil {
		return nil, s.failEarly(req, domain.StageResolve, err)
	}
	log.Debug("Artifact resolved", slog.Int("bytes", len(archive)))

	return s.manager.Activate(ctx, req, archive)
}

func (s *DeployService) failEarly(req domain.DeploymentRequest, stage domain.Stage, err error) error {
	s.publish(req, domain.DeploymentEvent{Stage: stage, Message: err.Error(), Final: true})
	return &domain.DeployError{SiteID: req.Site.ID, Stage: stage, Err: err}
}

// Restart re-applies the runtime backend for a deployed site.
func (s *DeployService) Restart(ctx context.Context, siteID string) error {
	err := s.manager.Restart(ctx, siteID)

	event := &domain.AuditEvent{
		Action:  "restart",
		SiteID:  siteID,
		Runtime: s.manager.Backend().Kind(),
		Status:  domain.AuditStatusSuccess,
	}
	if err != nil {
		event.Status = domain.AuditStatusFailed
		event.Stage = domain.StageRestart
		event.Error = err.Error()
		s.logger.Error("Restart failed", slog.String("site_id", siteID), slog.Any("error", err))
	}
	s.recordAudit(context.WithoutCancel(ctx), event, s.logger)
	return err
}

// Sites lists the sites the runtime backend currently serves.
func (s *DeployService) Sites(ctx context.Context) ([]string, error) {
	sites, err := s.manager.Backend().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing %s sites: %w", s.manager.Backend().Kind(), err)
	}
	return sites, nil
}

// Status reports the runtime, uptime and served sites.
func (s *DeployService) Status(ctx context.Context) (*StatusReport, error) {
	sites, err := s.Sites(ctx)
	if err != nil {
		return nil, err
	}
	if sites == nil {
		sites = []string{}
	}
	return &StatusReport{
		Status:        "ok",
		Runtime:       s.manager.Backend().Kind(),
		Platform:      s.platform,
		UptimeSeconds: time.Since(s.started).Seconds(),
		SiteCount:     len(sites),
		Sites:         sites,
	}, nil
}

// Runtime is the backend kind chosen at startup.
func (s *DeployService) Runtime() domain.BackendKind {
	return s.manager.Backend().Kind()
}

// RecentAudit returns at most limit audit events, most recent first.
func (s *DeployService) RecentAudit(ctx context.Context, limit int) ([]domain.AuditEvent, error) {
	if s.audit == nil {
		return []domain.AuditEvent{}, nil
	}
	return s.audit.Recent(ctx, limit)
}

// History returns a site's most recent deployment records.
func (s *DeployService) History(ctx context.Context, siteID string, limit int) ([]domain.DeploymentRecord, error) {
	if s.history == nil {
		return []domain.DeploymentRecord{}, nil
	}
	return s.history.ListBySite(ctx, siteID, limit)
}

// 🛡️ Audit and history writes are logged on failure and never change the outcome
// of the deployment they describe.

func (s *DeployService) recordAudit(ctx context.Context, event *domain.AuditEvent, log *slog.Logger) {
	if s.audit == nil {
		return
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if err := s.audit.Append(ctx, event); err != nil {
		log.Warn("Failed to write audit event", slog.String("action", event.Action), slog.Any("error", err))
	}
}

func (s *DeployService) recordStart(ctx context.Context, rec *domain.DeploymentRecord, log *slog.Logger) {
	if s.history == nil {
		return
	}
	if err := s.history.Start(ctx, rec); err != nil {
		log.Warn("Failed to record deployment start", slog.Any("error", err))
	}
}

func (s *DeployService) recordFinish(ctx context.Context, rec *domain.DeploymentRecord, log *slog.Logger) {
	if s.history == nil {
		return
	}
	if err := s.history.Finish(ctx, rec); err != nil {
		log.Warn("Failed to record deployment result", slog.Any("error", err))
	}
}

func (s *DeployService) publish(req domain.DeploymentRequest, ev domain.DeploymentEvent) {
	if s.events == nil {
		return
	}
	ev.TraceID = req.TraceID
	ev.SiteID = req.Site.ID
	ev.Timestamp = time.Now().UTC()
	s.events.Publish(ev)
}
