package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/core/services"
	"github.com/sirka-internal/vps-agent/api/internal/telemetry"
)

// Use a single instance of Validate, it caches struct info
var validate = validator.New()

const (
	// TraceIDHeader echoes the deployment's trace id on every deploy response.
	TraceIDHeader = "X-Trace-Id"

	defaultListLimit = 50
	maxListLimit     = 1000
)

// DeployService is what the HTTP surface needs from the core.
type DeployService interface {
	Deploy(ctx context.Context, req domain.DeploymentRequest) (*domain.ActivationResult, error)
	Restart(ctx context.Context, siteID string) error
	Status(ctx context.Context) (*services.StatusReport, error)
	RecentAudit(ctx context.Context, limit int) ([]domain.AuditEvent, error)
	History(ctx context.Context, siteID string, limit int) ([]domain.DeploymentRecord, error)
}

// DeployRequest is the body of POST /deploy. Exactly one of ArtifactURL and
// ZipData must be set.
type DeployRequest struct {
	SiteID      string `json:"siteId" validate:"required,max=63"`
	SiteName    string `json:"siteName" validate:"required,max=255"`
	Domain      string `json:"domain" validate:"omitempty,fqdn,max=253"`
	ArtifactURL string `json:"artifactUrl" validate:"omitempty,url"`
	ZipData     string `json:"zipData"`
	Checksum    string `json:"checksum" validate:"omitempty,max=200"`
	Policy      string `json:"policy" validate:"omitempty,oneof=atomic-swap full-replace"`
	TraceID     string `json:"traceId" validate:"omitempty,uuid4"`
}

type RestartRequest struct {
	SiteID string `json:"siteId" validate:"required,max=63"`
}

// DeployResponse is returned for a successful deployment.
type DeployResponse struct {
	Success bool                    `json:"success"`
	Message string                  `json:"message"`
	Domain  *string                 `json:"domain"`
	Path    string                  `json:"path"`
	Runtime domain.BackendKind      `json:"runtime"`
	Policy  domain.ActivationPolicy `json:"policy"`
	Digest  string                  `json:"digest,omitempty"`
	TraceID string                  `json:"traceId"`
	Backend domain.BackendHandle    `json:"backend"`
}

type DeploymentHandler struct {
	service DeployService
	hub     *telemetry.Hub
	logger  *slog.Logger
}

func NewDeploymentHandler(service DeployService, hub *telemetry.Hub, logger *slog.Logger) *DeploymentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeploymentHandler{service: service, hub: hub, logger: logger}
}

// Deploy handles POST /api/v1/deploy. The call returns once the site is live or
// the deployment has failed; clients that want progress subscribe to the trace id
// first.
func (h *DeploymentHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		HandleError(w, "Invalid JSON payload", fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err))
		return
	}
	if err := validate.Struct(req); err != nil {
		HandleError(w, "Invalid deployment request", err)
		return
	}

	dreq := domain.DeploymentRequest{
		Site: domain.Site{ID: req.SiteID, Name: req.SiteName, Domain: req.Domain},
		Artifact: domain.ArtifactRef{
			InlineBase64: req.ZipData,
			URL:          req.ArtifactURL,
			Checksum:     req.Checksum,
		},
		Policy:  domain.ActivationPolicy(req.Policy),
		TraceID: req.TraceID,
	}
	if dreq.TraceID == "" {
		dreq.TraceID = uuid.NewString()
	}
	w.Header().Set(TraceIDHeader, dreq.TraceID)

	result, err := h.service.Deploy(r.Context(), dreq)
	if err != nil {
		HandleError(w, "Deployment failed", err)
		return
	}

	writeJSON(w, http.StatusOK, DeployResponse{
		Success: true,
		Message: "Deployment successful",
		Domain:  result.Domain,
		Path:    result.ServedPath,
		Runtime: result.Backend.Kind,
		Policy:  result.Policy,
		Digest:  result.Digest,
		TraceID: dreq.TraceID,
		Backend: result.Backend,
	})
}

// Restart handles POST /api/v1/restart.
func (h *DeploymentHandler) Restart(w http.ResponseWriter, r *http.Request) {
	var req RestartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		HandleError(w, "Invalid JSON payload", fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err))
		return
	}
	if err := validate.Struct(req); err != nil {
		HandleError(w, "Invalid restart request", err)
		return
	}

	if err := h.service.Restart(r.Context(), req.SiteID); err != nil {
		HandleError(w, "Restart failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Site restarted successfully",
		"siteId":  req.SiteID,
	})
}

// Status handles GET /api/v1/status.
func (h *DeploymentHandler) Status(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Status(r.Context())
	if err != nil {
		HandleError(w, "Status check failed", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Audit handles GET /api/v1/audit?limit=N.
func (h *DeploymentHandler) Audit(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		HandleError(w, "Invalid limit", err)
		return
	}
	events, err := h.service.RecentAudit(r.Context(), limit)
	if err != nil {
		HandleError(w, "Audit log unavailable", err)
		return
	}
	if events == nil {
		events = []domain.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// History handles GET /api/v1/sites/{id}/deployments.
func (h *DeploymentHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		HandleError(w, "Invalid limit", err)
		return
	}
	siteID := chi.URLParam(r, "id")
	if err := (domain.Site{ID: siteID, Name: siteID}).Validate(); err != nil {
		HandleError(w, "Invalid site id", err)
		return
	}

	records, err := h.service.History(r.Context(), siteID, limit)
	if err != nil {
		HandleError(w, "Deployment history unavailable", err)
		return
	}
	if records == nil {
		records = []domain.DeploymentRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"siteId": siteID, "deployments": records})
}

// StreamEvents handles GET /api/v1/deployments/{trace_id}/events as server-sent
// events, for clients that cannot speak websocket.
func (h *DeploymentHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := h.hub.Subscribe(traceID)
	defer h.hub.Unsubscribe(traceID, events)

	rc := http.NewResponseController(w)
	fmt.Fprintf(w, "event: connected\ndata: {\"trace_id\": %q}\n\n", traceID)
	if err := rc.Flush(); err != nil {
		return
	}

	keepAlive := time.NewTicker(pingPeriod)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		case ev := <-events:
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("Failed to encode deployment event", slog.Any("error", err))
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			if err := rc.Flush(); err != nil {
				return
			}
			if ev.Final {
				return
			}
		}
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", domain.ErrInvalidRequest)
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
