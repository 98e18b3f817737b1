package handlers_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirka-internal/vps-agent/api/internal/api/handlers"
	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/core/services"
	"github.com/sirka-internal/vps-agent/api/internal/telemetry"
)

type fakeDeployService struct {
	lastReq    domain.DeploymentRequest
	deployErr  error
	restartErr error
	restarted  []string
	audit      []domain.AuditEvent
	auditLimit int
	history    map[string][]domain.DeploymentRecord
}

func (f *fakeDeployService) Deploy(_ context.Context, req domain.DeploymentRequest) (*domain.ActivationResult, error) {
	f.lastReq = req
	if f.deployErr != nil {
		return nil, f.deployErr
	}
	res := &domain.ActivationResult{
		ServedPath: "/var/www/sites/" + req.Site.ID + "/current",
		Backend:    domain.BackendHandle{Kind: domain.BackendIsolatedProcess, Name: "sirka-" + req.Site.ID},
		Policy:     domain.PolicyAtomicSwap,
		Digest:     "blake3:abc",
	}
	if req.Site.Domain != "" {
		d := req.Site.Domain
		res.Domain = &d
	}
	return res, nil
}

func (f *fakeDeployService) Restart(_ context.Context, siteID string) error {
	f.restarted = append(f.restarted, siteID)
	return f.restartErr
}

func (f *fakeDeployService) Status(context.Context) (*services.StatusReport, error) {
	return &services.StatusReport{Status: "ok", Runtime: domain.BackendSharedHost, SiteCount: 1, Sites: []string{"alpha"}}, nil
}

func (f *fakeDeployService) RecentAudit(_ context.Context, limit int) ([]domain.AuditEvent, error) {
	f.auditLimit = limit
	return f.audit, nil
}

func (f *fakeDeployService) History(_ context.Context, siteID string, _ int) ([]domain.DeploymentRecord, error) {
	return f.history[siteID], nil
}

func newHandler(svc *fakeDeployService) *handlers.DeploymentHandler {
	return handlers.NewDeploymentHandler(svc, telemetry.NewHub(), nil)
}

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/api/v1/deploy", strings.NewReader(body)))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestDeploy_Success(t *testing.T) {
	svc := &fakeDeployService{}
	h := newHandler(svc)

	rec := post(h.Deploy, `{"siteId":"alpha","siteName":"Alpha","domain":"alpha.example.com","zipData":"UEsDBA==","policy":"full-replace"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "alpha.example.com", body["domain"])
	assert.Equal(t, "/var/www/sites/alpha/current", body["path"])
	assert.Equal(t, "docker", body["runtime"])
	assert.NotEmpty(t, body["traceId"])
	assert.Equal(t, body["traceId"], rec.Header().Get(handlers.TraceIDHeader))

	assert.Equal(t, "UEsDBA==", svc.lastReq.Artifact.InlineBase64)
	assert.Equal(t, domain.PolicyFullReplace, svc.lastReq.Policy)
	assert.Equal(t, body["traceId"], svc.lastReq.TraceID)
}

func TestDeploy_CatchAllDomainIsNull(t *testing.T) {
	h := newHandler(&fakeDeployService{})

	rec := post(h.Deploy, `{"siteId":"alpha","siteName":"Alpha","artifactUrl":"https://cdn.example.com/a.zip"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"domain":null`)
}

func TestDeploy_KeepsClientTraceID(t *testing.T) {
	svc := &fakeDeployService{}
	h := newHandler(svc)
	const trace = "5f0c6b4e-8a53-4a0e-9d55-1f0b6f2b7c11"

	rec := post(h.Deploy, `{"siteId":"alpha","siteName":"Alpha","zipData":"x","traceId":"`+trace+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, trace, svc.lastReq.TraceID)
	assert.Equal(t, trace, rec.Header().Get(handlers.TraceIDHeader))
}

func TestDeploy_RequestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"siteId":`},
		{"missing site id", `{"siteName":"Alpha","zipData":"x"}`},
		{"missing site name", `{"siteId":"alpha","zipData":"x"}`},
		{"bad domain", `{"siteId":"alpha","siteName":"Alpha","domain":"not a host","zipData":"x"}`},
		{"bad url", `{"siteId":"alpha","siteName":"Alpha","artifactUrl":"::nope"}`},
		{"unknown policy", `{"siteId":"alpha","siteName":"Alpha","zipData":"x","policy":"yolo"}`},
		{"bad trace id", `{"siteId":"alpha","siteName":"Alpha","zipData":"x","traceId":"abc"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeDeployService{}
			rec := post(newHandler(svc).Deploy, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "InvalidRequest", decode(t, rec)["kind"])
			assert.Empty(t, svc.lastReq.Site.ID, "service not called")
		})
	}
}

func TestDeploy_ErrorMapping(t *testing.T) {
	tests := []struct {
		err     error
		status  int
		kind    string
		changed bool
	}{
		{domain.ErrNoArtifactSource, http.StatusBadRequest, "NoArtifactSource", false},
		{domain.ErrInvalidEncoding, http.StatusBadRequest, "InvalidEncoding", false},
		{domain.ErrPathTraversal, http.StatusUnprocessableEntity, "PathTraversalAttempt", false},
		{domain.ErrMalformedArchive, http.StatusUnprocessableEntity, "MalformedArchive", false},
		{domain.ErrChecksumMismatch, http.StatusUnprocessableEntity, "ChecksumMismatch", false},
		{&domain.FetchStatusError{URL: "https://x", StatusCode: 404}, http.StatusBadGateway, "FetchError", false},
		{domain.ErrFetchTimeout, http.StatusGatewayTimeout, "FetchTimeout", false},
		{domain.ErrActivation, http.StatusInternalServerError, "ActivationError", false},
		{fmt.Errorf("%w: %w", domain.ErrBackendActivation, domain.ErrConfigValidation), http.StatusInternalServerError, "ConfigValidationError", true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			svc := &fakeDeployService{deployErr: &domain.DeployError{
				SiteID: "alpha", Stage: domain.StageBackend, ContentChanged: tt.changed, Err: tt.err,
			}}
			rec := post(newHandler(svc).Deploy, `{"siteId":"alpha","siteName":"Alpha","zipData":"x"}`)

			assert.Equal(t, tt.status, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, "Deployment failed", body["error"])
			assert.Equal(t, tt.kind, body["kind"])
			assert.Equal(t, "backend", body["stage"])
			assert.Equal(t, tt.changed, body["content_changed"])
		})
	}
}

func TestRestartStatusAudit(t *testing.T) {
	svc := &fakeDeployService{
		audit: []domain.AuditEvent{{Action: "deploy", SiteID: "alpha", Status: domain.AuditStatusSuccess}},
	}
	h := newHandler(svc)

	rec := post(h.Restart, `{"siteId":"alpha"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"alpha"}, svc.restarted)

	rec = post(h.Restart, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.restartErr = &domain.DeployError{SiteID: "alpha", Stage: domain.StageRestart, Err: domain.ErrReloadFailed}
	rec = post(h.Restart, `{"siteId":"alpha"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "ReloadError", decode(t, rec)["kind"])

	rec = httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, "system", status["runtime"])
	assert.Equal(t, float64(1), status["sites"])
	assert.Equal(t, []any{"alpha"}, status["deployedSites"])

	rec = httptest.NewRecorder()
	h.Audit(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit?limit=5000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1000, svc.auditLimit, "limit is capped")
	assert.Len(t, decode(t, rec)["events"], 1)

	rec = httptest.NewRecorder()
	h.Audit(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit?limit=-1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistory(t *testing.T) {
	svc := &fakeDeployService{history: map[string][]domain.DeploymentRecord{
		"alpha": {{TraceID: "t1", SiteID: "alpha", State: domain.StateActive}},
	}}
	h := newHandler(svc)
	r := chi.NewRouter()
	r.Get("/sites/{id}/deployments", h.History)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites/alpha/deployments", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["deployments"], 1)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites/beta/deployments", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deployments":[]`)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sites/..bad/deployments", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
