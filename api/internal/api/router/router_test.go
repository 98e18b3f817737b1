package router_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sirka-internal/vps-agent/api/internal/api/handlers"
	"github.com/sirka-internal/vps-agent/api/internal/api/middleware"
	"github.com/sirka-internal/vps-agent/api/internal/api/router"
	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/core/services"
	deliveryhttp "github.com/sirka-internal/vps-agent/api/internal/delivery/http"
	"github.com/sirka-internal/vps-agent/api/internal/telemetry"
)

type stubService struct{}

func (stubService) Deploy(context.Context, domain.DeploymentRequest) (*domain.ActivationResult, error) {
	return &domain.ActivationResult{Backend: domain.BackendHandle{Kind: domain.BackendSharedHost}}, nil
}
func (stubService) Restart(context.Context, string) error { return nil }
func (stubService) Status(context.Context) (*services.StatusReport, error) {
	return &services.StatusReport{Status: "ok"}, nil
}
func (stubService) RecentAudit(context.Context, int) ([]domain.AuditEvent, error) { return nil, nil }
func (stubService) History(context.Context, string, int) ([]domain.DeploymentRecord, error) {
	return nil, nil
}

type tokenVerifier string

func (v tokenVerifier) Verify(_ context.Context, token string) (bool, error) {
	return token == string(v), nil
}

func newRouter() http.Handler {
	hub := telemetry.NewHub()
	return router.NewRouter(router.RouterConfig{
		AllowedOrigins: []string{"https://app.sirka.io"},
		DeployHandler:  handlers.NewDeploymentHandler(stubService{}, hub, nil),
		WSHandler:      handlers.NewWebSocketHandler(hub, nil),
		HealthHandler:  deliveryhttp.NewHealthHandler(domain.BackendSharedHost, nil),
		AuthMiddleware: middleware.NewAuthMiddleware(tokenVerifier("secret"), nil),
		RateLimiter:    middleware.NewRateLimiter(100, 100),
	})
}

func TestRouter_Routes(t *testing.T) {
	r := newRouter()

	tests := []struct {
		method, path, token, body string
		want                      int
	}{
		{http.MethodGet, "/health", "", "", http.StatusOK},
		{http.MethodGet, "/ping", "", "", http.StatusOK},
		{http.MethodGet, "/api/v1/status", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/status", "wrong", "", http.StatusForbidden},
		{http.MethodGet, "/api/v1/status", "secret", "", http.StatusOK},
		{http.MethodGet, "/status", "secret", "", http.StatusOK},
		{http.MethodPost, "/deploy", "secret", `{"siteId":"a","siteName":"A","zipData":"x"}`, http.StatusOK},
		{http.MethodPost, "/api/v1/restart", "secret", `{"siteId":"a"}`, http.StatusOK},
		{http.MethodGet, "/api/v1/audit", "secret", "", http.StatusOK},
		{http.MethodGet, "/api/v1/sites/a/deployments", "secret", "", http.StatusOK},
		{http.MethodGet, "/ws/deployments/nope", "secret", "", http.StatusBadRequest},
		{http.MethodGet, "/ws/deployments/nope", "", "", http.StatusUnauthorized},
		{http.MethodGet, "/api/v1/deployments/nope/events", "secret", "", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path+" "+tt.token, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.token != "" {
				req.Header.Set(middleware.AgentTokenHeader, tt.token)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestRouter_DeployBodyLimit(t *testing.T) {
	r := newRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/deploy", strings.NewReader(`{}`))
	req.ContentLength = router.MaxDeployBody + 1
	req.Header.Set(middleware.AgentTokenHeader, "secret")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRouter_CORSPreflight(t *testing.T) {
	r := newRouter()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/deploy", nil)
	req.Header.Set("Origin", "https://app.sirka.io")
	req.Header.Set("Access-Control-Request-Method", "POST")
	req.Header.Set("Access-Control-Request-Headers", "X-Agent-Token")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "https://app.sirka.io", rec.Header().Get("Access-Control-Allow-Origin"))
}
