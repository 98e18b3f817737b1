package http_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	deliveryhttp "github.com/sirka-internal/vps-agent/api/internal/delivery/http"
)

type staticSource struct{ err error }

func (s staticSource) LastError() error { return s.err }

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		source deliveryhttp.HealthSource
		want   int
		body   string
	}{
		{"no monitor", nil, http.StatusOK, `"status":"ok"`},
		{"healthy", staticSource{}, http.StatusOK, `"runtime":"docker"`},
		{"backend down", staticSource{err: errors.New("daemon down")}, http.StatusServiceUnavailable, `"status":"unhealthy"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := deliveryhttp.NewHealthHandler(domain.BackendIsolatedProcess, tt.source)
			rec := httptest.NewRecorder()
			h.Check(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tt.want, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.body)
		})
	}
}
