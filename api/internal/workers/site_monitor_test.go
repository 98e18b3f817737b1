package workers_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/workers"
)

type listBackend struct {
	sites []string
	err   error
}

func (b *listBackend) Kind() domain.BackendKind { return domain.BackendSharedHost }
func (b *listBackend) Profile(string) (domain.ServingProfile, error) {
	return domain.ServingProfile{}, nil
}
func (b *listBackend) Activate(context.Context, domain.Site, string, string) (domain.BackendHandle, error) {
	return domain.BackendHandle{}, nil
}
func (b *listBackend) Restart(context.Context, string) error { return nil }
func (b *listBackend) List(context.Context) ([]string, error) {
	return b.sites, b.err
}

type dirTree struct {
	root  string
	sites []string
}

func (d dirTree) LiveSites() ([]string, error) { return d.sites, nil }
func (d dirTree) LivePath(id string) string    { return filepath.Join(d.root, id, "current") }

type healthRecorder struct {
	mu     sync.Mutex
	status map[string]healthpb.HealthCheckResponse_ServingStatus
}

func (h *healthRecorder) SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status[service] = status
}

func (h *healthRecorder) get(service string) healthpb.HealthCheckResponse_ServingStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status[service]
}

type evictCounter struct{ calls int }

func (e *evictCounter) EvictExpired() int { e.calls++; return 2 }

func newTree(t *testing.T, withContent map[string]bool) dirTree {
	t.Helper()
	tree := dirTree{root: t.TempDir()}
	for id, content := range withContent {
		live := tree.LivePath(id)
		require.NoError(t, os.MkdirAll(live, 0o755))
		if content {
			require.NoError(t, os.WriteFile(filepath.Join(live, "index.html"), []byte("hi"), 0o644))
		}
		tree.sites = append(tree.sites, id)
	}
	return tree
}

func TestSiteMonitor_ReportsDrift(t *testing.T) {
	tree := newTree(t, map[string]bool{"alpha": true, "beta": true, "gamma": false})
	health := &healthRecorder{status: map[string]healthpb.HealthCheckResponse_ServingStatus{}}
	tokens := &evictCounter{}
	m := workers.NewSiteMonitor(&listBackend{sites: []string{"alpha", "gamma"}}, tree, health, tokens, nil, time.Minute)

	report := m.Check(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, []string{"beta"}, report.Unserved)
	assert.Equal(t, []string{"gamma"}, report.Empty)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.get(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.get(workers.HealthServiceName))
	assert.Equal(t, 1, tokens.calls)
	assert.NoError(t, m.LastError())
}

func TestSiteMonitor_BackendFailure(t *testing.T) {
	health := &healthRecorder{status: map[string]healthpb.HealthCheckResponse_ServingStatus{}}
	backend := &listBackend{err: errors.New("docker daemon down")}
	m := workers.NewSiteMonitor(backend, newTree(t, nil), health, nil, nil, time.Minute)

	m.Check(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, health.get(""))
	require.Error(t, m.LastError())
	assert.Contains(t, m.LastError().Error(), "docker daemon down")

	backend.err = nil
	m.Check(context.Background())
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, health.get(""))
	assert.NoError(t, m.LastError())
}

func TestSiteMonitor_StartStopsWithContext(t *testing.T) {
	health := &healthRecorder{status: map[string]healthpb.HealthCheckResponse_ServingStatus{}}
	m := workers.NewSiteMonitor(&listBackend{}, newTree(t, nil), health, nil, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return !m.Last().CheckedAt.IsZero() }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, health.get(""))
}
