package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// HealthServiceName is the gRPC health service the monitor reports on, next to
// the server-wide "" entry.
const HealthServiceName = "sirka.agent.v1.Agent"

// SiteTree is the on-disk view of deployed sites.
type SiteTree interface {
	LiveSites() ([]string, error)
	LivePath(siteID string) string
}

// HealthSetter receives serving status changes; grpc's health.Server implements it.
type HealthSetter interface {
	SetServingStatus(service string, status healthpb.HealthCheckResponse_ServingStatus)
}

// TokenEvicter drops expired cached token verdicts.
type TokenEvicter interface {
	EvictExpired() int
}

// SiteReport is the outcome of one monitor pass.
type SiteReport struct {
	CheckedAt time.Time
	Served    []string
	// Unserved are live on disk but unknown to the backend.
	Unserved []string
	// Empty have a live directory without any content.
	Empty []string
	Err   error
}

type SiteMonitor struct {
	backend     domain.RuntimeBackend
	tree        SiteTree
	health      HealthSetter
	tokens      TokenEvicter
	logger      *slog.Logger
	interval    time.Duration
	concurrency int // 🛡️ Limit concurrent directory checks

	mu   sync.RWMutex
	last SiteReport
}

func NewSiteMonitor(
	backend domain.RuntimeBackend,
	tree SiteTree,
	health HealthSetter,
	tokens TokenEvicter,
	logger *slog.Logger,
	interval time.Duration,
) *SiteMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SiteMonitor{
		backend:     backend,
		tree:        tree,
		health:      health,
		tokens:      tokens,
		logger:      logger,
		interval:    interval,
		concurrency: 10,
	}
}

// Start runs a check immediately and then every interval until ctx is done.
func (m *SiteMonitor) Start(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check performs one monitor pass and returns its report.
func (m *SiteMonitor) Check(ctx context.Context) SiteReport {
	report := m.inspect(ctx)

	if report.Err != nil {
		m.logger.Error("Site monitor: backend unavailable", slog.Any("error", report.Err))
		m.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	} else {
		m.setStatus(healthpb.HealthCheckResponse_SERVING)
	}
	for _, id := range report.Unserved {
		m.logger.Warn("Site is live on disk but not served", slog.String("site_id", id))
	}
	for _, id := range report.Empty {
		m.logger.Warn("Site has an empty live directory", slog.String("site_id", id))
	}

	if m.tokens != nil {
		if n := m.tokens.EvictExpired(); n > 0 {
			m.logger.Debug("Evicted expired token verdicts", slog.Int("count", n))
		}
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

func (m *SiteMonitor) inspect(ctx context.Context) SiteReport {
	report := SiteReport{CheckedAt: time.Now()}

	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	served, err := m.backend.List(listCtx)
	if err != nil {
		report.Err = fmt.Errorf("listing %s sites: %w", m.backend.Kind(), err)
		return report
	}
	report.Served = served

	live, err := m.tree.LiveSites()
	if err != nil {
		report.Err = fmt.Errorf("listing live sites: %w", err)
		return report
	}

	isServed := make(map[string]bool, len(served))
	for _, id := range served {
		isServed[id] = true
	}
	for _, id := range live {
		if !isServed[id] {
			report.Unserved = append(report.Unserved, id)
		}
	}

	// 🛡️ Concurrency control via semaphore
	sem := make(chan struct{}, m.concurrency)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		empty = make(map[string]bool)
	)
	for _, id := range live {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if isEmptyDir(m.tree.LivePath(id)) {
				mu.Lock()
				empty[id] = true
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	// Keep the report in listing order.
	for _, id := range live {
		if empty[id] {
			report.Empty = append(report.Empty, id)
		}
	}
	return report
}

func isEmptyDir(dir string) bool {
	f, err := os.Open(dir)
	if err != nil {
		return true
	}
	defer f.Close()
	names, _ := f.Readdirnames(1)
	return len(names) == 0
}

func (m *SiteMonitor) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	if m.health == nil {
		return
	}
	m.health.SetServingStatus("", status)
	m.health.SetServingStatus(HealthServiceName, status)
}

// Last returns the most recent report.
func (m *SiteMonitor) Last() SiteReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// LastError implements the HTTP health source: the backend error of the latest
// pass, if any.
func (m *SiteMonitor) LastError() error {
	return m.Last().Err
}
