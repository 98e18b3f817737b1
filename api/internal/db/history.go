package db

import (
	"context"
	"sort"
	"sync"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// MemoryHistory is the deployment history used when no database is configured.
// It keeps the most recent records per site and forgets everything on restart.
type MemoryHistory struct {
	mu      sync.Mutex
	perSite int
	records map[string][]domain.DeploymentRecord // siteID -> oldest first
}

func NewMemoryHistory(perSite int) *MemoryHistory {
	if perSite <= 0 {
		perSite = 100
	}
	return &MemoryHistory{perSite: perSite, records: make(map[string][]domain.DeploymentRecord)}
}

func (h *MemoryHistory) Start(_ context.Context, rec *domain.DeploymentRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.records[rec.SiteID], *rec)
	if len(list) > h.perSite {
		list = list[len(list)-h.perSite:]
	}
	h.records[rec.SiteID] = list
	return nil
}

func (h *MemoryHistory) Finish(_ context.Context, rec *domain.DeploymentRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.records[rec.SiteID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].TraceID == rec.TraceID {
			list[i] = *rec
			return nil
		}
	}
	// Start was evicted or never recorded.
	h.records[rec.SiteID] = append(list, *rec)
	return nil
}

func (h *MemoryHistory) ListBySite(_ context.Context, siteID string, limit int) ([]domain.DeploymentRecord, error) {
	h.mu.Lock()
	list := append([]domain.DeploymentRecord(nil), h.records[siteID]...)
	h.mu.Unlock()

	sort.SliceStable(list, func(i, j int) bool { return list[i].StartedAt.After(list[j].StartedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}
