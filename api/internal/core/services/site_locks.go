package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/sirka-internal/vps-agent/api/internal/infrastructure/filelock"
)

// LockDirName holds the per-site lock files. It lives beside the site roots rather
// than inside them because full replacement deletes a site root.
const LockDirName = ".locks"

// SiteLocks serializes work per site. Inside one process it is a keyed channel
// semaphore; across processes it is an advisory flock(2) on a per-site lock file.
// Distinct sites never block each other.
type SiteLocks struct {
	dir string

	mu    sync.Mutex
	slots map[string]*lockSlot
}

type lockSlot struct {
	ch   chan struct{}
	refs int
}

// NewSiteLocks keeps its lock files under deployRoot/.locks. An empty deployRoot
// disables the cross-process lock.
func NewSiteLocks(deployRoot string) *SiteLocks {
	dir := ""
	if deployRoot != "" {
		dir = filepath.Join(deployRoot, LockDirName)
	}
	return &SiteLocks{dir: dir, slots: make(map[string]*lockSlot)}
}

// Lock blocks until siteID is free or ctx is done. The returned func releases the
// lock and must be called exactly once.
func (l *SiteLocks) Lock(ctx context.Context, siteID string) (func(), error) {
	slot := l.acquireSlot(siteID)

	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseSlot(siteID, slot)
		return nil, fmt.Errorf("waiting for site %s lock: %w", siteID, ctx.Err())
	}

	fl, err := l.flock(ctx, siteID)
	if err != nil {
		<-slot.ch
		l.releaseSlot(siteID, slot)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			fl.Release()
			<-slot.ch
			l.releaseSlot(siteID, slot)
		})
	}, nil
}

func (l *SiteLocks) acquireSlot(siteID string) *lockSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[siteID]
	if !ok {
		slot = &lockSlot{ch: make(chan struct{}, 1)}
		l.slots[siteID] = slot
	}
	slot.refs++
	return slot
}

func (l *SiteLocks) releaseSlot(siteID string, slot *lockSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, siteID)
	}
}

// flock takes the cross-process lock. It returns a nil lock when disabled.
func (l *SiteLocks) flock(ctx context.Context, siteID string) (*filelock.Lock, error) {
	if l.dir == "" {
		return nil, nil
	}
	fl, err := filelock.Acquire(ctx, filepath.Join(l.dir, siteID+".lock"))
	if err != nil {
		return nil, fmt.Errorf("site %s lock: %w", siteID, err)
	}
	return fl, nil
}
