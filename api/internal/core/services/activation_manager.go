package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/infrastructure/nginx"
)

// Directory names under a site root.
const (
	StagedDirName  = "staged"
	CurrentDirName = "current"
	BackupDirName  = "backup"
	policyMarker   = ".policy"
)

// Stager extracts an archive into a directory that does not exist yet, removing
// it again on failure.
type Stager interface {
	Stage(ctx context.Context, archive []byte, destDir string) (*domain.StagedContent, error)
}

// fileOps is the filesystem surface of a swap, replaceable in tests to inject
// rename failures.
type fileOps struct {
	rename    func(oldpath, newpath string) error
	removeAll func(path string) error
}

var osFileOps = fileOps{rename: os.Rename, removeAll: os.RemoveAll}

// ActivationManager owns the on-disk lifecycle of every site: staging, the swap
// into the live location, rollback, and handing the live directory to the
// runtime backend.
type ActivationManager struct {
	root          string
	defaultPolicy domain.ActivationPolicy
	stager        Stager
	backend       domain.RuntimeBackend
	locks         *SiteLocks
	perms         PermissionAdjuster
	events        domain.EventPublisher
	fs            fileOps
	logger        *slog.Logger
}

// ActivationManagerConfig carries the manager's collaborators. Perms, Events and
// Logger are optional.
type ActivationManagerConfig struct {
	DeployRoot    string
	DefaultPolicy domain.ActivationPolicy
	Stager        Stager
	Backend       domain.RuntimeBackend
	Locks         *SiteLocks
	Perms         PermissionAdjuster
	Events        domain.EventPublisher
	Logger        *slog.Logger
}

func NewActivationManager(cfg ActivationManagerConfig) *ActivationManager {
	m := &ActivationManager{
		root:          cfg.DeployRoot,
		defaultPolicy: cfg.DefaultPolicy,
		stager:        cfg.Stager,
		backend:       cfg.Backend,
		locks:         cfg.Locks,
		perms:         cfg.Perms,
		events:        cfg.Events,
		fs:            osFileOps,
		logger:        cfg.Logger,
	}
	if m.defaultPolicy == "" {
		m.defaultPolicy = domain.PolicyAtomicSwap
	}
	if m.locks == nil {
		m.locks = NewSiteLocks(cfg.DeployRoot)
	}
	if m.perms == nil {
		m.perms = noopAdjuster{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// SiteRoot is the directory holding every version of a site.
func (m *ActivationManager) SiteRoot(siteID string) string {
	return filepath.Join(m.root, siteID)
}

// LivePath is where the served version of a site lives.
func (m *ActivationManager) LivePath(siteID string) string {
	return filepath.Join(m.root, siteID, CurrentDirName)
}

// Backend returns the runtime backend the manager activates against.
func (m *ActivationManager) Backend() domain.RuntimeBackend {
	return m.backend
}

// Activate stages archive and makes it the live version of req.Site. The returned
// error, when non-nil, is always a *domain.DeployError.
func (m *ActivationManager) Activate(ctx context.Context, req domain.DeploymentRequest, archive []byte) (*domain.ActivationResult, error) {
	site := req.Site
	if err := site.Validate(); err != nil {
		return nil, &domain.DeployError{SiteID: site.ID, Stage: domain.StageValidate, Err: err}
	}

	unlock, err := m.locks.Lock(ctx, site.ID)
	if err != nil {
		return nil, &domain.DeployError{SiteID: site.ID, Stage: domain.StageValidate, Err: err}
	}
	defer unlock()

	policy := m.resolvePolicy(site.ID, req.Policy)
	log := m.logger.With(
		slog.String("site_id", site.ID),
		slog.String("trace_id", req.TraceID),
		slog.String("policy", string(policy)),
	)

	var live string
	switch policy {
	case domain.PolicyFullReplace:
		live, err = m.fullReplace(ctx, req, archive, log)
	default:
		live, err = m.atomicSwap(ctx, req, archive, log)
	}
	if err != nil {
		return nil, err
	}

	m.writePolicyMarker(site.ID, policy, log)

	// Content is live from here on; nothing below may be cancelled.
	handle, err := m.wireBackend(context.WithoutCancel(ctx), site, live, log)
	if err != nil {
		return nil, m.fail(req, domain.StageBackend, true, fmt.Errorf("%w: %w", domain.ErrBackendActivation, err), log)
	}

	m.transition(req, domain.StateActive, "", "site is live", true, log)

	result := &domain.ActivationResult{
		ServedPath: live,
		Backend:    handle,
		Policy:     policy,
		Digest:     Digest(archive),
	}
	if !site.IsCatchAll() {
		d := site.Domain
		result.Domain = &d
	}
	return result, nil
}

// atomicSwap implements stage → backup → swap → cleanup. On every reported
// failure the live directory holds the pre-deployment content.
func (m *ActivationManager) atomicSwap(ctx context.Context, req domain.DeploymentRequest, archive []byte, log *slog.Logger) (string, error) {
	siteID := req.Site.ID
	siteRoot := m.SiteRoot(siteID)
	staged := filepath.Join(siteRoot, StagedDirName)
	current := filepath.Join(siteRoot, CurrentDirName)
	backup := filepath.Join(siteRoot, BackupDirName)

	createdRoot := !exists(siteRoot)
	if err := os.MkdirAll(siteRoot, 0o755); err != nil {
		return "", m.fail(req, domain.StageStage, false, fmt.Errorf("creating site root: %w", err), log)
	}
	m.restoreInterruptedSwap(siteID, log)
	if err := m.fs.removeAll(staged); err != nil {
		return "", m.fail(req, domain.StageStage, false, fmt.Errorf("removing leftover staged directory: %w", err), log)
	}

	// 1. Stage.
	content, err := m.stager.Stage(ctx, archive, staged)
	if err != nil {
		if createdRoot {
			m.bestEffortRemove(siteRoot, "site root", log)
		}
		return "", m.fail(req, domain.StageStage, false, err, log)
	}
	log.Info("Artifact staged", slog.Int("files", len(content.Files)), slog.Int64("bytes", content.Bytes))
	m.transition(req, domain.StateStaged, "", "artifact staged", false, log)

	// From here the swap runs to completion or rolls back; it is never cancelled
	// half way.
	m.transition(req, domain.StateSwapping, "", "swapping live version", false, log)

	// 2. Leftover backup from an earlier crash. A backup without a live version
	// was put back in place above.
	m.bestEffortRemove(backup, "leftover backup", log)

	// 3. Move the live version aside.
	hadCurrent := exists(current)
	if hadCurrent {
		if err := m.fs.rename(current, backup); err != nil {
			m.bestEffortRemove(staged, "staged directory", log)
			return "", m.fail(req, domain.StageSwap, false,
				fmt.Errorf("%w: moving live version aside: %w", domain.ErrActivation, err), log)
		}
	}

	// 4. Promote staged.
	if err := m.fs.rename(staged, current); err != nil {
		swapErr := fmt.Errorf("%w: promoting staged version: %w", domain.ErrActivation, err)
		changed := false
		if hadCurrent {
			if rerr := m.fs.rename(backup, current); rerr != nil {
				swapErr = fmt.Errorf("%w; restoring previous version also failed: %w", swapErr, rerr)
				changed = true
			}
		}
		m.bestEffortRemove(staged, "staged directory", log)
		m.transition(req, domain.StateRolledBack, domain.StageSwap, "swap rolled back", false, log)
		return "", m.fail(req, domain.StageSwap, changed, swapErr, log)
	}

	// 5. Drop the previous version.
	if hadCurrent {
		m.bestEffortRemove(backup, "backup", log)
	}
	return current, nil
}

// fullReplace deletes the site root and stages straight into the live location.
// The site has no directory until staging completes, and a failure leaves the
// previous content gone.
func (m *ActivationManager) fullReplace(ctx context.Context, req domain.DeploymentRequest, archive []byte, log *slog.Logger) (string, error) {
	siteRoot := m.SiteRoot(req.Site.ID)
	current := filepath.Join(siteRoot, CurrentDirName)
	hadCurrent := exists(current)

	ctx = context.WithoutCancel(ctx)
	m.transition(req, domain.StateSwapping, "", "replacing site root", false, log)

	if err := m.fs.removeAll(siteRoot); err != nil {
		return "", m.fail(req, domain.StageSwap, hadCurrent,
			fmt.Errorf("%w: removing site root: %w", domain.ErrActivation, err), log)
	}
	if err := os.MkdirAll(siteRoot, 0o755); err != nil {
		return "", m.fail(req, domain.StageSwap, hadCurrent,
			fmt.Errorf("%w: recreating site root: %w", domain.ErrActivation, err), log)
	}

	content, err := m.stager.Stage(ctx, archive, current)
	if err != nil {
		m.bestEffortRemove(siteRoot, "site root", log)
		return "", m.fail(req, domain.StageStage, hadCurrent, err, log)
	}
	log.Info("Artifact staged in place", slog.Int("files", len(content.Files)), slog.Int64("bytes", content.Bytes))
	return current, nil
}

// wireBackend fixes permissions, renders the proxy config and activates the
// backend. Permission problems are logged and never fail the deployment.
func (m *ActivationManager) wireBackend(ctx context.Context, site domain.Site, live string, log *slog.Logger) (domain.BackendHandle, error) {
	if err := m.perms.Adjust(live); err != nil {
		log.Warn("PermissionAdjustmentWarning", slog.Any("error", err))
	}

	profile, err := m.backend.Profile(live)
	if err != nil {
		return domain.BackendHandle{}, fmt.Errorf("building serving profile: %w", err)
	}
	config := nginx.Generate(nginx.Input{
		SiteID:          site.ID,
		SiteName:        site.Name,
		Domain:          site.Domain,
		ServedPath:      profile.Root,
		IndexCandidates: profile.IndexCandidates,
	})

	handle, err := m.backend.Activate(ctx, site, config, live)
	if err != nil {
		return domain.BackendHandle{}, err
	}
	log.Info("Backend activated", slog.String("runtime", string(handle.Kind)), slog.String("handle", handle.Name))
	return handle, nil
}

// Restart re-applies the backend for an already deployed site.
func (m *ActivationManager) Restart(ctx context.Context, siteID string) error {
	if err := (domain.Site{ID: siteID, Name: siteID}).Validate(); err != nil {
		return &domain.DeployError{SiteID: siteID, Stage: domain.StageValidate, Err: err}
	}

	unlock, err := m.locks.Lock(ctx, siteID)
	if err != nil {
		return &domain.DeployError{SiteID: siteID, Stage: domain.StageValidate, Err: err}
	}
	defer unlock()

	m.restoreInterruptedSwap(siteID, m.logger.With(slog.String("site_id", siteID)))

	if err := m.backend.Restart(ctx, siteID); err != nil {
		return &domain.DeployError{SiteID: siteID, Stage: domain.StageRestart, Err: err}
	}
	m.logger.Info("Site restarted", slog.String("site_id", siteID), slog.String("runtime", string(m.backend.Kind())))
	return nil
}

// restoreInterruptedSwap moves backup back to current when a crash between moving
// the live version aside and promoting the staged one left the site dark. The
// caller holds the site lock.
func (m *ActivationManager) restoreInterruptedSwap(siteID string, log *slog.Logger) bool {
	current := m.LivePath(siteID)
	backup := filepath.Join(m.SiteRoot(siteID), BackupDirName)
	if exists(current) || !exists(backup) {
		return false
	}
	if err := m.fs.rename(backup, current); err != nil {
		log.Error("Failed to restore version left by an interrupted swap", slog.Any("error", err))
		return false
	}
	log.Warn("Restored previous version left by an interrupted swap", slog.String("path", current))
	return true
}

// RecoverInterrupted restores every site an interrupted swap left with a backup
// and no live version. The agent runs it once at startup; it returns the ids of
// the restored sites.
func (m *ActivationManager) RecoverInterrupted(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var restored []string
	for _, e := range entries {
		id := e.Name()
		if !e.IsDir() || strings.HasPrefix(id, ".") {
			continue
		}
		if exists(m.LivePath(id)) || !exists(filepath.Join(m.SiteRoot(id), BackupDirName)) {
			continue
		}

		unlock, err := m.locks.Lock(ctx, id)
		if err != nil {
			return restored, err
		}
		if m.restoreInterruptedSwap(id, m.logger.With(slog.String("site_id", id))) {
			restored = append(restored, id)
		}
		unlock()
	}
	return restored, nil
}

// LiveSites lists the sites with a live version on disk, independent of what the
// backend currently serves.
func (m *ActivationManager) LiveSites() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sites []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if exists(m.LivePath(e.Name())) {
			sites = append(sites, e.Name())
		}
	}
	return sites, nil
}

// resolvePolicy keeps a site on the policy it was last deployed with unless the
// request names one explicitly. An explicit switch is allowed but never silent.
func (m *ActivationManager) resolvePolicy(siteID string, requested domain.ActivationPolicy) domain.ActivationPolicy {
	previous, _ := os.ReadFile(filepath.Join(m.SiteRoot(siteID), policyMarker))
	prev := domain.ActivationPolicy(strings.TrimSpace(string(previous)))

	if requested == "" {
		if prev != "" {
			if p, err := domain.ParseActivationPolicy(string(prev)); err == nil {
				return p
			}
		}
		return m.defaultPolicy
	}
	if prev != "" && prev != requested {
		m.logger.Warn("Switching activation policy for site",
			slog.String("site_id", siteID),
			slog.String("from", string(prev)),
			slog.String("to", string(requested)))
	}
	return requested
}

func (m *ActivationManager) writePolicyMarker(siteID string, policy domain.ActivationPolicy, log *slog.Logger) {
	path := filepath.Join(m.SiteRoot(siteID), policyMarker)
	if err := os.WriteFile(path, []byte(policy+"\n"), 0o644); err != nil {
		log.Warn("Failed to record activation policy", slog.Any("error", err))
	}
}

func (m *ActivationManager) fail(req domain.DeploymentRequest, stage domain.Stage, changed bool, err error, log *slog.Logger) error {
	log.Error("Activation failed", slog.String("stage", string(stage)), slog.Bool("content_changed", changed), slog.Any("error", err))
	m.publish(req, domain.DeploymentEvent{Stage: stage, Message: err.Error(), Final: true})
	return &domain.DeployError{SiteID: req.Site.ID, Stage: stage, ContentChanged: changed, Err: err}
}

func (m *ActivationManager) transition(req domain.DeploymentRequest, state domain.ActivationState, stage domain.Stage, msg string, final bool, log *slog.Logger) {
	log.Info("Activation state changed", slog.String("state", string(state)))
	m.publish(req, domain.DeploymentEvent{State: state, Stage: stage, Message: msg, Final: final})
}

func (m *ActivationManager) publish(req domain.DeploymentRequest, ev domain.DeploymentEvent) {
	if m.events == nil || req.TraceID == "" {
		return
	}
	ev.TraceID = req.TraceID
	ev.SiteID = req.Site.ID
	ev.Timestamp = time.Now().UTC()
	m.events.Publish(ev)
}

func (m *ActivationManager) bestEffortRemove(path, what string, log *slog.Logger) {
	if err := m.fs.removeAll(path); err != nil {
		log.Warn("Cleanup failed", slog.String("what", what), slog.String("path", path), slog.Any("error", err))
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
