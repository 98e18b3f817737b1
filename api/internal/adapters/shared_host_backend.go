package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/infrastructure/filelock"
	"github.com/sirka-internal/vps-agent/api/internal/infrastructure/nginx"
)

const (
	// CatchAllFragment is the single fragment allowed to hold the default_server
	// role. Site ids start with a letter or digit, so no named fragment collides.
	CatchAllFragment = InstancePrefix + "_catchall"

	// ReloadLockName is the lock file in sites-available that serializes fragment
	// changes and reloads between agent processes.
	ReloadLockName = "." + InstancePrefix + "reload.lock"
)

// SharedHostConfig configures a SharedHostBackend.
type SharedHostConfig struct {
	SitesAvailable string
	SitesEnabled   string
	Service        domain.HostServiceManager
	Escalation     domain.Escalation
	Logger         *slog.Logger
}

// SharedHostBackend serves every site from the host nginx, one config fragment per
// site.
type SharedHostBackend struct {
	available string
	enabled   string
	svc       domain.HostServiceManager
	esc       domain.Escalation
	logger    *slog.Logger

	// reloadMu guards the fragment directories together with the validate and
	// reload of the host proxy. It is global, not per site. The flock on
	// ReloadLockName extends it to other processes.
	reloadMu sync.Mutex
}

func NewSharedHostBackend(cfg SharedHostConfig) *SharedHostBackend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	esc := cfg.Escalation
	if len(esc.Attempts) == 0 {
		esc = domain.DefaultEscalation()
	}
	return &SharedHostBackend{
		available: cfg.SitesAvailable,
		enabled:   cfg.SitesEnabled,
		svc:       cfg.Service,
		esc:       esc,
		logger:    logger,
	}
}

func (b *SharedHostBackend) Kind() domain.BackendKind { return domain.BackendSharedHost }

// Profile points the host proxy straight at the live directory.
func (b *SharedHostBackend) Profile(livePath string) (domain.ServingProfile, error) {
	candidates, err := nginx.DetectIndexCandidates(livePath)
	if err != nil {
		return domain.ServingProfile{}, err
	}
	return domain.ServingProfile{Root: livePath, IndexCandidates: candidates}, nil
}

func fragmentName(site domain.Site) string {
	if site.IsCatchAll() {
		return CatchAllFragment
	}
	return InstancePrefix + site.ID
}

// Activate installs the site's fragment, validates the whole proxy configuration
// and reloads. A failed validation puts every touched file back as it was.
func (b *SharedHostBackend) Activate(ctx context.Context, site domain.Site, config string, _ string) (domain.BackendHandle, error) {
	name := fragmentName(site)
	availPath := filepath.Join(b.available, name)
	enabledPath := filepath.Join(b.enabled, name)
	handle := domain.BackendHandle{Kind: domain.BackendSharedHost, Name: enabledPath}

	tmp, err := writeTemp(b.available, []byte(config))
	if err != nil {
		return handle, fmt.Errorf("writing fragment: %w", err)
	}
	defer os.Remove(tmp) // no-op once renamed

	unlock, err := b.lockReload(ctx)
	if err != nil {
		return handle, err
	}
	defer unlock()

	removals, err := b.conflicting(site)
	if err != nil {
		return handle, err
	}

	touched := append([]string{availPath, enabledPath}, removals...)
	snaps := make([]snapshot, 0, len(touched))
	for _, p := range touched {
		s, err := takeSnapshot(p)
		if err != nil {
			return handle, fmt.Errorf("snapshot %s: %w", p, err)
		}
		snaps = append(snaps, s)
	}

	if err := b.install(tmp, availPath, enabledPath, removals); err != nil {
		b.restore(snaps)
		return handle, err
	}
	for _, p := range removals {
		b.logger.Info("Removed conflicting fragment", slog.String("site_id", site.ID), slog.String("path", p))
	}

	if err := b.esc.Do(ctx, "nginx -t", b.svc.TestConfiguration); err != nil {
		b.restore(snaps)
		b.logger.Error("Proxy configuration rejected, fragments restored",
			slog.String("site_id", site.ID), slog.Any("error", err))
		return handle, fmt.Errorf("%w: %w", domain.ErrConfigValidation, err)
	}

	restarted, err := b.reloadOrRestart(ctx)
	if err != nil {
		return handle, err
	}
	handle.Restarted = restarted
	return handle, nil
}

// conflicting lists the paths that must go for site to own its fragment: other
// claimants of the catch-all role and this site's fragment in the other role.
func (b *SharedHostBackend) conflicting(site domain.Site) ([]string, error) {
	var out []string
	if site.IsCatchAll() {
		own := InstancePrefix + site.ID
		for _, dir := range []string{b.enabled, b.available} {
			if p := filepath.Join(dir, own); lexists(p) {
				out = append(out, p)
			}
		}

		entries, err := os.ReadDir(b.enabled)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", b.enabled, err)
		}
		for _, e := range entries {
			name := e.Name()
			if name == CatchAllFragment || name == own {
				continue
			}
			p := filepath.Join(b.enabled, name)
			content, err := os.ReadFile(p)
			if err != nil {
				continue // dangling link or unreadable, nginx will complain on its own
			}
			if _, role, ok := nginx.ParseHeader(content); ok {
				if role == nginx.RoleCatchAll {
					out = append(out, p, filepath.Join(b.available, name))
				}
				continue
			}
			// 🛡️ Foreign files only lose their enabled link; their source stays put.
			if bytes.Contains(content, []byte("default_server")) {
				out = append(out, p)
			}
		}
		return out, nil
	}

	// A named site that used to be the catch-all gives the role up.
	content, err := os.ReadFile(filepath.Join(b.available, CatchAllFragment))
	if err == nil {
		if owner, _, ok := nginx.ParseHeader(content); ok && owner == site.ID {
			out = append(out, filepath.Join(b.enabled, CatchAllFragment), filepath.Join(b.available, CatchAllFragment))
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading catch-all fragment: %w", err)
	}
	return out, nil
}

func (b *SharedHostBackend) install(tmp, availPath, enabledPath string, removals []string) error {
	if err := os.Rename(tmp, availPath); err != nil {
		return fmt.Errorf("installing fragment: %w", err)
	}
	if err := os.Remove(enabledPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replacing enabled link: %w", err)
	}
	if err := os.Symlink(availPath, enabledPath); err != nil {
		return fmt.Errorf("enabling fragment: %w", err)
	}
	for _, p := range removals {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p, err)
		}
	}
	return nil
}

// lockReload enters the global section, first inside this process and then across
// processes.
func (b *SharedHostBackend) lockReload(ctx context.Context) (func(), error) {
	b.reloadMu.Lock()
	fl, err := filelock.Acquire(ctx, filepath.Join(b.available, ReloadLockName))
	if err != nil {
		b.reloadMu.Unlock()
		return nil, fmt.Errorf("reload lock: %w", err)
	}
	return func() {
		fl.Release()
		b.reloadMu.Unlock()
	}, nil
}

// reloadOrRestart reloads the host proxy and falls back to a full restart. Both go
// through the escalation strategy.
func (b *SharedHostBackend) reloadOrRestart(ctx context.Context) (restarted bool, err error) {
	reloadErr := b.esc.Do(ctx, "proxy reload", b.svc.Reload)
	if reloadErr == nil {
		return false, nil
	}
	b.logger.Warn("Proxy reload failed, restarting", slog.Any("error", reloadErr))

	restartErr := b.esc.Do(ctx, "proxy restart", b.svc.Restart)
	if restartErr == nil {
		return true, nil
	}
	return false, fmt.Errorf("%w: %w", domain.ErrReloadFailed, errors.Join(reloadErr, restartErr))
}

// Restart reloads the host proxy on behalf of one site. The fragments are shared,
// so this affects every site.
func (b *SharedHostBackend) Restart(ctx context.Context, siteID string) error {
	unlock, err := b.lockReload(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	restarted, err := b.reloadOrRestart(ctx)
	if err != nil {
		return err
	}
	b.logger.Info("Proxy reloaded", slog.String("site_id", siteID), slog.Bool("restarted", restarted))
	return nil
}

// List returns the ids of the sites with an enabled fragment, sorted.
func (b *SharedHostBackend) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(b.enabled)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", b.enabled, err)
	}

	seen := make(map[string]bool)
	var sites []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, InstancePrefix) {
			continue
		}
		id := strings.TrimPrefix(name, InstancePrefix)
		if name == CatchAllFragment {
			content, err := os.ReadFile(filepath.Join(b.enabled, name))
			if err != nil {
				b.logger.Warn("Unreadable catch-all fragment", slog.Any("error", err))
				continue
			}
			owner, _, ok := nginx.ParseHeader(content)
			if !ok {
				continue
			}
			id = owner
		}
		if id != "" && !seen[id] {
			seen[id] = true
			sites = append(sites, id)
		}
	}
	sort.Strings(sites)
	return sites, nil
}

// snapshot is the pre-activation state of one fragment path.
type snapshot struct {
	path    string
	exists  bool
	link    string
	content []byte
	mode    fs.FileMode
}

func takeSnapshot(path string) (snapshot, error) {
	s := snapshot{path: path}
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, err
	}
	s.exists = true
	s.mode = info.Mode().Perm()
	if info.Mode()&fs.ModeSymlink != 0 {
		s.link, err = os.Readlink(path)
		return s, err
	}
	s.content, err = os.ReadFile(path)
	return s, err
}

func (b *SharedHostBackend) restore(snaps []snapshot) {
	for _, s := range snaps {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			b.logger.Error("Restore failed", slog.String("path", s.path), slog.Any("error", err))
			continue
		}
		if !s.exists {
			continue
		}
		var err error
		if s.link != "" {
			err = os.Symlink(s.link, s.path)
		} else {
			err = os.WriteFile(s.path, s.content, s.mode)
		}
		if err != nil {
			b.logger.Error("Restore failed", slog.String("path", s.path), slog.Any("error", err))
		}
	}
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, "."+InstancePrefix+"*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	if err := os.Chmod(f.Name(), 0o644); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func lexists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
