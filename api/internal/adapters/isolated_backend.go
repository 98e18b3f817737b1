package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

const (
	// InstancePrefix names every container and fragment the agent owns.
	InstancePrefix = "sirka-"

	containerDocRoot    = "/usr/share/nginx/html"
	containerConfigPath = "/etc/nginx/conf.d/default.conf"
	siteConfigName      = "nginx.conf"
)

// IsolatedBackend serves each site from its own proxy container.
type IsolatedBackend struct {
	runtime domain.ContainerRuntime
	network string
	image   string
	logger  *slog.Logger
}

func NewIsolatedBackend(runtime domain.ContainerRuntime, network, image string, logger *slog.Logger) *IsolatedBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &IsolatedBackend{runtime: runtime, network: network, image: image, logger: logger}
}

func (b *IsolatedBackend) Kind() domain.BackendKind { return domain.BackendIsolatedProcess }

// Profile describes the live directory as the container sees it. The container
// image only ever serves index.html.
func (b *IsolatedBackend) Profile(string) (domain.ServingProfile, error) {
	return domain.ServingProfile{Root: containerDocRoot, IndexCandidates: []string{"index.html"}}, nil
}

// Activate ensures the network, writes the site's config next to its versions and
// (re)starts the site's container with read-only mounts.
func (b *IsolatedBackend) Activate(ctx context.Context, site domain.Site, config string, servedPath string) (domain.BackendHandle, error) {
	handle := domain.BackendHandle{Kind: domain.BackendIsolatedProcess, Name: InstancePrefix + site.ID}

	if err := b.ensureNetwork(ctx); err != nil {
		return handle, err
	}

	configPath := filepath.Join(filepath.Dir(servedPath), siteConfigName)
	if err := writeFileAtomic(configPath, []byte(config), 0o644); err != nil {
		return handle, fmt.Errorf("writing %s: %w", siteConfigName, err)
	}

	exists, err := b.runtime.InstanceExists(ctx, handle.Name)
	if err != nil {
		return handle, err
	}
	if exists {
		// A restart re-resolves the bind mounts, picking up the swapped directory.
		if err := b.runtime.RestartInstance(ctx, handle.Name); err != nil {
			return handle, err
		}
		handle.Restarted = true
		b.logger.Info("Container restarted", slog.String("container", handle.Name))
		return handle, nil
	}

	mounts := []domain.Mount{
		{Source: servedPath, Target: containerDocRoot, ReadOnly: true},
		{Source: configPath, Target: containerConfigPath, ReadOnly: true},
	}
	if err := b.runtime.RunInstance(ctx, handle.Name, b.network, mounts, b.image); err != nil {
		return handle, err
	}
	b.logger.Info("Container started", slog.String("container", handle.Name), slog.String("image", b.image))
	return handle, nil
}

func (b *IsolatedBackend) ensureNetwork(ctx context.Context) error {
	exists, err := b.runtime.NetworkExists(ctx, b.network)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := b.runtime.CreateNetwork(ctx, b.network); err != nil {
		// Another agent may have created it in the meantime.
		if ok, _ := b.runtime.NetworkExists(ctx, b.network); ok {
			return nil
		}
		return err
	}
	return nil
}

func (b *IsolatedBackend) Restart(ctx context.Context, siteID string) error {
	return b.runtime.RestartInstance(ctx, InstancePrefix+siteID)
}

// List returns the site ids of every agent-owned container.
func (b *IsolatedBackend) List(ctx context.Context) ([]string, error) {
	names, err := b.runtime.ListInstancesByPrefix(ctx, InstancePrefix)
	if err != nil {
		return nil, err
	}
	sites := make([]string, 0, len(names))
	for _, n := range names {
		sites = append(sites, strings.TrimPrefix(n, InstancePrefix))
	}
	return sites, nil
}

// writeFileAtomic writes to a temp file in the target directory and renames it
// into place, so readers see either the old or the new content.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}
