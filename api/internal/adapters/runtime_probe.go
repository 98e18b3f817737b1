package adapters

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// ExecProbe checks for the backend binaries by running them.
type ExecProbe struct {
	Runner domain.CommandRunner
}

// ContainerRuntimeAvailable requires both the docker client and a reachable daemon.
func (p ExecProbe) ContainerRuntimeAvailable(ctx context.Context) bool {
	if _, err := p.Runner.Run(ctx, "docker", "--version"); err != nil {
		return false
	}
	_, err := p.Runner.Run(ctx, "docker", "ps")
	return err == nil
}

func (p ExecProbe) SharedHostAvailable(ctx context.Context) bool {
	_, err := p.Runner.Run(ctx, "nginx", "-v")
	return err == nil
}

// SelectBackendKind resolves the RUNTIME setting against what the host offers.
// "auto" prefers the isolated backend. A forced runtime must be present too; the
// agent refuses to start rather than accept deploys it cannot serve.
func SelectBackendKind(ctx context.Context, setting string, probe domain.RuntimeProbe, logger *slog.Logger) (domain.BackendKind, error) {
	if logger == nil {
		logger = slog.Default()
	}
	kind, forced, err := domain.ParseBackendKind(setting)
	if err != nil {
		return "", err
	}

	if forced {
		available := probe.ContainerRuntimeAvailable
		if kind == domain.BackendSharedHost {
			available = probe.SharedHostAvailable
		}
		if !available(ctx) {
			return "", fmt.Errorf("runtime %q forced but not available on this host", kind)
		}
		logger.Info("Using forced runtime", slog.String("runtime", string(kind)))
		return kind, nil
	}

	switch {
	case probe.ContainerRuntimeAvailable(ctx):
		kind = domain.BackendIsolatedProcess
	case probe.SharedHostAvailable(ctx):
		kind = domain.BackendSharedHost
	default:
		return "", fmt.Errorf("no supported runtime found (need docker or nginx)")
	}
	logger.Info("Detected runtime", slog.String("runtime", string(kind)))
	return kind, nil
}

// BackendOptions carries what either backend variant needs.
type BackendOptions struct {
	Runner         domain.CommandRunner
	DockerNetwork  string
	DockerImage    string
	SitesAvailable string
	SitesEnabled   string
	Logger         *slog.Logger
}

// NewBackend builds the backend for kind. It is called once per process.
func NewBackend(kind domain.BackendKind, opts BackendOptions) (domain.RuntimeBackend, error) {
	switch kind {
	case domain.BackendIsolatedProcess:
		return NewIsolatedBackend(NewDockerCLI(opts.Runner), opts.DockerNetwork, opts.DockerImage, opts.Logger), nil
	case domain.BackendSharedHost:
		return NewSharedHostBackend(SharedHostConfig{
			SitesAvailable: opts.SitesAvailable,
			SitesEnabled:   opts.SitesEnabled,
			Service:        NewNginxSystemd(opts.Runner),
			Escalation:     HostEscalation(),
			Logger:         opts.Logger,
		}), nil
	}
	return nil, fmt.Errorf("unknown runtime %q", kind)
}
