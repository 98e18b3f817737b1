package adapters

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// DockerCLI implements domain.ContainerRuntime by shelling out to the docker
// binary.
type DockerCLI struct {
	runner domain.CommandRunner
	binary string
}

func NewDockerCLI(runner domain.CommandRunner) *DockerCLI {
	return &DockerCLI{runner: runner, binary: "docker"}
}

func (d *DockerCLI) NetworkExists(ctx context.Context, name string) (bool, error) {
	// inspect exits non-zero for a missing network; creation reports the real
	// failure if the daemon itself is down.
	_, err := d.runner.Run(ctx, d.binary, "network", "inspect", name)
	return err == nil, nil
}

func (d *DockerCLI) CreateNetwork(ctx context.Context, name string) error {
	if _, err := d.runner.Run(ctx, d.binary, "network", "create", name); err != nil {
		return fmt.Errorf("creating network %s: %w", name, err)
	}
	return nil
}

func (d *DockerCLI) InstanceExists(ctx context.Context, name string) (bool, error) {
	_, err := d.runner.Run(ctx, d.binary, "inspect", "--type", "container", name)
	return err == nil, nil
}

func (d *DockerCLI) RunInstance(ctx context.Context, name, network string, mounts []domain.Mount, image string) error {
	args := []string{"run", "-d",
		"--name", name,
		"--network", network,
		"--restart", "unless-stopped",
		"-p", "80",
	}
	for _, m := range mounts {
		spec := m.Source + ":" + m.Target
		if m.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	args = append(args, image)

	if _, err := d.runner.Run(ctx, d.binary, args...); err != nil {
		return fmt.Errorf("starting container %s: %w", name, err)
	}
	return nil
}

func (d *DockerCLI) RestartInstance(ctx context.Context, name string) error {
	if _, err := d.runner.Run(ctx, d.binary, "restart", name); err != nil {
		return fmt.Errorf("restarting container %s: %w", name, err)
	}
	return nil
}

func (d *DockerCLI) ListInstancesByPrefix(ctx context.Context, prefix string) ([]string, error) {
	out, err := d.runner.Run(ctx, d.binary, "ps", "-a", "--filter", "name="+prefix, "--format", "{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	// The name filter is a substring match; keep true prefixes only.
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	sort.Strings(names)
	return names, nil
}
