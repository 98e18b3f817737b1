package adapters

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

// NginxSystemd implements domain.HostServiceManager for a host nginx managed by
// systemd. Elevated calls go through non-interactive sudo.
type NginxSystemd struct {
	runner  domain.CommandRunner
	service string
}

func NewNginxSystemd(runner domain.CommandRunner) *NginxSystemd {
	return &NginxSystemd{runner: runner, service: "nginx"}
}

func (n *NginxSystemd) TestConfiguration(ctx context.Context, priv domain.Privilege) error {
	return n.run(ctx, priv, "nginx", "-t")
}

func (n *NginxSystemd) Reload(ctx context.Context, priv domain.Privilege) error {
	return n.run(ctx, priv, "systemctl", "reload", n.service)
}

func (n *NginxSystemd) Restart(ctx context.Context, priv domain.Privilege) error {
	return n.run(ctx, priv, "systemctl", "restart", n.service)
}

func (n *NginxSystemd) run(ctx context.Context, priv domain.Privilege, name string, args ...string) error {
	if priv == domain.Elevated {
		args = append([]string{"-n", name}, args...)
		name = "sudo"
	}
	_, err := n.runner.Run(ctx, name, args...)
	return err
}

// HostEscalation is the escalation strategy for host commands. An agent that
// already runs as root has nothing to escalate to.
func HostEscalation() domain.Escalation {
	if unix.Geteuid() == 0 {
		return domain.Escalation{Attempts: []domain.Privilege{domain.Unprivileged}}
	}
	return domain.DefaultEscalation()
}
