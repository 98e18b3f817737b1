package domain

import (
	"context"
	"fmt"
)

// BackendKind is the tagged variant selecting how sites are served. It is chosen
// once per agent process.
type BackendKind string

const (
	// BackendIsolatedProcess runs one proxy container per site.
	BackendIsolatedProcess BackendKind = "docker"
	// BackendSharedHost serves every site from the host proxy via config fragments.
	BackendSharedHost BackendKind = "system"
)

// ParseBackendKind accepts the RUNTIME values understood by the agent. "auto" and ""
// return ok=false so the caller can probe.
func ParseBackendKind(v string) (kind BackendKind, ok bool, err error) {
	switch v {
	case "", "auto":
		return "", false, nil
	case string(BackendIsolatedProcess):
		return BackendIsolatedProcess, true, nil
	case string(BackendSharedHost):
		return BackendSharedHost, true, nil
	}
	return "", false, fmt.Errorf("invalid RUNTIME value %q (want docker, system or auto)", v)
}

// ServingProfile is what a backend needs the generated config to look like for a
// given live directory.
type ServingProfile struct {
	// Root is the directory as seen by the proxy process.
	Root            string
	IndexCandidates []string
}

// BackendHandle identifies what a backend created or touched for a site.
type BackendHandle struct {
	Kind BackendKind `json:"runtime"`
	// Name is the container name or the enabled fragment path.
	Name      string `json:"name"`
	Restarted bool   `json:"restarted,omitempty"`
}

// RuntimeBackend makes a site's live directory actually servable.
type RuntimeBackend interface {
	Kind() BackendKind
	Profile(livePath string) (ServingProfile, error)
	Activate(ctx context.Context, site Site, config string, servedPath string) (BackendHandle, error)
	Restart(ctx context.Context, siteID string) error
	List(ctx context.Context) ([]string, error)
}

// Mount is a read-only bind mount for a container instance.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerRuntime is the slice of a container engine the isolated backend needs.
type ContainerRuntime interface {
	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateNetwork(ctx context.Context, name string) error
	InstanceExists(ctx context.Context, name string) (bool, error)
	RunInstance(ctx context.Context, name, network string, mounts []Mount, image string) error
	RestartInstance(ctx context.Context, name string) error
	ListInstancesByPrefix(ctx context.Context, prefix string) ([]string, error)
}

// Privilege selects whether a host command runs as the agent user or escalated.
type Privilege int

const (
	Unprivileged Privilege = iota
	Elevated
)

func (p Privilege) String() string {
	if p == Elevated {
		return "elevated"
	}
	return "unprivileged"
}

// HostServiceManager controls the shared host proxy process.
type HostServiceManager interface {
	TestConfiguration(ctx context.Context, priv Privilege) error
	Reload(ctx context.Context, priv Privilege) error
	Restart(ctx context.Context, priv Privilege) error
}

// CommandRunner runs a host binary and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RuntimeProbe reports which backend binaries are usable on this host.
type RuntimeProbe interface {
	ContainerRuntimeAvailable(ctx context.Context) bool
	SharedHostAvailable(ctx context.Context) bool
}
