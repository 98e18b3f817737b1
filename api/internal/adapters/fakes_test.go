package adapters_test

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
)

var errBoom = errors.New("boom")

// fakeRunner records every command line and fails the ones listed in fail.
type fakeRunner struct {
	mu     sync.Mutex
	calls  []string
	fail   map[string]error
	output map[string]string
}

func (r *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, line)
	if err := r.fail[line]; err != nil {
		return nil, err
	}
	return []byte(r.output[line]), nil
}

// fakeService is a HostServiceManager whose outcomes are set per privilege level.
type fakeService struct {
	mu         sync.Mutex
	testErr    map[domain.Privilege]error
	reloadErr  map[domain.Privilege]error
	restartErr map[domain.Privilege]error
	tests      []domain.Privilege
	reloads    []domain.Privilege
	restarts   []domain.Privilege

	// onTest runs before every configuration test, outside the lock.
	onTest func()
}

func (s *fakeService) TestConfiguration(_ context.Context, p domain.Privilege) error {
	if s.onTest != nil {
		s.onTest()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tests = append(s.tests, p)
	return s.testErr[p]
}

func (s *fakeService) testCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tests)
}

func (s *fakeService) Reload(_ context.Context, p domain.Privilege) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads = append(s.reloads, p)
	return s.reloadErr[p]
}

func (s *fakeService) Restart(_ context.Context, p domain.Privilege) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.restarts = append(s.restarts, p)
	return s.restartErr[p]
}

func failAll(err error) map[domain.Privilege]error {
	return map[domain.Privilege]error{domain.Unprivileged: err, domain.Elevated: err}
}

// fakeRuntime is an in-memory container engine.
type fakeRuntime struct {
	networks  map[string]bool
	instances map[string][]domain.Mount
	runs      int
	restarts  []string
	createErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{networks: map[string]bool{}, instances: map[string][]domain.Mount{}}
}

func (f *fakeRuntime) NetworkExists(_ context.Context, name string) (bool, error) {
	return f.networks[name], nil
}

func (f *fakeRuntime) CreateNetwork(_ context.Context, name string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.networks[name] = true
	return nil
}

func (f *fakeRuntime) InstanceExists(_ context.Context, name string) (bool, error) {
	_, ok := f.instances[name]
	return ok, nil
}

func (f *fakeRuntime) RunInstance(_ context.Context, name, network string, mounts []domain.Mount, _ string) error {
	if !f.networks[network] {
		return errors.New("network not found")
	}
	f.runs++
	f.instances[name] = mounts
	return nil
}

func (f *fakeRuntime) RestartInstance(_ context.Context, name string) error {
	if _, ok := f.instances[name]; !ok {
		return errors.New("no such container")
	}
	f.restarts = append(f.restarts, name)
	return nil
}

func (f *fakeRuntime) ListInstancesByPrefix(_ context.Context, prefix string) ([]string, error) {
	var names []string
	for n := range f.instances {
		if strings.HasPrefix(n, prefix) {
			names = append(names, n)
		}
	}
	return names, nil
}

type fakeProbe struct {
	docker, nginx bool
}

func (p fakeProbe) ContainerRuntimeAvailable(context.Context) bool { return p.docker }
func (p fakeProbe) SharedHostAvailable(context.Context) bool       { return p.nginx }
