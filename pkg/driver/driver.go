package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/gokay-avci/unifiedlab/pkg/resources"
	"github.com/gokay-avci/unifiedlab/pkg/types"
)

// Driver executes one job inside a sandbox and a private workspace. A
// driver instance may keep long-lived state (a persistent kernel); the
// guardian never observes that choice.
type Driver interface {
	Execute(ctx context.Context, job *types.Job, sb *resources.Sandbox, workDir string) (*types.CalculationResult, error)
}

// Factory builds a driver instance for an engine. cfg is engine-level
// configuration (daemon command lines, environment overrides), not
// per-job data.
type Factory func(cfg map[string]any) (Driver, error)

// Registry maps engine names to drivers. Instances are cached so
// persistent-kernel drivers reuse their kernel across jobs.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	configs   map[string]map[string]any
	instances map[string]Driver
}

// NewRegistry returns a registry with the built-in shell and daemon
// drivers registered.
func NewRegistry() *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		configs:   make(map[string]map[string]any),
		instances: make(map[string]Driver),
	}
	r.Register("shell", nil, NewShellDriver)
	r.Register("daemon", nil, NewDaemonDriver)
	return r
}

// Register binds an engine name to a factory. Re-registering replaces the
// factory and drops any cached instance.
func (r *Registry) Register(engine string, cfg map[string]any, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[engine] = factory
	r.configs[engine] = cfg
	delete(r.instances, engine)
}

// Get returns the cached driver for engine, instantiating it on first
// use.
func (r *Registry) Get(engine string) (Driver, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.instances[engine]; ok {
		return d, nil
	}
	factory, ok := r.factories[engine]
	if !ok {
		return nil, fmt.Errorf("no driver registered for engine %q", engine)
	}
	d, err := factory(r.configs[engine])
	if err != nil {
		return nil, fmt.Errorf("failed to build driver for engine %q: %w", engine, err)
	}
	r.instances[engine] = d
	return d, nil
}

// Invalidate drops a cached instance so the next Get rebuilds it. Drivers
// do not call this (a daemon driver reboots its own kernel); it exists for
// operators forcing a reload.
func (r *Registry) Invalidate(engine string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, engine)
}
