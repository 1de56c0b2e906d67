package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
)

// Adapter defines the lifecycle contract of an infrastructure backend.
// Implementations: DockerAdapter (local engine), SSHDockerAdapter (remote host).
type Adapter interface {
	// StartInstance launches a new instance using password as its credential
	// and returns the provider-assigned id.
	StartInstance(ctx context.Context, password string) (string, error)

	RebootInstance(ctx context.Context, id string) error

	// TerminateInstance destroys the instance. Returns domain.ErrInstanceNotFound
	// if it no longer exists.
	TerminateInstance(ctx context.Context, id string) error

	// GetInstance returns domain.ErrInstanceNotFound when the id cannot be resolved.
	GetInstance(ctx context.Context, id string) (*domain.VM, error)

	// ListInstances returns the instances this adapter owns. An empty filter
	// lists all of them.
	ListInstances(ctx context.Context, filter string) ([]*domain.VM, error)

	// PowerOn nudges a stuck instance. May be a no-op.
	PowerOn(ctx context.Context, id string) error

	// NormalizeRecord converts the backend's raw JSON record into a VM.
	NormalizeRecord(payload []byte) (*domain.VM, error)
}

// Recycler is implemented by adapters that can report whether instances are
// rebooted and reused in place.
type Recycler interface {
	ReusesInstances() bool
}

// ReusesInstances reports whether a reset should reboot the instance rather
// than terminate it. Adapters that do not implement Recycler reuse instances.
func ReusesInstances(a Adapter) bool {
	if r, ok := a.(Recycler); ok {
		return r.ReusesInstances()
	}
	return true
}

// Factory builds the adapter serving one pool.
type Factory func(key domain.PoolKey) (Adapter, error)

// Registry maps provider names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New builds the adapter for key.
func (r *Registry) New(key domain.PoolKey) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[key.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, key.Provider)
	}
	a, err := f(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", key.Provider, err)
	}
	return a, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
