package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/crossdb-io/crossdb/pkg/dbcapabilities"
	"github.com/crossdb-io/crossdb/pkg/logger"
)

// Factory constructs an adapter for one configured database.
type Factory func(cfg ConnectionConfig, log *logger.Logger) (Adapter, error)

// Registry maps engine identifiers to adapter factories and catalogs
// the live adapter instances created through it. It is an explicit
// value passed to whoever composes the database manager; registration
// happens once at process start.
type Registry struct {
	mu        sync.RWMutex
	factories map[dbcapabilities.DatabaseID]Factory
	instances map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[dbcapabilities.DatabaseID]Factory),
		instances: make(map[string]Adapter),
	}
}

// Register registers a factory for an engine. A nil factory is
// rejected; registering the same engine again replaces the previous
// factory.
func (r *Registry) Register(engine dbcapabilities.DatabaseID, factory Factory) error {
	if factory == nil {
		return NewConfigurationError(engine, "factory", "factory must not be nil")
	}
	if _, ok := dbcapabilities.Get(engine); !ok {
		return NewConfigurationError(engine, "engine", "unknown database engine")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[engine] = factory
	return nil
}

// Get returns the factory registered for an engine.
func (r *Registry) Get(engine dbcapabilities.DatabaseID) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, ok := r.factories[engine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAdapterNotFound, engine)
	}
	return factory, nil
}

// IsRegistered checks whether a factory exists for the engine.
func (r *Registry) IsRegistered(engine dbcapabilities.DatabaseID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[engine]
	return ok
}

// ListRegistered returns every engine with a registered factory.
func (r *Registry) ListRegistered() []dbcapabilities.DatabaseID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	engines := make([]dbcapabilities.DatabaseID, 0, len(r.factories))
	for engine := range r.factories {
		engines = append(engines, engine)
	}
	return engines
}

// Create instantiates an adapter for the configuration. When instanceID
// is non-empty the instance is cataloged under that ID for later
// introspection and shutdown; an ID already in use is rejected.
func (r *Registry) Create(cfg ConnectionConfig, instanceID string, log *logger.Logger) (Adapter, error) {
	engine, ok := cfg.EngineID()
	if !ok {
		return nil, NewConfigurationError(dbcapabilities.DatabaseID(cfg.Engine), "engine", "unknown database engine")
	}

	factory, err := r.Get(engine)
	if err != nil {
		return nil, err
	}

	adp, err := factory(cfg, log)
	if err != nil {
		return nil, WrapError(engine, "create_adapter", err)
	}

	if instanceID != "" {
		r.mu.Lock()
		if _, exists := r.instances[instanceID]; exists {
			r.mu.Unlock()
			return nil, NewConfigurationError(engine, "instanceId",
				fmt.Sprintf("instance %q already exists", instanceID))
		}
		r.instances[instanceID] = adp
		r.mu.Unlock()
	}

	return adp, nil
}

// Instance returns a cataloged live adapter by instance ID.
func (r *Registry) Instance(instanceID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adp, ok := r.instances[instanceID]
	return adp, ok
}

// Instances returns the IDs of every cataloged adapter.
func (r *Registry) Instances() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return ids
}

// Remove drops an instance from the catalog without shutting it down.
func (r *Registry) Remove(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, instanceID)
}

// ShutdownAll shuts down every cataloged instance best-effort and
// clears the catalog regardless of individual failures.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.mu.Lock()
	instances := r.instances
	r.instances = make(map[string]Adapter)
	r.mu.Unlock()

	var errs []error
	for id, adp := range instances {
		if err := adp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
