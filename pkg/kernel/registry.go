package kernel

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/fluxforge/controltower/pkg/observability"
)

// ServiceHandler is the in-process contract a registered service
// implements. Handle must respect ctx cancellation and must not block
// past the deadline the dispatcher attaches.
type ServiceHandler interface {
	Handle(ctx context.Context, envelope *Envelope) (*Envelope, error)
}

// Registry tracks registered services and their live load, independent
// of whether dispatch happens in-process or through a remote transport.
type Registry struct {
	mu       sync.RWMutex
	log      zerolog.Logger
	services map[string]*registered
}

type registered struct {
	descriptor ServiceDescriptor
	handler    ServiceHandler
}

// NewRegistry constructs an empty service registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:      log.With().Str("component", "service_registry").Logger(),
		services: make(map[string]*registered),
	}
}

// Register adds or replaces a service under descriptor.Name.
func (r *Registry) Register(descriptor ServiceDescriptor, handler ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	descriptor.Healthy = true
	r.services[descriptor.Name] = &registered{descriptor: descriptor, handler: handler}
	r.log.Info().Str("service", descriptor.Name).Str("type", descriptor.ServiceType).Msg("service_registered")
}

// Unregister removes a service.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; !ok {
		return false
	}
	delete(r.services, name)
	return true
}

// Get returns the descriptor and handler registered under name.
func (r *Registry) Get(name string) (ServiceDescriptor, ServiceHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[name]
	if !ok {
		return ServiceDescriptor{}, nil, false
	}
	return svc.descriptor, svc.handler, true
}

// List returns a snapshot of every registered service descriptor.
func (r *Registry) List() []ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceDescriptor, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc.descriptor)
	}
	return out
}

// SetHealthy flips a service's health flag, used by the dispatcher after
// repeated dispatch failures.
func (r *Registry) SetHealthy(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[name]; ok {
		svc.descriptor.Healthy = healthy
	}
}

// incrementLoad bumps current_load for name, clamped to never exceed
// max_concurrent when max_concurrent > 0. Returns false if the service
// is at capacity or unknown.
func (r *Registry) incrementLoad(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	if !ok {
		return false
	}
	if svc.descriptor.MaxConcurrent > 0 && svc.descriptor.CurrentLoad >= svc.descriptor.MaxConcurrent {
		return false
	}
	svc.descriptor.CurrentLoad++
	observability.ServiceLoad.WithLabelValues(name).Set(float64(svc.descriptor.CurrentLoad))
	return true
}

// decrementLoad lowers current_load for name, saturating at zero so a
// double-release can never drive it negative.
func (r *Registry) decrementLoad(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.services[name]; ok && svc.descriptor.CurrentLoad > 0 {
		svc.descriptor.CurrentLoad--
		observability.ServiceLoad.WithLabelValues(name).Set(float64(svc.descriptor.CurrentLoad))
	}
}
