package kernel

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(zerolog.Nop())
}

func noopHandler() ServiceHandler {
	return StageHandler(func(ctx context.Context, env *Envelope) (*Envelope, error) { return env, nil })
}

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := newTestRegistry()
	registry.Register(ServiceDescriptor{Name: "planner"}, StageHandler(
		func(ctx context.Context, env *Envelope) (*Envelope, error) { return env, nil },
	))

	descriptor, handler, ok := registry.Get("planner")
	require.True(t, ok)
	assert.NotNil(t, handler)
	assert.Equal(t, "planner", descriptor.Name)
}

func TestRegistryUnregisterRemovesService(t *testing.T) {
	registry := newTestRegistry()
	registry.Register(ServiceDescriptor{Name: "planner"}, noopHandler())

	assert.True(t, registry.Unregister("planner"))
	_, _, ok := registry.Get("planner")
	assert.False(t, ok)
	assert.False(t, registry.Unregister("planner"), "unregistering twice is a no-op")
}

func TestRegistryIncrementLoadClampsAtMaxConcurrent(t *testing.T) {
	registry := newTestRegistry()
	registry.Register(ServiceDescriptor{Name: "planner", MaxConcurrent: 1}, noopHandler())

	assert.True(t, registry.incrementLoad("planner"))
	assert.False(t, registry.incrementLoad("planner"), "a second increment is rejected while at capacity")

	registry.decrementLoad("planner")
	assert.True(t, registry.incrementLoad("planner"), "a freed slot admits another increment")
}

func TestRegistryDecrementLoadSaturatesAtZero(t *testing.T) {
	registry := newTestRegistry()
	registry.Register(ServiceDescriptor{Name: "planner"}, noopHandler())

	registry.decrementLoad("planner")
	descriptors := registry.List()
	require.Len(t, descriptors, 1)
	assert.Equal(t, 0, descriptors[0].CurrentLoad, "decrementing an already-idle service never goes negative")
}

func TestRegistrySetHealthyTogglesDescriptor(t *testing.T) {
	registry := newTestRegistry()
	registry.Register(ServiceDescriptor{Name: "planner"}, noopHandler())

	descriptor, _, _ := registry.Get("planner")
	assert.True(t, descriptor.Healthy, "a freshly registered service starts healthy")

	registry.SetHealthy("planner", false)
	descriptor, _, _ = registry.Get("planner")
	assert.False(t, descriptor.Healthy)
}

func TestRegistryListReturnsSnapshot(t *testing.T) {
	registry := newTestRegistry()
	registry.Register(ServiceDescriptor{Name: "planner"}, noopHandler())
	registry.Register(ServiceDescriptor{Name: "critic"}, noopHandler())

	descriptors := registry.List()
	assert.Len(t, descriptors, 2)
}
