package kernel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/fluxforge/controltower/pkg/observability"
)

// ErrServiceUnknown is returned by Dispatch when the target service was
// never registered.
var ErrServiceUnknown = errors.New("kernel: unknown service")

// ErrServiceAtCapacity is returned by Dispatch when a service's
// max_concurrent load cap is saturated.
var ErrServiceAtCapacity = errors.New("kernel: service at capacity")

// ErrServiceShedding is returned by Dispatch when the service's local
// admission limiter has no token available.
var ErrServiceShedding = errors.New("kernel: service shedding load")

// ErrServiceCircuitOpen is returned by Dispatch when a service's circuit
// breaker has tripped on a recent failure streak.
var ErrServiceCircuitOpen = errors.New("kernel: service circuit open")

// ErrServiceUnhealthy is returned by Dispatch when the target service's
// descriptor is marked unhealthy, e.g. after SetHealthy(false) following
// an earlier exhausted retry budget.
var ErrServiceUnhealthy = errors.New("kernel: service unhealthy")

// RemoteTransport is the adapter contract for dispatching to a service
// hosted outside this process. Implementations must honor ctx deadlines.
type RemoteTransport interface {
	Send(ctx context.Context, target DispatchTarget, envelope *Envelope) (*Envelope, error)
}

// Dispatcher sends envelopes to registered services, enforcing per-call
// timeout and bounded retry. Dispatch is serialized per PCB by the
// caller: a PCB is RUNNING in only one runProcess loop or worker stage at
// a time, and that loop dispatches one stage after another. The
// dispatcher itself holds no cross-call state beyond load counters and
// admission limiters. When a service has a circuit breaker installed,
// the breaker handles repeated failures; otherwise exhausted retries mark
// the service unhealthy.
type Dispatcher struct {
	mu       sync.Mutex
	log      zerolog.Logger
	registry *Registry
	remote   RemoteTransport
	limiters map[string]*rate.Limiter
	breakers map[string]*circuitBreaker
}

// NewDispatcher wires a dispatcher against a registry. remote may be nil
// when every service is handled in-process.
func NewDispatcher(registry *Registry, remote RemoteTransport, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log.With().Str("component", "dispatcher").Logger(),
		registry: registry,
		remote:   remote,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*circuitBreaker),
	}
}

// SetServiceCircuitBreaker installs a circuit breaker for a service: once
// failureThreshold consecutive dispatch failures accrue, the breaker opens
// and sheds attempts until cooldown elapses, then admits a small probe
// sample before closing again.
func (d *Dispatcher) SetServiceCircuitBreaker(serviceName string, failureThreshold int, cooldown time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakers[serviceName] = newCircuitBreaker(failureThreshold, cooldown)
}

func (d *Dispatcher) breakerFor(serviceName string) *circuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.breakers[serviceName]
}

// SetServiceRateLimit installs a token-bucket admission limiter for a
// service, shedding load before a handler is ever invoked. This is
// distinct from the sliding-window per-user/per-endpoint RateLimiter:
// it protects a single downstream service's burst capacity.
func (d *Dispatcher) SetServiceRateLimit(serviceName string, ratePerSecond float64, burst int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.limiters[serviceName] = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
}

func (d *Dispatcher) limiterFor(serviceName string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.limiters[serviceName]
}

// Dispatch sends envelope to target.ServiceName, applying target.Timeout
// as a hard per-attempt deadline and retrying up to target.MaxRetries
// times on handler error or attempt timeout. Each attempt increments and
// decrements the service's current_load around the call so load is never
// reported concurrent with attempts that have already returned.
func (d *Dispatcher) Dispatch(ctx context.Context, target DispatchTarget, envelope *Envelope) (*Envelope, error) {
	descriptor, handler, ok := d.registry.Get(target.ServiceName)
	if !ok {
		observability.DispatchAttempts.WithLabelValues(target.ServiceName, "unknown_service").Inc()
		return nil, ErrServiceUnknown
	}

	if !descriptor.Healthy {
		observability.DispatchAttempts.WithLabelValues(target.ServiceName, "unhealthy").Inc()
		return nil, ErrServiceUnhealthy
	}

	if limiter := d.limiterFor(target.ServiceName); limiter != nil && !limiter.Allow() {
		observability.DispatchAttempts.WithLabelValues(target.ServiceName, "shed").Inc()
		return nil, ErrServiceShedding
	}

	breaker := d.breakerFor(target.ServiceName)
	if breaker != nil && !breaker.Allow() {
		observability.DispatchAttempts.WithLabelValues(target.ServiceName, "circuit_open").Inc()
		return nil, ErrServiceCircuitOpen
	}

	var lastErr error
	attempts := target.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if !d.registry.incrementLoad(target.ServiceName) {
			observability.DispatchAttempts.WithLabelValues(target.ServiceName, "at_capacity").Inc()
			return nil, ErrServiceAtCapacity
		}

		started := time.Now()
		result, err := d.attempt(ctx, target, descriptor, handler, envelope)
		observability.DispatchLatency.WithLabelValues(target.ServiceName).Observe(time.Since(started).Seconds())
		d.registry.decrementLoad(target.ServiceName)

		if err == nil {
			observability.DispatchAttempts.WithLabelValues(target.ServiceName, "success").Inc()
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return result, nil
		}
		lastErr = err
		observability.DispatchAttempts.WithLabelValues(target.ServiceName, "failure").Inc()
		if breaker != nil {
			breaker.RecordFailure()
		}
		d.log.Warn().Str("service", target.ServiceName).Int("attempt", attempt).Err(err).Msg("dispatch_attempt_failed")
	}

	if breaker == nil {
		d.registry.SetHealthy(target.ServiceName, false)
	}
	return nil, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, target DispatchTarget, descriptor ServiceDescriptor, handler ServiceHandler, envelope *Envelope) (*Envelope, error) {
	ctx, span := observability.Tracer.Start(ctx, "kernel.dispatch")
	span.SetAttributes(
		attribute.String("service", target.ServiceName),
		attribute.String("method", target.Method),
	)
	defer span.End()

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if descriptor.ServiceType == "remote" && d.remote != nil {
		return d.remote.Send(attemptCtx, target, envelope)
	}
	if handler == nil {
		return nil, ErrServiceUnknown
	}

	type outcome struct {
		env *Envelope
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{nil, errHandlerPanic}
			}
		}()
		env, err := handler.Handle(attemptCtx, envelope)
		done <- outcome{env, err}
	}()

	select {
	case <-attemptCtx.Done():
		return nil, attemptCtx.Err()
	case o := <-done:
		return o.env, o.err
	}
}

var errHandlerPanic = errors.New("kernel: service handler panicked")
