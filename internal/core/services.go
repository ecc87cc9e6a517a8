package core

import (
	"context"
	"fmt"
	"maps"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openpeerpower/opp-core/internal/infrastructure/metrics"
)

// ServiceCall is the invocation handed to a service handler.
type ServiceCall struct {
	Domain  string
	Service string
	Data    map[string]any
	Context *Context
}

// String renders a short description for logs.
func (c *ServiceCall) String() string {
	return fmt.Sprintf("<ServiceCall %s.%s>", c.Domain, c.Service)
}

// ServiceHandler runs a service. The context is detached from the
// caller's cancellation; handlers that outlive a blocking call's limit
// keep running to completion.
type ServiceHandler func(ctx context.Context, call *ServiceCall) error

type service struct {
	handler ServiceHandler
	schema  Schema
}

// CallOption tunes a single service call.
type CallOption func(*callOptions)

type callOptions struct {
	blocking bool
	limit    time.Duration
	context  *Context
}

// Blocking makes Call wait for the handler to finish.
func Blocking() CallOption {
	return func(o *callOptions) { o.blocking = true }
}

// WithLimit bounds how long a blocking call waits. Zero waits forever.
func WithLimit(d time.Duration) CallOption {
	return func(o *callOptions) { o.limit = d }
}

// WithCallContext attributes the call to octx.
func WithCallContext(octx *Context) CallOption {
	return func(o *callOptions) { o.context = octx }
}

// ServiceRegistry maps (domain, service) to handlers.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]map[string]*service
	bus      *EventBus
	tasks    *taskTracker
	logger   Logger
}

// NewServiceRegistry creates an empty registry that fires on bus.
func NewServiceRegistry(bus *EventBus, logger Logger) *ServiceRegistry {
	if logger == nil {
		logger = noopLogger{}
	}
	return &ServiceRegistry{
		services: make(map[string]map[string]*service),
		bus:      bus,
		tasks:    bus.tasks,
		logger:   logger,
	}
}

// Register adds or replaces a service and fires service_registered.
// schema may be nil to accept any data.
func (r *ServiceRegistry) Register(domain, name string, handler ServiceHandler, schema Schema) {
	domain = strings.ToLower(domain)
	name = strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.services[domain] == nil {
		r.services[domain] = make(map[string]*service)
	}
	r.services[domain][name] = &service{handler: handler, schema: schema}

	//nolint:errcheck // event type is a non-empty constant
	r.bus.Fire(EventServiceRegistered, map[string]any{AttrDomain: domain, AttrService: name}, nil)
}

// Remove unregisters a service. Removing an unknown service is a no-op
// and fires nothing.
func (r *ServiceRegistry) Remove(domain, name string) {
	domain = strings.ToLower(domain)
	name = strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	svcs, ok := r.services[domain]
	if !ok {
		return
	}
	if _, ok := svcs[name]; !ok {
		return
	}
	delete(svcs, name)
	if len(svcs) == 0 {
		delete(r.services, domain)
	}

	//nolint:errcheck // event type is a non-empty constant
	r.bus.Fire(EventServiceRemoved, map[string]any{AttrDomain: domain, AttrService: name}, nil)
}

// HasService reports whether a service is registered.
func (r *ServiceRegistry) HasService(domain, name string) bool {
	return r.lookup(domain, name) != nil
}

func (r *ServiceRegistry) lookup(domain, name string) *service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.services[strings.ToLower(domain)][strings.ToLower(name)]
}

// Services returns domain -> service -> description for every registered
// service. Services without a describing schema get an empty description.
func (r *ServiceRegistry) Services() map[string]map[string]ServiceDescription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]ServiceDescription, len(r.services))
	for domain, svcs := range r.services {
		descs := make(map[string]ServiceDescription, len(svcs))
		for name, svc := range svcs {
			desc := ServiceDescription{Fields: map[string]FieldDescription{}}
			if d, ok := svc.schema.(Describer); ok {
				desc = d.Describe()
			}
			descs[name] = desc
		}
		out[domain] = descs
	}
	return out
}

// Call invokes a service.
//
// The handler always runs on a fresh goroutine. Without Blocking, Call
// returns (true, nil) once the call is scheduled and handler errors are
// only logged. With Blocking, Call returns (true, nil) on success, the
// handler's error on failure, and (false, nil) when the limit elapses
// first; the handler keeps running in that case.
//
// Errors returned before scheduling: ServiceNotFoundError when the
// service is unknown, ValidationError when data fails the schema.
func (r *ServiceRegistry) Call(ctx context.Context, domain, name string, data map[string]any, opts ...CallOption) (bool, error) {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	domain = strings.ToLower(domain)
	name = strings.ToLower(name)

	svc := r.lookup(domain, name)
	if svc == nil {
		return false, &ServiceNotFoundError{Domain: domain, Service: name}
	}

	if data == nil {
		data = map[string]any{}
	}
	if svc.schema != nil {
		validated, err := svc.schema.Validate(data)
		if err != nil {
			metrics.ObserveServiceCall(domain, "invalid", 0)
			return false, err
		}
		data = validated
	} else {
		data = maps.Clone(data)
	}

	octx := o.context
	if octx == nil {
		octx = NewContext("", "")
	}
	call := &ServiceCall{Domain: domain, Service: name, Data: data, Context: octx}

	hctx := WithContext(context.WithoutCancel(ctx), octx)
	done := make(chan error, 1)
	var abandoned atomic.Bool

	r.tasks.add()
	go func() {
		defer r.tasks.done()
		err := r.run(hctx, svc, call)
		if err != nil && (!o.blocking || abandoned.Load()) {
			r.logger.Error("service call failed",
				"domain", domain,
				"service", name,
				"context_id", octx.ID(),
				"error", err,
			)
		}
		done <- err
	}()

	if !o.blocking {
		return true, nil
	}

	var timeout <-chan time.Time
	if o.limit > 0 {
		timer := time.NewTimer(o.limit)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		if err != nil {
			return false, err
		}
		return true, nil
	case <-timeout:
		abandoned.Store(true)
		r.logger.Warn("service call exceeded limit",
			"domain", domain,
			"service", name,
			"limit", o.limit,
		)
		return false, nil
	case <-ctx.Done():
		abandoned.Store(true)
		return false, ctx.Err()
	}
}

func (r *ServiceRegistry) run(ctx context.Context, svc *service, call *ServiceCall) (err error) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("service handler panicked",
				"domain", call.Domain,
				"service", call.Service,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
		result := "ok"
		if err != nil {
			result = "error"
		}
		metrics.ObserveServiceCall(call.Domain, result, time.Since(start))
	}()
	return svc.handler(ctx, call)
}
