// Package openpeerpower registers the services of the core integration:
// stopping and restarting the instance, forwarding turn_on, turn_off and
// toggle to the domain of each targeted entity, moving the home location,
// reloading the core configuration and refreshing entities.
package openpeerpower

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/getkin/kin-openapi/openapi3"
	"golang.org/x/sync/errgroup"

	"github.com/openpeerpower/opp-core/internal/core"
)

// Domain is the service domain of the core integration.
const Domain = "openpeerpower"

// Service names.
const (
	ServiceStop             = "stop"
	ServiceRestart          = "restart"
	ServiceTurnOn           = "turn_on"
	ServiceTurnOff          = "turn_off"
	ServiceToggle           = "toggle"
	ServiceSetLocation      = "set_location"
	ServiceReloadCoreConfig = "reload_core_config"
	ServiceUpdateEntity     = "update_entity"
)

// ErrNotSupported is returned by services whose hook was not provided.
var ErrNotSupported = errors.New("openpeerpower: not supported by this instance")

// Logger is the logging interface used by the component.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options wires the component to the process that hosts the core.
type Options struct {
	// Shutdown is invoked by stop (restart=false) and restart
	// (restart=true). It runs on its own goroutine.
	Shutdown func(restart bool)

	// LoadConfig re-reads the core section of the configuration.
	LoadConfig func(ctx context.Context) (core.ConfigUpdate, error)

	Logger Logger
}

type component struct {
	core   *core.Core
	opts   Options
	logger Logger
}

// Setup returns the setup function that registers the services.
func Setup(opts Options) core.SetupFunc {
	return func(_ context.Context, c *core.Core) error {
		comp := &component{core: c, opts: opts, logger: opts.Logger}
		if comp.logger == nil {
			comp.logger = noopLogger{}
		}
		comp.register()
		return nil
	}
}

func (comp *component) register() {
	c := comp.core
	reg := c.Services

	reg.Register(Domain, ServiceStop, c.AdminService(comp.shutdown(false)),
		core.NewSchema("Stop the instance."))
	reg.Register(Domain, ServiceRestart, c.AdminService(comp.shutdown(true)),
		core.NewSchema("Restart the instance."))

	for _, svc := range []string{ServiceTurnOn, ServiceTurnOff, ServiceToggle} {
		reg.Register(Domain, svc, c.EntityService("", comp.forward(svc)),
			core.NewSchema("Generic "+svc+" for entities of any domain.", core.EntityIDField()).AllowExtra())
	}

	reg.Register(Domain, ServiceSetLocation, c.AdminService(comp.setLocation),
		core.NewSchema("Update the location of the home.",
			core.Field{Name: "latitude", Description: "Latitude of the home.", Example: 32.87336, Required: true,
				Schema: openapi3.NewFloat64Schema().WithMin(-90).WithMax(90)},
			core.Field{Name: "longitude", Description: "Longitude of the home.", Example: 117.22743, Required: true,
				Schema: openapi3.NewFloat64Schema().WithMin(-180).WithMax(180)},
			core.Field{Name: "elevation", Description: "Elevation above sea level in meters.", Example: 120,
				Schema: openapi3.NewIntegerSchema()},
		))
	reg.Register(Domain, ServiceReloadCoreConfig, c.AdminService(comp.reloadCoreConfig),
		core.NewSchema("Reload the core configuration."))
	reg.Register(Domain, ServiceUpdateEntity, c.EntityService("", comp.updateEntity),
		core.NewSchema("Force one or more entities to write their state again.",
			core.Field{Name: core.AttrEntityID, Description: "Entity id(s) to update.", Example: "light.kitchen",
				Required: true, Schema: core.EntityIDSchema()}))
}

func (comp *component) shutdown(restart bool) core.ServiceHandler {
	return func(_ context.Context, call *core.ServiceCall) error {
		if comp.opts.Shutdown == nil {
			return ErrNotSupported
		}
		comp.logger.Info("shutdown requested", "restart", restart, "context_id", call.Context.ID())
		go comp.opts.Shutdown(restart)
		return nil
	}
}

// forward calls service in the domain of every targeted entity. Entities
// of this domain are skipped.
func (comp *component) forward(service string) core.EntityAction {
	return func(ctx context.Context, call *core.ServiceCall, ids []string) error {
		byDomain := map[string][]string{}
		for _, id := range ids {
			domain, _ := core.SplitEntityID(id)
			if domain == Domain {
				continue
			}
			byDomain[domain] = append(byDomain[domain], id)
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, domain := range slices.Sorted(maps.Keys(byDomain)) {
			if !comp.core.Services.HasService(domain, service) {
				comp.logger.Warn("unable to find service", "domain", domain, "service", service)
				continue
			}
			data := maps.Clone(call.Data)
			data[core.AttrEntityID] = byDomain[domain]
			g.Go(func() error {
				_, err := comp.core.Services.Call(gctx, domain, service, data,
					core.Blocking(), core.WithCallContext(call.Context))
				return err
			})
		}
		return g.Wait()
	}
}

func (comp *component) setLocation(_ context.Context, call *core.ServiceCall) error {
	lat, _ := call.Data["latitude"].(float64)  //nolint:errcheck // validated by schema
	lon, _ := call.Data["longitude"].(float64) //nolint:errcheck // validated by schema
	update := core.ConfigUpdate{Latitude: &lat, Longitude: &lon}
	if v, ok := call.Data["elevation"].(float64); ok {
		elevation := int(v)
		update.Elevation = &elevation
	}
	return comp.core.UpdateConfig(update, call.Context)
}

func (comp *component) reloadCoreConfig(ctx context.Context, call *core.ServiceCall) error {
	if comp.opts.LoadConfig == nil {
		return ErrNotSupported
	}
	update, err := comp.opts.LoadConfig(ctx)
	if err != nil {
		return err
	}
	comp.logger.Info("core configuration reloaded", "context_id", call.Context.ID())
	return comp.core.UpdateConfig(update, call.Context)
}

// updateEntity rewrites the current state of each entity with a forced
// update so listeners see a fresh state_changed.
func (comp *component) updateEntity(_ context.Context, call *core.ServiceCall, ids []string) error {
	for _, id := range ids {
		st := comp.core.States.Get(id)
		if st == nil {
			comp.logger.Debug("update_entity skipped unknown entity", "entity_id", id)
			continue
		}
		if err := comp.core.States.Set(id, st.State(), st.Attributes(),
			core.ForceUpdate(), core.WithStateContext(call.Context)); err != nil {
			return err
		}
	}
	return nil
}
