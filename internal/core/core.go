package core

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openpeerpower/opp-core/internal/auth"
)

// RunState is the lifecycle state of the runtime.
type RunState string

const (
	StateNotRunning RunState = "not_running"
	StateStarting   RunState = "starting"
	StateRunning    RunState = "running"
	StateStopping   RunState = "stopping"
	StateStopped    RunState = "stopped"
)

// UserStore resolves the user referenced by a Context.
type UserStore interface {
	GetUser(ctx context.Context, id string) (*auth.User, error)
}

// SetupFunc initialises one component.
type SetupFunc func(ctx context.Context, c *Core) error

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger used by the runtime and its registries.
func WithLogger(l Logger) Option {
	return func(c *Core) { c.logger = l }
}

// WithUsers sets the user store consulted for permission checks.
func WithUsers(u UserStore) Option {
	return func(c *Core) { c.users = u }
}

// WithVersion sets the version reported by get_config.
func WithVersion(v string) Option {
	return func(c *Core) { c.version = v }
}

// WithExecutorWorkers bounds concurrent executor jobs.
func WithExecutorWorkers(n int) Option {
	return func(c *Core) { c.workers = n }
}

// WithStopTimeout bounds how long Stop waits for pending work.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Core) { c.stopTimeout = d }
}

// WithTimeChanged fires time_changed every interval while running.
func WithTimeChanged(interval time.Duration) Option {
	return func(c *Core) { c.timerInterval = interval }
}

// Core is the runtime handle: it owns the bus, the state machine and the
// service registry, and tracks lifecycle, configuration and components.
type Core struct {
	Bus      *EventBus
	States   *StateMachine
	Services *ServiceRegistry

	mu         sync.RWMutex
	config     Config
	state      RunState
	components map[string]struct{}

	users         UserStore
	version       string
	logger        Logger
	tasks         *taskTracker
	exec          *executor
	workers       int
	stopTimeout   time.Duration
	timerInterval time.Duration
	stopTimer     context.CancelFunc
}

// New builds a runtime in the not_running state.
func New(cfg Config, opts ...Option) *Core {
	c := &Core{
		config:      cfg.clone(),
		state:       StateNotRunning,
		components:  make(map[string]struct{}),
		logger:      noopLogger{},
		tasks:       newTaskTracker(),
		workers:     16, //nolint:mnd // default executor size
		stopTimeout: 30 * time.Second,
		version:     "dev",
	}
	if c.config.UnitSystem == "" {
		c.config.UnitSystem = UnitSystemMetric
	}
	if c.config.TimeZone == "" {
		c.config.TimeZone = "UTC"
	}
	for _, opt := range opts {
		opt(c)
	}

	c.Bus = newEventBus(c.logger, c.tasks)
	c.States = NewStateMachine(c.Bus)
	c.Services = NewServiceRegistry(c.Bus, c.logger)
	c.exec = newExecutor(c.workers, c.tasks, c.logger)
	return c
}

// State returns the lifecycle state.
func (c *Core) State() RunState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsRunning reports whether the runtime is starting or running.
func (c *Core) IsRunning() bool {
	s := c.State()
	return s == StateStarting || s == StateRunning
}

// Version returns the version string.
func (c *Core) Version() string { return c.version }

func (c *Core) setState(s RunState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start fires openpeerpower_start and moves to running.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNotRunning {
		c.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", c.state)
	}
	c.state = StateStarting
	c.mu.Unlock()

	c.logger.Info("starting open peer power core", "version", c.version)
	if err := c.Bus.Fire(EventOPPStart, nil, nil); err != nil {
		return err
	}

	if c.timerInterval > 0 {
		tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c.stopTimer = cancel
		go c.runTimer(tctx)
	}

	c.setState(StateRunning)
	return nil
}

// Stop fires openpeerpower_stop, waits for pending work up to the stop
// timeout and closes the bus. Calling Stop twice is a no-op.
func (c *Core) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateStopping || c.state == StateStopped {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	c.mu.Unlock()

	if c.stopTimer != nil {
		c.stopTimer()
	}

	//nolint:errcheck // event type is a non-empty constant
	c.Bus.Fire(EventOPPStop, nil, nil)

	waitCtx, cancel := context.WithTimeout(ctx, c.stopTimeout)
	defer cancel()
	if err := c.BlockTillDone(waitCtx); err != nil {
		c.logger.Warn("timed out waiting for pending work during shutdown",
			"pending", c.tasks.pending(),
			"error", err,
		)
	}

	c.Bus.Close()
	c.setState(StateStopped)
	c.logger.Info("open peer power core stopped")
	return nil
}

// BlockTillDone waits until every queued event, listener, service call
// and executor job has finished, including work they scheduled.
func (c *Core) BlockTillDone(ctx context.Context) error {
	return c.tasks.wait(ctx)
}

func (c *Core) runTimer(ctx context.Context) {
	ticker := time.NewTicker(c.timerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := c.Bus.Fire(EventTimeChanged, map[string]any{AttrNow: now.UTC()}, nil); errors.Is(err, ErrBusClosed) {
				return
			}
		}
	}
}

// Config returns a copy of the runtime configuration.
func (c *Core) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config.clone()
}

// UpdateConfig applies update and fires core_config_updated with the
// changed fields.
func (c *Core) UpdateConfig(update ConfigUpdate, octx *Context) error {
	c.mu.Lock()
	next, err := update.apply(c.config)
	if err != nil {
		c.mu.Unlock()
		return &ValidationError{Message: err.Error()}
	}
	prev := c.config
	c.config = next
	c.mu.Unlock()

	changed := map[string]any{}
	before, after := configMap(prev), configMap(next)
	for k, v := range after {
		if fmt.Sprint(before[k]) != fmt.Sprint(v) {
			changed[k] = v
		}
	}
	return c.Bus.Fire(EventCoreConfigUpdated, changed, octx)
}

func configMap(cfg Config) map[string]any {
	return map[string]any{
		"location_name": cfg.LocationName,
		"latitude":      cfg.Latitude,
		"longitude":     cfg.Longitude,
		"elevation":     cfg.Elevation,
		"time_zone":     cfg.TimeZone,
		"unit_system":   string(cfg.UnitSystem),
		"internal_url":  cfg.InternalURL,
		"external_url":  cfg.ExternalURL,
	}
}

// ConfigMap returns the payload of get_config and GET /api/config.
func (c *Core) ConfigMap() map[string]any {
	cfg := c.Config()
	out := configMap(cfg)
	out["unit_system"] = cfg.UnitSystem.Units()
	out["components"] = c.Components()
	out["allowlist_external_dirs"] = cfg.AllowlistExternalDirs
	out["config_dir"] = cfg.ConfigDir
	out["version"] = c.version
	out["state"] = string(c.State())
	return out
}

// SetupComponent runs setup once for name and fires component_loaded on
// success. A component that is already loaded is skipped.
func (c *Core) SetupComponent(ctx context.Context, name string, setup SetupFunc) error {
	if c.IsLoaded(name) {
		return nil
	}
	if err := setup(ctx, c); err != nil {
		c.logger.Error("component setup failed", "component", name, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrComponentSetup, name, err)
	}

	c.mu.Lock()
	c.components[name] = struct{}{}
	//nolint:errcheck // event type is a non-empty constant
	c.Bus.Fire(EventComponentLoaded, map[string]any{AttrComponent: name}, nil)
	c.mu.Unlock()

	c.logger.Info("component loaded", "component", name)
	return nil
}

// SetupComponents sets up several components concurrently. Every setup
// runs even if another fails; the first error is returned.
func (c *Core) SetupComponents(ctx context.Context, setups map[string]SetupFunc) error {
	var g errgroup.Group
	for _, name := range slices.Sorted(maps.Keys(setups)) {
		setup := setups[name]
		g.Go(func() error {
			return c.SetupComponent(ctx, name, setup)
		})
	}
	return g.Wait()
}

// IsLoaded reports whether a component finished setup.
func (c *Core) IsLoaded(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.components[name]
	return ok
}

// Components lists loaded components alphabetically.
func (c *Core) Components() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.components))
}

// AsyncWhenSetup runs cb once component has loaded: immediately if it
// already has, otherwise when its component_loaded event fires.
func (c *Core) AsyncWhenSetup(component string, cb func(ctx context.Context, c *Core)) {
	run := func() {
		c.tasks.add()
		go func() {
			defer c.tasks.done()
			cb(context.Background(), c)
		}()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.components[component]; ok {
		run()
		return
	}

	var once sync.Once
	var unsub Unsubscribe
	unsub = c.Bus.ListenLoop(EventComponentLoaded, func(e *Event) {
		if e.Data[AttrComponent] != component {
			return
		}
		once.Do(func() {
			unsub()
			run()
		})
	})
}

// AddExecutorJob runs fn on the bounded executor and returns its pending
// result.
func (c *Core) AddExecutorJob(ctx context.Context, fn func(ctx context.Context) (any, error)) *Job {
	return c.exec.submit(ctx, fn)
}

// RunInExecutor runs fn on the executor of c and waits for its typed
// result.
func RunInExecutor[T any](ctx context.Context, c *Core, fn func(ctx context.Context) (T, error)) (T, error) {
	job := c.AddExecutorJob(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	res, err := job.Wait(ctx)
	var zero T
	if err != nil {
		return zero, err
	}
	typed, ok := res.(T)
	if !ok && res != nil {
		return zero, fmt.Errorf("executor job returned %T", res)
	}
	return typed, nil
}

// GetUser resolves a user id through the configured UserStore.
func (c *Core) GetUser(ctx context.Context, id string) (*auth.User, error) {
	if c.users == nil {
		return nil, auth.ErrUserNotFound
	}
	return c.users.GetUser(ctx, id)
}
