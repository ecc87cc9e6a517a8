package core

import (
	"context"
	"errors"
	"slices"
	"sync/atomic"
	"testing"
	"time"
)

func TestCoreLifecycle(t *testing.T) {
	c := New(Config{})
	if c.State() != StateNotRunning {
		t.Fatalf("State() = %s, want not_running", c.State())
	}

	var started, stopped recorder
	c.Bus.ListenLoop(EventOPPStart, started.record)
	c.Bus.ListenLoop(EventOPPStop, stopped.record)

	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !c.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := c.Start(t.Context()); err == nil {
		t.Error("second Start() succeeded")
	}

	if err := c.Stop(t.Context()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := c.Stop(t.Context()); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("State() = %s, want stopped", c.State())
	}
	if started.len() != 1 || stopped.len() != 1 {
		t.Errorf("start/stop events = %d/%d, want 1/1", started.len(), stopped.len())
	}
	if err := c.Bus.Fire("late", nil, nil); !errors.Is(err, ErrBusClosed) {
		t.Errorf("Fire() after Stop error = %v, want ErrBusClosed", err)
	}
}

func TestCoreStopWaitsForPendingWork(t *testing.T) {
	c := New(Config{})
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	var done atomic.Bool
	c.Services.Register("test", "slow", func(context.Context, *ServiceCall) error {
		time.Sleep(50 * time.Millisecond)
		done.Store(true)
		return nil
	}, nil)
	//nolint:errcheck // non-blocking call
	c.Services.Call(t.Context(), "test", "slow", nil)

	if err := c.Stop(t.Context()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !done.Load() {
		t.Error("Stop() returned before the pending service call finished")
	}
}

func TestBlockTillDoneWaitsForChainedWork(t *testing.T) {
	c := newTestCore(t)

	var final atomic.Bool
	c.Bus.Listen("first", func(*Event) {
		time.Sleep(10 * time.Millisecond)
		//nolint:errcheck // constant event type
		c.Bus.Fire("second", nil, nil)
	})
	c.Bus.Listen("second", func(*Event) {
		time.Sleep(10 * time.Millisecond)
		final.Store(true)
	})

	//nolint:errcheck // constant event type
	c.Bus.Fire("first", nil, nil)
	blockTillDone(t, c)

	if !final.Load() {
		t.Error("BlockTillDone returned before chained work finished")
	}
}

func TestCoreUpdateConfig(t *testing.T) {
	c := newTestCore(t)

	var rec recorder
	c.Bus.ListenLoop(EventCoreConfigUpdated, rec.record)

	name := "Cabin"
	lat := 52.1
	if err := c.UpdateConfig(ConfigUpdate{LocationName: &name, Latitude: &lat, UnitSystem: "Imperial"}, nil); err != nil {
		t.Fatalf("UpdateConfig() error = %v", err)
	}
	blockTillDone(t, c)

	cfg := c.Config()
	if cfg.LocationName != "Cabin" || cfg.Latitude != 52.1 || cfg.UnitSystem != UnitSystemImperial {
		t.Errorf("Config() = %+v", cfg)
	}
	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("core_config_updated fired %d times, want 1", len(events))
	}
	if events[0].Data["location_name"] != "Cabin" {
		t.Errorf("event data = %v", events[0].Data)
	}
	if _, ok := events[0].Data["longitude"]; ok {
		t.Error("unchanged field reported as changed")
	}

	bad := 120.0
	if err := c.UpdateConfig(ConfigUpdate{Latitude: &bad}, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("UpdateConfig(bad latitude) error = %v, want ErrValidation", err)
	}
	zone := "Not/AZone"
	if err := c.UpdateConfig(ConfigUpdate{TimeZone: &zone}, nil); !errors.Is(err, ErrValidation) {
		t.Errorf("UpdateConfig(bad zone) error = %v, want ErrValidation", err)
	}
}

func TestCoreConfigMap(t *testing.T) {
	c := newTestCore(t, WithVersion("1.2.3"))

	m := c.ConfigMap()
	if m["location_name"] != "Test Home" || m["version"] != "1.2.3" {
		t.Errorf("ConfigMap() = %v", m)
	}
	units, ok := m["unit_system"].(map[string]string)
	if !ok || units["temperature"] != "°C" {
		t.Errorf("unit_system = %v, want metric units", m["unit_system"])
	}
	if m["state"] != string(StateRunning) {
		t.Errorf("state = %v, want running", m["state"])
	}
}

func TestSetupComponent(t *testing.T) {
	c := newTestCore(t)

	var loaded recorder
	c.Bus.ListenLoop(EventComponentLoaded, loaded.record)

	var calls atomic.Int32
	setup := func(context.Context, *Core) error {
		calls.Add(1)
		return nil
	}
	if err := c.SetupComponent(t.Context(), "light", setup); err != nil {
		t.Fatalf("SetupComponent() error = %v", err)
	}
	if err := c.SetupComponent(t.Context(), "light", setup); err != nil {
		t.Fatalf("second SetupComponent() error = %v", err)
	}

	failing := errors.New("no hardware")
	err := c.SetupComponent(t.Context(), "broken", func(context.Context, *Core) error { return failing })
	if !errors.Is(err, ErrComponentSetup) || !errors.Is(err, failing) {
		t.Errorf("SetupComponent(broken) error = %v", err)
	}
	blockTillDone(t, c)

	if calls.Load() != 1 {
		t.Errorf("setup ran %d times, want 1", calls.Load())
	}
	if !c.IsLoaded("light") || c.IsLoaded("broken") {
		t.Errorf("Components() = %v", c.Components())
	}
	if loaded.len() != 1 {
		t.Errorf("component_loaded fired %d times, want 1", loaded.len())
	}
}

func TestSetupComponents(t *testing.T) {
	c := newTestCore(t)

	noop := func(context.Context, *Core) error { return nil }
	err := c.SetupComponents(t.Context(), map[string]SetupFunc{
		"a":   noop,
		"b":   noop,
		"bad": func(context.Context, *Core) error { return errors.New("fail") },
	})
	if !errors.Is(err, ErrComponentSetup) {
		t.Errorf("SetupComponents() error = %v, want ErrComponentSetup", err)
	}
	if got := c.Components(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Components() = %v, want [a b]", got)
	}
}

func TestAsyncWhenSetup(t *testing.T) {
	c := newTestCore(t)

	var before, after atomic.Int32
	c.AsyncWhenSetup("later", func(context.Context, *Core) { before.Add(1) })
	blockTillDone(t, c)
	if before.Load() != 0 {
		t.Fatal("callback ran before the component loaded")
	}

	if err := c.SetupComponent(t.Context(), "later", func(context.Context, *Core) error { return nil }); err != nil {
		t.Fatalf("SetupComponent() error = %v", err)
	}
	c.AsyncWhenSetup("later", func(context.Context, *Core) { after.Add(1) })
	blockTillDone(t, c)

	// A second load event must not re-run the callback.
	//nolint:errcheck // constant event type
	c.Bus.Fire(EventComponentLoaded, map[string]any{AttrComponent: "later"}, nil)
	blockTillDone(t, c)

	if before.Load() != 1 || after.Load() != 1 {
		t.Errorf("callbacks ran %d/%d times, want 1/1", before.Load(), after.Load())
	}
}

func TestRunInExecutor(t *testing.T) {
	c := newTestCore(t, WithExecutorWorkers(2))

	got, err := RunInExecutor(t.Context(), c, func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Errorf("RunInExecutor() = %d, %v; want 42, nil", got, err)
	}

	_, err = RunInExecutor(t.Context(), c, func(context.Context) (string, error) { panic("bad job") })
	if err == nil {
		t.Error("RunInExecutor() with panic returned nil error")
	}
}

func TestTimeChanged(t *testing.T) {
	c := newTestCore(t, WithTimeChanged(10*time.Millisecond))

	got := make(chan *Event, 1)
	c.Bus.ListenOnce(EventTimeChanged, func(e *Event) { got <- e })

	select {
	case e := <-got:
		if _, ok := e.Data[AttrNow].(time.Time); !ok {
			t.Errorf("time_changed data = %v, want now", e.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("time_changed not fired")
	}
}
