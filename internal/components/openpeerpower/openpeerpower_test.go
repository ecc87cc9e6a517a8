package openpeerpower

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/openpeerpower/opp-core/internal/auth"
	"github.com/openpeerpower/opp-core/internal/core"
)

type fakeUsers map[string]*auth.User

func (f fakeUsers) GetUser(_ context.Context, id string) (*auth.User, error) {
	if u, ok := f[id]; ok {
		return u, nil
	}
	return nil, auth.ErrUserNotFound
}

var testUsers = fakeUsers{
	"admin": {ID: "admin", Role: auth.RoleAdmin, IsActive: true},
	"guest": {ID: "guest", Role: auth.RoleUser, IsActive: true, Policy: &auth.Policy{
		EntityIDs: map[string]auth.Grant{"light.kitchen": {Read: true, Control: true}},
	}},
}

func newCore(t *testing.T, opts Options) *core.Core {
	t.Helper()

	c := core.New(core.Config{LocationName: "Home"}, core.WithUsers(testUsers))
	if err := c.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		c.Stop(context.Background()) //nolint:errcheck // test cleanup
	})
	if err := c.SetupComponent(t.Context(), Domain, Setup(opts)); err != nil {
		t.Fatalf("SetupComponent() error = %v", err)
	}
	return c
}

func call(t *testing.T, c *core.Core, service string, data map[string]any, userID string) error {
	t.Helper()
	_, err := c.Services.Call(t.Context(), Domain, service, data,
		core.Blocking(), core.WithLimit(5*time.Second), core.WithCallContext(core.NewContext(userID, "")))
	return err
}

// callLog records the entity ids each domain service received.
type callLog struct {
	mu    sync.Mutex
	calls map[string][]string
}

func (l *callLog) handler(key string) core.ServiceHandler {
	return func(_ context.Context, call *core.ServiceCall) error {
		ids, _, err := core.ExtractEntityIDs(call.Data)
		if err != nil {
			return err
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.calls[key] = append(l.calls[key], ids...)
		return nil
	}
}

func (l *callLog) get(key string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.calls[key])
}

func TestServicesRegistered(t *testing.T) {
	c := newCore(t, Options{})

	for _, svc := range []string{ServiceStop, ServiceRestart, ServiceTurnOn, ServiceTurnOff,
		ServiceToggle, ServiceSetLocation, ServiceReloadCoreConfig, ServiceUpdateEntity} {
		if !c.Services.HasService(Domain, svc) {
			t.Errorf("service %s.%s not registered", Domain, svc)
		}
	}
	if !c.IsLoaded(Domain) {
		t.Error("component not marked loaded")
	}
}

func TestForwardToDomains(t *testing.T) {
	c := newCore(t, Options{})
	log := &callLog{calls: map[string][]string{}}
	c.Services.Register("light", "turn_on", log.handler("light.turn_on"), nil)
	c.Services.Register("switch", "turn_on", log.handler("switch.turn_on"), nil)
	c.Services.Register("light", "toggle", log.handler("light.toggle"), nil)

	err := call(t, c, ServiceTurnOn, map[string]any{
		"entity_id": []string{"light.kitchen", "switch.fan", "light.bedroom", "openpeerpower.self", "cover.door"},
	}, "")
	if err != nil {
		t.Fatalf("turn_on error = %v", err)
	}
	if got := log.get("light.turn_on"); !slices.Equal(got, []string{"light.kitchen", "light.bedroom"}) {
		t.Errorf("light.turn_on got %v", got)
	}
	if got := log.get("switch.turn_on"); !slices.Equal(got, []string{"switch.fan"}) {
		t.Errorf("switch.turn_on got %v", got)
	}

	for _, id := range []string{"light.kitchen", "light.bedroom", "switch.fan"} {
		if err := c.States.Set(id, "on", nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := call(t, c, ServiceToggle, map[string]any{"entity_id": "all"}, ""); err != nil {
		t.Fatalf("toggle all error = %v", err)
	}
	got := log.get("light.toggle")
	slices.Sort(got)
	if !slices.Equal(got, []string{"light.bedroom", "light.kitchen"}) {
		t.Errorf("light.toggle got %v", got)
	}
}

func TestForwardChecksPermissions(t *testing.T) {
	c := newCore(t, Options{})
	log := &callLog{calls: map[string][]string{}}
	c.Services.Register("light", "turn_off", c.EntityService("light", func(_ context.Context, _ *core.ServiceCall, ids []string) error {
		log.mu.Lock()
		defer log.mu.Unlock()
		log.calls["light"] = append(log.calls["light"], ids...)
		return nil
	}), nil)

	err := call(t, c, ServiceTurnOff, map[string]any{"entity_id": "light.bedroom"}, "guest")
	if !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("guest turn_off on foreign entity error = %v, want ErrUnauthorized", err)
	}
	if err := call(t, c, ServiceTurnOff, map[string]any{"entity_id": "light.kitchen"}, "guest"); err != nil {
		t.Fatalf("guest turn_off own entity error = %v", err)
	}
	if got := log.get("light"); !slices.Equal(got, []string{"light.kitchen"}) {
		t.Errorf("light.turn_off got %v", got)
	}
}

func TestShutdown(t *testing.T) {
	requests := make(chan bool, 2)
	c := newCore(t, Options{Shutdown: func(restart bool) { requests <- restart }})

	if err := call(t, c, ServiceStop, nil, "guest"); !errors.Is(err, core.ErrUnauthorized) {
		t.Fatalf("guest stop error = %v, want ErrUnauthorized", err)
	}

	for _, tt := range []struct {
		service string
		restart bool
	}{
		{ServiceStop, false},
		{ServiceRestart, true},
	} {
		if err := call(t, c, tt.service, nil, "admin"); err != nil {
			t.Fatalf("%s error = %v", tt.service, err)
		}
		select {
		case got := <-requests:
			if got != tt.restart {
				t.Errorf("%s requested restart=%v", tt.service, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not request shutdown", tt.service)
		}
	}

	bare := newCore(t, Options{})
	if err := call(t, bare, ServiceStop, nil, ""); !errors.Is(err, ErrNotSupported) {
		t.Errorf("stop without hook error = %v, want ErrNotSupported", err)
	}
}

func TestSetLocation(t *testing.T) {
	c := newCore(t, Options{})

	updated := make(chan *core.Event, 1)
	c.Bus.ListenLoop(core.EventCoreConfigUpdated, func(e *core.Event) { updated <- e })

	err := call(t, c, ServiceSetLocation, map[string]any{"latitude": 51.5, "longitude": -0.12, "elevation": 11}, "admin")
	if err != nil {
		t.Fatalf("set_location error = %v", err)
	}
	cfg := c.Config()
	if cfg.Latitude != 51.5 || cfg.Longitude != -0.12 || cfg.Elevation != 11 {
		t.Errorf("config = %+v", cfg)
	}
	select {
	case e := <-updated:
		if e.Context.UserID() != "admin" {
			t.Errorf("core_config_updated context user = %q", e.Context.UserID())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("core_config_updated not fired")
	}

	tests := []struct {
		name string
		data map[string]any
		user string
		want error
	}{
		{"missing longitude", map[string]any{"latitude": 1.0}, "admin", core.ErrValidation},
		{"latitude out of range", map[string]any{"latitude": 91.0, "longitude": 0.0}, "admin", core.ErrValidation},
		{"extra key", map[string]any{"latitude": 1.0, "longitude": 1.0, "zoom": 3}, "admin", core.ErrValidation},
		{"non-admin", map[string]any{"latitude": 1.0, "longitude": 1.0}, "guest", core.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := call(t, c, ServiceSetLocation, tt.data, tt.user); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestReloadCoreConfig(t *testing.T) {
	name := "Cabin"
	c := newCore(t, Options{LoadConfig: func(context.Context) (core.ConfigUpdate, error) {
		return core.ConfigUpdate{LocationName: &name}, nil
	}})
	if err := call(t, c, ServiceReloadCoreConfig, nil, "admin"); err != nil {
		t.Fatalf("reload_core_config error = %v", err)
	}
	if got := c.Config().LocationName; got != "Cabin" {
		t.Errorf("location name = %q, want Cabin", got)
	}

	loadErr := errors.New("config file unreadable")
	failing := newCore(t, Options{LoadConfig: func(context.Context) (core.ConfigUpdate, error) {
		return core.ConfigUpdate{}, loadErr
	}})
	if err := call(t, failing, ServiceReloadCoreConfig, nil, ""); !errors.Is(err, loadErr) {
		t.Errorf("error = %v, want %v", err, loadErr)
	}
}

func TestUpdateEntity(t *testing.T) {
	c := newCore(t, Options{})
	if err := c.States.Set("sensor.outside", "12", map[string]any{"unit_of_measurement": "°C"}); err != nil {
		t.Fatal(err)
	}
	before := c.States.Get("sensor.outside")

	changes := make(chan *core.Event, 4)
	c.Bus.ListenLoop(core.EventStateChanged, func(e *core.Event) { changes <- e })

	time.Sleep(2 * time.Millisecond)
	if err := call(t, c, ServiceUpdateEntity, map[string]any{"entity_id": []any{"sensor.outside", "sensor.missing"}}, "admin"); err != nil {
		t.Fatalf("update_entity error = %v", err)
	}

	select {
	case e := <-changes:
		_, _, newState := core.StateChange(e)
		if newState == nil || newState.State() != "12" {
			t.Fatalf("new state = %v", newState)
		}
		if !newState.LastUpdated().After(before.LastUpdated()) {
			t.Error("last_updated did not advance")
		}
		if !newState.LastChanged().Equal(before.LastChanged()) {
			t.Error("last_changed moved on a forced update")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no state_changed after update_entity")
	}

	if err := call(t, c, ServiceUpdateEntity, nil, "admin"); !errors.Is(err, core.ErrValidation) {
		t.Errorf("update_entity without entity_id error = %v, want ErrValidation", err)
	}
}
