package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

func TestServiceRegisterAndRemoveEvents(t *testing.T) {
	c := newTestCore(t)

	var registered, removed recorder
	c.Bus.ListenLoop(EventServiceRegistered, registered.record)
	c.Bus.ListenLoop(EventServiceRemoved, removed.record)

	c.Services.Register("Light", "Turn_On", func(context.Context, *ServiceCall) error { return nil }, nil)
	if !c.Services.HasService("light", "turn_on") {
		t.Fatal("HasService() = false after Register")
	}

	c.Services.Remove("light", "turn_on")
	c.Services.Remove("light", "turn_on")
	c.Services.Remove("nope", "nothing")
	blockTillDone(t, c)

	if registered.len() != 1 {
		t.Errorf("service_registered fired %d times, want 1", registered.len())
	}
	if removed.len() != 1 {
		t.Errorf("service_removed fired %d times, want 1", removed.len())
	}
	ev := registered.all()[0]
	if ev.Data[AttrDomain] != "light" || ev.Data[AttrService] != "turn_on" {
		t.Errorf("service_registered data = %v", ev.Data)
	}
	if c.Services.HasService("light", "turn_on") {
		t.Error("HasService() = true after Remove")
	}
}

func TestServiceCallNotFound(t *testing.T) {
	c := newTestCore(t)

	ok, err := c.Services.Call(t.Context(), "light", "missing", nil, Blocking())
	if ok {
		t.Error("Call() = true for unknown service")
	}
	var nf *ServiceNotFoundError
	if !errors.As(err, &nf) || nf.Domain != "light" || nf.Service != "missing" {
		t.Errorf("Call() error = %v, want ServiceNotFoundError", err)
	}
	if !errors.Is(err, ErrServiceNotFound) {
		t.Error("error does not match ErrServiceNotFound")
	}
}

func TestServiceCallBlocking(t *testing.T) {
	c := newTestCore(t)

	handlerErr := errors.New("device offline")
	c.Services.Register("test", "ok", func(_ context.Context, call *ServiceCall) error {
		if call.Data["value"] != "x" {
			return errors.New("data not passed through")
		}
		return nil
	}, nil)
	c.Services.Register("test", "fail", func(context.Context, *ServiceCall) error {
		return handlerErr
	}, nil)

	ok, err := c.Services.Call(t.Context(), "test", "ok", map[string]any{"value": "x"}, Blocking())
	if !ok || err != nil {
		t.Errorf("Call(ok) = %v, %v; want true, nil", ok, err)
	}

	ok, err = c.Services.Call(t.Context(), "test", "fail", nil, Blocking())
	if ok || !errors.Is(err, handlerErr) {
		t.Errorf("Call(fail) = %v, %v; want false, handler error", ok, err)
	}
}

func TestServiceCallNonBlocking(t *testing.T) {
	logger := &memoryLogger{}
	c := newTestCore(t, WithLogger(logger))

	var ran atomic.Bool
	c.Services.Register("test", "fail", func(context.Context, *ServiceCall) error {
		ran.Store(true)
		return errors.New("boom")
	}, nil)

	ok, err := c.Services.Call(t.Context(), "test", "fail", nil)
	if !ok || err != nil {
		t.Errorf("Call() = %v, %v; want true, nil", ok, err)
	}
	blockTillDone(t, c)

	if !ran.Load() {
		t.Error("handler did not run")
	}
	if logger.errorCount() == 0 {
		t.Error("non-blocking handler error was not logged")
	}
}

func TestServiceCallLimit(t *testing.T) {
	c := newTestCore(t)

	release := make(chan struct{})
	var finished atomic.Bool
	c.Services.Register("test", "slow", func(ctx context.Context, _ *ServiceCall) error {
		<-release
		finished.Store(ctx.Err() == nil)
		return nil
	}, nil)

	ok, err := c.Services.Call(t.Context(), "test", "slow", nil, Blocking(), WithLimit(20*time.Millisecond))
	if ok || err != nil {
		t.Errorf("Call() = %v, %v; want false, nil on timeout", ok, err)
	}

	close(release)
	blockTillDone(t, c)
	if !finished.Load() {
		t.Error("handler should keep running with a live context after the limit")
	}
}

func TestServiceCallPanic(t *testing.T) {
	c := newTestCore(t)

	c.Services.Register("test", "panic", func(context.Context, *ServiceCall) error {
		panic("handler bug")
	}, nil)

	ok, err := c.Services.Call(t.Context(), "test", "panic", nil, Blocking())
	if ok || !errors.Is(err, ErrHandlerPanic) {
		t.Errorf("Call() = %v, %v; want false, ErrHandlerPanic", ok, err)
	}
}

func TestServiceCallContext(t *testing.T) {
	c := newTestCore(t)

	var seen *Context
	c.Services.Register("test", "ctx", func(ctx context.Context, call *ServiceCall) error {
		if FromContext(ctx) != call.Context {
			return errors.New("go context does not carry the call context")
		}
		seen = call.Context
		return nil
	}, nil)

	octx := NewContext("user1", "")
	if _, err := c.Services.Call(t.Context(), "test", "ctx", nil, Blocking(), WithCallContext(octx)); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if seen != octx {
		t.Errorf("handler saw context %v, want %v", seen, octx)
	}
}

func TestServiceCallValidation(t *testing.T) {
	c := newTestCore(t)

	schema := NewSchema("Set a level.",
		Field{Name: "level", Required: true, Schema: openapi3.NewIntegerSchema().WithMin(0).WithMax(100)},
		Field{Name: "mode", Default: "normal", Schema: openapi3.NewStringSchema()},
	)

	var got map[string]any
	c.Services.Register("test", "level", func(_ context.Context, call *ServiceCall) error {
		got = call.Data
		return nil
	}, schema)

	tests := []struct {
		name    string
		data    map[string]any
		wantErr bool
	}{
		{name: "valid", data: map[string]any{"level": 50}},
		{name: "missing required", data: map[string]any{}, wantErr: true},
		{name: "out of range", data: map[string]any{"level": 101}, wantErr: true},
		{name: "unknown key", data: map[string]any{"level": 1, "extra": true}, wantErr: true},
		{name: "wrong type", data: map[string]any{"level": "high"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := c.Services.Call(t.Context(), "test", "level", tt.data, Blocking())
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("Call() error = %v, want ErrValidation", err)
				}
				if ok {
					t.Error("Call() = true for invalid data")
				}
				return
			}
			if err != nil || !ok {
				t.Fatalf("Call() = %v, %v", ok, err)
			}
			if got["mode"] != "normal" {
				t.Errorf("default not applied: %v", got)
			}
		})
	}
}

func TestServicesDescriptions(t *testing.T) {
	c := newTestCore(t)

	c.Services.Register("light", "turn_on", func(context.Context, *ServiceCall) error { return nil },
		NewSchema("Turn a light on.", EntityIDField()))
	c.Services.Register("light", "toggle", func(context.Context, *ServiceCall) error { return nil }, nil)

	got := c.Services.Services()
	on := got["light"]["turn_on"]
	if on.Description != "Turn a light on." {
		t.Errorf("description = %q", on.Description)
	}
	if _, ok := on.Fields[AttrEntityID]; !ok {
		t.Errorf("fields = %v, want entity_id", on.Fields)
	}
	if toggle, ok := got["light"]["toggle"]; !ok || toggle.Fields == nil {
		t.Errorf("toggle description = %+v, want empty fields map", toggle)
	}
}
