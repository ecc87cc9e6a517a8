package influxdb

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openpeerpower/opp-core/internal/core"
)

type point struct {
	measurement string
	tags        map[string]string
	fields      map[string]any
	ts          time.Time
}

type fakeWriter struct {
	mu     sync.Mutex
	points []point
}

func (w *fakeWriter) WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, point{measurement, tags, fields, ts})
}

func (w *fakeWriter) all() []point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]point(nil), w.points...)
}

func newState(t *testing.T, entityID, state string, attrs map[string]any) *core.State {
	t.Helper()
	st, err := core.NewState(entityID, state, attrs, time.Time{}, time.Time{}, nil)
	if err != nil {
		t.Fatalf("NewState() error = %v", err)
	}
	return st
}

func TestPoint(t *testing.T) {
	e := New(nil, Options{ExcludeDomains: []string{"automation"}, ExcludeEntities: []string{"sensor.secret"}})

	tests := []struct {
		name        string
		state       *core.State
		wantOK      bool
		measurement string
		fields      map[string]any
	}{
		{
			name:        "numeric with unit",
			state:       newState(t, "sensor.outside", "12.5", map[string]any{"unit_of_measurement": "°C", "friendly_name": "Outside"}),
			wantOK:      true,
			measurement: "°C",
			fields:      map[string]any{"value": 12.5, "friendly_name_str": "Outside"},
		},
		{
			name:        "binary state",
			state:       newState(t, "light.kitchen", "on", map[string]any{"brightness": 200}),
			wantOK:      true,
			measurement: "light.kitchen",
			fields:      map[string]any{"value": 1.0, "brightness": 200.0},
		},
		{
			name:        "text state",
			state:       newState(t, "sensor.weather", "sunny", map[string]any{"temperature": "21.5", "raining": false}),
			wantOK:      true,
			measurement: "sensor.weather",
			fields:      map[string]any{"state": "sunny", "temperature": 21.5, "raining_str": "false"},
		},
		{name: "unknown", state: newState(t, "sensor.x", "unknown", nil)},
		{name: "unavailable", state: newState(t, "sensor.x", "unavailable", nil)},
		{name: "excluded domain", state: newState(t, "automation.wake", "on", nil)},
		{name: "excluded entity", state: newState(t, "sensor.secret", "1", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			measurement, tags, fields, ok := e.point(tt.state)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if measurement != tt.measurement {
				t.Errorf("measurement = %q, want %q", measurement, tt.measurement)
			}
			if tags["entity_id"] != tt.state.EntityID() || tags["domain"] != tt.state.Domain() {
				t.Errorf("tags = %v", tags)
			}
			if len(fields) != len(tt.fields) {
				t.Fatalf("fields = %v, want %v", fields, tt.fields)
			}
			for k, want := range tt.fields {
				if fields[k] != want {
					t.Errorf("fields[%s] = %v (%T), want %v", k, fields[k], fields[k], want)
				}
			}
		})
	}
}

func TestDefaultMeasurement(t *testing.T) {
	e := New(nil, Options{DefaultMeasurement: "state"})
	measurement, _, _, ok := e.point(newState(t, "switch.fan", "off", nil))
	if !ok || measurement != "state" {
		t.Errorf("measurement = %q, ok = %v", measurement, ok)
	}
}

func TestStateAsNumber(t *testing.T) {
	tests := []struct {
		state string
		want  float64
		ok    bool
	}{
		{"3", 3, true},
		{"-0.5", -0.5, true},
		{"ON", 1, true},
		{"closed", 0, true},
		{"not_home", 0, true},
		{"NaN", 0, false},
		{"Inf", 0, false},
		{"heat", 0, false},
	}
	for _, tt := range tests {
		got, ok := stateAsNumber(tt.state)
		if ok != tt.ok || got != tt.want {
			t.Errorf("stateAsNumber(%q) = %v, %v; want %v, %v", tt.state, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExportsStateChanges(t *testing.T) {
	c := core.New(core.Config{})
	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	w := &fakeWriter{}
	if err := c.SetupComponent(t.Context(), Domain, Setup(w, Options{})); err != nil {
		t.Fatal(err)
	}

	if err := c.States.Set("sensor.power", "230", map[string]any{"unit_of_measurement": "W"}); err != nil {
		t.Fatal(err)
	}
	if err := c.States.Set("sensor.power", "unknown", nil); err != nil {
		t.Fatal(err)
	}
	c.States.Remove("sensor.power")

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	if err := c.BlockTillDone(ctx); err != nil {
		t.Fatal(err)
	}

	points := w.all()
	if len(points) != 1 {
		t.Fatalf("wrote %d points, want 1: %v", len(points), points)
	}
	p := points[0]
	if p.measurement != "W" || p.fields["value"] != 230.0 || p.ts.IsZero() {
		t.Errorf("point = %+v", p)
	}

	if err := c.Stop(t.Context()); err != nil {
		t.Fatal(err)
	}
	if n := len(w.all()); n != 1 {
		t.Errorf("points after stop = %d", n)
	}
}
