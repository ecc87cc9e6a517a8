// Package influxdb exports entity states to InfluxDB.
//
// Every state_changed event becomes one point. The measurement is the
// unit_of_measurement attribute, falling back to the configured default
// and then to the entity id. Points are tagged with domain and entity_id.
// Numeric states are written as the "value" field; on/off style states
// are written as 1 or 0, anything else as the "state" string field.
// Numeric attributes become fields of their own name, other scalar
// attributes are written as "<name>_str".
package influxdb

import (
	"context"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/openpeerpower/opp-core/internal/core"
)

// Domain is the component name.
const Domain = "influxdb"

const (
	attrUnit         = "unit_of_measurement"
	stateUnknown     = "unknown"
	stateUnavailable = "unavailable"
)

// PointWriter is satisfied by *influxdb.Client from the infrastructure
// package. WritePoint must not block.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// Options filters and names exported points.
type Options struct {
	DefaultMeasurement string
	ExcludeDomains     []string
	ExcludeEntities    []string
}

// Exporter writes state changes to a PointWriter.
type Exporter struct {
	writer PointWriter
	opts   Options
	unsub  core.Unsubscribe
}

// New creates an exporter.
func New(writer PointWriter, opts Options) *Exporter {
	return &Exporter{writer: writer, opts: opts}
}

// Setup returns a setup function that starts exporting and stops when the
// core stops.
func Setup(writer PointWriter, opts Options) core.SetupFunc {
	return func(_ context.Context, c *core.Core) error {
		e := New(writer, opts)
		e.Start(c.Bus)
		c.Bus.ListenOnce(core.EventOPPStop, func(*core.Event) { e.Stop() })
		return nil
	}
}

// Start listens for state changes.
func (e *Exporter) Start(bus *core.EventBus) {
	e.unsub = bus.ListenLoop(core.EventStateChanged, e.handle)
}

// Stop stops listening. Points already handed to the writer are flushed
// by the writer.
func (e *Exporter) Stop() {
	if e.unsub != nil {
		e.unsub()
	}
}

func (e *Exporter) handle(event *core.Event) {
	_, _, st := core.StateChange(event)
	if st == nil {
		return
	}
	measurement, tags, fields, ok := e.point(st)
	if !ok {
		return
	}
	e.writer.WritePoint(measurement, tags, fields, st.LastUpdated())
}

// point builds the measurement, tags and fields for st. ok is false when
// the state is filtered out or has nothing to write.
func (e *Exporter) point(st *core.State) (measurement string, tags map[string]string, fields map[string]any, ok bool) {
	if st.State() == "" || st.State() == stateUnknown || st.State() == stateUnavailable {
		return "", nil, nil, false
	}
	if slices.Contains(e.opts.ExcludeDomains, st.Domain()) || slices.Contains(e.opts.ExcludeEntities, st.EntityID()) {
		return "", nil, nil, false
	}

	attrs := st.Attributes()
	measurement, _ = attrs[attrUnit].(string)
	if measurement == "" {
		measurement = e.opts.DefaultMeasurement
	}
	if measurement == "" {
		measurement = st.EntityID()
	}

	fields = map[string]any{}
	if v, numeric := stateAsNumber(st.State()); numeric {
		fields["value"] = v
	} else {
		fields["state"] = st.State()
	}

	for key, raw := range attrs {
		if key == attrUnit {
			continue
		}
		switch v := raw.(type) {
		case float64:
			fields[key] = v
		case int:
			fields[key] = float64(v)
		case int64:
			fields[key] = float64(v)
		case bool:
			fields[key+"_str"] = strconv.FormatBool(v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				fields[key] = f
			} else {
				fields[key+"_str"] = v
			}
		}
	}

	tags = map[string]string{
		"domain":    st.Domain(),
		"entity_id": st.EntityID(),
	}
	return measurement, tags, fields, true
}

// stateAsNumber parses numeric states and maps binary states to 1 and 0.
func stateAsNumber(state string) (float64, bool) {
	if v, err := strconv.ParseFloat(state, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		return v, true
	}
	switch strings.ToLower(state) {
	case "on", "open", "home", "locked", "above_horizon":
		return 1, true
	case "off", "closed", "not_home", "unlocked", "below_horizon":
		return 0, true
	}
	return 0, false
}
