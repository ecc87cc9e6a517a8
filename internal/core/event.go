package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types fired by the core.
const (
	// MatchAll subscribes to every event type.
	MatchAll = "*"

	EventStateChanged      = "state_changed"
	EventServiceRegistered = "service_registered"
	EventServiceRemoved    = "service_removed"
	EventComponentLoaded   = "component_loaded"
	EventCoreConfigUpdated = "core_config_updated"
	EventOPPStart          = "openpeerpower_start"
	EventOPPStop           = "openpeerpower_stop"
	EventTimeChanged       = "time_changed"
	EventCallService       = "call_service"
)

// Event data keys.
const (
	AttrEntityID  = "entity_id"
	AttrOldState  = "old_state"
	AttrNewState  = "new_state"
	AttrDomain    = "domain"
	AttrService   = "service"
	AttrComponent = "component"
	AttrNow       = "now"
)

// EventOrigin tells whether an event was fired in this process.
type EventOrigin string

const (
	OriginLocal  EventOrigin = "local"
	OriginRemote EventOrigin = "remote"
)

// Event is a timestamped, typed record of something having happened.
// Events are immutable after construction; Data must not be modified by
// listeners.
type Event struct {
	EventType string
	Data      map[string]any
	Origin    EventOrigin
	TimeFired time.Time
	Context   *Context
}

// NewEvent builds an event with a fresh time_fired. A nil context gets a
// fresh one; nil data becomes an empty map.
func NewEvent(eventType string, data map[string]any, origin EventOrigin, octx *Context) *Event {
	if data == nil {
		data = map[string]any{}
	}
	if origin == "" {
		origin = OriginLocal
	}
	if octx == nil {
		octx = NewContext("", "")
	}
	return &Event{
		EventType: eventType,
		Data:      data,
		Origin:    origin,
		TimeFired: time.Now().UTC(),
		Context:   octx,
	}
}

// String renders a short description for logs.
func (e *Event) String() string {
	origin := "?"
	if e.Origin != "" {
		origin = string(e.Origin)[:1]
	}
	return fmt.Sprintf("<Event %s[%s]>", e.EventType, origin)
}

type eventJSON struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    EventOrigin    `json:"origin"`
	TimeFired string         `json:"time_fired"`
	Context   *Context       `json:"context"`
}

// MarshalJSON renders the wire form used by the WebSocket API.
func (e *Event) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return json.Marshal(eventJSON{
		EventType: e.EventType,
		Data:      data,
		Origin:    e.Origin,
		TimeFired: formatTime(e.TimeFired),
		Context:   e.Context,
	})
}

// UnmarshalJSON parses the wire form. State objects inside data are left
// as plain maps.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var in eventJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}
	e.EventType = in.EventType
	e.Data = in.Data
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	e.Origin = in.Origin
	if e.Origin == "" {
		e.Origin = OriginLocal
	}
	if in.TimeFired != "" {
		t, err := time.Parse(time.RFC3339Nano, in.TimeFired)
		if err != nil {
			return fmt.Errorf("parsing time_fired: %w", err)
		}
		e.TimeFired = t.UTC()
	}
	e.Context = in.Context
	if e.Context == nil {
		e.Context = NewContext("", "")
	}
	return nil
}

// formatTime renders an ISO-8601 UTC timestamp.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
