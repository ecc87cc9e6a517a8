package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxStateLength is the longest state string accepted, in characters.
const MaxStateLength = 255

var entityIDPattern = regexp.MustCompile(`^[a-z0-9_]+\.[a-z0-9_]+$`)

// ValidEntityID reports whether id has the form domain.object_id.
func ValidEntityID(id string) bool {
	return entityIDPattern.MatchString(id)
}

// SplitEntityID returns the domain and object id of an entity id.
func SplitEntityID(entityID string) (domain, objectID string) {
	domain, objectID, _ = strings.Cut(entityID, ".")
	return domain, objectID
}

// State is an immutable snapshot of one entity.
type State struct {
	entityID    string
	state       string
	attributes  map[string]any
	attrsJSON   []byte
	lastChanged time.Time
	lastUpdated time.Time
	context     *Context
}

// NewState validates and builds a state snapshot. The entity id is
// lower-cased; attributes are copied and must be JSON-encodable. Zero
// timestamps default to now; a zero lastChanged defaults to lastUpdated.
func NewState(entityID, state string, attributes map[string]any, lastChanged, lastUpdated time.Time, octx *Context) (*State, error) {
	entityID = strings.ToLower(entityID)
	if !ValidEntityID(entityID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}
	if utf8.RuneCountInString(state) > MaxStateLength {
		return nil, fmt.Errorf("%w: state for %s is longer than %d characters", ErrInvalidState, entityID, MaxStateLength)
	}

	attrs := make(map[string]any, len(attributes))
	maps.Copy(attrs, attributes)
	encoded, err := encodeAttributes(attrs)
	if err != nil {
		return nil, fmt.Errorf("%w: attributes for %s: %v", ErrInvalidState, entityID, err)
	}

	if lastUpdated.IsZero() {
		lastUpdated = time.Now()
	}
	if lastChanged.IsZero() {
		lastChanged = lastUpdated
	}
	if octx == nil {
		octx = NewContext("", "")
	}

	return &State{
		entityID:    entityID,
		state:       state,
		attributes:  attrs,
		attrsJSON:   encoded,
		lastChanged: lastChanged.UTC(),
		lastUpdated: lastUpdated.UTC(),
		context:     octx,
	}, nil
}

// encodeAttributes produces a canonical encoding; encoding/json sorts map
// keys so equal maps encode to equal bytes.
func encodeAttributes(attrs map[string]any) ([]byte, error) {
	return json.Marshal(attrs)
}

// EntityID returns the lower-case entity id.
func (s *State) EntityID() string { return s.entityID }

// State returns the state string.
func (s *State) State() string { return s.state }

// Domain returns the part of the entity id before the dot.
func (s *State) Domain() string {
	d, _ := SplitEntityID(s.entityID)
	return d
}

// ObjectID returns the part of the entity id after the dot.
func (s *State) ObjectID() string {
	_, o := SplitEntityID(s.entityID)
	return o
}

// Name returns the friendly_name attribute, falling back to the object id
// with underscores replaced by spaces.
func (s *State) Name() string {
	if name, ok := s.attributes["friendly_name"].(string); ok && name != "" {
		return name
	}
	return strings.ReplaceAll(s.ObjectID(), "_", " ")
}

// Attributes returns a shallow copy of the attribute map.
func (s *State) Attributes() map[string]any {
	out := make(map[string]any, len(s.attributes))
	maps.Copy(out, s.attributes)
	return out
}

// Attribute returns one attribute value.
func (s *State) Attribute(key string) (any, bool) {
	v, ok := s.attributes[key]
	return v, ok
}

// LastChanged is when the state string last changed.
func (s *State) LastChanged() time.Time { return s.lastChanged }

// LastUpdated is when the state or attributes last changed.
func (s *State) LastUpdated() time.Time { return s.lastUpdated }

// Context returns the context of the write that produced this state.
func (s *State) Context() *Context { return s.context }

// sameAs reports whether state and attributes equal the given values.
func (s *State) sameAs(state string, attrsJSON []byte) bool {
	return s.state == state && bytes.Equal(s.attrsJSON, attrsJSON)
}

// String renders a short description for logs.
func (s *State) String() string {
	return fmt.Sprintf("<state %s=%s @ %s>", s.entityID, s.state, formatTime(s.lastChanged))
}

type stateJSON struct {
	EntityID    string          `json:"entity_id"`
	State       string          `json:"state"`
	Attributes  json.RawMessage `json:"attributes"`
	LastChanged string          `json:"last_changed"`
	LastUpdated string          `json:"last_updated"`
	Context     *Context        `json:"context"`
}

// MarshalJSON renders the wire form of a state.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		EntityID:    s.entityID,
		State:       s.state,
		Attributes:  s.attrsJSON,
		LastChanged: formatTime(s.lastChanged),
		LastUpdated: formatTime(s.lastUpdated),
		Context:     s.context,
	})
}

// UnmarshalJSON parses the wire form and validates it like NewState.
func (s *State) UnmarshalJSON(raw []byte) error {
	var in stateJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}

	var attrs map[string]any
	if len(in.Attributes) > 0 {
		if err := json.Unmarshal(in.Attributes, &attrs); err != nil {
			return fmt.Errorf("parsing attributes: %w", err)
		}
	}
	var changed, updated time.Time
	var err error
	if in.LastChanged != "" {
		if changed, err = time.Parse(time.RFC3339Nano, in.LastChanged); err != nil {
			return fmt.Errorf("parsing last_changed: %w", err)
		}
	}
	if in.LastUpdated != "" {
		if updated, err = time.Parse(time.RFC3339Nano, in.LastUpdated); err != nil {
			return fmt.Errorf("parsing last_updated: %w", err)
		}
	}

	st, err := NewState(in.EntityID, in.State, attrs, changed, updated, in.Context)
	if err != nil {
		return err
	}
	*s = *st
	return nil
}
