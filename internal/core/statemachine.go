package core

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/openpeerpower/opp-core/internal/infrastructure/metrics"
)

// StateOption tunes a single Set or Remove call.
type StateOption func(*stateOptions)

type stateOptions struct {
	force   bool
	context *Context
}

// ForceUpdate makes Set write and fire even when nothing changed.
func ForceUpdate() StateOption {
	return func(o *stateOptions) { o.force = true }
}

// WithStateContext attributes the write to octx.
func WithStateContext(octx *Context) StateOption {
	return func(o *stateOptions) { o.context = octx }
}

// StateMachine tracks the current state of every entity.
//
// Writes are serialised by a mutex and fire state_changed while the lock
// is held, so the order of state_changed events on the bus equals the
// order in which writes were applied.
type StateMachine struct {
	mu     sync.RWMutex
	states map[string]*State
	bus    *EventBus
	now    func() time.Time
}

// NewStateMachine creates an empty state machine that fires on bus.
func NewStateMachine(bus *EventBus) *StateMachine {
	return &StateMachine{
		states: make(map[string]*State),
		bus:    bus,
		now:    time.Now,
	}
}

// Set creates or updates the state of an entity.
//
// A write whose state string and attributes equal the current ones is a
// no-op (no event, timestamps untouched) unless ForceUpdate is given.
// last_changed carries over when only the attributes changed.
func (sm *StateMachine) Set(entityID, newState string, attributes map[string]any, opts ...StateOption) error {
	var o stateOptions
	for _, opt := range opts {
		opt(&o)
	}

	entityID = strings.ToLower(entityID)
	if !ValidEntityID(entityID) {
		return fmt.Errorf("%w: %q", ErrInvalidEntityID, entityID)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	old := sm.states[entityID]
	now := sm.now()

	// Validate and encode before comparing so equality uses canonical bytes.
	candidate, err := NewState(entityID, newState, attributes, now, now, o.context)
	if err != nil {
		return err
	}

	if old != nil && !o.force && old.sameAs(candidate.state, candidate.attrsJSON) {
		metrics.IncStateWrite("noop")
		return nil
	}

	result := "changed"
	if old != nil && old.state == candidate.state {
		candidate.lastChanged = old.lastChanged
		result = "updated"
	}

	sm.states[entityID] = candidate
	metrics.IncStateWrite(result)

	return sm.bus.Fire(EventStateChanged, map[string]any{
		AttrEntityID: entityID,
		AttrOldState: old,
		AttrNewState: candidate,
	}, candidate.context)
}

// Get returns the current state of an entity or nil.
func (sm *StateMachine) Get(entityID string) *State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.states[strings.ToLower(entityID)]
}

// IsState reports whether the entity exists and has the given state.
func (sm *StateMachine) IsState(entityID, state string) bool {
	st := sm.Get(entityID)
	return st != nil && st.state == state
}

// Remove deletes an entity. It returns false when the entity was not
// present; otherwise it fires state_changed with a nil new_state.
func (sm *StateMachine) Remove(entityID string, opts ...StateOption) bool {
	var o stateOptions
	for _, opt := range opts {
		opt(&o)
	}
	entityID = strings.ToLower(entityID)

	sm.mu.Lock()
	defer sm.mu.Unlock()

	old, ok := sm.states[entityID]
	if !ok {
		return false
	}
	delete(sm.states, entityID)
	metrics.IncStateWrite("removed")

	octx := o.context
	if octx == nil {
		octx = NewContext("", "")
	}
	//nolint:errcheck // event type is a non-empty constant
	sm.bus.Fire(EventStateChanged, map[string]any{
		AttrEntityID: entityID,
		AttrOldState: old,
		AttrNewState: (*State)(nil),
	}, octx)
	return true
}

// EntityIDs lists entity ids, optionally restricted to one domain,
// sorted alphabetically.
func (sm *StateMachine) EntityIDs(domain string) []string {
	domain = strings.ToLower(domain)

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	ids := make([]string, 0, len(sm.states))
	for id := range maps.Keys(sm.states) {
		if domain != "" {
			if d, _ := SplitEntityID(id); d != domain {
				continue
			}
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// All returns every state sorted by entity id.
func (sm *StateMachine) All() []*State {
	return sm.AllDomain("")
}

// AllDomain returns the states of one domain, or all when domain is "".
func (sm *StateMachine) AllDomain(domain string) []*State {
	domain = strings.ToLower(domain)

	sm.mu.RLock()
	out := make([]*State, 0, len(sm.states))
	for _, st := range sm.states {
		if domain == "" || st.Domain() == domain {
			out = append(out, st)
		}
	}
	sm.mu.RUnlock()

	slices.SortFunc(out, func(a, b *State) int {
		return strings.Compare(a.entityID, b.entityID)
	})
	return out
}

// Restore loads states without firing events, used when seeding from
// persisted history at startup. Existing entries are kept.
func (sm *StateMachine) Restore(states []*State) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	n := 0
	for _, st := range states {
		if _, exists := sm.states[st.entityID]; exists {
			continue
		}
		sm.states[st.entityID] = st
		n++
	}
	return n
}

// StateChange extracts entity id and old/new states from a state_changed
// event. Either state may be nil.
func StateChange(event *Event) (entityID string, oldState, newState *State) {
	entityID, _ = event.Data[AttrEntityID].(string)
	oldState, _ = event.Data[AttrOldState].(*State)
	newState, _ = event.Data[AttrNewState].(*State)
	return entityID, oldState, newState
}
