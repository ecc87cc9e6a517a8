package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openpeerpower/opp-core/internal/auth"
	"github.com/openpeerpower/opp-core/internal/core"
)

// serviceCallLimit bounds how long a REST service call waits for its handler.
const serviceCallLimit = 10 * time.Second

// statePayload is the body of POST /api/states/{entity_id}.
type statePayload struct {
	State       *string        `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	ForceUpdate bool           `json:"force_update"`
}

// listenerCount is one entry of GET /api/events.
type listenerCount struct {
	Event         string `json:"event"`
	ListenerCount int    `json:"listener_count"`
}

// domainServices is one entry of GET /api/services.
type domainServices struct {
	Domain   string                             `json:"domain"`
	Services map[string]core.ServiceDescription `json:"services"`
}

func (s *Server) handleAPIStatus(w http.ResponseWriter, _ *http.Request) {
	writeMessage(w, http.StatusOK, "API running.")
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.core.ConfigMap())
}

func (s *Server) handleGetStates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, visibleStates(userFromContext(r.Context()), s.core.States.All()))
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	entityID := strings.ToLower(chi.URLParam(r, "entity_id"))
	user := userFromContext(r.Context())
	if !user.Permissions().CheckEntity(entityID, auth.CategoryRead) {
		writeUnauthorized(w, "no read access to "+entityID)
		return
	}

	state := s.core.States.Get(entityID)
	if state == nil {
		writeNotFound(w, "Entity not found.")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handlePostState creates or updates a state. It answers 201 when the
// entity did not exist before.
func (s *Server) handlePostState(w http.ResponseWriter, r *http.Request) {
	entityID := strings.ToLower(chi.URLParam(r, "entity_id"))

	var payload statePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if payload.State == nil {
		writeBadRequest(w, "No state specified.")
		return
	}

	existed := s.core.States.Get(entityID) != nil
	opts := []core.StateOption{core.WithStateContext(core.FromContext(r.Context()))}
	if payload.ForceUpdate {
		opts = append(opts, core.ForceUpdate())
	}
	if err := s.core.States.Set(entityID, *payload.State, payload.Attributes, opts...); err != nil {
		writeCoreError(w, err)
		return
	}

	status := http.StatusOK
	if !existed {
		status = http.StatusCreated
	}
	w.Header().Set("Location", "/api/states/"+entityID)
	writeJSON(w, status, s.core.States.Get(entityID))
}

func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	entityID := strings.ToLower(chi.URLParam(r, "entity_id"))
	if !s.core.States.Remove(entityID, core.WithStateContext(core.FromContext(r.Context()))) {
		writeNotFound(w, "Entity not found.")
		return
	}
	writeMessage(w, http.StatusOK, "Entity removed.")
}

func (s *Server) handleGetEvents(w http.ResponseWriter, _ *http.Request) {
	counts := s.core.Bus.Listeners()
	out := make([]listenerCount, 0, len(counts))
	for event, n := range counts {
		out = append(out, listenerCount{Event: event, ListenerCount: n})
	}
	slices.SortFunc(out, func(a, b listenerCount) int { return strings.Compare(a.Event, b.Event) })
	writeJSON(w, http.StatusOK, out)
}

// handlePostEvent fires an event with the request body as its data.
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "event_type")

	data, err := decodeOptionalObject(r.Body)
	if err != nil {
		writeBadRequest(w, "Event data should be a JSON object")
		return
	}
	if err := s.core.Bus.Fire(eventType, data, core.FromContext(r.Context())); err != nil {
		writeCoreError(w, err)
		return
	}
	writeMessage(w, http.StatusOK, "Event "+eventType+" fired.")
}

func (s *Server) handleGetServices(w http.ResponseWriter, _ *http.Request) {
	services := s.core.Services.Services()
	out := make([]domainServices, 0, len(services))
	for domain, descs := range services {
		out = append(out, domainServices{Domain: domain, Services: descs})
	}
	slices.SortFunc(out, func(a, b domainServices) int { return strings.Compare(a.Domain, b.Domain) })
	writeJSON(w, http.StatusOK, out)
}

// handleCallService calls a service and returns the states that changed
// while it ran.
func (s *Server) handleCallService(w http.ResponseWriter, r *http.Request) {
	domain := chi.URLParam(r, "domain")
	service := chi.URLParam(r, "service")

	data, err := decodeOptionalObject(r.Body)
	if err != nil {
		writeBadRequest(w, "Data should be valid JSON.")
		return
	}

	start := time.Now()
	_, err = s.core.Services.Call(r.Context(), domain, service, data,
		core.Blocking(), core.WithLimit(serviceCallLimit),
		core.WithCallContext(core.FromContext(r.Context())))
	if err != nil {
		writeCoreError(w, err)
		return
	}

	user := userFromContext(r.Context())
	changed := []*core.State{}
	for _, st := range visibleStates(user, s.core.States.All()) {
		if !st.LastUpdated().Before(start) {
			changed = append(changed, st)
		}
	}
	writeJSON(w, http.StatusOK, changed)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "recorder is not enabled")
		return
	}

	entityID := strings.ToLower(chi.URLParam(r, "entity_id"))
	if !userFromContext(r.Context()).Permissions().CheckEntity(entityID, auth.CategoryRead) {
		writeUnauthorized(w, "no read access to "+entityID)
		return
	}

	since, err := parseTimeParam(r.URL.Query().Get("since"))
	if err != nil {
		writeBadRequest(w, "invalid since timestamp")
		return
	}
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}
	until, err := parseTimeParam(r.URL.Query().Get("until"))
	if err != nil {
		writeBadRequest(w, "invalid until timestamp")
		return
	}

	states, err := s.history.History(r.Context(), entityID, since, until)
	if err != nil {
		s.logger.Error("history query failed", "entity_id", entityID, "error", err)
		writeInternalError(w, "failed to load history")
		return
	}
	if states == nil {
		states = []*core.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

// visibleStates filters states down to those user may read.
func visibleStates(user *auth.User, states []*core.State) []*core.State {
	perms := user.Permissions()
	if perms.AccessAllEntities(auth.CategoryRead) {
		return states
	}
	out := make([]*core.State, 0, len(states))
	for _, st := range states {
		if perms.CheckEntity(st.EntityID(), auth.CategoryRead) {
			out = append(out, st)
		}
	}
	return out
}

// decodeOptionalObject decodes a JSON object body. An empty body yields nil.
func decodeOptionalObject(body io.Reader) (map[string]any, error) {
	var data map[string]any
	err := json.NewDecoder(body).Decode(&data)
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	return data, err
}

// parseTimeParam parses an RFC 3339 query value. Empty yields zero time.
func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}
