package api

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/openpeerpower/opp-core/internal/auth"
	"github.com/openpeerpower/opp-core/internal/core"
	"github.com/openpeerpower/opp-core/internal/infrastructure/metrics"
)

// subscribableEvents may be subscribed to by users without
// PermEventSubscribeAll.
var subscribableEvents = []string{
	core.EventStateChanged,
	core.EventComponentLoaded,
	core.EventServiceRegistered,
	core.EventServiceRemoved,
	core.EventCoreConfigUpdated,
	"themes_updated",
	"area_registry_updated",
	"device_registry_updated",
	"entity_registry_updated",
}

type subscribeEventsCmd struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}

type unsubscribeEventsCmd struct {
	ID           int64  `json:"id"`
	Type         string `json:"type"`
	Subscription *int64 `json:"subscription"`
}

type callServiceCmd struct {
	ID          int64          `json:"id"`
	Type        string         `json:"type"`
	Domain      string         `json:"domain"`
	Service     string         `json:"service"`
	ServiceData map[string]any `json:"service_data"`
}

type bareCmd struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// handleCommand validates a command frame and dispatches it.
func (c *wsConn) handleCommand(data []byte) {
	h, err := parseHeader(data)
	if err != nil {
		c.sendError(h.ID, CodeInvalidFormat, "Message incorrectly formatted: "+err.Error())
		return
	}
	if h.ID <= c.lastID {
		c.sendError(h.ID, CodeIDReuse, "Identifier values have to increase.")
		return
	}
	c.lastID = h.ID

	metrics.IncWebSocketCommand(h.Type)

	switch h.Type {
	case cmdSubscribeEvents:
		c.subscribeEvents(h, data)
	case cmdUnsubscribeEvents:
		c.unsubscribeEvents(h, data)
	case cmdCallService:
		c.callService(h, data)
	case cmdGetStates:
		c.simple(h, data, func() any { return visibleStates(c.user, c.srv.core.States.All()) })
	case cmdGetServices:
		c.simple(h, data, func() any { return c.srv.core.Services.Services() })
	case cmdGetConfig:
		c.simple(h, data, func() any { return c.srv.core.ConfigMap() })
	case cmdPing:
		if c.decode(h, data, &bareCmd{}) {
			c.sendJSON(pongFrame{ID: h.ID, Type: msgPong})
		}
	default:
		c.sendError(h.ID, CodeUnknownCommand, "Unknown command.")
	}
}

// decode strictly decodes data into v, answering invalid_format on failure.
func (c *wsConn) decode(h commandHeader, data []byte, v any) bool {
	if err := decodeCommand(data, v); err != nil {
		c.sendError(h.ID, CodeInvalidFormat, "Message incorrectly formatted: "+err.Error())
		return false
	}
	return true
}

// simple answers a command without arguments with the value of fn.
func (c *wsConn) simple(h commandHeader, data []byte, fn func() any) {
	if c.decode(h, data, &bareCmd{}) {
		c.sendResult(h.ID, fn())
	}
}

// subscribeEvents forwards matching bus events to the peer under the
// command id. The result frame is queued before any event frame.
func (c *wsConn) subscribeEvents(h commandHeader, data []byte) {
	var cmd subscribeEventsCmd
	if !c.decode(h, data, &cmd) {
		return
	}

	eventType := cmd.EventType
	if eventType == "" {
		eventType = core.MatchAll
	}
	if !auth.HasPermission(c.user.Role, auth.PermEventSubscribeAll) && !slices.Contains(subscribableEvents, eventType) {
		c.logger.Info("websocket subscription refused", "user_id", c.user.ID, "event_type", eventType)
		c.sendError(h.ID, CodeUnauthorized, "Unauthorized.")
		return
	}

	result, err := json.Marshal(resultFrame{ID: h.ID, Type: msgResult, Success: true})
	if err != nil {
		c.sendError(h.ID, CodeUnknownError, "Unknown error.")
		return
	}

	c.mu.Lock()
	c.subs[h.ID] = c.srv.core.Bus.ListenLoop(eventType, c.forwardEvent(h.ID))
	c.enqueueLocked(result)
	c.mu.Unlock()
}

// forwardEvent returns the bus callback of subscription id. It runs on the
// bus dispatcher and must not block.
func (c *wsConn) forwardEvent(id int64) core.EventCallback {
	return func(event *core.Event) {
		if event.EventType == core.EventTimeChanged {
			return
		}
		if event.EventType == core.EventStateChanged && !c.perms.AccessAllEntities(auth.CategoryRead) {
			entityID, _ := event.Data[core.AttrEntityID].(string) //nolint:errcheck // empty id is filtered below
			if !c.perms.CheckEntity(entityID, auth.CategoryRead) {
				return
			}
		}

		data, err := json.Marshal(eventFrame{ID: id, Type: msgEvent, Event: event})
		if err != nil {
			c.logger.Error("failed to marshal event frame", "event_type", event.EventType, "error", err)
			return
		}
		c.enqueue(data)
	}
}

// unsubscribeEvents removes a subscription. Events fired before the
// command are flushed to the peer ahead of the result.
func (c *wsConn) unsubscribeEvents(h commandHeader, data []byte) {
	var cmd unsubscribeEventsCmd
	if !c.decode(h, data, &cmd) {
		return
	}
	if cmd.Subscription == nil {
		c.sendError(h.ID, CodeInvalidFormat, "Message incorrectly formatted: required key not provided @ data['subscription']")
		return
	}

	c.mu.Lock()
	unsub, ok := c.subs[*cmd.Subscription]
	delete(c.subs, *cmd.Subscription)
	c.mu.Unlock()
	if !ok {
		c.sendError(h.ID, CodeNotFound, "Subscription not found.")
		return
	}

	unsub()
	select {
	case <-c.srv.core.Bus.Barrier():
	case <-c.ctx.Done():
		return
	}
	c.sendResult(h.ID, nil)
}

// callService calls a service on its own goroutine so the connection keeps
// reading. Calls are blocking except for the services that stop or restart
// the instance.
func (c *wsConn) callService(h commandHeader, data []byte) {
	var cmd callServiceCmd
	if !c.decode(h, data, &cmd) {
		return
	}
	if cmd.Domain == "" || cmd.Service == "" {
		c.sendError(h.ID, CodeInvalidFormat, "Message incorrectly formatted: domain and service are required")
		return
	}
	if !auth.HasPermission(c.user.Role, auth.PermServiceCall) {
		c.logger.Info("websocket call unauthorized", "user_id", c.user.ID, "role", c.user.Role)
		c.sendError(h.ID, CodeUnauthorized, "Unauthorized.")
		return
	}

	octx := core.NewContext(c.user.ID, "")
	opts := []core.CallOption{core.WithCallContext(octx)}
	if !isShutdownService(cmd.Domain, cmd.Service) {
		opts = append(opts, core.Blocking())
	}

	go func() {
		if _, err := c.srv.core.Services.Call(c.ctx, cmd.Domain, cmd.Service, cmd.ServiceData, opts...); err != nil {
			if errors.Is(err, context.Canceled) && c.ctx.Err() != nil {
				return
			}
			c.sendCallError(h.ID, err)
			return
		}
		c.sendResult(h.ID, map[string]any{"context": octx})
	}()
}

func isShutdownService(domain, service string) bool {
	return domain == "openpeerpower" && (service == "stop" || service == "restart")
}

// sendCallError maps a service call error to its protocol code.
func (c *wsConn) sendCallError(id int64, err error) {
	code := errorCode(err)
	msg := err.Error()
	switch code {
	case CodeNotFound:
		msg = "Service not found."
	case CodeUnauthorized:
		c.logger.Info("websocket call unauthorized", "user_id", c.user.ID, "error", err)
		msg = "Unauthorized."
	case CodeUnknownError:
		c.logger.Error("websocket call failed", "user_id", c.user.ID, "error", err)
		msg = "Unknown error."
	}
	c.sendError(id, code, msg)
}

// errorCode maps core errors to protocol error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrServiceNotFound):
		return CodeNotFound
	case errors.Is(err, core.ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, core.ErrValidation),
		errors.Is(err, core.ErrInvalidEntityID),
		errors.Is(err, core.ErrInvalidState):
		return CodeInvalidFormat
	case errors.Is(err, core.ErrHandlerPanic),
		errors.Is(err, context.DeadlineExceeded):
		return CodeUnknownError
	default:
		return CodeOPPError
	}
}

func (c *wsConn) sendResult(id int64, result any) {
	c.sendJSON(resultFrame{ID: id, Type: msgResult, Success: true, Result: result})
}

func (c *wsConn) sendError(id int64, code, message string) {
	c.sendJSON(errorFrame{
		ID:      id,
		Type:    msgResult,
		Success: false,
		Error:   errorBody{Code: code, Message: message},
	})
}
