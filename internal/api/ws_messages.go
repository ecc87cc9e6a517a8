package api

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/openpeerpower/opp-core/internal/core"
)

// Frame types.
const (
	msgAuthRequired = "auth_required"
	msgAuth         = "auth"
	msgAuthOK       = "auth_ok"
	msgAuthInvalid  = "auth_invalid"
	msgResult       = "result"
	msgEvent        = "event"
	msgPong         = "pong"
)

// Commands.
const (
	cmdSubscribeEvents   = "subscribe_events"
	cmdUnsubscribeEvents = "unsubscribe_events"
	cmdCallService       = "call_service"
	cmdGetStates         = "get_states"
	cmdGetServices       = "get_services"
	cmdGetConfig         = "get_config"
	cmdPing              = "ping"
)

// Error codes carried in result frames.
const (
	CodeUnknownCommand = "unknown_command"
	CodeInvalidFormat  = "invalid_format"
	CodeIDReuse        = "id_reuse"
	CodeUnauthorized   = "unauthorized"
	CodeNotFound       = "not_found"
	CodeOPPError       = "open_peer_power_error"
	CodeUnknownError   = "unknown_error"

	// CodeHomeAssistantError is the older name of CodeOPPError. The server
	// never sends it; clients should treat both the same.
	CodeHomeAssistantError = "home_assistant_error"
)

// IsHandlerErrorCode reports whether code means a service handler failed.
func IsHandlerErrorCode(code string) bool {
	return code == CodeOPPError || code == CodeHomeAssistantError
}

// authFrame is sent during the handshake.
type authFrame struct {
	Type      string `json:"type"`
	HAVersion string `json:"ha_version,omitempty"`
	Message   string `json:"message,omitempty"`
}

// authRequest is the client's auth frame.
type authRequest struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
	APIPassword string `json:"api_password"`
}

// resultFrame answers a command successfully. Result is always present,
// null when the command has nothing to return.
type resultFrame struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Result  any    `json:"result"`
}

// errorFrame answers a command that failed.
type errorFrame struct {
	ID      int64     `json:"id"`
	Type    string    `json:"type"`
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// eventFrame carries a bus event for subscription ID.
type eventFrame struct {
	ID    int64       `json:"id"`
	Type  string      `json:"type"`
	Event *core.Event `json:"event"`
}

// pongFrame answers ping.
type pongFrame struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// commandHeader holds the fields every command carries.
type commandHeader struct {
	ID   int64
	Type string
}

// parseHeader validates the id and type of a command frame. It returns
// the id it could read even when the frame is invalid so the error can be
// correlated.
func parseHeader(data []byte) (commandHeader, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return commandHeader{}, fmt.Errorf("message is not a JSON object")
	}

	var h commandHeader
	idRaw, ok := raw["id"]
	if !ok {
		return h, fmt.Errorf("required key not provided @ data['id']")
	}
	if err := json.Unmarshal(idRaw, &h.ID); err != nil || h.ID <= 0 {
		return commandHeader{}, fmt.Errorf("expected a positive integer for dictionary value @ data['id']")
	}

	typeRaw, ok := raw["type"]
	if !ok {
		return h, fmt.Errorf("required key not provided @ data['type']")
	}
	if err := json.Unmarshal(typeRaw, &h.Type); err != nil || h.Type == "" {
		return h, fmt.Errorf("expected str for dictionary value @ data['type']")
	}
	return h, nil
}

// decodeCommand strictly decodes a command frame into v. Unknown keys
// are rejected.
func decodeCommand(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
