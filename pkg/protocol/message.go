// Package protocol defines the newline-delimited JSON message protocol spoken
// between the host and a sandboxed plugin worker, and the worker-side runtime
// that serves a plugins.Plugin over it.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/platinummonkey/plugind/pkg/plugins"
)

// Type is a message type
type Type string

// Host to worker requests.
const (
	TypeRegister      Type = "register"
	TypeRegisterHook  Type = "registerHook"
	TypeRegisterRoute Type = "registerRoute"
	TypeCallRoute     Type = "callRoute"
	TypeCallHook      Type = "callHook"
	TypePing          Type = "ping"
)

// Worker to host unsolicited events. They never carry an id.
const (
	TypeReady               Type = "ready"
	TypeLog                 Type = "log"
	TypeRegisteredHook      Type = "registeredHook"
	TypeRegisteredRoute     Type = "registeredRoute"
	TypeRegisteredExtension Type = "registeredExtension"
)

// Error codes returned in Message.Error.
const (
	ErrCodeRouteNotFound  = "route_not_found"
	ErrCodeUnknownMessage = "unknown_message"
	ErrCodeBadPayload     = "bad_payload"
)

// PongLiteral is the fixed ping acknowledgement
const PongLiteral = "pong"

// Environment variables carrying the worker's immutable initialization data.
const (
	EnvPluginID   = "PLUGIN_ID"
	EnvPluginPath = "PLUGIN_PATH"
)

// Message is one line on the wire. Requests carry ID, Type and Payload. Replies
// carry ID and either Result or Error. Unsolicited events carry Type and their
// own top level fields.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    Type            `json:"type,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`

	Level  string                 `json:"level,omitempty"`
	Text   string                 `json:"message,omitempty"`
	Meta   map[string]interface{} `json:"meta,omitempty"`
	Hook   string                 `json:"hook,omitempty"`
	Method string                 `json:"method,omitempty"`
	Path   string                 `json:"path,omitempty"`
}

// IsReply reports whether m answers a request
func (m *Message) IsReply() bool {
	return m.ID != "" && m.Type == ""
}

// RegisterPayload is sent with TypeRegister
type RegisterPayload struct {
	TenantID string                 `json:"tenantId,omitempty"`
	Context  map[string]interface{} `json:"ctx,omitempty"`
	Settings map[string]interface{} `json:"settings,omitempty"`
}

// RegisterResult acknowledges a register request
type RegisterResult struct {
	OK bool `json:"ok"`
}

// RegisterHookPayload is sent with TypeRegisterHook
type RegisterHookPayload struct {
	Hook string `json:"hook"`
}

// RegisterRoutePayload is sent with TypeRegisterRoute
type RegisterRoutePayload struct {
	Method string `json:"method"`
	Path   string `json:"path"`
}

// DeclareResult answers registerHook and registerRoute: whether the plugin has
// a handler for what the host intends to bind.
type DeclareResult struct {
	Registered bool `json:"registered"`
}

// CallRoutePayload is sent with TypeCallRoute
type CallRoutePayload struct {
	Method string               `json:"method"`
	Path   string               `json:"path"`
	Req    plugins.RouteRequest `json:"req"`
}

// CallHookPayload is sent with TypeCallHook
type CallHookPayload struct {
	Hook    string           `json:"hook"`
	Payload json.RawMessage  `json:"payload,omitempty"`
	Meta    plugins.HookMeta `json:"meta"`
}

// HookResult answers a hook call. Handled is false when the plugin has no
// handler for the hook; Modified is true when it returned a replacement payload.
type HookResult struct {
	Handled  bool            `json:"handled"`
	Modified bool            `json:"modified"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// ReadyPayload is announced once the worker has loaded the plugin
type ReadyPayload struct {
	Plugin plugins.Info `json:"plugin"`
	Hooks  []string     `json:"hooks,omitempty"`
	Routes []string     `json:"routes,omitempty"`
}

// NewRequest builds a request message
func NewRequest(id string, typ Type, payload interface{}) (*Message, error) {
	msg := &Message{ID: id, Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// NewReply builds a successful reply
func NewReply(id string, result interface{}) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewErrorReply builds a failed reply
func NewErrorReply(id, code string) *Message {
	if code == "" {
		code = "error"
	}
	return &Message{ID: id, Error: code}
}
