package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the wire protocol revision. REGISTER frames carrying any other
// value are rejected with PROTOCOL_VERSION_MISMATCH.
const Version = "1.0"

// Message types carried in the "type" field.
const (
	// Editor → relay
	TypeRegister      = "REGISTER"
	TypeStatus        = "STATUS"
	TypeCommandResult = "COMMAND_RESULT"
	TypePong          = "PONG"

	// Relay → editor
	TypeRegistered = "REGISTERED"
	TypePing       = "PING"
	TypeCommand    = "COMMAND"

	// Client → relay
	TypeRequest       = "REQUEST"
	TypeListInstances = "LIST_INSTANCES"
	TypeSetDefault    = "SET_DEFAULT"

	// Relay → client
	TypeResponse  = "RESPONSE"
	TypeInstances = "INSTANCES"
	TypeAck       = "ACK"
	TypeError     = "ERROR"
)

// Instance status values as they appear on the wire.
const (
	StatusReady        = "ready"
	StatusBusy         = "busy"
	StatusReloading    = "reloading"
	StatusDisconnected = "disconnected"
)

// ErrorCode identifies a relay or editor failure. The set is closed; codes
// produced by editors are relayed verbatim only when they parse into it.
type ErrorCode string

const (
	CodeInstanceNotFound        ErrorCode = "INSTANCE_NOT_FOUND"
	CodeInstanceReloading       ErrorCode = "INSTANCE_RELOADING"
	CodeInstanceBusy            ErrorCode = "INSTANCE_BUSY"
	CodeInstanceDisconnected    ErrorCode = "INSTANCE_DISCONNECTED"
	CodeCommandNotFound         ErrorCode = "COMMAND_NOT_FOUND"
	CodeInvalidParams           ErrorCode = "INVALID_PARAMS"
	CodeTimeout                 ErrorCode = "TIMEOUT"
	CodeInternalError           ErrorCode = "INTERNAL_ERROR"
	CodeProtocolError           ErrorCode = "PROTOCOL_ERROR"
	CodeMalformedJSON           ErrorCode = "MALFORMED_JSON"
	CodePayloadTooLarge         ErrorCode = "PAYLOAD_TOO_LARGE"
	CodeProtocolVersionMismatch ErrorCode = "PROTOCOL_VERSION_MISMATCH"
	CodeCapabilityNotSupported  ErrorCode = "CAPABILITY_NOT_SUPPORTED"
	CodeQueueFull               ErrorCode = "QUEUE_FULL"
)

// Retryable reports whether a client may re-send the same request id after
// backoff.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeInstanceReloading, CodeInstanceBusy, CodeTimeout:
		return true
	}
	return false
}

// ErrorInfo is the error object embedded in REGISTERED, COMMAND_RESULT and
// RESPONSE messages.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Editor → relay messages

// Register is the first frame an editor sends on a fresh connection. The
// instance id is the absolute project path and doubles as the stable
// identity across reloads.
type Register struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	InstanceID      string   `json:"instance_id"`
	ProjectName     string   `json:"project_name"`
	UnityVersion    string   `json:"unity_version"`
	Capabilities    []string `json:"capabilities"`
	TS              int64    `json:"ts"`
}

// Status is an editor-initiated state notification, e.g. "reloading" when a
// domain reload is about to tear the connection down.
type Status struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	Detail     string `json:"detail,omitempty"`
	TS         int64  `json:"ts"`
}

// CommandResult carries the outcome of one COMMAND. Data bytes are opaque
// to the relay and forwarded without re-serialization.
type CommandResult struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
	TS      int64           `json:"ts"`
}

// Pong answers a PING, echoing the probe timestamp.
type Pong struct {
	Type   string `json:"type"`
	TS     int64  `json:"ts"`
	EchoTS int64  `json:"echo_ts"`
}

// Relay → editor messages

// Registered acknowledges a REGISTER and negotiates the heartbeat interval.
type Registered struct {
	Type                string     `json:"type"`
	Success             bool       `json:"success"`
	HeartbeatIntervalMS int64      `json:"heartbeat_interval_ms"`
	Error               *ErrorInfo `json:"error,omitempty"`
}

// Ping is a liveness probe. At most one is outstanding per connection.
type Ping struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// Command forwards a client request to an editor.
type Command struct {
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Command   string          `json:"command"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// Client → relay messages

// Request asks the relay to run a command on an instance. An empty
// InstanceID targets the default instance.
type Request struct {
	Type       string          `json:"type"`
	ID         string          `json:"id"`
	InstanceID string          `json:"instance_id,omitempty"`
	Command    string          `json:"command"`
	Params     json.RawMessage `json:"params,omitempty"`
	TimeoutMS  int64           `json:"timeout_ms,omitempty"`
	TS         int64           `json:"ts"`
}

// ListInstances asks for the current registry snapshot.
type ListInstances struct {
	Type string `json:"type"`
}

// SetDefault changes the default instance.
type SetDefault struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
}

// Relay → client messages

// Response is the single terminal reply to one REQUEST.
type Response struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// InstanceInfo is one entry of an INSTANCES snapshot.
type InstanceInfo struct {
	ID           string   `json:"id"`
	ProjectName  string   `json:"project_name"`
	Version      string   `json:"version"`
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	IsDefault    bool     `json:"is_default"`
	QueueSize    int      `json:"queue_size"`
}

// Instances answers LIST_INSTANCES.
type Instances struct {
	Type      string         `json:"type"`
	Instances []InstanceInfo `json:"instances"`
}

// Ack answers SET_DEFAULT.
type Ack struct {
	Type       string `json:"type"`
	InstanceID string `json:"instance_id"`
}

// ErrorMessage is a top-level ERROR frame, used for protocol-level failures
// and control-message rejections.
type ErrorMessage struct {
	Type    string    `json:"type"`
	ID      string    `json:"id,omitempty"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Constructors

// NewResponse builds a success RESPONSE carrying the editor-produced data
// bytes untouched.
func NewResponse(id string, data json.RawMessage) *Response {
	return &Response{Type: TypeResponse, ID: id, Success: true, Data: data}
}

// NewErrorResponse builds a failure RESPONSE from a closed-set code.
func NewErrorResponse(id string, code ErrorCode, message string) *Response {
	return &Response{
		Type:    TypeResponse,
		ID:      id,
		Success: false,
		Error:   &ErrorInfo{Code: code, Message: message},
	}
}

// NewErrorMessage builds a top-level ERROR frame.
func NewErrorMessage(id string, code ErrorCode, message string) *ErrorMessage {
	return &ErrorMessage{Type: TypeError, ID: id, Code: code, Message: message}
}

// Helpers

// PeekType extracts the "type" discriminator from a raw frame without
// decoding the full message.
func PeekType(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", err
	}
	if head.Type == "" {
		return "", fmt.Errorf("missing type field")
	}
	return head.Type, nil
}

// NowMillis returns the current wall clock as Unix milliseconds, the
// timestamp unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewRequestID builds a request identifier from a stable client id and a
// fresh uuid. The id doubles as the idempotency key for one logical call,
// so it must be reused unchanged across retries.
func NewRequestID(clientID string) string {
	return clientID + ":" + uuid.NewString()
}
