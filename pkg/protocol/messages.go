// Package protocol defines the wire protocol exchanged between FleetLink
// components (device agent ↔ hub ↔ operator console) over WebSocket.
//
// All messages are JSON-encoded and share a common envelope with an "event"
// field that determines the payload structure. Event names and payload field
// names are part of the public contract and must not change between releases.
package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the top-level wire format for all messages.
type Envelope struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope with the payload marshaled in place.
func NewEnvelope(event string, payload any) (Envelope, error) {
	env := Envelope{Event: event, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dst)
}

// --- Event names ---

const (
	// Agent → hub
	EventDeviceRegister = "device_register"
	EventDeviceResponse = "device_response"
	EventFileStream     = "file_stream"
	EventStreamData     = "stream_data"

	// Controller → hub
	EventClientRegister = "client_register"
	EventDeviceCommand  = "device_command"
	EventGetDevices     = "get_devices"

	// Hub → agent
	EventDeviceRegistered = "device_registered"

	// Hub → controller
	EventClientRegistered  = "client_registered"
	EventCommandError      = "command_error"
	EventDeviceList        = "device_list"
	EventAgentConnected    = "agent_connected"
	EventAgentDisconnected = "agent_disconnected"

	// Either direction
	EventRegistrationError   = "registration_error"
	EventHealthCheck         = "health_check"
	EventHealthCheckResponse = "health_check_response"
	EventPing                = "ping"
	EventPong                = "pong"
)

// --- Registration ---

// DeviceRegister is sent by an agent immediately after connecting.
// All fields except the token are optional; the hub defaults what is missing.
type DeviceRegister struct {
	DeviceToken    string   `json:"deviceToken"`
	DeviceID       string   `json:"deviceId,omitempty"`
	Name           string   `json:"name,omitempty"`
	Model          string   `json:"model,omitempty"`
	AndroidVersion string   `json:"androidVersion,omitempty"`
	IPAddress      string   `json:"ipAddress,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
}

// DeviceRegistered is the hub's acknowledgment of a successful agent registration.
type DeviceRegistered struct {
	DeviceID   string    `json:"deviceId"`
	ServerTime time.Time `json:"serverTime"`
	Features   []string  `json:"features"`
}

// ClientRegister is sent by an operator console after connecting.
type ClientRegister struct {
	ClientToken string `json:"clientToken"`
	Name        string `json:"name,omitempty"`
	Type        string `json:"type,omitempty"`
}

// ClientRegistered is the hub's acknowledgment of a successful controller registration.
type ClientRegistered struct {
	ClientID   string    `json:"clientId"`
	ServerTime time.Time `json:"serverTime"`
	Features   []string  `json:"features"`
}

// RegistrationError is sent when a registration attempt is rejected.
// The connection stays open so the peer may retry with valid credentials.
type RegistrationError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Registration error codes.
const (
	CodeAuthFailed     = "auth_failed"
	CodeInvalidPayload = "invalid_payload"
	CodeNotRegistered  = "not_registered"
)

// --- Commands ---

// Command is the action part of a device_command payload. On the wire it is
// a flat object {action, ...}; every key other than "action" is carried as a
// parameter.
type Command struct {
	Action string
	Params map[string]any
}

func (c *Command) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	action, _ := raw["action"].(string)
	delete(raw, "action")
	c.Action = action
	if len(raw) > 0 {
		c.Params = raw
	} else {
		c.Params = nil
	}
	return nil
}

func (c Command) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(c.Params)+1)
	for k, v := range c.Params {
		flat[k] = v
	}
	flat["action"] = c.Action
	return json.Marshal(flat)
}

// DeviceCommand asks the hub to forward a command to a device.
type DeviceCommand struct {
	DeviceID string  `json:"deviceId"`
	Command  Command `json:"command"`
}

// CommandDelivery is the hub → agent form of a forwarded command. It carries
// the origin connection ID so the agent can address its response without the
// hub keeping a correlation table.
type CommandDelivery struct {
	DeviceID       string         `json:"deviceId"`
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload,omitempty"`
	ClientSocketID string         `json:"clientSocketId"`
	CommandID      string         `json:"commandId"`
	Timestamp      time.Time      `json:"timestamp"`
}

// CommandError reports a command that could not be forwarded.
type CommandError struct {
	Error     string    `json:"error"`
	Details   string    `json:"details,omitempty"`
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
}

// Command error codes carried in CommandError.Error.
const (
	CodeValidationFailed = "validation_failed"
	CodeDeviceNotFound   = "device_not_found"
	CodeCommandFailed    = "command_failed"
)

// DeviceResponse carries a command result from an agent back to the hub.
// ClientSocketID is a weak back-reference: the hub uses it only to look up
// the destination connection and never assumes it still exists. Payload is
// the command's result data (screenshot bytes, file info, error text); the
// hub relays it, and any fields beyond these, without inspecting them.
type DeviceResponse struct {
	ClientSocketID string          `json:"clientSocketId"`
	Command        string          `json:"command"`
	Success        bool            `json:"success"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// --- Streams ---

// FileStream is a file chunk relayed verbatim to the named controller.
type FileStream struct {
	ClientSocketID string `json:"clientSocketId"`
	FileName       string `json:"fileName,omitempty"`
	Data           string `json:"data"` // base64-encoded chunk
	Offset         int64  `json:"offset,omitempty"`
	TotalSize      int64  `json:"totalSize,omitempty"`
	Done           bool   `json:"done,omitempty"`
}

// StreamData is a live stream frame from an agent, fanned out to all controllers.
type StreamData struct {
	StreamType string     `json:"streamType"`
	Data       any        `json:"data"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// StreamBroadcast is StreamData wrapped with the producing device's ID.
type StreamBroadcast struct {
	DeviceID   string     `json:"deviceId"`
	StreamType string     `json:"streamType"`
	Data       any        `json:"data"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

// --- Device listing ---

// DeviceInfo describes a connected device as seen by controllers.
type DeviceInfo struct {
	DeviceID        string    `json:"deviceId"`
	Name            string    `json:"name"`
	Model           string    `json:"model"`
	AndroidVersion  string    `json:"androidVersion"`
	IPAddress       string    `json:"ipAddress"`
	Status          string    `json:"status"`
	Capabilities    []string  `json:"capabilities"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
}

// DeviceList is the reply to get_devices and the point-to-point greeting sent
// to a freshly registered controller.
type DeviceList struct {
	Devices   []DeviceInfo `json:"devices"`
	Count     int          `json:"count"`
	Timestamp time.Time    `json:"timestamp"`
}

// AgentDisconnected announces an agent's departure to all controllers.
type AgentDisconnected struct {
	DeviceID string `json:"deviceId"`
}

// --- Liveness ---

// HealthCheck is an active probe sent by the hub to a stale connection.
type HealthCheck struct {
	Timestamp time.Time `json:"timestamp"`
}

// HealthCheckResponse acknowledges a probe and refreshes liveness.
type HealthCheckResponse struct {
	ResponseTime int64 `json:"responseTime"` // milliseconds
}

// Pong is the reply to an application-level ping.
type Pong struct {
	Timestamp time.Time `json:"timestamp"`
}
