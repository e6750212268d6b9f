package cbus

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-cbus/internal/infrastructure/mqtt"
)

// MQTT message types exchanged between Gray Logic Core and the C-Bus bridge.
// They follow the bridge interface used by every Gray Logic bridge
// (docs/architecture/bridge-interface.md).

// Protocol is the protocol identifier used in topics and payloads.
const Protocol = "cbus"

// CommandMessage is sent from Core to the bridge.
// Topic: graylogic/command/cbus/{address}
type CommandMessage struct {
	// ID correlates the command with its acknowledgement.
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the Gray Logic device identifier. Optional; the topic
	// carries the C-Bus address.
	DeviceID string `json:"device_id,omitempty"`

	// Command is one of: on, off, toggle, dim, brighten, dim_by, ramp,
	// terminate_ramp, label, status_request.
	Command string `json:"command"`

	// Parameters contains command-specific values.
	// Examples:
	//   {"level": 50} for dim
	//   {"level": 80, "duration": 4} for ramp
	//   {"by": 10} for brighten and dim_by
	//   {"template": "${name} ${percent}%"} for label
	Parameters map[string]any `json:"parameters,omitempty"`

	// Source indicates where the command originated ("api", "automation",
	// "scene").
	Source string `json:"source,omitempty"`
}

// AckStatus represents the acknowledgement status of a command.
type AckStatus string

const (
	// AckAccepted means C-Gate answered "200 OK".
	AckAccepted AckStatus = "accepted"

	// AckFailed means the command was rejected or could not be sent.
	AckFailed AckStatus = "failed"

	// AckTimeout means C-Gate did not acknowledge in time.
	AckTimeout AckStatus = "timeout"
)

// AckMessage is sent from the bridge to Core for every command.
// Topic: graylogic/ack/cbus/{address}
type AckMessage struct {
	CommandID string    `json:"command_id"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id,omitempty"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Address   string    `json:"address"`
	Error     *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeDeviceUnknown     = "DEVICE_UNKNOWN"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeInvalidParameters = "INVALID_PARAMETERS"
	ErrCodeNotConnected      = "NOT_CONNECTED"
	ErrCodeRejected          = "REJECTED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// StateMessage carries the full state of one device.
// Topic: graylogic/state/cbus/{address}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string         `json:"device_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Protocol  string         `json:"protocol"`
	Address   string         `json:"address"`
}

// EventMessage is a notification raised by the bridge.
// Topic: graylogic/event/cbus/{type}
type EventMessage struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      string         `json:"type"`
	Protocol  string         `json:"protocol"`
	Payload   map[string]any `json:"payload"`
}

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthOffline   HealthStatus = "offline"
	HealthStarting  HealthStatus = "starting"
	HealthStopping  HealthStatus = "stopping"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// HealthMessage reports bridge status.
// Topic: graylogic/health/cbus
// QoS: 1, Retained: Yes
type HealthMessage struct {
	Bridge         string            `json:"bridge"`
	Timestamp      time.Time         `json:"timestamp"`
	Status         HealthStatus      `json:"status"`
	Version        string            `json:"version,omitempty"`
	UptimeSeconds  int64             `json:"uptime_seconds"`
	Connection     *ConnectionStatus `json:"connection,omitempty"`
	Statistics     *BridgeStatistics `json:"statistics,omitempty"`
	DevicesManaged int               `json:"devices_managed"`
	Reason         string            `json:"reason,omitempty"`
}

// ConnectionStatus describes the C-Gate connection.
type ConnectionStatus struct {
	// Status is "ready", "connecting" or "disconnected".
	Status         string     `json:"status"`
	Address        string     `json:"address"`
	Network        string     `json:"network"`
	ConnectedSince *time.Time `json:"connected_since,omitempty"`
}

// BridgeStatistics contains operational counters.
type BridgeStatistics struct {
	LinesRead       uint64 `json:"lines_read"`
	EventsHandled   uint64 `json:"events_handled"`
	EventsIgnored   uint64 `json:"events_ignored"`
	HandlerErrors   uint64 `json:"handler_errors"`
	Reconnects      uint64 `json:"reconnects"`
	PendingRamps    int    `json:"pending_ramps"`
	PollSweeps      uint64 `json:"poll_sweeps"`
	ConnectAttempts uint64 `json:"connect_attempts"`
}

// DiscoveryMessage lists every device built from the last topology.
// Topic: graylogic/discovery/cbus
// QoS: 1, Retained: Yes
type DiscoveryMessage struct {
	Bridge    string             `json:"bridge"`
	Timestamp time.Time          `json:"timestamp"`
	Network   string             `json:"network"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredDevice is one entry of a DiscoveryMessage.
type DiscoveredDevice struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Class   string `json:"class"`
	Kind    string `json:"kind,omitempty"`
	Zone    int    `json:"zone,omitempty"`
}

// NewAckMessage creates an acknowledgement for cmd.
func NewAckMessage(cmd CommandMessage, status AckStatus, address string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    status,
		Protocol:  Protocol,
		Address:   address,
	}
}

// NewAckError creates a failed acknowledgement.
func NewAckError(cmd CommandMessage, address string, status AckStatus, code, message string) AckMessage {
	ack := NewAckMessage(cmd, status, address)
	ack.Error = &AckError{Code: code, Message: message}
	return ack
}

// NewStateMessage creates a state message for a device.
func NewStateMessage(dev Device, state map[string]any) StateMessage {
	return StateMessage{
		DeviceID:  dev.Name,
		Timestamp: time.Now().UTC(),
		State:     state,
		Protocol:  Protocol,
		Address:   dev.Address,
	}
}

// NewEventMessage creates an event with a fresh ID.
func NewEventMessage(eventType string, payload map[string]any) EventMessage {
	return EventMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Protocol:  Protocol,
		Payload:   payload,
	}
}

// NewDiscoveryMessage lists devices for the discovery topic.
func NewDiscoveryMessage(bridgeID, network string, devices []Device) DiscoveryMessage {
	msg := DiscoveryMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Network:   network,
		Devices:   make([]DiscoveredDevice, 0, len(devices)),
	}
	for _, d := range devices {
		dd := DiscoveredDevice{
			Address: d.Address,
			Name:    d.Name,
			Class:   d.Class.String(),
			Zone:    d.ZoneIndex,
		}
		if d.Class == ClassLighting {
			dd.Kind = d.Kind.String()
		}
		msg.Devices = append(msg.Devices, dd)
	}
	return msg
}

// NewLWTMessage is published by the broker if the bridge drops off.
func NewLWTMessage(bridgeID string) HealthMessage {
	return HealthMessage{
		Bridge:    bridgeID,
		Timestamp: time.Now().UTC(),
		Status:    HealthOffline,
		Reason:    "unexpected_disconnect",
	}
}

// Topic helpers

var topics mqtt.Topics

// CommandTopic returns the command topic for address.
// Example: graylogic/command/cbus/254%2F56%2F4
func CommandTopic(address string) string {
	return topics.BridgeCommand(Protocol, EncodeTopicAddress(address))
}

// AckTopic returns the acknowledgement topic for address.
func AckTopic(address string) string {
	return topics.BridgeAck(Protocol, EncodeTopicAddress(address))
}

// StateTopic returns the state topic for address.
func StateTopic(address string) string {
	return topics.BridgeState(Protocol, EncodeTopicAddress(address))
}

// EventTopic returns the topic for an event type.
func EventTopic(eventType string) string {
	return topics.BridgeEvent(Protocol, eventType)
}

// HealthTopic returns the health topic.
func HealthTopic() string {
	return topics.BridgeHealth(Protocol)
}

// DiscoveryTopic returns the discovery topic.
func DiscoveryTopic() string {
	return topics.BridgeDiscovery(Protocol)
}

// CommandSubscribeTopic matches every command topic.
func CommandSubscribeTopic() string {
	return topics.AllBridgeCommands(Protocol)
}

// EncodeTopicAddress escapes an address so its slashes do not become topic
// levels.
func EncodeTopicAddress(address string) string {
	return url.PathEscape(address)
}

// DecodeTopicAddress reverses EncodeTopicAddress. Undecodable input is
// returned unchanged.
func DecodeTopicAddress(encoded string) string {
	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		return encoded
	}
	return decoded
}

// addressFromTopic extracts the address from a command topic.
func addressFromTopic(topic string) (string, error) {
	prefix := topics.BridgeCommand(Protocol, "")
	if len(topic) <= len(prefix) || topic[:len(prefix)] != prefix {
		return "", fmt.Errorf("%w: topic %q", ErrInvalidAddress, topic)
	}
	return DecodeTopicAddress(topic[len(prefix):]), nil
}
