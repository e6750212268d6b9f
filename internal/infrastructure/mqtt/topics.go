package mqtt

import "fmt"

// TopicPrefix is the base for all bridge topics.
// Flat scheme: graylogic/{category}/{protocol}/{address_or_type}
const TopicPrefix = "graylogic"

// Topics provides builders for the bridge MQTT topics.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.BridgeState("cbus", "254%2F56%2F1")
//	// Returns: "graylogic/state/cbus/254%2F56%2F1"
//
// Addresses containing "/" must be escaped by the caller so each address
// stays a single topic level.
type Topics struct{}

// BridgeState returns the topic for device state updates from a bridge.
//
// Example: graylogic/state/cbus/254%2F56%2F1
func (Topics) BridgeState(protocol, address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, protocol, address)
}

// BridgeCommand returns the topic for commands to a bridge.
func (Topics) BridgeCommand(protocol, address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, protocol, address)
}

// BridgeAck returns the topic for command acknowledgements from a bridge.
func (Topics) BridgeAck(protocol, address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, protocol, address)
}

// BridgeEvent returns the topic for events raised by a bridge, such as a
// light changed at a wall switch or a security zone tripping.
//
// Example: graylogic/event/cbus/lighting_changed
func (Topics) BridgeEvent(protocol, eventType string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, protocol, eventType)
}

// BridgeHealth returns the topic for bridge health status.
//
// Example: graylogic/health/cbus
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocol)
}

// BridgeDiscovery returns the topic for device discovery from a bridge.
//
// Example: graylogic/discovery/cbus
func (Topics) BridgeDiscovery(protocol string) string {
	return fmt.Sprintf("%s/discovery/%s", TopicPrefix, protocol)
}

// AllBridgeCommands returns a pattern matching every command for one protocol.
//
// Pattern: graylogic/command/cbus/+
func (Topics) AllBridgeCommands(protocol string) string {
	return fmt.Sprintf("%s/command/%s/+", TopicPrefix, protocol)
}
