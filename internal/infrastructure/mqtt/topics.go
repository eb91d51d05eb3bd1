package mqtt

import "fmt"

// Bridge topics use the flat Gray Logic scheme:
// graylogic/{category}/{protocol}/{address}
const (
	// TopicPrefix is the root of every Gray Logic topic.
	TopicPrefix = "graylogic"

	// ProtocolP20HD is the protocol segment for the replay appliance bridge.
	ProtocolP20HD = "p20hd"
)

// Topics provides builders for the replay bridge's MQTT topics.
// The address segment is the bridge ID from config (bridge.id).
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.BridgeState(mqtt.ProtocolP20HD, "p20hd-01")
//	// Returns: "graylogic/state/p20hd/p20hd-01"
type Topics struct{}

// BridgeState returns the retained device state topic.
//
// Example: graylogic/state/p20hd/p20hd-01
func (Topics) BridgeState(protocol, address string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, protocol, address)
}

// BridgeCommand returns the topic commands are received on.
//
// Example: graylogic/command/p20hd/p20hd-01
func (Topics) BridgeCommand(protocol, address string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, protocol, address)
}

// BridgeAck returns the topic for command acknowledgements.
//
// Example: graylogic/ack/p20hd/p20hd-01
func (Topics) BridgeAck(protocol, address string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, protocol, address)
}

// BridgeStatus returns the retained session status topic.
//
// Example: graylogic/status/p20hd/p20hd-01
func (Topics) BridgeStatus(protocol, address string) string {
	return fmt.Sprintf("%s/status/%s/%s", TopicPrefix, protocol, address)
}

// BridgeHealth returns the topic for bridge health status.
//
// Example: graylogic/health/p20hd
func (Topics) BridgeHealth(protocol string) string {
	return fmt.Sprintf("%s/health/%s", TopicPrefix, protocol)
}
