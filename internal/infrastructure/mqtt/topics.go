package mqtt

import "fmt"

// Topic prefixes for the shot-execution protocol.
//
// All topics use the flat scheme: shotline/{category}/{id}. Device-control
// processes subscribe to their program topic and publish on their ready and
// result topics; the engine owns everything else.
const (
	// TopicPrefix is the base for all topics.
	TopicPrefix = "shotline"

	// TopicPrefixCore is the base for engine-published event topics.
	TopicPrefixCore = "shotline/core"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "shotline/system"
)

// Topics provides builders for the engine's MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	programTopic := topics.DeviceProgram("laser-ctl")
//	// Returns: "shotline/program/laser-ctl"
type Topics struct{}

// =============================================================================
// Shot Protocol Topics
// =============================================================================

// DeviceProgram returns the topic for transmitting a shot's instruction
// list to one device-control process.
//
// Example: shotline/program/laser-ctl
func (Topics) DeviceProgram(deviceID string) string {
	return fmt.Sprintf("%s/program/%s", TopicPrefix, deviceID)
}

// DeviceReady returns the topic a device acknowledges a received program
// on, with status "ready" or "rejected".
//
// Example: shotline/ready/laser-ctl
func (Topics) DeviceReady(deviceID string) string {
	return fmt.Sprintf("%s/ready/%s", TopicPrefix, deviceID)
}

// ShotStart returns the trigger-barrier broadcast topic. The engine
// publishes one start message per shot, after every device has reported
// ready.
//
// Example: shotline/start
func (Topics) ShotStart() string {
	return fmt.Sprintf("%s/start", TopicPrefix)
}

// DeviceResult returns the topic a device reports shot completion on,
// with status "ok" or "fault" and the acquired data.
//
// Example: shotline/result/daq
func (Topics) DeviceResult(deviceID string) string {
	return fmt.Sprintf("%s/result/%s", TopicPrefix, deviceID)
}

// =============================================================================
// Core Topics
// =============================================================================

// CoreEvent returns the topic for engine events, mirroring the WebSocket
// event stream.
//
// Example: shotline/core/event/sequence.state_changed
func (Topics) CoreEvent(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefixCore, eventType)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the system status topic (retained, LWT).
//
// Example: shotline/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceReady returns a pattern matching ready acknowledgments from
// every device.
//
// Pattern: shotline/ready/+
func (Topics) AllDeviceReady() string {
	return fmt.Sprintf("%s/ready/+", TopicPrefix)
}

// AllDeviceResults returns a pattern matching results from every device.
//
// Pattern: shotline/result/+
func (Topics) AllDeviceResults() string {
	return fmt.Sprintf("%s/result/+", TopicPrefix)
}

// AllCoreEvents returns a pattern matching all engine events.
//
// Pattern: shotline/core/event/+
func (Topics) AllCoreEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefixCore)
}

// AllTopics returns a pattern matching every engine topic.
// Use with caution - this receives ALL traffic.
//
// Pattern: shotline/#
func (Topics) AllTopics() string {
	return "shotline/#"
}
