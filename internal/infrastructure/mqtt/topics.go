package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes of the beamline MQTT hierarchy.
//
// Device topics are published by the relay; channel topics of MQTT-backed
// devices are configured per channel and are not built here.
const (
	// TopicPrefix is the root of every topic Beamline Core publishes.
	TopicPrefix = "beamline"

	// TopicPrefixDevice is the base for per-device topics.
	TopicPrefixDevice = "beamline/device"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "beamline/system"
)

// Topics provides builders for beamline MQTT topics.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("fe_shutter")
//	// Returns: "beamline/device/fe_shutter/state"
type Topics struct{}

// =============================================================================
// Device Topics
// =============================================================================

// DeviceState returns the retained summary state topic of a device.
//
// Example: beamline/device/fe_shutter/state
func (Topics) DeviceState(device string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixDevice, device)
}

// DeviceValue returns the retained value topic of a device.
//
// Example: beamline/device/ring_current/value
func (Topics) DeviceValue(device string) string {
	return fmt.Sprintf("%s/%s/value", TopicPrefixDevice, device)
}

// DeviceReading returns the topic of one channel role of a device.
//
// Example: beamline/device/phi/reading/position
func (Topics) DeviceReading(device, role string) string {
	return fmt.Sprintf("%s/%s/reading/%s", TopicPrefixDevice, device, role)
}

// DeviceChannel returns the topic reporting a channel's connection status.
//
// Example: beamline/device/phi/channel/position
func (Topics) DeviceChannel(device, role string) string {
	return fmt.Sprintf("%s/%s/channel/%s", TopicPrefixDevice, device, role)
}

// DeviceCommand returns the topic clients publish device commands to.
//
// Example: beamline/device/fe_shutter/command
func (Topics) DeviceCommand(device string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefixDevice, device)
}

// DeviceAck returns the topic command results are published on.
//
// Example: beamline/device/fe_shutter/ack
func (Topics) DeviceAck(device string) string {
	return fmt.Sprintf("%s/%s/ack", TopicPrefixDevice, device)
}

// =============================================================================
// System Topics
// =============================================================================

// SystemStatus returns the retained online/offline topic (also the LWT).
//
// Example: beamline/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// SystemHealth returns the periodic health report topic.
//
// Example: beamline/system/health
func (Topics) SystemHealth() string {
	return fmt.Sprintf("%s/health", TopicPrefixSystem)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllDeviceCommands returns a pattern matching every device command topic.
//
// Pattern: beamline/device/+/command
func (Topics) AllDeviceCommands() string {
	return fmt.Sprintf("%s/+/command", TopicPrefixDevice)
}

// DeviceFromTopic extracts the device name from a device topic. It returns
// false when topic is not under TopicPrefixDevice.
func (Topics) DeviceFromTopic(topic string) (string, bool) {
	tail, ok := strings.CutPrefix(topic, TopicPrefixDevice+"/")
	if !ok {
		return "", false
	}
	device, rest, ok := strings.Cut(tail, "/")
	if !ok || device == "" || rest == "" {
		return "", false
	}
	return device, true
}
