// Package relay mirrors beamline devices onto MQTT.
//
// Every device event is published retained under beamline/device/{name}/...
// so that a late subscriber sees current state at once. When commands are
// accepted, JSON messages on beamline/device/{name}/command are executed on
// the device and acknowledged on beamline/device/{name}/ack:
//
//	{"id": "c1", "action": "move", "value": 12.5, "wait": true, "timeout_ms": 5000}
//
// A periodic retained health report on beamline/system/health summarises
// device states. Broker liveness itself is carried by the client's
// last-will message on beamline/system/status.
package relay
