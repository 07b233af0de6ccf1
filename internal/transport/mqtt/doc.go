// Package mqtt implements a push channel transport over the shared broker
// connection.
//
// A channel address is its state topic. Payloads may be bare values or JSON;
// the attribute selects a field of a JSON object by dotted path:
//
//	gap: {backend: broker, address: "id30/undulator/u35", attribute: "gap.readback"}
//
// Writes publish to the state topic plus the backend's set_suffix ("/set"
// by default). Commands publish to their own topic. When the broker
// connection drops every push link is failed, so channels degrade and
// reconnect once the client is back.
package mqtt
