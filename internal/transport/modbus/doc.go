// Package modbus implements a poll-only channel transport over Modbus TCP
// or RTU using github.com/goburrow/modbus.
//
// Addresses name a unit, a data table and an offset; holding and input
// registers take an encoding attribute:
//
//	position: {backend: plc, address: "2/holding:100", attribute: float32}
//	interlock: {backend: plc, address: "discrete:7"}
//
// One session is shared by every link on the bus and requests are
// serialized. Transient failures drop the session; the next request
// redials after an exponential backoff.
package modbus
