// Package memory implements an in-process channel transport.
//
// It backs simulated beamlines (backends of type "memory" in the process
// configuration) and doubles as the fake backend in tests:
//
//	sim := memory.New("sim", memory.WithPush(true))
//	sim.Set("fe/state", 0)
//	sim.SetEffect("fe/open", memory.Effect{Set: map[string]any{"fe/state": 1}, Delay: 200 * time.Millisecond})
//
// Fail and Recover simulate outages; HoldWrites simulates a device that
// acknowledges requests without acting on them.
package memory
