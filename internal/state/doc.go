// Package state maps raw channel values onto the device state vocabulary.
//
// A Table is data, normally loaded from the device catalog:
//
//	state_table:
//	  inputs: [state, interlock]
//	  rules:
//	    - when: {interlock: 1}
//	      state: FAULT
//	      label: interlocked
//	    - when: {state: 1}
//	      state: READY
//	      label: open
//	    - when: {state: 0}
//	      state: READY
//	      label: closed
//	    - when: {state: [2, 3]}
//	      state: MOVING
//
// Rules are evaluated in order; the first match wins. When nothing matches
// the state is UNKNOWN. A Machine tracks the latest value of each input and
// ignores readings older than the last one applied.
package state
