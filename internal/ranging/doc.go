// Package ranging owns the ranging session lifecycle between the
// application layer and the ranging engine.
//
// Ownership boundary:
// - Session aggregate and generic session parameters
// - controller state machine (open -> start -> stop -> close)
// - engine, chip routing and callback collaborator contracts
// - session handle registry
//
// Lifecycle order:
// - configured -> opening -> open -> starting -> active
//
// - active <-> reconfiguring, active -> stopping -> stopped
//
// - stopped -> starting | closing -> closed
//
// Every controller runs one goroutine that serializes caller operations and
// engine events, and a second one that delivers callbacks in order.
package ranging
