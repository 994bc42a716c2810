// ABOUTME: Package documentation for the remote-side relay agent.
// ABOUTME: State machine, dispatch, and heartbeat behavior.

// Package agent implements the remote half of the relay tunnel: the
// process that runs next to the user's IB Gateway, dials out to the cloud
// gateway, and executes broker actions on request.
//
// # Lifecycle
//
// The agent cycles through five states:
//
//	Disconnected → ConnectingLocal → ConnectingRemote → Active → Draining
//
// ConnectingLocal establishes the broker session; ConnectingRemote dials
// the gateway's websocket endpoint with a bearer credential. Any failure
// drains both sessions and re-enters Disconnected after a fixed backoff.
// Cancelling the Run context is the only way to stop for good.
//
// # Active period
//
// Two loops run concurrently: the read loop dispatches each inbound call
// frame on its own goroutine (a hung broker call never delays unrelated
// calls), and the heartbeat loop sends a status frame at a fixed interval
// reflecting current broker-session liveness.
//
// Dispatch is a handler map keyed by action name. Unknown actions produce
// an error response frame rather than a transport fault, so gateway and
// agent can evolve their action sets independently.
package agent
