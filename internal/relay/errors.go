// ABOUTME: Typed error taxonomy for relay calls.
// ABOUTME: Every Call failure maps to exactly one of these.

package relay

import "errors"

// ErrNotConnected indicates no live tunnel exists for the identity. The
// caller should prompt the user to start their relay agent.
var ErrNotConnected = errors.New("relay not connected")

// ErrTimeout indicates no response arrived within the caller's deadline.
// The remote side may still be working; a late response is discarded.
var ErrTimeout = errors.New("relay request timed out")

// ErrConnectionLost indicates the tunnel was torn down while the call was
// in flight, either by disconnect or by supersession.
var ErrConnectionLost = errors.New("relay connection lost")

// RemoteError carries a failure reported by the remote broker session. The
// description is opaque to the registry.
type RemoteError struct {
	Description string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Description
}
