// ABOUTME: Package documentation for the cloud-side relay registry.
// ABOUTME: Explains connection ownership, correlation, and the Call API.

// Package relay implements the cloud side of the relay tunnel: the
// registry of live agent connections and the synchronous call API layered
// over them.
//
// # Registry
//
// A Registry holds at most one live Connection per identity. Registering a
// new connection for an identity atomically supersedes the old one, which
// fails its outstanding calls with ErrConnectionLost:
//
//	reg := relay.NewRegistry(logger)
//	conn := reg.Register(ctx, "user-1", transport)
//	defer reg.Release(ctx, conn)
//
// # Correlation
//
// Call generates a fresh UUID per request, inserts a single-assignment
// entry in the connection's correlation table, writes a call frame, and
// parks the caller until exactly one of three things happens: the matching
// response arrives, the timeout elapses, or the connection is torn down.
// Responses are routed solely by id, never by arrival order, so many
// calls can be in flight on one tunnel and resolve out of order.
//
// A response whose id matches no entry (typically a late reply after the
// caller timed out) is logged and dropped; it is not an error.
//
// # Calls
//
// Application code goes through BrokerProxy, which wraps Call with the
// typed action contracts from the broker package:
//
//	proxy := relay.NewBrokerProxy(reg, "user-1", 0)
//	positions, err := proxy.GetPositions(ctx, "U1234567")
//
// Failures surface as ErrNotConnected, ErrTimeout, ErrConnectionLost, or
// *RemoteError, and are never retried automatically.
package relay
