// ABOUTME: Package documentation for the relay wire protocol.
// ABOUTME: Describes the frame format shared by gateway and agent.

// Package wire defines the JSON frame format carried over the relay tunnel.
//
// Every message on the tunnel is one JSON object tagged by "type":
//
//	{"id": "…", "type": "call", "action": "get_price", "params": {"symbol": "TSLA"}}
//	{"id": "…", "type": "response", "data": {"price": 242.5}}
//	{"id": "…", "type": "response", "error": "IB Gateway not connected"}
//	{"type": "status", "ibkr_connected": true, "account": "U123"}
//	{"type": "heartbeat"}
//
// Call and response frames are correlated by "id"; status and heartbeat
// frames carry no id. A response frame carries data or error, never both.
package wire
