// ABOUTME: Represents a single connected relay agent and its duplex transport.
// ABOUTME: Owns the per-connection correlation table keyed by call id.

package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/komalamee/options-buddy-relay/internal/wire"
)

// Transport is the registry's view of one duplex, message-oriented link to
// a relay agent. Implementations must be safe for concurrent WriteFrame.
type Transport interface {
	WriteFrame(f *wire.Frame) error
	Close(reason string) error
}

// callResult is the single-assignment outcome of one correlation entry:
// a success payload or an error, never both.
type callResult struct {
	data json.RawMessage
	err  error
}

// Connection tracks one live relay agent: its transport, liveness fields,
// and the table of outstanding calls awaiting responses.
type Connection struct {
	identity    string
	transport   Transport
	connectedAt time.Time
	logger      *slog.Logger

	mu            sync.Mutex
	lastHeartbeat time.Time
	ibkrConnected bool
	account       *string
	pending       map[string]chan callResult
	closed        bool
}

func newConnection(identity string, t Transport, logger *slog.Logger) *Connection {
	now := time.Now()
	return &Connection{
		identity:      identity,
		transport:     t,
		connectedAt:   now,
		lastHeartbeat: now,
		pending:       make(map[string]chan callResult),
		logger:        logger,
	}
}

// Identity returns the stable key this connection is registered under.
func (c *Connection) Identity() string { return c.identity }

// createCall inserts a correlation entry and returns its result channel.
// The channel is buffered so resolution never blocks the transport loop.
func (c *Connection) createCall(id string) (<-chan callResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false
	}
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	return ch, true
}

// cancelCall removes a correlation entry without resolving it. Used on
// timeout and send failure; a response arriving later is treated as
// unmatched and dropped.
func (c *Connection) cancelCall(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// resolve removes the entry for id and delivers the result. Returns false
// if no entry matched (already timed out, cancelled, or never existed).
func (c *Connection) resolve(id string, res callResult) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	ch <- res
	return true
}

// touch bumps the liveness timestamp. Called for every inbound frame.
func (c *Connection) touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// setStatus records the broker-session fields from a status frame.
func (c *Connection) setStatus(ibkrConnected bool, account *string) {
	c.mu.Lock()
	c.ibkrConnected = ibkrConnected
	c.account = account
	c.mu.Unlock()
}

// teardown marks the connection closed, fails every outstanding call with
// err, and closes the transport. Safe to call more than once.
func (c *Connection) teardown(err error, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan callResult)
	c.mu.Unlock()

	for id, ch := range pending {
		ch <- callResult{err: err}
		c.logger.Debug("cancelled in-flight call",
			"identity", c.identity,
			"call_id", id,
			"reason", reason,
		)
	}

	if cerr := c.transport.Close(reason); cerr != nil {
		c.logger.Debug("transport close", "identity", c.identity, "error", cerr)
	}
}

// isClosed reports whether teardown has run.
func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// send writes a frame to the agent. The transport serializes writers.
func (c *Connection) send(f *wire.Frame) error {
	return c.transport.WriteFrame(f)
}

// snapshot returns the observability fields under one lock acquisition.
func (c *Connection) snapshot() (ibkrConnected bool, account *string, connectedAt, lastHeartbeat time.Time, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ibkrConnected, c.account, c.connectedAt, c.lastHeartbeat, c.closed
}
