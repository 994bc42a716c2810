// ABOUTME: Registry of live relay connections, one per identity.
// ABOUTME: Owns the connection table and exposes the synchronous Call API.

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/komalamee/options-buddy-relay/internal/wire"
)

// ConnTable abstracts the identity→connection storage so tests can inject
// their own. The registry serializes access; implementations need no
// internal locking.
type ConnTable interface {
	Get(identity string) (*Connection, bool)
	Put(identity string, c *Connection)
	Delete(identity string)
	Range(fn func(identity string, c *Connection) bool)
}

type mapTable map[string]*Connection

func (t mapTable) Get(identity string) (*Connection, bool) {
	c, ok := t[identity]
	return c, ok
}
func (t mapTable) Put(identity string, c *Connection) { t[identity] = c }
func (t mapTable) Delete(identity string)             { delete(t, identity) }
func (t mapTable) Range(fn func(string, *Connection) bool) {
	for id, c := range t {
		if !fn(id, c) {
			return
		}
	}
}

// EventRecorder receives connection lifecycle events for auditing. The
// registry never blocks on it holding its lock; recording happens after
// table mutations complete.
type EventRecorder interface {
	RecordConnectionEvent(ctx context.Context, identity, event string) error
}

// Connection lifecycle events passed to the EventRecorder.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventSuperseded   = "superseded"
)

// Status is a read-only snapshot of one identity's tunnel.
type Status struct {
	Live          bool       `json:"connected"`
	IBKRConnected bool       `json:"ibkr_connected"`
	Account       *string    `json:"account"`
	ConnectedAt   *time.Time `json:"connected_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	Stale         bool       `json:"stale,omitempty"`
}

// Registry tracks at most one live connection per identity and routes
// response frames to the callers waiting on them. A Registry is safe for
// concurrent use; only the brief table mutations run under its lock, never
// a call's wait period.
type Registry struct {
	mu      sync.Mutex
	table   ConnTable
	logger  *slog.Logger
	rec     EventRecorder
	staleAt time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithTable injects a custom connection table.
func WithTable(t ConnTable) Option {
	return func(r *Registry) { r.table = t }
}

// WithRecorder wires an audit sink for lifecycle events.
func WithRecorder(rec EventRecorder) Option {
	return func(r *Registry) { r.rec = rec }
}

// WithStaleAfter sets how old a heartbeat may be before Status reports the
// connection as stale. Zero disables staleness reporting.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) { r.staleAt = d }
}

// NewRegistry creates a Registry. Multiple instances can coexist; nothing
// here is process-global.
func NewRegistry(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		table:  mapTable{},
		logger: logger.With("component", "relay"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs a new connection for identity, superseding any prior
// one. Outstanding calls on the superseded connection fail with
// ErrConnectionLost. Returns the installed connection; the transport owner
// must call Release when the link drops.
func (r *Registry) Register(ctx context.Context, identity string, t Transport) *Connection {
	conn := newConnection(identity, t, r.logger)

	r.mu.Lock()
	old, had := r.table.Get(identity)
	r.table.Put(identity, conn)
	r.mu.Unlock()

	if had {
		old.teardown(ErrConnectionLost, "superseded by new connection")
		r.record(ctx, identity, EventSuperseded)
		r.logger.Info("relay connection superseded", "identity", identity)
	}
	r.record(ctx, identity, EventConnected)
	r.logger.Info("relay connected", "identity", identity)
	return conn
}

// Release removes conn if it is still the live connection for its
// identity. A connection superseded by a newer one is already torn down
// and must not evict its replacement; Release is a no-op then.
func (r *Registry) Release(ctx context.Context, conn *Connection) {
	identity := conn.Identity()

	r.mu.Lock()
	current, ok := r.table.Get(identity)
	if ok && current == conn {
		r.table.Delete(identity)
	} else {
		ok = false
	}
	r.mu.Unlock()

	conn.teardown(ErrConnectionLost, "connection closed")
	if ok {
		r.record(ctx, identity, EventDisconnected)
		r.logger.Info("relay disconnected", "identity", identity)
	}
}

// Unregister tears down whatever connection identity currently has.
func (r *Registry) Unregister(ctx context.Context, identity string) {
	r.mu.Lock()
	conn, ok := r.table.Get(identity)
	if ok {
		r.table.Delete(identity)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	conn.teardown(ErrConnectionLost, "unregistered")
	r.record(ctx, identity, EventDisconnected)
	r.logger.Info("relay disconnected", "identity", identity)
}

// IsLive reports whether identity has a connection whose transport is
// still open. "Was connected recently" does not count.
func (r *Registry) IsLive(identity string) bool {
	r.mu.Lock()
	conn, ok := r.table.Get(identity)
	r.mu.Unlock()

	return ok && !conn.isClosed()
}

// Call sends action to identity's agent and waits for the matching
// response, the timeout, or ctx cancellation, whichever happens first.
// At-most-once: no retry on any failure. The returned payload is the
// response frame's data field.
func (r *Registry) Call(ctx context.Context, identity, action string, params any, timeout time.Duration) (json.RawMessage, error) {
	r.mu.Lock()
	conn, ok := r.table.Get(identity)
	r.mu.Unlock()

	if !ok || conn.isClosed() {
		return nil, ErrNotConnected
	}

	id := uuid.NewString()
	frame, err := wire.NewCall(id, action, params)
	if err != nil {
		return nil, err
	}

	ch, ok := conn.createCall(id)
	if !ok {
		return nil, ErrNotConnected
	}

	if err := conn.send(frame); err != nil {
		conn.cancelCall(id)
		return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	r.logger.Debug("call sent", "identity", identity, "action", action, "call_id", id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-timer.C:
		conn.cancelCall(id)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, action, timeout)
	case <-ctx.Done():
		conn.cancelCall(id)
		return nil, ctx.Err()
	}
}

// HandleFrame dispatches one inbound frame from identity's transport.
// Every frame bumps the liveness timestamp. Unmatched response ids are
// benign (late response after timeout) and are logged and dropped.
func (r *Registry) HandleFrame(identity string, f *wire.Frame) {
	r.mu.Lock()
	conn, ok := r.table.Get(identity)
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("frame for unregistered identity", "identity", identity, "type", f.Type)
		return
	}

	conn.touch()

	switch f.Type {
	case wire.TypeResponse:
		res := callResult{data: f.Data}
		if f.Error != "" {
			res = callResult{err: &RemoteError{Description: f.Error}}
		}
		if !conn.resolve(f.ID, res) {
			r.logger.Warn("response for unknown call id",
				"identity", identity,
				"call_id", f.ID,
			)
		}
	case wire.TypeStatus:
		conn.setStatus(f.IBKRConnected, f.Account)
		r.logger.Info("relay status update",
			"identity", identity,
			"ibkr_connected", f.IBKRConnected,
		)
	case wire.TypeHeartbeat:
		// Liveness bump already done.
	default:
		r.logger.Warn("unexpected frame type from agent", "identity", identity, "type", f.Type)
	}
}

// GetStatus returns a non-blocking snapshot for identity. An identity with
// no registered connection yields the zero (not connected) status.
func (r *Registry) GetStatus(identity string) Status {
	r.mu.Lock()
	conn, ok := r.table.Get(identity)
	r.mu.Unlock()

	if !ok {
		return Status{}
	}
	return r.statusOf(conn)
}

// AllStatuses snapshots every registered identity, for admin monitoring.
func (r *Registry) AllStatuses() map[string]Status {
	type entry struct {
		identity string
		conn     *Connection
	}
	var entries []entry

	r.mu.Lock()
	r.table.Range(func(identity string, c *Connection) bool {
		entries = append(entries, entry{identity, c})
		return true
	})
	r.mu.Unlock()

	out := make(map[string]Status, len(entries))
	for _, e := range entries {
		out[e.identity] = r.statusOf(e.conn)
	}
	return out
}

func (r *Registry) statusOf(conn *Connection) Status {
	ibkr, account, connectedAt, lastHeartbeat, closed := conn.snapshot()
	s := Status{
		Live:          !closed,
		IBKRConnected: ibkr,
		Account:       account,
		ConnectedAt:   &connectedAt,
		LastHeartbeat: &lastHeartbeat,
	}
	if r.staleAt > 0 && time.Since(lastHeartbeat) > r.staleAt {
		s.Stale = true
	}
	return s
}

func (r *Registry) record(ctx context.Context, identity, event string) {
	if r.rec == nil {
		return
	}
	if err := r.rec.RecordConnectionEvent(ctx, identity, event); err != nil {
		r.logger.Warn("recording connection event", "identity", identity, "event", event, "error", err)
	}
}
