// ABOUTME: Remote-side relay agent: dials the gateway, executes broker calls.
// ABOUTME: Runs the reconnect state machine and the two Active-period loops.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/komalamee/options-buddy-relay/internal/broker"
	"github.com/komalamee/options-buddy-relay/internal/wire"
)

// State is the agent's connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnectingLocal
	StateConnectingRemote
	StateActive
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnectingLocal:
		return "connecting_local"
	case StateConnectingRemote:
		return "connecting_remote"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Conn is the subset of *websocket.Conn the agent uses, extracted so tests
// can run the loops without a network.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes the remote tunnel. *websocket.Dialer is adapted via
// wsDialer; tests inject their own.
type Dialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (Conn, error)
}

type wsDialer struct {
	d *websocket.Dialer
}

func (w wsDialer) DialContext(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := w.d.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config holds the agent's connection settings.
type Config struct {
	// ServerURL is the gateway websocket endpoint, e.g.
	// wss://host/api/ibkr/relay.
	ServerURL string
	// Token is the bearer credential presented at connect time.
	Token string

	HeartbeatInterval time.Duration
	ReconnectBackoff  time.Duration
}

// Agent maintains the remote half of exactly one tunnel and executes call
// frames against its broker provider.
type Agent struct {
	cfg      Config
	provider broker.Provider
	dialer   Dialer
	handlers map[string]Handler
	logger   *slog.Logger

	state atomic.Int32

	// sendMu serializes frame writes: dispatch goroutines and the
	// heartbeat loop share one connection.
	sendMu sync.Mutex
	conn   Conn
}

// New creates an agent for the given provider. Default handlers cover the
// eight broker actions; RegisterHandler can add more before Run.
func New(cfg Config, provider broker.Provider, logger *slog.Logger) *Agent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	a := &Agent{
		cfg:      cfg,
		provider: provider,
		dialer:   wsDialer{d: websocket.DefaultDialer},
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "agent"),
	}
	a.registerBrokerHandlers()
	return a
}

// SetDialer replaces the websocket dialer. Tests use this to supply an
// in-memory connection.
func (a *Agent) SetDialer(d Dialer) { a.dialer = d }

// State returns the current lifecycle state.
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	old := State(a.state.Swap(int32(s)))
	if old != s {
		a.logger.Debug("state transition", "from", old.String(), "to", s.String())
	}
}

// Run drives the reconnect loop until ctx is cancelled. Each pass
// establishes the local broker session, then the remote tunnel, then runs
// the message and heartbeat loops until either side drops.
func (a *Agent) Run(ctx context.Context) error {
	for {
		if err := a.runOnce(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("connection cycle ended", "error", err)
		}

		a.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		a.logger.Info("reconnecting", "backoff", a.cfg.ReconnectBackoff)
		select {
		case <-time.After(a.cfg.ReconnectBackoff):
		case <-ctx.Done():
			return nil
		}
	}
}

// runOnce performs one full connect→active→drain cycle.
func (a *Agent) runOnce(ctx context.Context) error {
	a.setState(StateConnectingLocal)
	if err := a.provider.Connect(ctx); err != nil {
		return fmt.Errorf("connecting broker session: %w", err)
	}

	a.setState(StateConnectingRemote)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.Token)
	conn, err := a.dialer.DialContext(ctx, a.cfg.ServerURL, header)
	if err != nil {
		a.drain(nil)
		return fmt.Errorf("dialing %s: %w", a.cfg.ServerURL, err)
	}

	a.sendMu.Lock()
	a.conn = conn
	a.sendMu.Unlock()

	a.setState(StateActive)
	a.logger.Info("tunnel established", "server", a.cfg.ServerURL)

	// First frame after connect reflects current broker-session state.
	if err := a.sendStatus(ctx); err != nil {
		a.drain(conn)
		return fmt.Errorf("sending initial status: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(loopCtx)
	}()

	// Closing the conn is the only way to unblock a pending ReadMessage
	// once the context is cancelled.
	go func() {
		<-loopCtx.Done()
		conn.Close()
	}()

	// The read loop owns the connection's lifetime: when it returns, the
	// heartbeat loop is cancelled and the cycle drains.
	readErr := a.readLoop(loopCtx, conn)
	cancel()
	wg.Wait()

	a.drain(conn)
	if ctx.Err() != nil {
		return nil
	}
	return readErr
}

// drain tears down the remote then the local session.
func (a *Agent) drain(conn Conn) {
	a.setState(StateDraining)
	if conn != nil {
		conn.Close()
	}
	a.sendMu.Lock()
	a.conn = nil
	a.sendMu.Unlock()
	if err := a.provider.Close(); err != nil {
		a.logger.Warn("closing broker session", "error", err)
	}
}

// readLoop receives frames until the transport fails. Call frames are
// dispatched on their own goroutines so a slow broker call never blocks
// other in-flight calls.
func (a *Agent) readLoop(ctx context.Context, conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		frame, err := wire.Decode(data)
		if err != nil {
			a.logger.Warn("dropping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case wire.TypeCall:
			go a.dispatch(ctx, frame)
		default:
			a.logger.Warn("unexpected frame type from gateway", "type", frame.Type)
		}
	}
}

// heartbeatLoop emits a status frame at the configured interval.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendStatus(ctx); err != nil {
				a.logger.Warn("sending heartbeat status", "error", err)
				return
			}
		}
	}
}

// sendStatus reports current broker-session liveness and first account.
func (a *Agent) sendStatus(ctx context.Context) error {
	connected := a.provider.IsConnected()
	var account *string
	if connected {
		accounts, err := a.provider.ManagedAccounts(ctx)
		if err != nil {
			a.logger.Warn("listing accounts for status", "error", err)
		} else if len(accounts) > 0 {
			account = &accounts[0]
		}
	}
	return a.send(wire.NewStatus(connected, account))
}

// send serializes and writes one frame under the send lock.
func (a *Agent) send(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	if a.conn == nil {
		return errors.New("not connected")
	}
	return a.conn.WriteMessage(websocket.TextMessage, data)
}
