// ABOUTME: Agent websocket endpoint: auth, upgrade, frame pump.
// ABOUTME: wsTransport adapts a gorilla conn to the registry's Transport.

package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/komalamee/options-buddy-relay/internal/wire"
)

const closeGracePeriod = time.Second

// wsTransport serializes frame writes onto a single websocket connection.
// Gorilla conns allow at most one concurrent writer.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) WriteFrame(f *wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close(reason string) error {
	t.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)) //nolint:errcheck
	t.mu.Unlock()
	return t.conn.Close()
}

// handleRelay authenticates the agent, upgrades to websocket, registers
// the tunnel, and pumps inbound frames until the connection dies.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "identity", identity, "error", err)
		return
	}

	transport := &wsTransport{conn: wsConn}
	conn := s.registry.Register(r.Context(), identity, transport)
	defer s.registry.Release(r.Context(), conn)

	s.logger.Info("agent connected", "identity", identity, "remote", r.RemoteAddr)

	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			s.logger.Info("agent read loop ended", "identity", identity, "error", err)
			return
		}
		frame, err := wire.Decode(data)
		if err != nil {
			// Malformed frames are dropped, never fatal to the tunnel.
			s.logger.Warn("dropping malformed frame", "identity", identity, "error", err)
			continue
		}
		s.registry.HandleFrame(identity, frame)
	}
}
