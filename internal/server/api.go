// ABOUTME: REST surface over the relay: broker data endpoints plus the
// ABOUTME: agent-token bootstrap. Maps relay errors onto HTTP statuses.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/komalamee/options-buddy-relay/internal/auth"
	"github.com/komalamee/options-buddy-relay/internal/relay"
	"github.com/komalamee/options-buddy-relay/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCallError maps a relay call failure onto the REST status taxonomy:
// no tunnel 503, deadline 504, broker-reported failures and mid-flight
// loss 502.
func writeCallError(w http.ResponseWriter, err error) {
	var remote *relay.RemoteError
	switch {
	case errors.Is(err, relay.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "relay agent not connected")
	case errors.Is(err, relay.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "relay request timed out")
	case errors.Is(err, relay.ErrConnectionLost):
		writeError(w, http.StatusBadGateway, "relay connection lost")
	case errors.As(err, &remote):
		writeError(w, http.StatusBadGateway, remote.Description)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// authenticate resolves the request's bearer token to an active identity.
// On failure it writes the response itself and returns ok=false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, errMsg := auth.BearerToken(r)
	if errMsg != "" {
		writeError(w, http.StatusUnauthorized, errMsg)
		return "", false
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}
	ident, err := s.store.GetIdentity(r.Context(), identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unknown identity")
		} else {
			writeError(w, http.StatusInternalServerError, "identity lookup failed")
		}
		return "", false
	}
	if ident.Status != store.IdentityStatusActive {
		writeError(w, http.StatusUnauthorized, "identity revoked")
		return "", false
	}
	return identity, true
}

func (s *Server) proxyFor(identity string) *relay.BrokerProxy {
	return relay.NewBrokerProxy(s.registry, identity, s.cfg.Relay.CallTimeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.registry.GetStatus(identity))
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	accounts, err := s.proxyFor(identity).GetAccounts(r.Context())
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	positions, err := s.proxyFor(identity).GetPositions(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	portfolio, err := s.proxyFor(identity).GetPortfolio(r.Context(), r.URL.Query().Get("account"))
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"portfolio": portfolio})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	symbol := mux.Vars(r)["symbol"]
	price, err := s.proxyFor(identity).GetPrice(r.Context(), symbol)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "price": price})
}

func (s *Server) handleOptionExpirations(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	symbol := mux.Vars(r)["symbol"]
	expirations, err := s.proxyFor(identity).GetOptionExpirations(r.Context(), symbol)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "expirations": expirations})
}

func (s *Server) handleOptionStrikes(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	symbol := mux.Vars(r)["symbol"]
	expiry := r.URL.Query().Get("expiry")
	if expiry == "" {
		writeError(w, http.StatusBadRequest, "expiry query parameter required")
		return
	}
	strikes, err := s.proxyFor(identity).GetOptionStrikes(r.Context(), symbol, expiry)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "expiry": expiry, "strikes": strikes})
}

func (s *Server) handleOptionData(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	symbol := mux.Vars(r)["symbol"]
	q := r.URL.Query()
	expiry := q.Get("expiry")
	if expiry == "" {
		writeError(w, http.StatusBadRequest, "expiry query parameter required")
		return
	}
	strike, err := strconv.ParseFloat(q.Get("strike"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "strike query parameter must be a number")
		return
	}
	optionType := q.Get("type")
	if optionType == "" {
		optionType = "C"
	}
	quote, err := s.proxyFor(identity).GetOptionData(r.Context(), symbol, expiry, strike, optionType)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) handleOptionChain(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	symbol := mux.Vars(r)["symbol"]
	var req struct {
		Expiry  string    `json:"expiry"`
		Strikes []float64 `json:"strikes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Expiry == "" || len(req.Strikes) == 0 {
		writeError(w, http.StatusBadRequest, "expiry and strikes required")
		return
	}
	chain, err := s.proxyFor(identity).GetOptionChain(r.Context(), symbol, req.Expiry, req.Strikes)
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chain)
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(w, r); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.registry.AllStatuses())
}

// handleAgentToken exchanges an identity's agent key for a relay JWT. This
// is the only unauthenticated POST; the agent key is the credential.
func (s *Server) handleAgentToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
		Key      string `json:"key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Identity == "" || req.Key == "" {
		writeError(w, http.StatusBadRequest, "identity and key required")
		return
	}

	ident, err := s.store.GetIdentity(r.Context(), req.Identity)
	if err != nil {
		// Unknown identities and bad keys are indistinguishable on purpose.
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if ident.Status != store.IdentityStatusActive || ident.KeyHash == "" || !store.CheckAgentKey(ident.KeyHash, req.Key) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	ttl := s.cfg.Auth.TokenTTL
	token, err := s.verifier.Generate(req.Identity, ttl)
	if err != nil {
		s.logger.Error("generating agent token", "identity", req.Identity, "error", err)
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int64(ttl / time.Second),
	})
}
