// ABOUTME: Entry point for the remote-side relay agent.
// ABOUTME: Usage: relay-agent -server wss://host/api/ibkr/relay -token TOKEN

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/komalamee/options-buddy-relay/internal/agent"
	"github.com/komalamee/options-buddy-relay/internal/broker"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:8080/api/ibkr/relay", "Gateway relay endpoint")
	token := flag.String("token", "", "Relay bearer token")
	identity := flag.String("identity", "", "Identity for agent-key token exchange (alternative to -token)")
	key := flag.String("key", "", "Agent key for token exchange")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	backoff := flag.Duration("backoff", 5*time.Second, "Reconnect backoff")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	if err := run(*serverURL, *token, *identity, *key, *heartbeat, *backoff, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(serverURL, token, identity, key string, heartbeat, backoff time.Duration, logLevel string) error {
	logger := setupLogger(logLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if token == "" {
		if identity == "" || key == "" {
			return fmt.Errorf("either -token or both -identity and -key are required")
		}
		exchanged, err := exchangeAgentKey(ctx, serverURL, identity, key)
		if err != nil {
			return fmt.Errorf("exchanging agent key: %w", err)
		}
		token = exchanged
		logger.Info("obtained relay token", "identity", identity)
	}

	// SimProvider stands in for an IB Gateway session; the Provider
	// interface is where a real ib client plugs in.
	provider := broker.NewSimProvider()

	a := agent.New(agent.Config{
		ServerURL:         serverURL,
		Token:             token,
		HeartbeatInterval: heartbeat,
		ReconnectBackoff:  backoff,
	}, provider, logger)

	logger.Info("starting relay agent", "server", serverURL)
	return a.Run(ctx)
}

// exchangeAgentKey trades an identity's agent key for a relay token via
// the gateway's bootstrap endpoint. The token endpoint lives on the same
// host as the relay endpoint, over plain HTTP(S).
func exchangeAgentKey(ctx context.Context, serverURL, identity, key string) (string, error) {
	tokenURL := strings.Replace(serverURL, "ws", "http", 1)
	tokenURL = strings.TrimSuffix(tokenURL, "/relay") + "/agent-token"

	payload, err := json.Marshal(map[string]string{"identity": identity, "key": key})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var issued struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &issued); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if issued.Token == "" {
		return "", fmt.Errorf("token exchange returned an empty token")
	}
	return issued.Token, nil
}

func setupLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
