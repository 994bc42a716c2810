// ABOUTME: Entry point for the relay gateway server.
// ABOUTME: Bridges REST API consumers to relay agents behind NAT.

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/komalamee/options-buddy-relay/internal/auth"
	"github.com/komalamee/options-buddy-relay/internal/config"
	"github.com/komalamee/options-buddy-relay/internal/server"
	"github.com/komalamee/options-buddy-relay/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
            _                       _               _     _
  ___ _ __ | |_(_) ___  _ __  ___  | |__  _   _  __| | __| |_   _
 / _ \ '_ \| __| |/ _ \| '_ \/ __| | '_ \| | | |/ _' |/ _' | | | |
| (_) | |_) | |_| | (_) | | | \__ \ | |_) | |_| | (_| | (_| | |_| |
 \___/| .__/ \__|_|\___/|_| |_|___/ |_.__/ \__,_|\__,_|\__,_|\__, |
      |_|              relay gateway                         |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/options-buddy/relay.yaml > ~/.config/options-buddy/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "options-buddy", "relay.yaml")
}

// getDataPath returns the path to the relay data directory.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "options-buddy")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: relay-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                        Start the gateway server")
		fmt.Println("  init                         Create a config file with a fresh JWT secret")
		fmt.Println("  identity add --id ID [...]   Register an identity and print its agent key")
		fmt.Println("  identity list                List registered identities")
		fmt.Println("  identity revoke --id ID      Revoke an identity")
		fmt.Println("  token --id ID [--ttl DUR]    Issue a relay token for an identity")
		fmt.Println("  health                       Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "identity":
		err = runIdentity(ctx)
	case "token":
		err = runToken(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting relay gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	srv := server.New(cfg, st, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runInit writes a fresh config file with a random JWT secret. Refuses to
// overwrite an existing config.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "relay.db")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# relay-gateway configuration
# Generated by relay-gateway init

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

auth:
  jwt_secret: "%s"
  token_ttl: "720h"

relay:
  heartbeat_interval: "30s"
  heartbeat_timeout: "90s"
  call_timeout: "30s"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created config: %s\n", configPath)
	return nil
}

// runIdentity handles the add/list/revoke subcommands against the store.
func runIdentity(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: relay-gateway identity <add|list|revoke>")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	switch os.Args[2] {
	case "add":
		id, name, err := parseIdentityFlags(os.Args[3:])
		if err != nil {
			return err
		}
		if name == "" {
			name = id
		}
		if _, err := st.CreateIdentity(ctx, id, name); err != nil {
			return fmt.Errorf("creating identity: %w", err)
		}

		// The agent key is shown exactly once; only its hash is stored.
		keyBytes := make([]byte, 32)
		if _, err := rand.Read(keyBytes); err != nil {
			return fmt.Errorf("generating agent key: %w", err)
		}
		key := base64.URLEncoding.EncodeToString(keyBytes)
		hash, err := store.HashAgentKey(key)
		if err != nil {
			return fmt.Errorf("hashing agent key: %w", err)
		}
		if err := st.SetAgentKey(ctx, id, hash); err != nil {
			return fmt.Errorf("storing agent key: %w", err)
		}

		green.Printf("  ✓ Created identity: %s\n", id)
		fmt.Println()
		yellow.Println("  Agent key (save it now, it will not be shown again):")
		fmt.Printf("    %s\n", key)
		return nil

	case "list":
		identities, err := st.ListIdentities(ctx)
		if err != nil {
			return fmt.Errorf("listing identities: %w", err)
		}
		if len(identities) == 0 {
			fmt.Println("no identities registered")
			return nil
		}
		for _, ident := range identities {
			fmt.Printf("%-24s %-24s %s\n", ident.ID, ident.Name, ident.Status)
		}
		return nil

	case "revoke":
		id, _, err := parseIdentityFlags(os.Args[3:])
		if err != nil {
			return err
		}
		if err := st.SetIdentityStatus(ctx, id, store.IdentityStatusRevoked); err != nil {
			return fmt.Errorf("revoking identity: %w", err)
		}
		green.Printf("  ✓ Revoked identity: %s\n", id)
		return nil

	default:
		return fmt.Errorf("unknown identity subcommand: %s", os.Args[2])
	}
}

// runToken issues a signed relay token for an existing identity.
func runToken(ctx context.Context) error {
	id, ttlRaw, err := parseTokenFlags(os.Args[2:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ttl := cfg.Auth.TokenTTL
	if ttlRaw != "" {
		ttl, err = time.ParseDuration(ttlRaw)
		if err != nil {
			return fmt.Errorf("parsing --ttl: %w", err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	ident, err := st.GetIdentity(ctx, id)
	if err != nil {
		return fmt.Errorf("looking up identity: %w", err)
	}
	if ident.Status != store.IdentityStatusActive {
		return fmt.Errorf("identity %s is %s", id, ident.Status)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(id, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// parseIdentityFlags accepts "--id value", "--id=value", and the same for
// --name.
func parseIdentityFlags(args []string) (id, name string, err error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--id":
			if i+1 >= len(args) {
				return "", "", fmt.Errorf("--id requires a value")
			}
			id = args[i+1]
			i++
		case strings.HasPrefix(arg, "--id="):
			id = strings.TrimPrefix(arg, "--id=")
		case arg == "--name":
			if i+1 >= len(args) {
				return "", "", fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		default:
			return "", "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if strings.TrimSpace(id) == "" {
		return "", "", fmt.Errorf("--id flag is required")
	}
	return id, name, nil
}

func parseTokenFlags(args []string) (id, ttl string, err error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--id":
			if i+1 >= len(args) {
				return "", "", fmt.Errorf("--id requires a value")
			}
			id = args[i+1]
			i++
		case strings.HasPrefix(arg, "--id="):
			id = strings.TrimPrefix(arg, "--id=")
		case arg == "--ttl":
			if i+1 >= len(args) {
				return "", "", fmt.Errorf("--ttl requires a value")
			}
			ttl = args[i+1]
			i++
		case strings.HasPrefix(arg, "--ttl="):
			ttl = strings.TrimPrefix(arg, "--ttl=")
		default:
			return "", "", fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	if id == "" {
		return "", "", fmt.Errorf("--id flag is required")
	}
	return id, ttl, nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Handler-level attrs first (from WithAttrs), then record attrs.
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
