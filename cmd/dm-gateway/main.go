// ABOUTME: Entry point for dm-gateway, the direct-message server
// ABOUTME: Serves WebSocket and HTTP endpoints and mints participant tokens

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
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

	"github.com/2389/unicollab-dm/internal/auth"
	"github.com/2389/unicollab-dm/internal/config"
	"github.com/2389/unicollab-dm/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
     _                           _
  __| |_ __ ___        __ _  __ _| |_ _____      ____ _ _   _
 / _' | '_ ' _ \ ____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | | | | | |____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|_| |_| |_|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                      |___/                             |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: dm-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                      Start the gateway server")
		fmt.Println("  init                       Create a new config file interactively")
		fmt.Println("  token --user ID [--ttl D]  Mint a participant token")
		fmt.Println("  health                     Check gateway health")
		fmt.Println("  ready                      Check store readiness")
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
	case "token":
		err = runToken(os.Args[2:])
	case "health":
		err = runProbe(ctx, "/health")
	case "ready":
		err = runProbe(ctx, "/health/ready")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when it does
// not exist.
func loadConfig() (*config.Config, string, error) {
	path := config.DefaultPath()
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = config.Parse(nil)
		path = "(defaults)"
	}
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		} else if cfg.Tailscale.HTTPS {
			yellow.Print(" [https]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Presence.RedisURL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Presence:  redis\n")
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! auth disabled: set auth.jwt_secret to require tokens")
	}
	fmt.Println()

	logger.Info("starting dm-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"tailscale", cfg.Tailscale.Enabled,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runToken mints a JWT whose subject is the participant id.
func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	user := fs.String("user", "", "participant id (token subject)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	participant := strings.TrimSpace(*user)
	if participant == "" {
		return fmt.Errorf("--user is required")
	}
	if *ttl <= 0 {
		return fmt.Errorf("--ttl must be positive")
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt_secret not configured in %s", configPath)
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	token, err := verifier.Generate(participant, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runProbe(ctx context.Context, path string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("dm-gateway configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	defaults := config.Default()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", defaults.Server.HTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaults.Database.Path)

	fmt.Println("\n--- Authentication ---")
	var jwtSecret string
	if yes(prompt(reader, "Require participant tokens?", "yes")) {
		secretBytes := make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return fmt.Errorf("generating JWT secret: %w", err)
		}
		jwtSecret = base64.StdEncoding.EncodeToString(secretBytes)
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral, tsHTTPS, tsFunnel bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "dm-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = yes(prompt(reader, "Ephemeral node?", "no"))
		tsFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS)?", "no"))
		if !tsFunnel {
			tsHTTPS = yes(prompt(reader, "Serve HTTPS with tailnet certificates?", "no"))
		}
	}

	fmt.Println("\n--- Presence ---")
	redisURL := prompt(reader, "Redis URL for cluster presence (leave empty to skip)", "")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", defaults.Logging.Level)
	logFormat := prompt(reader, "Log format (text/json)", defaults.Logging.Format)

	var cfg strings.Builder
	cfg.WriteString("# dm-gateway configuration\n")
	cfg.WriteString("# Generated by dm-gateway init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", httpAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  driver: %q\n", defaults.Database.Driver)
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	if jwtSecret != "" {
		cfg.WriteString("auth:\n")
		fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", jwtSecret)
	}

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  https: %t\n", tsHTTPS)
		fmt.Fprintf(&cfg, "  funnel: %t\n", tsFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("chat:\n")
	fmt.Fprintf(&cfg, "  max_body_length: %d\n", defaults.Chat.MaxBodyLength)
	fmt.Fprintf(&cfg, "  history_limit: %d\n", defaults.Chat.HistoryLimit)
	fmt.Fprintf(&cfg, "  dedupe_ttl: %q\n", defaults.Chat.DedupeTTL.String())
	fmt.Fprintf(&cfg, "  send_timeout: %q\n\n", defaults.Chat.SendTimeout.String())

	if redisURL != "" {
		cfg.WriteString("presence:\n")
		fmt.Fprintf(&cfg, "  redis_url: %q\n\n", redisURL)
	}

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n\n", logFormat)

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: true\n")
	cfg.WriteString("  path: \"/metrics\"\n")

	if _, err := config.Parse([]byte(cfg.String())); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  dm-gateway serve")
	if jwtSecret != "" {
		fmt.Println("\nTo mint a token for participant 7:")
		fmt.Println("  dm-gateway token --user 7")
	}

	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&colorHandler{mu: &sync.Mutex{}, out: os.Stdout, level: level})
}

// colorHandler writes one colorized line per record.
type colorHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch {
	case r.Level >= slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	case r.Level >= slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case r.Level >= slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	default:
		buf.WriteString(color.MagentaString("DBG "))
	}

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	writeAttr := func(a slog.Attr) {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(a)
		return true
	})
	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: newAttrs, groups: h.groups}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{mu: h.mu, out: h.out, level: h.level, attrs: h.attrs, groups: newGroups}
}
