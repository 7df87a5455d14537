// ABOUTME: Gateway orchestrator that wires store, presence and delivery behind one HTTP server
// ABOUTME: Manages listeners (TCP or Tailscale), health endpoints and graceful shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/unicollab-dm/internal/auth"
	"github.com/2389/unicollab-dm/internal/config"
	"github.com/2389/unicollab-dm/internal/conversation"
	"github.com/2389/unicollab-dm/internal/dedupe"
	"github.com/2389/unicollab-dm/internal/metrics"
	"github.com/2389/unicollab-dm/internal/presence"
	"github.com/2389/unicollab-dm/internal/store"
)

const redisDialTimeout = 5 * time.Second

// Gateway serves the direct-message API. It owns the store, the room
// registry and the delivery channel, and tears them down on Shutdown.
type Gateway struct {
	config       *config.Config
	store        store.Store
	registry     *presence.Registry
	conversation *conversation.Service
	dedupe       *dedupe.Cache[*store.Message]
	verifier     *auth.JWTVerifier
	upgrader     websocket.Upgrader
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// mirror publishes presence to Redis when presence.redis_url is set
	mirror      *presence.RedisMirror
	redisClient *redis.Client

	// baseCtx is canceled at shutdown to end long-lived SSE streams
	baseCtx    context.Context
	cancelBase context.CancelFunc

	clientsMu sync.Mutex
	clients   map[string]*wsClient

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore creates the SQLite store selected by database.driver.
func initStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv(config.EnvDBPath); envPath != "" {
		dbPath = envPath
	}

	s, err := store.NewSQLiteStore(dbPath, store.Options{
		Driver: cfg.Database.Driver,
		Limits: store.Limits{
			MaxBodyLength:       cfg.Chat.MaxBodyLength,
			DefaultHistoryLimit: cfg.Chat.HistoryLimit,
			MaxHistoryLimit:     cfg.Chat.MaxHistoryLimit,
		},
		Logger: logger.With("component", "store"),
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initPresence builds the registry, mirrored to Redis when configured.
func (g *Gateway) initPresence(cfg *config.Config, logger *slog.Logger) error {
	if cfg.Presence.RedisURL == "" {
		g.registry = presence.NewRegistry(logger, nil)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	client, err := presence.DialRedis(ctx, cfg.Presence.RedisURL)
	if err != nil {
		return fmt.Errorf("initializing presence: %w", err)
	}

	g.redisClient = client
	g.mirror = presence.NewRedisMirror(client, logger)
	g.registry = presence.NewRegistry(logger, g.mirror)
	logger.Info("cluster presence enabled", "redis", client.Options().Addr)
	return nil
}

func (g *Gateway) registerRoutes(mux *http.ServeMux, cfg *config.Config) error {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, metrics.Handler())
	}

	protect := func(h http.HandlerFunc) http.Handler { return h }
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating JWT verifier: %w", err)
		}
		g.verifier = verifier
		middleware := auth.HTTPAuthMiddleware(verifier)
		protect = func(h http.HandlerFunc) http.Handler { return middleware(h) }
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}

	mux.Handle("GET /ws", protect(g.handleWebSocket))
	mux.Handle("POST /api/send", protect(g.handleSend))
	mux.Handle("GET /api/rooms/{key}/messages", protect(g.handleHistory))
	mux.Handle("GET /api/rooms/{key}/stream", protect(g.handleStream))
	mux.Handle("GET /api/rooms/{key}/members", protect(g.handleMembers))
	return nil
}

// New creates a gateway from configuration. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	gw := &Gateway{
		config: cfg,
		store:  s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Tokens, not origins, authenticate sockets.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:     logger.With("component", "gateway"),
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
		clients:    make(map[string]*wsClient),
	}

	if err := gw.initPresence(cfg, logger); err != nil {
		cancelBase()
		_ = s.Close()
		return nil, err
	}

	gw.dedupe = dedupe.New[*store.Message](cfg.Chat.DedupeTTL, cfg.Chat.DedupeMaxEntries)
	gw.conversation = conversation.New(s, gw.registry, logger)
	gw.conversation.SetDedupe(gw.dedupe)

	mux := http.NewServeMux()
	if err := gw.registerRoutes(mux, cfg); err != nil {
		gw.closeComponents()
		return nil, err
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// Registry exposes the room registry.
func (g *Gateway) Registry() *presence.Registry {
	return g.registry
}

func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until ctx is canceled or the server fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "dm-gateway", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.createTailscaleListener(tsCfg)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, err
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

func (g *Gateway) createTailscaleListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

func (g *Gateway) trackClient(c *wsClient) {
	g.clientsMu.Lock()
	g.clients[c.id] = c
	g.clientsMu.Unlock()
}

func (g *Gateway) untrackClient(c *wsClient) {
	g.clientsMu.Lock()
	delete(g.clients, c.id)
	g.clientsMu.Unlock()
}

func (g *Gateway) closeClients() {
	g.clientsMu.Lock()
	clients := make([]*wsClient, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.clientsMu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// closeComponents releases everything but the listeners. The mirror is
// closed after clients so their final leaves are published.
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.mirror != nil {
		g.mirror.Close()
	}
	if g.redisClient != nil {
		errs = appendCloseError(errs, "redis close", g.redisClient.Close())
	}
	if g.dedupe != nil {
		g.dedupe.Close()
	}
	return appendCloseError(errs, "store close", g.store.Close())
}

// Shutdown stops the gateway. Open sockets and streams are closed before
// the HTTP server drains. Later calls return the first result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	g.cancelBase()
	g.closeClients()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d rooms)", g.registry.Rooms())
}
