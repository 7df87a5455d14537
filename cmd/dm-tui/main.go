// ABOUTME: Terminal client for direct messages over the dm-gateway WebSocket
// ABOUTME: Joins one conversation at a time, prints history and live messages, sends input lines

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/unicollab-dm/internal/protocol"
	"github.com/2389/unicollab-dm/internal/session"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "TOML config file")
	server := flag.String("server", "", "Gateway server URL (overrides config)")
	self := flag.String("self", "", "Your participant id (overrides config)")
	peer := flag.String("peer", "", "Participant to talk to (overrides config)")
	token := flag.String("token", "", "JWT token (overrides DM_TOKEN and config)")
	verbose := flag.Bool("v", false, "Log transport diagnostics to stderr")
	flag.Parse()

	cfg, err := loadTUIConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *self != "" {
		cfg.Self = *self
	}
	if *peer != "" {
		cfg.Peer = *peer
	}
	if *token != "" {
		cfg.Token = *token
	}
	if cfg.Self == "" {
		fmt.Fprintln(os.Stderr, "Error: --self is required")
		os.Exit(1)
	}

	level := slog.LevelError
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nGoodbye!")
}

type client struct {
	cfg     *tuiConfig
	token   string
	conn    *session.WSConn
	history *session.HTTPHistory
	logger  *slog.Logger

	sess    *session.Session
	printed map[int64]bool
}

func run(ctx context.Context, cfg *tuiConfig, logger *slog.Logger) error {
	token := cfg.resolveToken()

	wsURL, err := session.WebSocketURL(cfg.Server)
	if err != nil {
		return err
	}
	conn, err := session.DialWS(ctx, wsURL, token, logger)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Server, err)
	}
	defer conn.Close()

	c := &client{
		cfg:     cfg,
		token:   token,
		conn:    conn,
		history: &session.HTTPHistory{BaseURL: cfg.Server, Token: token},
		logger:  logger,
	}

	fmt.Printf("dm-tui connected to %s as %s\n", cfg.Server, cfg.Self)
	if token != "" {
		fmt.Println("Auth: JWT token configured")
	} else {
		fmt.Println("Auth: none (set DM_TOKEN for authentication)")
	}
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	if cfg.Peer != "" {
		if err := c.switchPeer(ctx, cfg.Peer); err != nil {
			fmt.Printf("[error] %v\n", err)
		}
	}
	defer c.closeSession()

	lines := readLines(os.Stdin)
	c.prompt()
	for {
		var updates <-chan struct{}
		if c.sess != nil {
			updates = c.sess.Updates()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-conn.Done():
			return fmt.Errorf("connection to gateway lost")
		case <-updates:
			c.render()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.handleLine(ctx, strings.TrimSpace(line))
			if err != nil {
				fmt.Printf("[error] %v\n", err)
			}
			if quit {
				return nil
			}
			c.prompt()
		}
	}
}

// readLines pumps stdin lines into a channel that is closed at EOF.
func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func (c *client) prompt() {
	if c.sess != nil {
		fmt.Printf("[%s]> ", c.cfg.Peer)
	} else {
		fmt.Print("> ")
	}
}

func (c *client) handleLine(ctx context.Context, input string) (bool, error) {
	switch {
	case input == "":
		return false, nil
	case input == "/quit" || input == "/exit" || input == "/q":
		return true, nil
	case input == "/help":
		printHelp()
		return false, nil
	case strings.HasPrefix(input, "/peer"):
		peer := strings.TrimSpace(strings.TrimPrefix(input, "/peer"))
		if peer == "" {
			return false, fmt.Errorf("usage: /peer <id>")
		}
		return false, c.switchPeer(ctx, peer)
	case input == "/history":
		c.printAll()
		return false, nil
	case input == "/resync":
		if c.sess == nil {
			return false, fmt.Errorf("no conversation open, use /peer <id>")
		}
		return false, c.sess.Resync(ctx)
	case strings.HasPrefix(input, "/"):
		return false, fmt.Errorf("unknown command %s", input)
	}

	if c.sess == nil {
		return false, fmt.Errorf("no conversation open, use /peer <id>")
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := c.sess.Send(sendCtx, input); err != nil {
		return false, err
	}
	c.render()
	return false, nil
}

func (c *client) closeSession() {
	if c.sess == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.sess.Close(ctx); err != nil {
		c.logger.Warn("closing session", "error", err)
	}
	c.sess = nil
}

// switchPeer leaves the current conversation and opens one with peer on the
// same connection.
func (c *client) switchPeer(ctx context.Context, peer string) error {
	c.closeSession()

	s, err := session.New(session.Config{
		Self:     c.cfg.Self,
		Peer:     peer,
		Conn:     c.conn,
		History:  c.history,
		PageSize: c.cfg.PageSize,
		Logger:   c.logger,
	})
	if err != nil {
		return err
	}
	if err := s.Open(ctx); err != nil {
		return err
	}

	c.sess = s
	c.cfg.Peer = peer
	c.printed = make(map[int64]bool)

	color.New(color.FgHiBlack).Printf("--- conversation %s ---\n", s.RoomKey())
	if err := s.LastError(); err != nil {
		fmt.Printf("[warn] %v (try /resync)\n", err)
	}
	c.render()
	return nil
}

// render prints messages that have not been shown yet.
func (c *client) render() {
	if c.sess == nil {
		return
	}
	for _, m := range c.sess.Messages() {
		if c.printed[m.ID] {
			continue
		}
		c.printed[m.ID] = true
		c.printMessage(m)
	}
}

func (c *client) printAll() {
	if c.sess == nil {
		fmt.Println("No conversation open")
		return
	}
	msgs := c.sess.Messages()
	if len(msgs) == 0 {
		fmt.Println("No conversation history")
		return
	}
	fmt.Println(strings.Repeat("-", 60))
	for _, m := range msgs {
		c.printMessage(m)
	}
	for _, p := range c.sess.Pending() {
		color.New(color.FgHiBlack).Printf("  (sending) %s\n", p.Body)
	}
	fmt.Println(strings.Repeat("-", 60))
}

func (c *client) printMessage(m protocol.Message) {
	who := color.CyanString(m.From)
	if m.From == c.cfg.Self {
		who = color.GreenString("you")
	}
	fmt.Printf("\r%s %s: %s\n", color.HiBlackString(m.SentAt.Local().Format("15:04")), who, m.Body)
}

func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /peer <id>     Open the conversation with another participant")
	fmt.Println("  /history       Reprint the current conversation")
	fmt.Println("  /resync        Fetch messages missed since the last one shown")
	fmt.Println("  /help          Show this help")
	fmt.Println("  /quit          Exit the TUI")
}
