// ABOUTME: WebSocket implementation of Conn using gorilla/websocket
// ABOUTME: Correlates join/leave/send replies by request_id and streams live broadcasts

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/unicollab-dm/internal/protocol"
)

const (
	dialTimeout     = 10 * time.Second
	clientWriteWait = 10 * time.Second
	liveBuffer      = 256
	maxFrameSize    = 64 << 10
)

// WSConn is a Conn over the gateway's /ws endpoint.
type WSConn struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan any

	messages  chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

// WebSocketURL turns a gateway base URL (http or https) into its /ws URL.
func WebSocketURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// DialWS connects to wsURL. A non-empty token is sent as a bearer header.
func DialWS(ctx context.Context, wsURL, token string, logger *slog.Logger) (*WSConn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: dialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusSwitchingProtocols {
				return nil, decodeRemoteError(resp)
			}
		}
		return nil, fmt.Errorf("dialing %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxFrameSize)

	c := &WSConn{
		conn:     conn,
		logger:   logger.With("component", "wsconn"),
		pending:  make(map[string]chan any),
		messages: make(chan *protocol.Message, liveBuffer),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages implements Conn.
func (c *WSConn) Messages() <-chan *protocol.Message { return c.messages }

// Done is closed when the connection ends.
func (c *WSConn) Done() <-chan struct{} { return c.done }

// Join implements Conn.
func (c *WSConn) Join(ctx context.Context, from, to string) (string, error) {
	id := uuid.NewString()
	reply, err := c.request(ctx, id, &protocol.JoinRoom{
		Type:      protocol.TypeJoinRoom,
		RequestID: id,
		From:      protocol.ID(from),
		To:        protocol.ID(to),
	})
	if err != nil {
		return "", err
	}
	joined, ok := reply.(*protocol.Joined)
	if !ok {
		return "", fmt.Errorf("unexpected reply %T to join", reply)
	}
	return joined.Room, nil
}

// Leave implements Conn.
func (c *WSConn) Leave(ctx context.Context, from, to string) error {
	id := uuid.NewString()
	reply, err := c.request(ctx, id, &protocol.LeaveRoom{
		Type:      protocol.TypeLeaveRoom,
		RequestID: id,
		From:      protocol.ID(from),
		To:        protocol.ID(to),
	})
	if err != nil {
		return err
	}
	if _, ok := reply.(*protocol.Left); !ok {
		return fmt.Errorf("unexpected reply %T to leave", reply)
	}
	return nil
}

// Send implements Conn.
func (c *WSConn) Send(ctx context.Context, from, to, body, clientID string) (*protocol.Message, error) {
	id := uuid.NewString()
	reply, err := c.request(ctx, id, &protocol.SendMessage{
		Type:      protocol.TypeSendMessage,
		RequestID: id,
		From:      protocol.ID(from),
		To:        protocol.ID(to),
		Body:      body,
		ClientID:  clientID,
	})
	if err != nil {
		return nil, err
	}
	sent, ok := reply.(*protocol.Sent)
	if !ok || sent.Message == nil {
		return nil, fmt.Errorf("unexpected reply %T to send", reply)
	}
	return sent.Message, nil
}

// Close sends a close frame and waits for the read loop to stop. Safe to
// call more than once.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(clientWriteWait))
		c.writeMu.Unlock()

		err = c.conn.Close()
		<-c.done
	})
	return err
}

func (c *WSConn) request(ctx context.Context, id string, frame any) (any, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("encoding frame: %w", err)
	}

	ch := make(chan any, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	select {
	case <-c.done:
		return nil, ErrConnClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("writing frame: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrConnClosed
	case reply := <-ch:
		if e, ok := reply.(*protocol.Error); ok {
			return nil, &RemoteError{Code: e.Code, Message: e.Error}
		}
		return reply, nil
	}
}

func (c *WSConn) readLoop() {
	defer close(c.messages)
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection closed", "error", err)
			}
			return
		}

		frame, err := protocol.DecodeServer(data)
		if err != nil {
			c.logger.Warn("ignoring frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case *protocol.MessageReceived:
			if f.Message == nil {
				continue
			}
			select {
			case c.messages <- f.Message:
			default:
				c.logger.Warn("live buffer full, dropping message", "message_id", f.Message.ID, "room", f.Message.Room)
			}
		case *protocol.Joined:
			c.resolve(f.RequestID, f)
		case *protocol.Left:
			c.resolve(f.RequestID, f)
		case *protocol.Sent:
			c.resolve(f.RequestID, f)
		case *protocol.Error:
			if !c.resolve(f.RequestID, f) {
				c.logger.Warn("gateway error", "code", f.Code, "error", f.Error)
			}
		}
	}
}

func (c *WSConn) resolve(id string, frame any) bool {
	if id == "" {
		return false
	}
	c.pendingMu.Lock()
	ch, ok := c.pending[id]
	c.pendingMu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- frame:
	default:
	}
	return true
}
