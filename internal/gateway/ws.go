// ABOUTME: WebSocket endpoint: one socket is one room endpoint for the delivery channel
// ABOUTME: Handles join/send/leave frames with read and write pumps and a per-socket rate limit

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/unicollab-dm/internal/auth"
	"github.com/2389/unicollab-dm/internal/conversation"
	"github.com/2389/unicollab-dm/internal/metrics"
	"github.com/2389/unicollab-dm/internal/protocol"
	"github.com/2389/unicollab-dm/internal/room"
	"github.com/2389/unicollab-dm/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
)

// wsClient is a single socket. It implements presence.Endpoint and belongs
// to at most one room at a time.
type wsClient struct {
	id      string
	gw      *Gateway
	conn    *websocket.Conn
	auth    *auth.AuthContext
	send    chan []byte
	limiter *rate.Limiter
	logger  *slog.Logger

	// room is only touched by the read pump
	room string

	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(g *Gateway, conn *websocket.Conn, authCtx *auth.AuthContext) *wsClient {
	id := "ws-" + uuid.NewString()
	c := &wsClient{
		id:     id,
		gw:     g,
		conn:   conn,
		auth:   authCtx,
		send:   make(chan []byte, g.config.Chat.EndpointBuffer),
		logger: g.logger.With("endpoint_id", id),
		done:   make(chan struct{}),
	}
	if g.config.Chat.SendRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(g.config.Chat.SendRate), g.config.Chat.SendBurst)
	}
	return c
}

// ID implements presence.Endpoint.
func (c *wsClient) ID() string { return c.id }

// Deliver implements presence.Endpoint. It never blocks.
func (c *wsClient) Deliver(msg *store.Message) bool {
	data, err := json.Marshal(protocol.NewMessageReceived(msg))
	if err != nil {
		c.logger.Error("failed to encode message", "message_id", msg.ID, "error", err)
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// reply queues a response frame, waiting for buffer space unless the
// socket closes first.
func (c *wsClient) reply(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode reply", "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	}
}

func (c *wsClient) replyError(requestID string, err error) {
	_, code := classify(err)
	c.reply(protocol.NewError(requestID, code, publicMessage(err, code)))
}

func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newWSClient(g, conn, auth.FromContext(r.Context()))
	g.trackClient(c)
	metrics.WebSocketConnections.Inc()
	c.logger.Info("websocket connected", "remote", conn.RemoteAddr().String())

	go c.writePump()
	c.readPump()
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		left := c.gw.registry.LeaveAll(c.id)
		_ = c.conn.Close()
		c.gw.untrackClient(c)
		metrics.WebSocketConnections.Dec()
		c.logger.Info("websocket disconnected", "rooms_left", left)
	})
}

func (c *wsClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) handleFrame(data []byte) {
	frame, err := protocol.Decode(data)
	if err != nil {
		var env struct {
			RequestID string `json:"request_id"`
		}
		_ = json.Unmarshal(data, &env)
		c.reply(protocol.NewError(env.RequestID, protocol.CodeBadRequest, err.Error()))
		return
	}

	switch f := frame.(type) {
	case *protocol.JoinRoom:
		c.handleJoin(f)
	case *protocol.LeaveRoom:
		c.handleLeave(f)
	case *protocol.SendMessage:
		c.handleSend(f)
	}
}

// resolveRoom authorizes from and returns the room it shares with to.
func (c *wsClient) resolveRoom(from, to string) (string, error) {
	if !c.auth.ActsAs(from) {
		return "", errForbidden
	}
	return room.Key(from, to)
}

func (c *wsClient) handleJoin(f *protocol.JoinRoom) {
	from := string(f.From)
	key, err := c.resolveRoom(from, string(f.To))
	if err != nil {
		c.replyError(f.RequestID, err)
		return
	}

	previous := c.room
	c.room = key

	if previous != "" && previous != key {
		c.gw.registry.Leave(previous, c.id)
	}
	c.gw.registry.Join(key, c, from)

	c.reply(protocol.Joined{Type: protocol.TypeJoined, RequestID: f.RequestID, Room: key})
}

func (c *wsClient) handleLeave(f *protocol.LeaveRoom) {
	key, err := c.resolveRoom(string(f.From), string(f.To))
	if err != nil {
		c.replyError(f.RequestID, err)
		return
	}

	if c.room == key {
		c.room = ""
	}

	c.gw.registry.Leave(key, c.id)
	c.reply(protocol.Left{Type: protocol.TypeLeft, RequestID: f.RequestID, Room: key})
}

func (c *wsClient) handleSend(f *protocol.SendMessage) {
	from := string(f.From)
	key, err := c.resolveRoom(from, string(f.To))
	if err != nil {
		if errors.Is(err, errForbidden) {
			metrics.SendFailures.WithLabelValues(protocol.CodeForbidden).Inc()
		}
		c.replyError(f.RequestID, err)
		return
	}

	if c.limiter != nil && !c.limiter.Allow() {
		metrics.SendFailures.WithLabelValues(protocol.CodeRateLimited).Inc()
		c.replyError(f.RequestID, errRateLimited)
		return
	}

	ctx, cancel := context.WithTimeout(c.gw.baseCtx, c.gw.config.Chat.SendTimeout)
	defer cancel()

	result, err := c.gw.conversation.Send(ctx, conversation.SendRequest{
		RoomKey:  key,
		SenderID: from,
		Body:     f.Body,
		ClientID: f.ClientID,
	})
	if err != nil {
		c.replyError(f.RequestID, err)
		return
	}

	c.reply(protocol.Sent{
		Type:      protocol.TypeSent,
		RequestID: f.RequestID,
		Message:   protocol.FromStore(result.Message),
		Duplicate: result.Duplicate,
	})
}
