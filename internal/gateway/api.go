// ABOUTME: HTTP API handlers for history, sending, membership and SSE room streams
// ABOUTME: Provides the REST surface used by the TUI and browser clients

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/2389/unicollab-dm/internal/auth"
	"github.com/2389/unicollab-dm/internal/metrics"
	"github.com/2389/unicollab-dm/internal/presence"
	"github.com/2389/unicollab-dm/internal/protocol"
	"github.com/2389/unicollab-dm/internal/room"
	"github.com/2389/unicollab-dm/internal/store"
)

const (
	maxSendRequestBytes = 64 << 10
	sseKeepAlive        = 30 * time.Second
	sseBuffer           = 64
)

// SendRequest is the JSON request body for POST /api/send.
type SendRequest struct {
	From     protocol.ID `json:"from"`
	To       protocol.ID `json:"to"`
	Body     string      `json:"body"`
	ClientID string      `json:"client_id,omitempty"`
}

// SendResponse is the JSON response for POST /api/send.
type SendResponse struct {
	Message   *protocol.Message `json:"message"`
	Duplicate bool              `json:"duplicate"`
}

// HistoryResponse is the JSON response for GET /api/rooms/{key}/messages.
type HistoryResponse struct {
	Room     string              `json:"room"`
	Messages []*protocol.Message `json:"messages"`
	Count    int                 `json:"count"`
	HasMore  bool                `json:"has_more"`
}

// MembersResponse is the JSON response for GET /api/rooms/{key}/members.
type MembersResponse struct {
	Room         string            `json:"room"`
	Participants []string          `json:"participants"`
	Members      []presence.Member `json:"members"`
	Cluster      []string          `json:"cluster,omitempty"`
	LastMessage  *protocol.Message `json:"last_message,omitempty"`
}

// ErrorResponse is the JSON body of every API error.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// authorizeRoom checks that the caller belongs to the room. With auth
// disabled every caller is allowed.
func authorizeRoom(ctx context.Context, roomKey string) error {
	authCtx := auth.FromContext(ctx)
	if authCtx == nil {
		return nil
	}
	if !room.Contains(roomKey, authCtx.ParticipantID) {
		return errNotInRoom
	}
	return nil
}

// parseRoomKey validates the {key} path value. Malformed keys are not found.
func parseRoomKey(r *http.Request) (string, error) {
	key := r.PathValue("key")
	if _, _, err := room.Parse(key); err != nil {
		return "", fmt.Errorf("%w: %w", store.ErrNotFound, err)
	}
	return key, nil
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	key, err := parseRoomKey(r)
	if err != nil {
		g.sendError(w, err)
		return
	}
	if err := authorizeRoom(r.Context(), key); err != nil {
		g.sendError(w, err)
		return
	}

	params := store.HistoryParams{RoomKey: key}
	q := r.URL.Query()
	if s := q.Get("since_id"); s != "" {
		sinceID, err := strconv.ParseInt(s, 10, 64)
		if err != nil || sinceID < 0 {
			g.sendJSONError(w, http.StatusBadRequest, protocol.CodeBadRequest, "since_id must be a non-negative integer")
			return
		}
		params.SinceID = sinceID
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			g.sendJSONError(w, http.StatusBadRequest, protocol.CodeBadRequest, "limit must be a non-negative integer")
			return
		}
		params.Limit = limit
	}

	result, err := g.conversation.History(r.Context(), params)
	if err != nil {
		g.sendError(w, err)
		return
	}

	resp := HistoryResponse{
		Room:     key,
		Messages: make([]*protocol.Message, len(result.Messages)),
		Count:    len(result.Messages),
		HasMore:  result.HasMore,
	}
	for i, m := range result.Messages {
		resp.Messages[i] = protocol.FromStore(m)
	}
	g.writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSendRequestBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, protocol.CodeBadRequest, "invalid JSON body")
		return
	}

	from := string(req.From)
	authCtx := auth.FromContext(r.Context())
	if from == "" && authCtx != nil {
		from = authCtx.ParticipantID
	}
	if !authCtx.ActsAs(from) {
		metrics.SendFailures.WithLabelValues(protocol.CodeForbidden).Inc()
		g.sendError(w, errForbidden)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.config.Chat.SendTimeout)
	defer cancel()

	result, err := g.conversation.SendTo(ctx, from, string(req.To), req.Body, req.ClientID)
	if err != nil {
		g.sendError(w, err)
		return
	}

	g.writeJSON(w, http.StatusOK, SendResponse{
		Message:   protocol.FromStore(result.Message),
		Duplicate: result.Duplicate,
	})
}

func (g *Gateway) handleMembers(w http.ResponseWriter, r *http.Request) {
	key, err := parseRoomKey(r)
	if err != nil {
		g.sendError(w, err)
		return
	}
	if err := authorizeRoom(r.Context(), key); err != nil {
		g.sendError(w, err)
		return
	}

	resp := MembersResponse{
		Room:         key,
		Participants: g.registry.Participants(key),
		Members:      g.registry.Members(key),
	}

	last, err := g.store.LastMessage(r.Context(), key)
	switch {
	case err == nil:
		resp.LastMessage = protocol.FromStore(last)
	case !errors.Is(err, store.ErrNotFound):
		g.sendError(w, err)
		return
	}

	if r.URL.Query().Get("scope") == "cluster" {
		if g.mirror == nil {
			g.sendJSONError(w, http.StatusNotImplemented, protocol.CodeBadRequest, "cluster presence is not configured")
			return
		}
		cluster, err := g.mirror.ClusterParticipants(r.Context(), key)
		if err != nil {
			g.logger.Error("failed to read cluster presence", "room", key, "error", err)
			g.sendJSONError(w, http.StatusServiceUnavailable, protocol.CodeStoreUnavailable, "cluster presence unavailable")
			return
		}
		resp.Cluster = cluster
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// sseEndpoint is a receive-only room member backed by an SSE response.
type sseEndpoint struct {
	id string
	ch chan *store.Message
}

func (e *sseEndpoint) ID() string { return e.id }

func (e *sseEndpoint) Deliver(msg *store.Message) bool {
	select {
	case e.ch <- msg:
		return true
	default:
		return false
	}
}

// handleStream registers the response as a room member and relays every
// live message as a message_received event until the client goes away.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	key, err := parseRoomKey(r)
	if err != nil {
		g.sendError(w, err)
		return
	}

	participant := r.URL.Query().Get("participant")
	if authCtx := auth.FromContext(r.Context()); authCtx != nil {
		participant = authCtx.ParticipantID
	}
	if !room.Contains(key, participant) {
		g.sendError(w, errNotInRoom)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, protocol.CodeBadRequest, "streaming not supported")
		return
	}

	ep := &sseEndpoint{id: "sse-" + uuid.NewString(), ch: make(chan *store.Message, sseBuffer)}
	g.registry.Join(key, ep, participant)
	defer g.registry.Leave(key, ep.id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, protocol.TypeJoined, protocol.Joined{Type: protocol.TypeJoined, Room: key})
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.baseCtx.Done():
			return
		case msg := <-ep.ch:
			g.writeSSEEvent(w, protocol.TypeMessageReceived, protocol.NewMessageReceived(msg))
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	g.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// sendError classifies err and writes the matching error response.
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
	}
	g.sendJSONError(w, status, code, publicMessage(err, code))
}
