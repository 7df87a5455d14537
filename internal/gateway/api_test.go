// ABOUTME: Tests for the REST and SSE handlers
// ABOUTME: Covers history paging, sending, authorization, membership and room streams

package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/unicollab-dm/internal/protocol"
	"github.com/2389/unicollab-dm/internal/store"
)

type stubEndpoint struct{ id string }

func (e *stubEndpoint) ID() string { return e.id }
func (e *stubEndpoint) Deliver(*store.Message) bool { return true }

func doJSON(t *testing.T, h http.Handler, method, target, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestHistory_EmptyRoom(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/api/rooms/7_12/messages", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assert.JSONEq(t, `{"room":"7_12","messages":[],"count":0,"has_more":false}`, rec.Body.String())
}

func TestSendThenHistory(t *testing.T) {
	gw := newTestGateway(t)
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/send", "", map[string]any{"from": 7, "to": 12, "body": "hello"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sent := decodeBody[SendResponse](t, rec)
	assert.Equal(t, int64(1), sent.Message.ID)
	assert.Equal(t, "7_12", sent.Message.Room)
	assert.Equal(t, "7", sent.Message.From)
	assert.Equal(t, "12", sent.Message.To)
	assert.False(t, sent.Duplicate)

	rec = doJSON(t, h, http.MethodGet, "/api/rooms/7_12/messages", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	hist := decodeBody[HistoryResponse](t, rec)
	require.Equal(t, 1, hist.Count)
	assert.Equal(t, "hello", hist.Messages[0].Body)
	assert.Equal(t, sent.Message.ID, hist.Messages[0].ID)
}

func TestHistory_Paging(t *testing.T) {
	gw := newTestGateway(t)
	h := gw.Handler()

	for _, body := range []string{"one", "two", "three"} {
		rec := doJSON(t, h, http.MethodPost, "/api/send", "", SendRequest{From: "12", To: "7", Body: body})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, h, http.MethodGet, "/api/rooms/7_12/messages?limit=2", "", nil)
	page := decodeBody[HistoryResponse](t, rec)
	require.Len(t, page.Messages, 2)
	assert.True(t, page.HasMore)

	rec = doJSON(t, h, http.MethodGet, "/api/rooms/7_12/messages?limit=2&since_id=2", "", nil)
	page = decodeBody[HistoryResponse](t, rec)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "three", page.Messages[0].Body)
	assert.False(t, page.HasMore)
}

func TestHistory_Errors(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"non-canonical key", "/api/rooms/12_7/messages", http.StatusNotFound, protocol.CodeNotFound},
		{"self room", "/api/rooms/7_7/messages", http.StatusNotFound, protocol.CodeNotFound},
		{"bad since_id", "/api/rooms/7_12/messages?since_id=abc", http.StatusBadRequest, protocol.CodeBadRequest},
		{"negative limit", "/api/rooms/7_12/messages?limit=-1", http.StatusBadRequest, protocol.CodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, gw.Handler(), http.MethodGet, tt.target, "", nil)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}
}

func TestSend_Errors(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"self conversation", SendRequest{From: "7", To: "7", Body: "hi"}, http.StatusBadRequest, protocol.CodeInvalidParticipant},
		{"missing sender", SendRequest{To: "7", Body: "hi"}, http.StatusBadRequest, protocol.CodeInvalidParticipant},
		{"blank body", SendRequest{From: "7", To: "12", Body: "   "}, http.StatusBadRequest, protocol.CodeValidation},
		{"too long", SendRequest{From: "7", To: "12", Body: strings.Repeat("x", 4001)}, http.StatusBadRequest, protocol.CodeValidation},
		{"not json", "nope", http.StatusBadRequest, protocol.CodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, gw.Handler(), http.MethodPost, "/api/send", "", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.code, decodeBody[ErrorResponse](t, rec).Code)
		})
	}

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/api/rooms/7_12/messages", "", nil)
	assert.Equal(t, 0, decodeBody[HistoryResponse](t, rec).Count, "failed sends must not be stored")
}

func TestSend_StoreUnavailable(t *testing.T) {
	gw := newTestGateway(t)
	require.NoError(t, gw.store.Close())

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/api/send", "", SendRequest{From: "7", To: "12", Body: "hi"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	got := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, protocol.CodeStoreUnavailable, got.Code)
	assert.Equal(t, "message store unavailable", got.Error)
}

func TestSend_DuplicateClientID(t *testing.T) {
	gw := newTestGateway(t)
	req := SendRequest{From: "7", To: "12", Body: "once", ClientID: "c-1"}

	first := decodeBody[SendResponse](t, doJSON(t, gw.Handler(), http.MethodPost, "/api/send", "", req))
	retry := decodeBody[SendResponse](t, doJSON(t, gw.Handler(), http.MethodPost, "/api/send", "", req))

	assert.False(t, first.Duplicate)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.Message.ID, retry.Message.ID)
	assert.Equal(t, "c-1", retry.Message.ClientID)
}

func TestAuth_Required(t *testing.T) {
	gw, _ := newAuthGateway(t)

	for _, target := range []string{"/api/rooms/7_12/messages", "/api/rooms/7_12/members", "/ws"} {
		rec := doJSON(t, gw.Handler(), http.MethodGet, target, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, target)
	}
	rec := doJSON(t, gw.Handler(), http.MethodPost, "/api/send", "", SendRequest{From: "7", To: "12", Body: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// health stays public
	rec = doJSON(t, gw.Handler(), http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuth_SendAsSelfOnly(t *testing.T) {
	gw, v := newAuthGateway(t)
	seven := tokenFor(t, v, "7")

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/api/send", seven, SendRequest{From: "12", To: "7", Body: "spoof"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, protocol.CodeForbidden, decodeBody[ErrorResponse](t, rec).Code)

	// from defaults to the token subject
	rec = doJSON(t, gw.Handler(), http.MethodPost, "/api/send", seven, SendRequest{To: "12", Body: "real"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "7", decodeBody[SendResponse](t, rec).Message.From)
}

func TestAuth_ReadOwnRoomsOnly(t *testing.T) {
	gw, v := newAuthGateway(t)
	seven := tokenFor(t, v, "7")

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/api/rooms/7_12/messages", seven, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, gw.Handler(), http.MethodGet, "/api/rooms/12_13/messages", seven, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, gw.Handler(), http.MethodGet, "/api/rooms/12_13/members", seven, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMembers(t *testing.T) {
	gw := newTestGateway(t)
	gw.Registry().Join("7_12", &stubEndpoint{id: "a"}, "7")
	gw.Registry().Join("7_12", &stubEndpoint{id: "b"}, "12")
	gw.Registry().Join("7_12", &stubEndpoint{id: "c"}, "12")

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/api/rooms/7_12/members", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[MembersResponse](t, rec)
	assert.Equal(t, []string{"12", "7"}, got.Participants)
	assert.Len(t, got.Members, 3)
	assert.Nil(t, got.Cluster)
	assert.Nil(t, got.LastMessage, "empty room has no last message")

	rec = doJSON(t, gw.Handler(), http.MethodGet, "/api/rooms/7_12/members?scope=cluster", "", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestMembers_LastMessage(t *testing.T) {
	gw := newTestGateway(t)
	for _, body := range []string{"first", "second"} {
		rec := doJSON(t, gw.Handler(), http.MethodPost, "/api/send", "", SendRequest{From: "12", To: "7", Body: body})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/api/rooms/7_12/members", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[MembersResponse](t, rec)
	require.NotNil(t, got.LastMessage)
	assert.Equal(t, "second", got.LastMessage.Body)
	assert.Equal(t, "12", got.LastMessage.From)
	assert.Equal(t, "7", got.LastMessage.To)
}

// readSSEEvent reads one "event:"/"data:" pair, skipping comments.
func readSSEEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestStream_DeliversLiveMessages(t *testing.T) {
	gw := newTestGateway(t)
	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/rooms/7_12/stream?participant=12", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, _ := readSSEEvent(t, reader)
	require.Equal(t, protocol.TypeJoined, event)
	assert.Equal(t, []string{"12"}, gw.Registry().Participants("7_12"))

	rec := doJSON(t, gw.Handler(), http.MethodPost, "/api/send", "", SendRequest{From: "7", To: "12", Body: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)

	event, data := readSSEEvent(t, reader)
	require.Equal(t, protocol.TypeMessageReceived, event)
	var frame protocol.MessageReceived
	require.NoError(t, json.Unmarshal([]byte(data), &frame))
	assert.Equal(t, "hello", frame.Message.Body)
	assert.Equal(t, "7", frame.Message.From)

	cancel()
	require.Eventually(t, func() bool {
		return len(gw.Registry().MembersOf("7_12")) == 0
	}, 2*time.Second, 10*time.Millisecond, "stream must leave the room when the client goes away")
}

func TestStream_RejectsOutsiders(t *testing.T) {
	gw := newTestGateway(t)

	rec := doJSON(t, gw.Handler(), http.MethodGet, "/api/rooms/7_12/stream?participant=13", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, gw.Handler(), http.MethodGet, "/api/rooms/12_7/stream?participant=7", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
