// ABOUTME: Maps delivery and store errors onto HTTP statuses and protocol error codes
// ABOUTME: Shared by the REST handlers and the WebSocket frame handler

package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/2389/unicollab-dm/internal/protocol"
	"github.com/2389/unicollab-dm/internal/room"
	"github.com/2389/unicollab-dm/internal/store"
)

var (
	errForbidden   = errors.New("not permitted to act for this participant")
	errNotInRoom   = errors.New("participant is not in this room")
	errRateLimited = errors.New("send rate exceeded")
)

// classify returns the HTTP status and protocol code for err.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, protocol.CodeNotFound
	case errors.Is(err, room.ErrInvalidParticipant), errors.Is(err, room.ErrNotParticipant):
		return http.StatusBadRequest, protocol.CodeInvalidParticipant
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, protocol.CodeValidation
	case errors.Is(err, errForbidden), errors.Is(err, errNotInRoom):
		return http.StatusForbidden, protocol.CodeForbidden
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests, protocol.CodeRateLimited
	case errors.Is(err, store.ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, protocol.CodeStoreUnavailable
	default:
		return http.StatusInternalServerError, protocol.CodeStoreUnavailable
	}
}

// publicMessage hides internal causes behind a stable message.
func publicMessage(err error, code string) string {
	if code == protocol.CodeStoreUnavailable {
		return "message store unavailable"
	}
	return err.Error()
}
