// ABOUTME: Transport contracts a session depends on: a live room connection and a history source
// ABOUTME: Also defines the error type for failures reported by the gateway

package session

import (
	"context"
	"fmt"

	"github.com/2389/unicollab-dm/internal/protocol"
)

// Conn is a live connection to the gateway. A session holds one Conn for
// its lifetime but does not close it; the owner decides when the transport
// goes away so it can be reused across peer switches.
type Conn interface {
	// Join makes the connection a member of the room shared by from and to.
	Join(ctx context.Context, from, to string) (roomKey string, err error)

	// Leave ends membership. Leaving a room the connection is not in succeeds.
	Leave(ctx context.Context, from, to string) error

	// Send persists a message and returns the canonical stored record.
	Send(ctx context.Context, from, to, body, clientID string) (*protocol.Message, error)

	// Messages streams live broadcasts for every room the connection has
	// joined. It is closed when the connection ends.
	Messages() <-chan *protocol.Message
}

// HistoryPage is one page of a room's durable log.
type HistoryPage struct {
	Messages []*protocol.Message
	HasMore  bool
}

// History fetches pages of a room's log, oldest first, strictly after sinceID.
type History interface {
	Fetch(ctx context.Context, roomKey string, sinceID int64, limit int) (*HistoryPage, error)
}

// RemoteError is a failure reported by the gateway.
type RemoteError struct {
	Status  int    // HTTP status, zero for socket errors
	Code    string // protocol error code
	Message string
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *RemoteError) Retryable() bool {
	return e.Code == protocol.CodeStoreUnavailable || e.Code == protocol.CodeRateLimited
}
