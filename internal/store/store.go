// ABOUTME: Store interface and data types for direct-message persistence
// ABOUTME: Defines Message, history paging types, shared validation and sentinel errors

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/unicollab-dm/internal/room"
)

// Store errors. Callers classify failures with errors.Is.
var (
	// ErrNotFound is returned when a requested entity does not exist, and by
	// History for a room key that is not syntactically valid.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned when a message is rejected before persistence.
	ErrValidation = errors.New("validation error")

	// ErrStoreUnavailable wraps failures of the underlying database.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// Defaults applied when Limits leave a field zero.
const (
	DefaultMaxBodyLength   = 4000
	DefaultHistoryLimit    = 200
	DefaultMaxHistoryLimit = 1000
)

// Message is an immutable chat message. The store owns the canonical copy;
// everything else holds projections of it.
type Message struct {
	ID       int64
	RoomKey  string
	SenderID string
	Body     string
	SentAt   time.Time

	// ClientID is the optional sender-chosen id used to reconcile
	// optimistic copies. Empty when the sender did not supply one.
	ClientID string
}

// AppendParams holds the fields of a message to persist.
type AppendParams struct {
	RoomKey  string
	SenderID string
	Body     string
	ClientID string
}

// HistoryParams contains parameters for a chronological range fetch.
type HistoryParams struct {
	RoomKey string
	SinceID int64 // exclusive lower bound on Message.ID; 0 means from the start
	Limit   int   // <= 0 uses the store default, capped at the store maximum
}

// HistoryResult contains one page of history.
type HistoryResult struct {
	Messages []*Message
	HasMore  bool // true when more messages exist after the last one returned
}

// Store is the durable message log keyed by room.
type Store interface {
	// Append validates and persists a message, returning the stored record
	// with its assigned id and timestamp.
	Append(ctx context.Context, p AppendParams) (*Message, error)

	// History returns messages in ascending (SentAt, ID) order.
	History(ctx context.Context, p HistoryParams) (*HistoryResult, error)

	// LastMessage returns the newest message of a room, or ErrNotFound.
	LastMessage(ctx context.Context, roomKey string) (*Message, error)

	// FindByClientID returns the message a sender stored under clientID in
	// a room, or ErrNotFound.
	FindByClientID(ctx context.Context, roomKey, senderID, clientID string) (*Message, error)

	// Ping reports whether the store can serve requests.
	Ping(ctx context.Context) error

	Close() error
}

// Limits configures validation and paging shared by every Store implementation.
type Limits struct {
	MaxBodyLength       int
	DefaultHistoryLimit int
	MaxHistoryLimit     int
}

func (l Limits) withDefaults() Limits {
	if l.MaxBodyLength <= 0 {
		l.MaxBodyLength = DefaultMaxBodyLength
	}
	if l.DefaultHistoryLimit <= 0 {
		l.DefaultHistoryLimit = DefaultHistoryLimit
	}
	if l.MaxHistoryLimit <= 0 {
		l.MaxHistoryLimit = DefaultMaxHistoryLimit
	}
	if l.DefaultHistoryLimit > l.MaxHistoryLimit {
		l.DefaultHistoryLimit = l.MaxHistoryLimit
	}
	return l
}

// limit resolves a requested page size.
func (l Limits) limit(requested int) int {
	if requested <= 0 {
		return l.DefaultHistoryLimit
	}
	if requested > l.MaxHistoryLimit {
		return l.MaxHistoryLimit
	}
	return requested
}

// ValidateBody checks a message body against the length limit, counted in
// runes. Whitespace-only bodies are empty.
func ValidateBody(body string, maxLength int) error {
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: body is empty", ErrValidation)
	}
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: body is not valid UTF-8", ErrValidation)
	}
	if n := utf8.RuneCountInString(body); maxLength > 0 && n > maxLength {
		return fmt.Errorf("%w: body has %d characters, maximum is %d", ErrValidation, n, maxLength)
	}
	return nil
}

// validateAppend runs every check that happens before any I/O.
func (l Limits) validateAppend(p AppendParams) error {
	if _, _, err := room.Parse(p.RoomKey); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if p.SenderID == "" {
		return fmt.Errorf("%w: sender is required", ErrValidation)
	}
	if !room.Contains(p.RoomKey, p.SenderID) {
		return fmt.Errorf("%w: sender %q is not a participant of %q", ErrValidation, p.SenderID, p.RoomKey)
	}
	return ValidateBody(p.Body, l.MaxBodyLength)
}

// validateRoomKey maps a malformed key to ErrNotFound for history reads.
func validateRoomKey(key string) error {
	if _, _, err := room.Parse(key); err != nil {
		return fmt.Errorf("%w: room %q: %w", ErrNotFound, key, err)
	}
	return nil
}

// unavailable wraps a database error so callers can match ErrStoreUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, op, err)
}
