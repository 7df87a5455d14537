// ABOUTME: JSON wire frames exchanged between session clients and the gateway
// ABOUTME: Defines join/send/leave requests, server events and error codes

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/unicollab-dm/internal/room"
	"github.com/2389/unicollab-dm/internal/store"
)

// Frame types
const (
	TypeJoinRoom        = "join_room"
	TypeSendMessage     = "send_message"
	TypeLeaveRoom       = "leave_room"
	TypeJoined          = "joined"
	TypeLeft            = "left"
	TypeSent            = "sent"
	TypeMessageReceived = "message_received"
	TypeError           = "error"
)

// Error codes carried in error frames and HTTP error bodies.
const (
	CodeInvalidParticipant = "invalid_participant"
	CodeValidation         = "validation_error"
	CodeStoreUnavailable   = "store_unavailable"
	CodeNotFound           = "not_found"
	CodeForbidden          = "forbidden"
	CodeBadRequest         = "bad_request"
	CodeRateLimited        = "rate_limited"
)

// ErrUnknownFrame is returned by Decode for an unrecognized frame type.
var ErrUnknownFrame = errors.New("unknown frame type")

// ID is a participant identifier. It accepts JSON numbers and strings and
// always marshals as a string.
type ID string

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("participant id must be a string or number: %w", err)
	}
	if _, err := n.Int64(); err != nil {
		return fmt.Errorf("participant id must be an integer: %s", n)
	}
	*id = ID(n.String())
	return nil
}

// Envelope is the first-pass decode of any frame.
type Envelope struct {
	Type string `json:"type"`
}

// JoinRoom asks the gateway to add this connection to the room of From and To.
type JoinRoom struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	From      ID     `json:"from"`
	To        ID     `json:"to"`
}

// LeaveRoom removes this connection from the room of From and To.
type LeaveRoom struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	From      ID     `json:"from"`
	To        ID     `json:"to"`
}

// SendMessage asks the gateway to persist and broadcast a message.
type SendMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	From      ID     `json:"from"`
	To        ID     `json:"to"`
	Body      string `json:"body"`
	ClientID  string `json:"client_id,omitempty"`
}

// Message is the wire form of a stored message.
type Message struct {
	ID       int64     `json:"id"`
	Room     string    `json:"room"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at"`
	ClientID string    `json:"client_id,omitempty"`
}

// Joined confirms a join.
type Joined struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Room      string `json:"room"`
}

// Left confirms a leave.
type Left struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Room      string `json:"room"`
}

// Sent acknowledges a send to the sending connection.
type Sent struct {
	Type      string   `json:"type"`
	RequestID string   `json:"request_id,omitempty"`
	Message   *Message `json:"message"`
	Duplicate bool     `json:"duplicate,omitempty"`
}

// MessageReceived carries a live broadcast.
type MessageReceived struct {
	Type    string   `json:"type"`
	Message *Message `json:"message"`
}

// Error reports a failed request.
type Error struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Error     string `json:"error"`
}

// FromStore projects a stored message onto the wire. The recipient is the
// room participant that is not the sender.
func FromStore(m *store.Message) *Message {
	to, err := room.Peer(m.RoomKey, m.SenderID)
	if err != nil {
		to = ""
	}
	return &Message{
		ID:       m.ID,
		Room:     m.RoomKey,
		From:     m.SenderID,
		To:       to,
		Body:     m.Body,
		SentAt:   m.SentAt,
		ClientID: m.ClientID,
	}
}

// NewMessageReceived builds the broadcast frame for a stored message.
func NewMessageReceived(m *store.Message) *MessageReceived {
	return &MessageReceived{Type: TypeMessageReceived, Message: FromStore(m)}
}

// NewError builds an error frame.
func NewError(requestID, code, msg string) *Error {
	return &Error{Type: TypeError, RequestID: requestID, Code: code, Error: msg}
}

// Decode parses a client frame into one of *JoinRoom, *SendMessage or
// *LeaveRoom.
func Decode(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	var frame any
	switch env.Type {
	case TypeJoinRoom:
		frame = &JoinRoom{}
	case TypeSendMessage:
		frame = &SendMessage{}
	case TypeLeaveRoom:
		frame = &LeaveRoom{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
	}
	return frame, nil
}

// DecodeServer parses a server frame into one of *Joined, *Left, *Sent,
// *MessageReceived or *Error.
func DecodeServer(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid frame: %w", err)
	}

	var frame any
	switch env.Type {
	case TypeJoined:
		frame = &Joined{}
	case TypeLeft:
		frame = &Left{}
	case TypeSent:
		frame = &Sent{}
	case TypeMessageReceived:
		frame = &MessageReceived{}
	case TypeError:
		frame = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}

	if err := json.Unmarshal(data, frame); err != nil {
		return nil, fmt.Errorf("invalid %s frame: %w", env.Type, err)
	}
	return frame, nil
}
