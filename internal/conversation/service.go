// ABOUTME: Delivery channel: persists a direct message, then fans it out to room members
// ABOUTME: Nothing is broadcast unless the store accepted it; broadcast never blocks the sender

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/unicollab-dm/internal/dedupe"
	"github.com/2389/unicollab-dm/internal/metrics"
	"github.com/2389/unicollab-dm/internal/presence"
	"github.com/2389/unicollab-dm/internal/room"
	"github.com/2389/unicollab-dm/internal/store"
)

// RoomMembers is what the service needs from the presence layer.
type RoomMembers interface {
	Targets(roomKey string) []presence.Endpoint
}

// Service is the delivery channel. Every send is recorded in the store
// first; only the stored record is broadcast. Message values handed to
// endpoints are shared and must be treated as read-only.
type Service struct {
	store   store.Store
	members RoomMembers
	dedupe  *dedupe.Cache[*store.Message]
	seq     *sequencer
	logger  *slog.Logger
}

// New creates a delivery channel over the given store and registry.
func New(s store.Store, members RoomMembers, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   s,
		members: members,
		seq:     newSequencer(),
		logger:  logger.With("component", "conversation"),
	}
}

// SetDedupe enables client id based retry detection.
func (s *Service) SetDedupe(cache *dedupe.Cache[*store.Message]) {
	s.dedupe = cache
}

// SendRequest contains everything needed to send a message
type SendRequest struct {
	RoomKey  string
	SenderID string
	Body     string

	// ClientID is an optional sender-chosen idempotency key. A retry with
	// the same ClientID returns the original message without re-broadcast.
	ClientID string
}

// SendResult contains the outcome of a send
type SendResult struct {
	Message   *store.Message
	Delivered int  // endpoints that accepted the live broadcast
	Dropped   int  // endpoints whose buffers were full
	Duplicate bool // true when the client id was already recorded
}

// SendTo derives the room key for from and to, then sends.
func (s *Service) SendTo(ctx context.Context, from, to, body, clientID string) (*SendResult, error) {
	key, err := room.Key(from, to)
	if err != nil {
		metrics.SendFailures.WithLabelValues("invalid_participant").Inc()
		return nil, err
	}
	return s.Send(ctx, SendRequest{RoomKey: key, SenderID: from, Body: body, ClientID: clientID})
}

// Send persists the message and broadcasts the stored record to every
// endpoint currently joined to the room, the sender's own included.
// Sends to the same room are serialized so each endpoint receives messages
// in persistence order.
func (s *Service) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	start := time.Now()

	unlock := s.seq.lock(req.RoomKey)
	defer unlock()

	msg, err := s.lookupDuplicate(ctx, req)
	if err != nil {
		metrics.SendFailures.WithLabelValues(FailureReason(err)).Inc()
		s.logger.Error("failed to check for duplicate send", "room", req.RoomKey, "error", err)
		return nil, fmt.Errorf("failed to record message: %w", err)
	}
	if msg != nil {
		metrics.DuplicateSends.Inc()
		s.logger.Debug("duplicate send answered",
			"room", req.RoomKey,
			"sender_id", req.SenderID,
			"client_id", req.ClientID,
			"message_id", msg.ID)
		return &SendResult{Message: msg, Duplicate: true}, nil
	}

	msg, err = s.store.Append(ctx, store.AppendParams{
		RoomKey:  req.RoomKey,
		SenderID: req.SenderID,
		Body:     req.Body,
		ClientID: req.ClientID,
	})
	if err != nil {
		metrics.SendFailures.WithLabelValues(FailureReason(err)).Inc()
		if errors.Is(err, store.ErrStoreUnavailable) {
			s.logger.Error("failed to record message", "room", req.RoomKey, "error", err)
		}
		return nil, fmt.Errorf("failed to record message: %w", err)
	}

	if s.dedupe != nil && req.ClientID != "" {
		s.dedupe.Put(dedupeKey(req), msg)
	}

	delivered, dropped := s.broadcast(msg)

	metrics.MessagesSent.Inc()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	return &SendResult{Message: msg, Delivered: delivered, Dropped: dropped}, nil
}

// broadcast hands msg to every room member without blocking.
func (s *Service) broadcast(msg *store.Message) (delivered, dropped int) {
	for _, ep := range s.members.Targets(msg.RoomKey) {
		if ep.Deliver(msg) {
			delivered++
			continue
		}
		dropped++
		s.logger.Debug("dropped message for slow endpoint",
			"room", msg.RoomKey,
			"endpoint_id", ep.ID(),
			"message_id", msg.ID)
	}

	metrics.Deliveries.Add(float64(delivered))
	metrics.DeliveriesDropped.Add(float64(dropped))
	return delivered, dropped
}

// lookupDuplicate returns the message already recorded for req's client
// id, or nil. The cache answers warm retries; the store answers retries
// that outlived the cache or the process.
func (s *Service) lookupDuplicate(ctx context.Context, req SendRequest) (*store.Message, error) {
	if req.ClientID == "" {
		return nil, nil
	}
	if s.dedupe != nil {
		if msg, ok := s.dedupe.Get(dedupeKey(req)); ok {
			return msg, nil
		}
	}

	msg, err := s.store.FindByClientID(ctx, req.RoomKey, req.SenderID, req.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.dedupe != nil {
		s.dedupe.Put(dedupeKey(req), msg)
	}
	return msg, nil
}

func dedupeKey(req SendRequest) string {
	return req.RoomKey + "\x00" + req.SenderID + "\x00" + req.ClientID
}

// History fetches one page of a room's log.
func (s *Service) History(ctx context.Context, p store.HistoryParams) (*store.HistoryResult, error) {
	res, err := s.store.History(ctx, p)
	switch {
	case err == nil:
		metrics.HistoryRequests.WithLabelValues("ok").Inc()
		return res, nil
	case errors.Is(err, store.ErrNotFound):
		metrics.HistoryRequests.WithLabelValues("not_found").Inc()
	default:
		metrics.HistoryRequests.WithLabelValues("error").Inc()
		s.logger.Error("failed to fetch history", "room", p.RoomKey, "error", err)
	}
	return nil, fmt.Errorf("failed to fetch history: %w", err)
}

// FailureReason classifies a send error for metrics and wire error codes.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, room.ErrInvalidParticipant):
		return "invalid_participant"
	case errors.Is(err, store.ErrValidation):
		return "validation"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, store.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "unknown"
	}
}
