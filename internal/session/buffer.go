// ABOUTME: Deduplicating message accumulator that merges history, live broadcasts and placeholders
// ABOUTME: Canonical messages are keyed by id; optimistic sends use negative local ids

package session

import (
	"slices"
	"sync"
	"time"

	"github.com/2389/unicollab-dm/internal/protocol"
)

// placeholderSkew is how far the gateway clock may trail the local one
// before a fallback match stops treating a message as confirming a
// placeholder.
const placeholderSkew = 2 * time.Second

type buffer struct {
	self string
	now  func() time.Time

	mu        sync.Mutex
	confirmed map[int64]*protocol.Message
	pending   []*protocol.Message
	nextLocal int64
	maxID     int64
}

func newBuffer(self string) *buffer {
	return &buffer{
		self:      self,
		now:       time.Now,
		confirmed: make(map[int64]*protocol.Message),
	}
}

// add merges a canonical message and drops the placeholder it confirms.
// Returns false if the id was already known.
func (b *buffer) add(m *protocol.Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reconcileLocked(m)
	if _, ok := b.confirmed[m.ID]; ok {
		return false
	}
	cp := *m
	b.confirmed[m.ID] = &cp
	if m.ID > b.maxID {
		b.maxID = m.ID
	}
	return true
}

// reconcileLocked removes the placeholder for m. A client id match is
// authoritative. A message of ours without one confirms the oldest
// placeholder with the same body that was created before it was stored.
func (b *buffer) reconcileLocked(m *protocol.Message) {
	var match func(p *protocol.Message) bool
	switch {
	case m.ClientID != "":
		match = func(p *protocol.Message) bool { return p.ClientID == m.ClientID }
	case m.From == b.self:
		match = func(p *protocol.Message) bool {
			return p.Body == m.Body && !p.SentAt.After(m.SentAt.Add(placeholderSkew))
		}
	default:
		return
	}
	if i := slices.IndexFunc(b.pending, match); i >= 0 {
		b.pending = slices.Delete(b.pending, i, i+1)
	}
}

// placeholder records an optimistic copy of an outgoing message.
func (b *buffer) placeholder(roomKey, from, to, body, clientID string) *protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextLocal--
	p := &protocol.Message{
		ID:       b.nextLocal,
		Room:     roomKey,
		From:     from,
		To:       to,
		Body:     body,
		SentAt:   b.now().UTC(),
		ClientID: clientID,
	}
	b.pending = append(b.pending, p)
	cp := *p
	return &cp
}

func (b *buffer) removePending(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = slices.DeleteFunc(b.pending, func(p *protocol.Message) bool { return p.ID == id })
}

// messages returns copies of confirmed messages in (sent_at, id) order.
func (b *buffer) messages() []protocol.Message {
	b.mu.Lock()
	out := make([]protocol.Message, 0, len(b.confirmed))
	for _, m := range b.confirmed {
		out = append(out, *m)
	}
	b.mu.Unlock()

	slices.SortFunc(out, func(x, y protocol.Message) int {
		if c := x.SentAt.Compare(y.SentAt); c != 0 {
			return c
		}
		switch {
		case x.ID < y.ID:
			return -1
		case x.ID > y.ID:
			return 1
		}
		return 0
	})
	return out
}

// pendingMessages returns copies of unconfirmed placeholders in send order.
func (b *buffer) pendingMessages() []protocol.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]protocol.Message, len(b.pending))
	for i, p := range b.pending {
		out[i] = *p
	}
	return out
}

func (b *buffer) highestID() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxID
}
