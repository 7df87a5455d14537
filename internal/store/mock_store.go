// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject storage failures

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// errInjected is the cause wrapped by failures set through SetAppendError
// and SetHistoryError when the caller passes nil.
var errInjected = errors.New("injected failure")

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu         sync.RWMutex
	limits     Limits
	nextID     int64
	messages   map[string][]*Message // keyed by room key, in append order
	appendErr  error
	historyErr error
	closed     bool
	now        func() time.Time
}

// NewMockStore creates a new MockStore with default limits.
func NewMockStore() *MockStore {
	return &MockStore{
		limits:   Limits{}.withDefaults(),
		messages: make(map[string][]*Message),
		now:      time.Now,
	}
}

// SetLimits replaces the validation and paging limits.
func (m *MockStore) SetLimits(l Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = l.withDefaults()
}

// SetAppendError makes subsequent Append calls fail with an error wrapping
// ErrStoreUnavailable. Pass nil cause for a generic failure; call
// ClearErrors to restore normal behavior.
func (m *MockStore) SetAppendError(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cause == nil {
		cause = errInjected
	}
	m.appendErr = unavailable("appending message", cause)
}

// SetHistoryError makes subsequent History and FindByClientID calls fail.
func (m *MockStore) SetHistoryError(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cause == nil {
		cause = errInjected
	}
	m.historyErr = unavailable("querying history", cause)
}

// ClearErrors removes injected failures.
func (m *MockStore) ClearErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendErr = nil
	m.historyErr = nil
}

// Count returns the number of stored messages in a room.
func (m *MockStore) Count(roomKey string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[roomKey])
}

// Append stores a message after validation.
func (m *MockStore) Append(ctx context.Context, p AppendParams) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.limits.validateAppend(p); err != nil {
		return nil, err
	}
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	if err := ctx.Err(); err != nil {
		return nil, unavailable("appending message", err)
	}

	m.nextID++
	sentAt := m.now().UTC()
	if msgs := m.messages[p.RoomKey]; len(msgs) > 0 {
		if last := msgs[len(msgs)-1].SentAt; sentAt.Before(last) {
			sentAt = last
		}
	}

	msg := &Message{
		ID:       m.nextID,
		RoomKey:  p.RoomKey,
		SenderID: p.SenderID,
		Body:     p.Body,
		SentAt:   sentAt,
		ClientID: p.ClientID,
	}
	m.messages[p.RoomKey] = append(m.messages[p.RoomKey], msg)

	// Return a copy to avoid external modification
	out := *msg
	return &out, nil
}

// History returns a page of messages in (SentAt, ID) order.
func (m *MockStore) History(ctx context.Context, p HistoryParams) (*HistoryResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRoomKey(p.RoomKey); err != nil {
		return nil, err
	}
	if m.historyErr != nil {
		return nil, m.historyErr
	}

	limit := m.limits.limit(p.Limit)
	var page []*Message
	for _, msg := range m.messages[p.RoomKey] {
		if msg.ID <= p.SinceID {
			continue
		}
		out := *msg
		page = append(page, &out)
	}

	sort.Slice(page, func(i, j int) bool {
		if !page[i].SentAt.Equal(page[j].SentAt) {
			return page[i].SentAt.Before(page[j].SentAt)
		}
		return page[i].ID < page[j].ID
	})

	result := &HistoryResult{Messages: page}
	if len(page) > limit {
		result.Messages = page[:limit]
		result.HasMore = true
	}
	if result.Messages == nil {
		result.Messages = []*Message{}
	}
	return result, nil
}

// LastMessage returns the newest message of a room.
func (m *MockStore) LastMessage(ctx context.Context, roomKey string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := validateRoomKey(roomKey); err != nil {
		return nil, err
	}
	msgs := m.messages[roomKey]
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	out := *msgs[len(msgs)-1]
	return &out, nil
}

// FindByClientID returns the first message senderID stored under clientID.
func (m *MockStore) FindByClientID(ctx context.Context, roomKey, senderID, clientID string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if clientID == "" {
		return nil, ErrNotFound
	}
	if err := validateRoomKey(roomKey); err != nil {
		return nil, err
	}
	if m.historyErr != nil {
		return nil, m.historyErr
	}
	for _, msg := range m.messages[roomKey] {
		if msg.SenderID == senderID && msg.ClientID == clientID {
			out := *msg
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// Ping fails once the store is closed.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return unavailable("ping", errors.New("store closed"))
	}
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Ensure MockStore implements Store
var _ Store = (*MockStore)(nil)
