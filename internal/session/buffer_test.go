// ABOUTME: Tests for the session message accumulator
// ABOUTME: Covers id dedupe, placeholder reconciliation and snapshot ordering

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/unicollab-dm/internal/protocol"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id int64, from, body string) *protocol.Message {
	to := "12"
	if from == "12" {
		to = "7"
	}
	return &protocol.Message{
		ID:     id,
		Room:   "7_12",
		From:   from,
		To:     to,
		Body:   body,
		SentAt: baseTime.Add(time.Duration(id) * time.Second),
	}
}

// newTestBuffer returns a buffer for participant 7 whose placeholders are
// stamped at baseTime.
func newTestBuffer() *buffer {
	b := newBuffer("7")
	b.now = func() time.Time { return baseTime }
	return b
}

func TestBuffer_DedupesByID(t *testing.T) {
	b := newTestBuffer()

	assert.True(t, b.add(msg(1, "7", "hello")))
	assert.False(t, b.add(msg(1, "7", "hello")))
	assert.True(t, b.add(msg(2, "12", "hi")))

	assert.Len(t, b.messages(), 2)
	assert.Equal(t, int64(2), b.highestID())
}

func TestBuffer_StoresCopies(t *testing.T) {
	b := newTestBuffer()
	m := msg(1, "7", "hello")
	b.add(m)
	m.Body = "changed"

	assert.Equal(t, "hello", b.messages()[0].Body)
}

func TestBuffer_PlaceholderReconciledByClientID(t *testing.T) {
	b := newTestBuffer()

	p := b.placeholder("7_12", "7", "12", "hello", "c-1")
	assert.Negative(t, p.ID)
	require.Len(t, b.pendingMessages(), 1)
	assert.Equal(t, int64(0), b.highestID(), "placeholders do not move the high-water mark")

	canonical := msg(5, "7", "hello")
	canonical.ClientID = "c-1"
	b.add(canonical)

	assert.Empty(t, b.pendingMessages())
	assert.Len(t, b.messages(), 1)
}

func TestBuffer_ClientIDIsAuthoritative(t *testing.T) {
	b := newTestBuffer()
	b.placeholder("7_12", "7", "12", "hi", "c-1")

	// Same text from another device of the same sender
	other := msg(5, "7", "hi")
	other.ClientID = "c-2"
	b.add(other)

	assert.Len(t, b.pendingMessages(), 1)
}

func TestBuffer_FallbackMatchesSenderAndBody(t *testing.T) {
	b := newTestBuffer()
	b.placeholder("7_12", "7", "12", "hi", "c-1")
	b.placeholder("7_12", "7", "12", "hi", "c-2")

	b.add(msg(5, "12", "hi"))
	assert.Len(t, b.pendingMessages(), 2, "different sender does not match")

	b.add(msg(6, "7", "hi"))
	pending := b.pendingMessages()
	require.Len(t, pending, 1, "one canonical message removes one placeholder")
	assert.Equal(t, "c-2", pending[0].ClientID)
}

func TestBuffer_FallbackIgnoresEarlierIdenticalText(t *testing.T) {
	b := newTestBuffer()
	b.now = func() time.Time { return baseTime.Add(time.Minute) }
	b.placeholder("7_12", "7", "12", "ok", "c-1")

	// Same text sent by this user from another client a while ago, without a
	// client id, arriving through history.
	b.add(msg(3, "7", "ok"))
	require.Len(t, b.pendingMessages(), 1)

	// The canonical copy stored after the placeholder was created.
	later := msg(3, "7", "ok")
	later.ID = 90
	later.SentAt = baseTime.Add(time.Minute + time.Second)
	b.add(later)
	assert.Empty(t, b.pendingMessages())
}

func TestBuffer_RemovePending(t *testing.T) {
	b := newTestBuffer()
	first := b.placeholder("7_12", "7", "12", "one", "c-1")
	b.placeholder("7_12", "7", "12", "two", "c-2")

	b.removePending(first.ID)

	pending := b.pendingMessages()
	require.Len(t, pending, 1)
	assert.Equal(t, "two", pending[0].Body)
}

func TestBuffer_MessagesOrderedBySentAtThenID(t *testing.T) {
	b := newTestBuffer()
	late := msg(1, "7", "late")
	late.SentAt = baseTime.Add(time.Hour)
	tieA := msg(3, "7", "a")
	tieB := msg(2, "12", "b")
	tieA.SentAt = baseTime
	tieB.SentAt = baseTime

	b.add(late)
	b.add(tieA)
	b.add(tieB)

	got := b.messages()
	require.Len(t, got, 3)
	assert.Equal(t, []int64{2, 3, 1}, []int64{got[0].ID, got[1].ID, got[2].ID})
}
