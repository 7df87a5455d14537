// ABOUTME: Tests for the delivery channel
// ABOUTME: Verifies persist-then-broadcast, membership gating, echo semantics and ordering

package conversation

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/unicollab-dm/internal/dedupe"
	"github.com/2389/unicollab-dm/internal/presence"
	"github.com/2389/unicollab-dm/internal/room"
	"github.com/2389/unicollab-dm/internal/store"
)

// chanEndpoint buffers deliveries in a channel and drops when full.
type chanEndpoint struct {
	id string
	ch chan *store.Message
}

func newChanEndpoint(id string, size int) *chanEndpoint {
	return &chanEndpoint{id: id, ch: make(chan *store.Message, size)}
}

func (e *chanEndpoint) ID() string { return e.id }

func (e *chanEndpoint) Deliver(msg *store.Message) bool {
	select {
	case e.ch <- msg:
		return true
	default:
		return false
	}
}

func (e *chanEndpoint) drain() []*store.Message {
	var out []*store.Message
	for {
		select {
		case m := <-e.ch:
			out = append(out, m)
		default:
			return out
		}
	}
}

func newTestService(t *testing.T) (*Service, *store.MockStore, *presence.Registry) {
	t.Helper()
	s := store.NewMockStore()
	reg := presence.NewRegistry(nil, nil)
	return New(s, reg, nil), s, reg
}

func TestSend_HelloScenario(t *testing.T) {
	svc, s, reg := newTestService(t)
	ctx := context.Background()

	key, err := room.Key("7", "12")
	require.NoError(t, err)
	require.Equal(t, "7_12", key)

	seven := newChanEndpoint("seven", 8)
	twelve := newChanEndpoint("twelve", 8)
	reg.Join(key, seven, "7")
	reg.Join(key, twelve, "12")

	hist, err := svc.History(ctx, store.HistoryParams{RoomKey: key})
	require.NoError(t, err)
	assert.Empty(t, hist.Messages)

	res, err := svc.Send(ctx, SendRequest{RoomKey: key, SenderID: "7", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, int64(1), res.Message.ID)
	assert.Equal(t, "7_12", res.Message.RoomKey)
	assert.Equal(t, "7", res.Message.SenderID)
	assert.Equal(t, "hello", res.Message.Body)

	gotSeven := seven.drain()
	gotTwelve := twelve.drain()
	require.Len(t, gotSeven, 1, "sender receives exactly one echo")
	require.Len(t, gotTwelve, 1)
	assert.Equal(t, *res.Message, *gotSeven[0])
	assert.Equal(t, *res.Message, *gotTwelve[0])

	assert.Equal(t, 1, s.Count(key))
	hist, err = svc.History(ctx, store.HistoryParams{RoomKey: key})
	require.NoError(t, err)
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, int64(1), hist.Messages[0].ID)
}

func TestSend_StoreFailureBroadcastsNothing(t *testing.T) {
	svc, s, reg := newTestService(t)
	ep := newChanEndpoint("ep", 8)
	reg.Join("7_12", ep, "12")

	s.SetAppendError(nil)

	_, err := svc.Send(context.Background(), SendRequest{RoomKey: "7_12", SenderID: "7", Body: "lost"})
	assert.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Empty(t, ep.drain())
	assert.Equal(t, "store_unavailable", FailureReason(err))
}

func TestSend_ValidationFailureBroadcastsNothing(t *testing.T) {
	svc, _, reg := newTestService(t)
	ep := newChanEndpoint("ep", 8)
	reg.Join("7_12", ep, "12")

	_, err := svc.Send(context.Background(), SendRequest{RoomKey: "7_12", SenderID: "7", Body: "  "})
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.Empty(t, ep.drain())
}

func TestSend_NonMemberReceivesNothing(t *testing.T) {
	svc, _, reg := newTestService(t)
	member := newChanEndpoint("member", 8)
	// Same participant as a member, but never joined this room.
	outsider := newChanEndpoint("outsider", 8)
	reg.Join("7_12", member, "12")
	reg.Join("12_13", outsider, "12")

	for i := range 3 {
		_, err := svc.Send(context.Background(), SendRequest{RoomKey: "7_12", SenderID: "7", Body: fmt.Sprint("m", i)})
		require.NoError(t, err)
	}

	assert.Len(t, member.drain(), 3)
	assert.Empty(t, outsider.drain())
}

func TestSend_SlowEndpointDoesNotFailSend(t *testing.T) {
	svc, _, reg := newTestService(t)
	slow := newChanEndpoint("slow", 1)
	fast := newChanEndpoint("fast", 8)
	reg.Join("7_12", slow, "12")
	reg.Join("7_12", fast, "7")

	_, err := svc.Send(context.Background(), SendRequest{RoomKey: "7_12", SenderID: "7", Body: "one"})
	require.NoError(t, err)
	res, err := svc.Send(context.Background(), SendRequest{RoomKey: "7_12", SenderID: "7", Body: "two"})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Dropped)
	assert.Len(t, slow.drain(), 1)
	assert.Len(t, fast.drain(), 2)
}

func TestSend_RetryWithClientIDIsNotRebroadcast(t *testing.T) {
	svc, s, reg := newTestService(t)
	cache := dedupe.New[*store.Message](time.Minute, 100)
	defer cache.Close()
	svc.SetDedupe(cache)

	ep := newChanEndpoint("ep", 8)
	reg.Join("7_12", ep, "7")
	ctx := context.Background()

	first, err := svc.Send(ctx, SendRequest{RoomKey: "7_12", SenderID: "7", Body: "hi", ClientID: "c-1"})
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	retry, err := svc.Send(ctx, SendRequest{RoomKey: "7_12", SenderID: "7", Body: "hi", ClientID: "c-1"})
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.Message.ID, retry.Message.ID)

	// Same text, new client id: a distinct message
	other, err := svc.Send(ctx, SendRequest{RoomKey: "7_12", SenderID: "7", Body: "hi", ClientID: "c-2"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Message.ID, other.Message.ID)

	assert.Len(t, ep.drain(), 2)
	assert.Equal(t, 2, s.Count("7_12"))
}

func TestSend_RetryAfterRestartIsDuplicate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "dm.db")
	ctx := context.Background()
	req := SendRequest{RoomKey: "7_12", SenderID: "7", Body: "hi", ClientID: "c-1"}

	open := func() (*Service, *store.SQLiteStore, *presence.Registry) {
		st, err := store.NewSQLiteStore(dbPath, store.Options{})
		require.NoError(t, err)
		cache := dedupe.New[*store.Message](time.Minute, 100)
		t.Cleanup(cache.Close)
		reg := presence.NewRegistry(nil, nil)
		svc := New(st, reg, nil)
		svc.SetDedupe(cache)
		return svc, st, reg
	}

	svc, st, _ := open()
	first, err := svc.Send(ctx, req)
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.NoError(t, st.Close())

	// Fresh process: empty cache, same database file.
	svc, st, reg := open()
	defer st.Close()
	ep := newChanEndpoint("ep", 8)
	reg.Join("7_12", ep, "12")

	retry, err := svc.Send(ctx, req)
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.Message.ID, retry.Message.ID)
	assert.Empty(t, ep.drain(), "a recovered duplicate is not rebroadcast")

	res, err := st.History(ctx, store.HistoryParams{RoomKey: "7_12"})
	require.NoError(t, err)
	assert.Len(t, res.Messages, 1)
}

func TestSend_ClientIDDedupeWithoutCache(t *testing.T) {
	svc, s, _ := newTestService(t)
	ctx := context.Background()

	first, err := svc.Send(ctx, SendRequest{RoomKey: "7_12", SenderID: "7", Body: "hi", ClientID: "c-1"})
	require.NoError(t, err)

	retry, err := svc.Send(ctx, SendRequest{RoomKey: "7_12", SenderID: "7", Body: "hi", ClientID: "c-1"})
	require.NoError(t, err)
	assert.True(t, retry.Duplicate)
	assert.Equal(t, first.Message.ID, retry.Message.ID)

	// Client ids are scoped to the sender.
	other, err := svc.Send(ctx, SendRequest{RoomKey: "7_12", SenderID: "12", Body: "hi", ClientID: "c-1"})
	require.NoError(t, err)
	assert.False(t, other.Duplicate)
	assert.Equal(t, 2, s.Count("7_12"))
}

func TestSend_DuplicateLookupFailureFailsSend(t *testing.T) {
	svc, s, reg := newTestService(t)
	ep := newChanEndpoint("ep", 8)
	reg.Join("7_12", ep, "7")

	s.SetHistoryError(nil)
	_, err := svc.Send(context.Background(), SendRequest{RoomKey: "7_12", SenderID: "7", Body: "hi", ClientID: "c-1"})
	require.ErrorIs(t, err, store.ErrStoreUnavailable)
	assert.Empty(t, ep.drain())
	assert.Equal(t, 0, s.Count("7_12"))
}

func TestSend_FailedSendIsNotCachedAsDuplicate(t *testing.T) {
	svc, s, _ := newTestService(t)
	cache := dedupe.New[*store.Message](time.Minute, 100)
	defer cache.Close()
	svc.SetDedupe(cache)
	ctx := context.Background()

	s.SetAppendError(nil)
	_, err := svc.Send(ctx, SendRequest{RoomKey: "7_12", SenderID: "7", Body: "hi", ClientID: "c-1"})
	require.Error(t, err)

	s.ClearErrors()
	res, err := svc.Send(ctx, SendRequest{RoomKey: "7_12", SenderID: "7", Body: "hi", ClientID: "c-1"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
}

func TestSend_PerEndpointOrderMatchesPersistence(t *testing.T) {
	svc, _, reg := newTestService(t)
	watcher := newChanEndpoint("watcher", 1000)
	reg.Join("7_12", watcher, "12")
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Go(func() {
			sender := "7"
			if w%2 == 0 {
				sender = "12"
			}
			for i := range 25 {
				_, err := svc.Send(ctx, SendRequest{RoomKey: "7_12", SenderID: sender, Body: fmt.Sprintf("%d-%d", w, i)})
				assert.NoError(t, err)
			}
		})
	}
	wg.Wait()

	got := watcher.drain()
	require.Len(t, got, 200)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].ID, got[i-1].ID, "delivery %d out of persistence order", i)
	}

	hist, err := svc.History(ctx, store.HistoryParams{RoomKey: "7_12", Limit: 1000})
	require.NoError(t, err)
	require.Len(t, hist.Messages, 200)
	for i := range got {
		assert.Equal(t, hist.Messages[i].ID, got[i].ID)
	}
	assert.Equal(t, 0, svc.seq.active())
}

func TestSendTo_DerivesRoomKey(t *testing.T) {
	svc, s, _ := newTestService(t)

	res, err := svc.SendTo(context.Background(), "12", "7", "yo", "")
	require.NoError(t, err)
	assert.Equal(t, "7_12", res.Message.RoomKey)
	assert.Equal(t, 1, s.Count("7_12"))

	_, err = svc.SendTo(context.Background(), "7", "7", "me", "")
	assert.ErrorIs(t, err, room.ErrInvalidParticipant)
	assert.Equal(t, "invalid_participant", FailureReason(err))
}

func TestHistory_InvalidKey(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.History(context.Background(), store.HistoryParams{RoomKey: "12_7"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSequencer_DifferentRoomsDoNotContend(t *testing.T) {
	seq := newSequencer()

	unlockA := seq.lock("1_2")
	done := make(chan struct{})
	go func() {
		unlockB := seq.lock("3_4")
		unlockB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another room blocked")
	}
	unlockA()
	assert.Equal(t, 0, seq.active())
}
