// ABOUTME: Session client for one participant pair: join, merged history and live feed, send, leave
// ABOUTME: Runs history paging and the live listener concurrently into one deduplicating buffer

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/unicollab-dm/internal/protocol"
	"github.com/2389/unicollab-dm/internal/room"
)

// DefaultPageSize is the history page requested per fetch.
const DefaultPageSize = 200

// abandonLeaveTimeout bounds the best-effort leave sent when Open fails
// after the join frame may have reached the gateway.
const abandonLeaveTimeout = 5 * time.Second

// Session errors
var (
	ErrAlreadyOpen = errors.New("session already opened")
	ErrNotJoined   = errors.New("session is not joined")
	ErrConnClosed  = errors.New("connection closed")
	ErrClosed      = errors.New("session closed")
)

// State is the connection state of a session.
type State int32

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a Session.
type Config struct {
	Self string
	Peer string

	// Conn is the live transport. The session never closes it.
	Conn Conn

	History History

	// PageSize bounds each history fetch. Zero means DefaultPageSize.
	PageSize int

	Logger *slog.Logger
}

// Session is one participant's view of a conversation.
type Session struct {
	self, peer string
	roomKey    string
	conn       Conn
	history    History
	pageSize   int
	logger     *slog.Logger

	buf     *buffer
	state   atomic.Int32
	updates chan struct{}

	mu      sync.Mutex
	lastErr error
	cancel  context.CancelFunc
	closed  bool
	wg      sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New validates the participant pair and returns a disconnected session.
func New(cfg Config) (*Session, error) {
	key, err := room.Key(cfg.Self, cfg.Peer)
	if err != nil {
		return nil, err
	}
	if cfg.Conn == nil {
		return nil, errors.New("session: Conn is required")
	}
	if cfg.History == nil {
		return nil, errors.New("session: History is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &Session{
		self:     cfg.Self,
		peer:     cfg.Peer,
		roomKey:  key,
		conn:     cfg.Conn,
		history:  cfg.History,
		pageSize: pageSize,
		logger:   logger.With("component", "session", "room", key),
		buf:      newBuffer(cfg.Self),
		updates:  make(chan struct{}, 1),
	}, nil
}

// RoomKey returns the conversation's room key.
func (s *Session) RoomKey() string { return s.roomKey }

// State returns the current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// Updates signals, coalesced, whenever Messages or Pending may have changed.
func (s *Session) Updates() <-chan struct{} { return s.updates }

// Messages returns the canonical messages received so far in (sent_at, id) order.
func (s *Session) Messages() []protocol.Message { return s.buf.messages() }

// Pending returns optimistic placeholders still awaiting their canonical copy.
func (s *Session) Pending() []protocol.Message { return s.buf.pendingMessages() }

// LastError returns the most recent history or connection failure.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

// Open joins the room and loads history while already consuming live
// messages, so nothing broadcast during the join is lost. The state becomes
// Joined when the join is confirmed; Open returns once history has loaded
// too. A history failure does not fail Open; it is reported by LastError
// and can be retried with Resync. Canceling ctx before Open returns tears
// the session down. A session cannot be reopened after Close.
func (s *Session) Open(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateDisconnected), int32(StateJoining)) {
		return ErrAlreadyOpen
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		s.state.Store(int32(StateDisconnected))
		return ErrClosed
	}
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.listen(runCtx)

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		key, err := s.conn.Join(gctx, s.self, s.peer)
		if err != nil {
			return fmt.Errorf("joining room %s: %w", s.roomKey, err)
		}
		if key != s.roomKey {
			return fmt.Errorf("joined room %q, expected %q", key, s.roomKey)
		}
		// Joined as soon as membership is confirmed; history may still be loading.
		if !s.state.CompareAndSwap(int32(StateJoining), int32(StateJoined)) {
			return ErrConnClosed
		}
		s.notify()
		return nil
	})
	g.Go(func() error {
		_ = s.load(gctx, 0)
		return nil
	})

	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		// The join won the race against cancellation; undo it.
		err = fmt.Errorf("joining room %s: %w", s.roomKey, context.Cause(ctx))
	}
	if err != nil {
		cancel()
		s.wg.Wait()
		s.abandonJoin(err)
		s.state.Store(int32(StateDisconnected))
		s.setErr(err)
		return err
	}

	// The listener flips the state to Disconnected if the connection ended
	// while history was loading.
	if s.State() != StateJoined {
		cancel()
		s.wg.Wait()
		return ErrConnClosed
	}
	s.logger.Debug("session joined", "messages", len(s.buf.messages()))
	s.notify()
	return nil
}

// abandonJoin undoes a join that may have been accepted by the gateway even
// though Open gave up on it. A rejection from the gateway or a dead
// connection means there is no membership to undo.
func (s *Session) abandonJoin(cause error) {
	var remote *RemoteError
	if errors.As(cause, &remote) || errors.Is(cause, ErrConnClosed) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), abandonLeaveTimeout)
	defer cancel()
	if err := s.conn.Leave(ctx, s.self, s.peer); err != nil && !errors.Is(err, ErrConnClosed) {
		s.logger.Debug("leave after failed open", "error", err)
	}
}

// listen merges live broadcasts for this room until canceled or the
// connection ends.
func (s *Session) listen(ctx context.Context) {
	defer s.wg.Done()
	messages := s.conn.Messages()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-messages:
			if !ok {
				s.setErr(ErrConnClosed)
				s.state.Store(int32(StateDisconnected))
				s.notify()
				return
			}
			if m.Room != s.roomKey {
				continue
			}
			if s.buf.add(m) {
				s.notify()
			}
		}
	}
}

// load pages through history after sinceID until the log is exhausted.
func (s *Session) load(ctx context.Context, sinceID int64) error {
	for {
		page, err := s.history.Fetch(ctx, s.roomKey, sinceID, s.pageSize)
		if err != nil {
			err = fmt.Errorf("loading history: %w", err)
			if ctx.Err() == nil {
				s.logger.Warn("history fetch failed", "since_id", sinceID, "error", err)
			}
			s.setErr(err)
			s.notify()
			return err
		}

		for _, m := range page.Messages {
			s.buf.add(m)
			if m.ID > sinceID {
				sinceID = m.ID
			}
		}
		s.notify()

		if !page.HasMore || len(page.Messages) == 0 {
			return nil
		}
	}
}

// Resync fetches everything after the highest known id. Use it after a
// reconnect or a failed initial load.
func (s *Session) Resync(ctx context.Context) error {
	if s.State() == StateDisconnected {
		return ErrNotJoined
	}
	return s.load(ctx, s.buf.highestID())
}

// Send posts body with an optimistic placeholder. The placeholder is
// replaced by the canonical message, whichever of the echo and the ack
// arrives first. On failure the placeholder is removed and the error is
// returned; the send may be retried.
func (s *Session) Send(ctx context.Context, body string) (*protocol.Message, error) {
	if s.State() != StateJoined {
		return nil, ErrNotJoined
	}

	clientID := uuid.NewString()
	placeholder := s.buf.placeholder(s.roomKey, s.self, s.peer, body, clientID)
	s.notify()

	msg, err := s.conn.Send(ctx, s.self, s.peer, body, clientID)
	if err != nil {
		s.buf.removePending(placeholder.ID)
		s.notify()
		return nil, fmt.Errorf("sending message: %w", err)
	}

	s.buf.add(msg)
	s.buf.removePending(placeholder.ID)
	s.notify()
	return msg, nil
}

// Close leaves the room, stops the live listener and cancels any history
// fetch in flight. It is safe to call multiple times; later Opens fail
// with ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		joined := s.State() == StateJoined

		s.mu.Lock()
		s.closed = true
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		if joined {
			if err := s.conn.Leave(ctx, s.self, s.peer); err != nil && !errors.Is(err, ErrConnClosed) {
				s.closeErr = fmt.Errorf("leaving room %s: %w", s.roomKey, err)
			}
		}
		s.state.Store(int32(StateDisconnected))
		s.notify()
	})
	return s.closeErr
}
