// ABOUTME: Per-room send serialization with reference-counted locks
// ABOUTME: Keeps persistence order and broadcast order identical within a room

package conversation

import "sync"

type roomLock struct {
	mu   sync.Mutex
	refs int // holders plus waiters; the entry is removed at zero
}

// sequencer hands out one mutex per room key. Locks for idle rooms are
// dropped so the map only holds rooms with an in-flight send.
type sequencer struct {
	mu    sync.Mutex
	rooms map[string]*roomLock
}

func newSequencer() *sequencer {
	return &sequencer{rooms: make(map[string]*roomLock)}
}

// lock blocks until the caller owns key and returns the release function.
func (s *sequencer) lock(key string) func() {
	s.mu.Lock()
	l, ok := s.rooms[key]
	if !ok {
		l = &roomLock{}
		s.rooms[key] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.rooms, key)
		}
		s.mu.Unlock()
	}
}

// active returns the number of rooms with a pending or running send.
func (s *sequencer) active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
