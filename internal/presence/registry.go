// ABOUTME: In-memory registry of endpoints currently joined to each room
// ABOUTME: Per-room locking keeps joins and leaves in different rooms independent

package presence

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/2389/unicollab-dm/internal/metrics"
	"github.com/2389/unicollab-dm/internal/store"
)

// Endpoint is a connected transport that can receive live messages.
// Deliver must not block; it returns false when the message was dropped.
type Endpoint interface {
	ID() string
	Deliver(msg *store.Message) bool
}

// Observer is notified when a participant gains its first endpoint in a
// room or loses its last one. Calls for one room are made in order while
// that room is locked, so implementations must return quickly.
type Observer interface {
	ParticipantJoined(roomKey, participantID string)
	ParticipantLeft(roomKey, participantID string)
}

// Member describes one membership entry.
type Member struct {
	EndpointID    string    `json:"endpoint_id"`
	ParticipantID string    `json:"participant_id"`
	JoinedAt      time.Time `json:"joined_at"`
}

type membership struct {
	endpoint      Endpoint
	participantID string
	joinedAt      time.Time
}

// roomState holds the member set of one room. A retired room has been
// emptied and unlinked from the registry; joiners that still hold a
// pointer to it must look the room up again.
type roomState struct {
	mu      sync.Mutex
	members map[string]*membership // endpointID -> membership
	retired bool
}

func (rs *roomState) participantEndpoints(participantID string) int {
	n := 0
	for _, m := range rs.members {
		if m.participantID == participantID {
			n++
		}
	}
	return n
}

// Registry maps room keys to the endpoints joined to them.
//
// The outer lock guards only the room map. Member sets are mutated under the
// owning room's lock, so concurrent joins to different rooms never wait on
// each other and a broadcast snapshot never sees a half-applied change.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*roomState
	observer Observer
	logger   *slog.Logger
}

// NewRegistry creates a registry. Pass nil logger for default and nil
// observer to disable presence mirroring.
func NewRegistry(logger *slog.Logger, observer Observer) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:    make(map[string]*roomState),
		observer: observer,
		logger:   logger.With("component", "presence"),
	}
}

// room returns the live state for key, creating it when create is set.
func (r *Registry) room(key string, create bool) *roomState {
	r.mu.RLock()
	rs := r.rooms[key]
	r.mu.RUnlock()
	if rs != nil || !create {
		return rs
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rs = r.rooms[key]; rs == nil {
		rs = &roomState{members: make(map[string]*membership)}
		r.rooms[key] = rs
		metrics.ActiveRooms.Inc()
	}
	return rs
}

// Join registers endpoint in the room. Joining again with the same endpoint
// id is a no-op. Returns true if the member set changed.
func (r *Registry) Join(roomKey string, ep Endpoint, participantID string) bool {
	id := ep.ID()

	for {
		rs := r.room(roomKey, true)

		rs.mu.Lock()
		if rs.retired {
			// Lost a race with the last Leave; fetch the replacement room.
			rs.mu.Unlock()
			continue
		}
		if _, exists := rs.members[id]; exists {
			rs.mu.Unlock()
			return false
		}

		first := rs.participantEndpoints(participantID) == 0
		rs.members[id] = &membership{
			endpoint:      ep,
			participantID: participantID,
			joinedAt:      time.Now().UTC(),
		}
		if first && r.observer != nil {
			r.observer.ParticipantJoined(roomKey, participantID)
		}
		size := len(rs.members)
		rs.mu.Unlock()

		metrics.RoomMembers.Inc()
		r.logger.Debug("endpoint joined",
			"room", roomKey,
			"endpoint_id", id,
			"participant_id", participantID,
			"members", size)
		return true
	}
}

// Leave removes an endpoint from the room. Removing an endpoint that is not
// a member is a no-op. Returns true if the member set changed.
func (r *Registry) Leave(roomKey, endpointID string) bool {
	rs := r.room(roomKey, false)
	if rs == nil {
		return false
	}

	rs.mu.Lock()
	m, exists := rs.members[endpointID]
	if !exists {
		rs.mu.Unlock()
		return false
	}
	delete(rs.members, endpointID)

	if r.observer != nil && rs.participantEndpoints(m.participantID) == 0 {
		r.observer.ParticipantLeft(roomKey, m.participantID)
	}
	empty := len(rs.members) == 0
	if empty {
		rs.retired = true
	}
	rs.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.rooms[roomKey] == rs {
			delete(r.rooms, roomKey)
			metrics.ActiveRooms.Dec()
		}
		r.mu.Unlock()
	}

	metrics.RoomMembers.Dec()
	r.logger.Debug("endpoint left",
		"room", roomKey,
		"endpoint_id", endpointID,
		"participant_id", m.participantID)
	return true
}

// LeaveAll removes an endpoint from every room it is in. Used when a
// connection closes without knowing its rooms.
func (r *Registry) LeaveAll(endpointID string) int {
	r.mu.RLock()
	keys := make([]string, 0, len(r.rooms))
	for key := range r.rooms {
		keys = append(keys, key)
	}
	r.mu.RUnlock()

	n := 0
	for _, key := range keys {
		if r.Leave(key, endpointID) {
			n++
		}
	}
	return n
}

// MembersOf returns the sorted endpoint ids joined to a room.
func (r *Registry) MembersOf(roomKey string) []string {
	rs := r.room(roomKey, false)
	if rs == nil {
		return []string{}
	}

	rs.mu.Lock()
	ids := make([]string, 0, len(rs.members))
	for id := range rs.members {
		ids = append(ids, id)
	}
	rs.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Participants returns the sorted distinct participant ids with at least
// one endpoint in the room.
func (r *Registry) Participants(roomKey string) []string {
	rs := r.room(roomKey, false)
	if rs == nil {
		return []string{}
	}

	rs.mu.Lock()
	ids := make([]string, 0, 2)
	for _, m := range rs.members {
		if !slices.Contains(ids, m.participantID) {
			ids = append(ids, m.participantID)
		}
	}
	rs.mu.Unlock()

	slices.Sort(ids)
	return ids
}

// Members returns membership details ordered by join time.
func (r *Registry) Members(roomKey string) []Member {
	rs := r.room(roomKey, false)
	if rs == nil {
		return []Member{}
	}

	rs.mu.Lock()
	out := make([]Member, 0, len(rs.members))
	for id, m := range rs.members {
		out = append(out, Member{EndpointID: id, ParticipantID: m.participantID, JoinedAt: m.joinedAt})
	}
	rs.mu.Unlock()

	slices.SortFunc(out, func(a, b Member) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		if a.EndpointID < b.EndpointID {
			return -1
		}
		if a.EndpointID > b.EndpointID {
			return 1
		}
		return 0
	})
	return out
}

// Targets snapshots the endpoints of a room for a broadcast. The snapshot is
// taken under the room lock and delivered to outside it.
func (r *Registry) Targets(roomKey string) []Endpoint {
	rs := r.room(roomKey, false)
	if rs == nil {
		return nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	targets := make([]Endpoint, 0, len(rs.members))
	for _, m := range rs.members {
		targets = append(targets, m.endpoint)
	}
	return targets
}

// Rooms returns the number of rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
