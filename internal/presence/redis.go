// ABOUTME: Redis mirror of room presence for multi-instance visibility
// ABOUTME: Applies join/leave updates asynchronously so the registry never waits on the network

package presence

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	mirrorQueueSize  = 1024
	mirrorOpTimeout  = 2 * time.Second
	defaultKeyPrefix = "dm:presence:"
)

// adjustPresence adds ARGV[2] to field ARGV[1] of hash KEYS[1] and removes
// the field once it drops to zero, in one step so a concurrent join from
// another instance cannot be deleted.
var adjustPresence = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], ARGV[2])
if n <= 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
end
return n
`)

type mirrorOp struct {
	roomKey       string
	participantID string
	delta         int64
}

// RedisMirror implements Observer by keeping, per room, a Redis hash of
// participant id -> number of gateway instances where that participant has
// at least one joined endpoint. Updates are queued and applied in order by one worker; when the queue is
// full the update is dropped and logged.
type RedisMirror struct {
	client redis.UniversalClient
	prefix string
	queue  chan mirrorOp
	logger *slog.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// DialRedis parses a redis:// URL and verifies the server responds.
func DialRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return client, nil
}

// NewRedisMirror starts the mirror worker. Pass nil logger for default.
func NewRedisMirror(client redis.UniversalClient, logger *slog.Logger) *RedisMirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &RedisMirror{
		client: client,
		prefix: defaultKeyPrefix,
		queue:  make(chan mirrorOp, mirrorQueueSize),
		logger: logger.With("component", "presence-mirror"),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// ParticipantJoined implements Observer.
func (m *RedisMirror) ParticipantJoined(roomKey, participantID string) {
	m.enqueue(mirrorOp{roomKey: roomKey, participantID: participantID, delta: 1})
}

// ParticipantLeft implements Observer.
func (m *RedisMirror) ParticipantLeft(roomKey, participantID string) {
	m.enqueue(mirrorOp{roomKey: roomKey, participantID: participantID, delta: -1})
}

func (m *RedisMirror) enqueue(op mirrorOp) {
	select {
	case <-m.done:
		return
	default:
	}

	select {
	case m.queue <- op:
	default:
		m.logger.Warn("presence mirror queue full, dropping update",
			"room", op.roomKey,
			"participant_id", op.participantID)
	}
}

func (m *RedisMirror) run() {
	defer m.wg.Done()
	for {
		select {
		case op := <-m.queue:
			m.apply(op)
		case <-m.done:
			// Flush what is already queued so a clean shutdown leaves no stale joins.
			for {
				select {
				case op := <-m.queue:
					m.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (m *RedisMirror) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorOpTimeout)
	defer cancel()

	key := m.prefix + op.roomKey
	if err := adjustPresence.Run(ctx, m.client, []string{key}, op.participantID, op.delta).Err(); err != nil {
		m.logger.Warn("failed to mirror presence",
			"room", op.roomKey,
			"participant_id", op.participantID,
			"error", err)
	}
}

// ClusterParticipants returns the participants joined to a room on any
// gateway instance sharing this Redis.
func (m *RedisMirror) ClusterParticipants(ctx context.Context, roomKey string) ([]string, error) {
	counts, err := m.client.HGetAll(ctx, m.prefix+roomKey).Result()
	if err != nil {
		return nil, fmt.Errorf("reading mirrored presence: %w", err)
	}

	out := make([]string, 0, len(counts))
	for participant, raw := range counts {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			continue
		}
		out = append(out, participant)
	}
	slices.Sort(out)
	return out, nil
}

// Close stops the worker after draining queued updates. It is safe to call
// multiple times. The Redis client is owned by the caller.
func (m *RedisMirror) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

// Ensure RedisMirror implements Observer
var _ Observer = (*RedisMirror)(nil)
