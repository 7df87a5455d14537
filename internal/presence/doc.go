// Package presence tracks which transport endpoints are joined to which room.
//
// Membership gates live delivery: the delivery channel broadcasts a message
// to Targets(roomKey) and nothing else. Join and Leave are idempotent and
// never fail.
//
// Each room has its own lock; the registry-wide lock is held only to find,
// create or unlink a room. A room whose last member leaves is marked retired
// and unlinked, and a Join that raced onto it retries against a fresh room.
//
// RedisMirror is an optional Observer that publishes per-room participant
// counts to Redis for other gateway instances.
package presence
