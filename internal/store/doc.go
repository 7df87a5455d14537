// Package store provides the durable message log for direct messages.
//
// # Architecture
//
// Store is the narrow interface the rest of the gateway depends on:
//
//   - Append: validate and persist one message, returning the canonical record
//   - History: ascending (SentAt, ID) range fetch with an exclusive SinceID
//   - LastMessage: newest message of a room
//   - FindByClientID: the message a sender recorded under a client id
//   - Ping / Close: lifecycle
//
// SQLiteStore implements it on SQLite through either modernc.org/sqlite
// (driver "sqlite", pure Go, the default) or github.com/mattn/go-sqlite3
// (driver "sqlite3", cgo). MockStore is an in-memory implementation with
// failure injection for tests of upstream packages.
//
// # Schema
//
// One append-only table:
//
//	messages(id INTEGER PRIMARY KEY AUTOINCREMENT, room_key, sender_id,
//	         body, sent_at INTEGER, client_id)
//	INDEX (room_key, sent_at, id)
//	INDEX (room_key, sender_id, client_id) WHERE client_id != ''
//
// sent_at holds Unix nanoseconds. The store assigns it and never lets it go
// backwards, so (sent_at, id) order equals append order even when the wall
// clock steps back.
//
// # Errors
//
//   - ErrValidation: empty, oversized or non-UTF-8 body; sender outside the room
//   - ErrNotFound: malformed room key on a read, an empty room on LastMessage,
//     or no match on FindByClientID
//   - ErrStoreUnavailable: wraps every database failure
//
// An empty room is not an error: History returns an empty slice.
package store
