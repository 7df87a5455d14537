// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Supports modernc.org/sqlite and mattn/go-sqlite3 drivers with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names accepted by Options.Driver.
const (
	DriverModernc = "sqlite"  // modernc.org/sqlite, pure Go
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3, requires cgo
)

const memoryPath = ":memory:"

// Options configures a SQLiteStore.
type Options struct {
	// Driver selects the database/sql driver. Empty means DriverModernc.
	Driver string

	Limits Limits

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	limits Limits
	now    func() time.Time
	logger *slog.Logger

	// appendMu serializes inserts so that ids and sent_at advance together.
	appendMu   sync.Mutex
	lastSentAt time.Time
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string, opts Options) (*SQLiteStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	driver := opts.Driver
	if driver == "" {
		driver = DriverModernc
	}
	if driver != DriverModernc && driver != DriverMattn {
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is its own database
	if path == memoryPath {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &SQLiteStore{
		db:     db,
		limits: opts.Limits.withDefaults(),
		now:    now,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	if err := s.loadLastSentAt(); err != nil {
		db.Close()
		return nil, fmt.Errorf("reading last timestamp: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			room_key  TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			body      TEXT NOT NULL,
			sent_at   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_room_sent
			ON messages(room_key, sent_at, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'client_id'`,
			apply:  `ALTER TABLE messages ADD COLUMN client_id TEXT NOT NULL DEFAULT ''`,
			column: "client_id",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s column: %w", m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to messages: %w", m.column, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", "messages")
	}

	// Needs client_id, so it cannot live in createSchema for older files.
	if _, err := s.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_client
			ON messages(room_key, sender_id, client_id)
			WHERE client_id != ''
	`); err != nil {
		return fmt.Errorf("creating client id index: %w", err)
	}

	return nil
}

// loadLastSentAt seeds the timestamp floor from existing rows so that a
// restarted process never assigns an earlier sent_at than one on disk.
func (s *SQLiteStore) loadLastSentAt() error {
	var last sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(sent_at) FROM messages`).Scan(&last); err != nil {
		return err
	}
	if last.Valid {
		s.lastSentAt = time.Unix(0, last.Int64).UTC()
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Append validates and persists a message. The insert is a single statement,
// so a concurrent History either sees the whole row or nothing.
func (s *SQLiteStore) Append(ctx context.Context, p AppendParams) (*Message, error) {
	if err := s.limits.validateAppend(p); err != nil {
		return nil, err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	sentAt := s.now().UTC()
	if sentAt.Before(s.lastSentAt) {
		sentAt = s.lastSentAt
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (room_key, sender_id, body, sent_at, client_id)
		VALUES (?, ?, ?, ?, ?)
	`, p.RoomKey, p.SenderID, p.Body, sentAt.UnixNano(), p.ClientID)
	if err != nil {
		return nil, unavailable("inserting message", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, unavailable("reading message id", err)
	}
	s.lastSentAt = sentAt

	return &Message{
		ID:       id,
		RoomKey:  p.RoomKey,
		SenderID: p.SenderID,
		Body:     p.Body,
		SentAt:   sentAt,
		ClientID: p.ClientID,
	}, nil
}

// History returns messages of a room in ascending (sent_at, id) order.
// It fetches limit+1 rows to report HasMore without a second query.
func (s *SQLiteStore) History(ctx context.Context, p HistoryParams) (*HistoryResult, error) {
	if err := validateRoomKey(p.RoomKey); err != nil {
		return nil, err
	}
	limit := s.limits.limit(p.Limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_key, sender_id, body, sent_at, client_id
		FROM messages
		WHERE room_key = ? AND id > ?
		ORDER BY sent_at ASC, id ASC
		LIMIT ?
	`, p.RoomKey, p.SinceID, limit+1)
	if err != nil {
		return nil, unavailable("querying history", err)
	}
	defer rows.Close()

	messages := make([]*Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, unavailable("scanning message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating history", err)
	}

	hasMore := len(messages) > limit
	if hasMore {
		messages = messages[:limit]
	}

	return &HistoryResult{Messages: messages, HasMore: hasMore}, nil
}

// LastMessage returns the newest message of a room.
func (s *SQLiteStore) LastMessage(ctx context.Context, roomKey string) (*Message, error) {
	if err := validateRoomKey(roomKey); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_key, sender_id, body, sent_at, client_id
		FROM messages
		WHERE room_key = ?
		ORDER BY sent_at DESC, id DESC
		LIMIT 1
	`, roomKey)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying last message", err)
	}
	return msg, nil
}

// FindByClientID returns the message senderID stored under clientID, so a
// retry after a restart is still recognized.
func (s *SQLiteStore) FindByClientID(ctx context.Context, roomKey, senderID, clientID string) (*Message, error) {
	if clientID == "" {
		return nil, ErrNotFound
	}
	if err := validateRoomKey(roomKey); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_key, sender_id, body, sent_at, client_id
		FROM messages
		WHERE room_key = ? AND sender_id = ? AND client_id = ?
		ORDER BY id ASC
		LIMIT 1
	`, roomKey, senderID, clientID)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying client id", err)
	}
	return msg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*Message, error) {
	var (
		msg    Message
		sentAt int64
	)
	if err := row.Scan(&msg.ID, &msg.RoomKey, &msg.SenderID, &msg.Body, &sentAt, &msg.ClientID); err != nil {
		return nil, err
	}
	msg.SentAt = time.Unix(0, sentAt).UTC()
	return &msg, nil
}

// Ensure SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
