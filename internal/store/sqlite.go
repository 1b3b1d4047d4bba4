package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered schema changes. Index i is version i+1. To
// change the schema, append; never edit or reorder existing entries.
var migrations = []string{
	// v1: message log
	`CREATE TABLE IF NOT EXISTS messages (
		id        INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id   TEXT NOT NULL,
		sender    TEXT NOT NULL,
		mtype     TEXT NOT NULL DEFAULT 'text',
		message   TEXT NOT NULL,
		filename  TEXT NOT NULL DEFAULT '',
		encrypted INTEGER NOT NULL DEFAULT 0,
		ts        TEXT NOT NULL
	)`,
	// v2: history lookups by room
	`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id)`,
}

// SQLite persists the message log in an embedded database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies pending
// migrations.
func OpenSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Allow concurrent readers; SQLite serialises the writers.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		slog.Warn("sqlite WAL mode unavailable", "err", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000`); err != nil {
		slog.Warn("sqlite busy_timeout unavailable", "err", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES(?)`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("sqlite migration applied", "version", v)
	}
	return nil
}

// Append persists e and returns the assigned sequence.
func (s *SQLite) Append(ctx context.Context, e Entry) (int64, error) {
	const q = `INSERT INTO messages (room_id, sender, mtype, message, filename, encrypted, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, q, e.RoomID, e.Sender, e.Kind, e.Body, e.Filename, boolToInt(e.Encrypted), e.TS)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read message sequence: %w", err)
	}
	slog.Debug("message persisted", "seq", seq, "room_id", e.RoomID, "mtype", e.Kind)
	return seq, nil
}

// Recent returns the last limit entries of roomID, oldest first.
func (s *SQLite) Recent(ctx context.Context, roomID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	const q = `
SELECT id, room_id, sender, mtype, message, filename, encrypted, ts
FROM messages
WHERE room_id = ?
ORDER BY id DESC
LIMIT ?
`
	rows, err := s.db.QueryContext(ctx, q, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			encrypted int
		)
		if err := rows.Scan(&e.Seq, &e.RoomID, &e.Sender, &e.Kind, &e.Body, &e.Filename, &encrypted, &e.TS); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		e.Encrypted = encrypted != 0
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	reverse(out)
	slog.Debug("messages loaded", "room_id", roomID, "count", len(out))
	return out, nil
}

// Stats counts messages and distinct rooms.
func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COUNT(DISTINCT room_id) FROM messages`).Scan(&st.Messages, &st.Rooms)
	if err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	return st, nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *SQLite) Backup(ctx context.Context, destPath string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("backup to %s: %w", destPath, err)
	}
	return nil
}
