package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

var pgMigrations = []string{
	// v1: message log
	`CREATE TABLE IF NOT EXISTS messages (
		id        BIGSERIAL PRIMARY KEY,
		room_id   TEXT NOT NULL,
		sender    TEXT NOT NULL,
		mtype     TEXT NOT NULL DEFAULT 'text',
		message   TEXT NOT NULL,
		filename  TEXT NOT NULL DEFAULT '',
		encrypted SMALLINT NOT NULL DEFAULT 0,
		ts        TEXT NOT NULL
	)`,
	// v2: history lookups by room
	`CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, id)`,
}

// Postgres persists the message log in a PostgreSQL database.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to url and applies pending migrations.
func OpenPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("postgres store opened")
	return p, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := p.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i, stmt := range pgMigrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := p.pool.Exec(ctx, `INSERT INTO schema_migrations(version) VALUES($1) ON CONFLICT DO NOTHING`, v); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Info("postgres migration applied", "version", v)
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, e Entry) (int64, error) {
	var seq int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO messages (room_id, sender, mtype, message, filename, encrypted, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, e.RoomID, e.Sender, e.Kind, e.Body, e.Filename, boolToInt(e.Encrypted), e.TS).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return seq, nil
}

func (p *Postgres) Recent(ctx context.Context, roomID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, room_id, sender, mtype, message, filename, encrypted, ts
		FROM messages
		WHERE room_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e         Entry
			encrypted int16
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
	return out, nil
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*), COUNT(DISTINCT room_id) FROM messages`).Scan(&st.Messages, &st.Rooms); err != nil {
		return Stats{}, fmt.Errorf("count messages: %w", err)
	}
	return st, nil
}

// Backup is not available for PostgreSQL; use pg_dump.
func (p *Postgres) Backup(context.Context, string) error {
	return fmt.Errorf("postgres backup: %w", ErrUnsupported)
}
