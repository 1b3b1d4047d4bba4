// Package store persists the chat log. It is append-only: entries are never
// updated or deleted, and every entry gets a global, increasing sequence.
//
// Two backends implement [MessageStore]: an embedded SQLite database (the
// default) and PostgreSQL, selected by [Open].
package store

import (
	"context"
	"errors"
	"strings"
)

// DefaultLimit is the history size returned when the caller gives none.
const DefaultLimit = 50

// Message kinds.
const (
	KindText = "text"
	KindFile = "file"
)

// ErrUnsupported is returned by operations a backend cannot perform.
var ErrUnsupported = errors.New("operation not supported by this store")

// Entry is one persisted chat event.
type Entry struct {
	Seq       int64
	RoomID    string
	Sender    string
	Kind      string // KindText or KindFile
	Body      string // text content or file payload
	Filename  string // empty for text
	Encrypted bool
	TS        string // client-supplied, never validated
}

// Stats summarises the log.
type Stats struct {
	Messages int64
	Rooms    int64
}

// MessageStore is the durable message log.
type MessageStore interface {
	// Append persists e and returns its sequence number.
	Append(ctx context.Context, e Entry) (int64, error)
	// Recent returns at most limit entries of roomID: the ones with the
	// highest sequences, in ascending order.
	Recent(ctx context.Context, roomID string, limit int) ([]Entry, error)
	Stats(ctx context.Context) (Stats, error)
	Backup(ctx context.Context, destPath string) error
	Close() error
}

// Open returns the PostgreSQL store when databaseURL is set and the SQLite
// store at sqlitePath otherwise.
func Open(ctx context.Context, databaseURL, sqlitePath string) (MessageStore, error) {
	if strings.TrimSpace(databaseURL) != "" {
		return OpenPostgres(ctx, databaseURL)
	}
	return OpenSQLite(sqlitePath)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// reverse flips entries fetched newest-first into ascending order.
func reverse(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
