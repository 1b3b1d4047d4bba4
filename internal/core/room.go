package core

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"

	"cosmic/server/internal/metrics"
)

// ErrPasswordMismatch rejects a join whose password does not match the room's.
var ErrPasswordMismatch = errors.New("room password mismatch")

// errRoomClosed means the room was evicted between lookup and lock; the
// caller retries against a fresh room.
var errRoomClosed = errors.New("room closed")

// Conn is the outbound half of a participant's transport. Send must not block
// indefinitely; a non-nil error marks the participant as disconnected.
// Using an interface here lets tests inject a recorder instead of a socket.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Participant is one connection bound to one room for its whole life. Rooms
// key participants by pointer; ID only correlates log lines.
type Participant struct {
	ID   string
	Name string

	conn Conn
	room *Room // set on admission
}

// NewParticipant wraps conn for a user called name.
func NewParticipant(name string, conn Conn) *Participant {
	return &Participant{ID: uuid.NewString(), Name: name, conn: conn}
}

// Send queues payload on the participant's transport.
func (p *Participant) Send(payload []byte) error { return p.conn.Send(payload) }

// Close closes the participant's transport.
func (p *Participant) Close() error { return p.conn.Close() }

// Room returns the room the participant was admitted to, or nil.
func (p *Participant) Room() *Room { return p.room }

// Room is the shared state of one chat room. All mutations happen under mu.
type Room struct {
	id   string
	cost int

	mu           sync.RWMutex
	passwordHash []byte // empty: open room
	participants map[*Participant]struct{}
	closed       bool // evicted from the registry; never reopened
}

func newRoom(id string, cost int) *Room {
	return &Room{id: id, cost: cost, participants: make(map[*Participant]struct{})}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// authorizeLocked checks password against the room and adopts it when the
// room has none yet. Callers hold r.mu.
func (r *Room) authorizeLocked(password string) error {
	if r.closed {
		return errRoomClosed
	}
	if len(r.passwordHash) > 0 {
		if bcrypt.CompareHashAndPassword(r.passwordHash, []byte(password)) != nil {
			return ErrPasswordMismatch
		}
		return nil
	}
	if password == "" {
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		return fmt.Errorf("hash room password: %w", err)
	}
	r.passwordHash = hash
	slog.Debug("room password adopted", "room_id", r.id)
	return nil
}

// admit authorizes and registers p in one critical section.
func (r *Room) admit(password string, p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.authorizeLocked(password); err != nil {
		return err
	}
	p.room = r
	r.participants[p] = struct{}{}
	metrics.Participants.Inc()

	slog.Info("participant joined", "room_id", r.id, "conn_id", p.ID, "name", p.Name, "total", len(r.participants))
	return nil
}

// Remove deregisters p. It is idempotent: removed is false when p was
// already gone. empty reports whether the room has no participants left.
func (r *Room) Remove(p *Participant) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[p]; ok {
		delete(r.participants, p)
		metrics.Participants.Dec()
		removed = true
		slog.Info("participant left", "room_id", r.id, "conn_id", p.ID, "name", p.Name, "remaining", len(r.participants))
	}
	return removed, len(r.participants) == 0
}

// Contains reports whether p is still registered.
func (r *Room) Contains(p *Participant) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.participants[p]
	return ok
}

// Len returns the participant count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Protected reports whether the room has adopted a password.
func (r *Room) Protected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.passwordHash) > 0
}

// Names returns the sorted display names, one per participant.
func (r *Room) Names() []string {
	r.mu.RLock()
	names := lo.Map(lo.Keys(r.participants), func(p *Participant, _ int) string { return p.Name })
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// snapshot returns the current recipients, minus exclude.
func (r *Room) snapshot(exclude *Participant) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Filter(lo.Keys(r.participants), func(p *Participant, _ int) bool { return p != exclude })
}
