package core

import (
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"

	"cosmic/server/internal/metrics"
)

const shardCount = 32

type shard struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// Registry is the process-wide table of active rooms. The table is split into
// shards so that unrelated rooms never contend on one lock; membership of a
// room is guarded by that room's own lock. Lock order is shard, then room.
type Registry struct {
	shards       [shardCount]*shard
	passwordCost int
}

// RoomInfo is a point-in-time summary of one room.
type RoomInfo struct {
	ID           string `json:"id"`
	Participants int    `json:"participants"`
	Protected    bool   `json:"protected"`
}

// NewRegistry returns an empty registry. passwordCost is the bcrypt cost used
// when a room adopts a password.
func NewRegistry(passwordCost int) *Registry {
	r := &Registry{passwordCost: passwordCost}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]*Room)}
	}
	return r
}

func (r *Registry) shardFor(roomID string) *shard {
	return r.shards[xxhash.Sum64String(roomID)%shardCount]
}

func (r *Registry) getOrCreate(roomID string) *Room {
	s := r.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		room = newRoom(roomID, r.passwordCost)
		s.rooms[roomID] = room
		metrics.Rooms.Inc()
		slog.Debug("room created", "room_id", roomID)
	}
	return room
}

// Join gets or creates the room for roomID, checks password against it and
// registers p, all in one room critical section, so p can never land in a room
// that is being evicted. A room without a password adopts the first non-empty
// password it sees. On failure a room created for this join is evicted again.
func (r *Registry) Join(roomID, password string, p *Participant) (*Room, error) {
	for {
		room := r.getOrCreate(roomID)
		err := room.admit(password, p)
		if errors.Is(err, errRoomClosed) {
			continue
		}
		if err != nil {
			// A room created for this join must not outlive it.
			r.Remove(roomID)
			if errors.Is(err, ErrPasswordMismatch) {
				metrics.RejectedJoins.Inc()
			}
			return nil, err
		}
		return room, nil
	}
}

// Remove evicts the room if it has no participants. It reports whether the
// room was evicted.
func (r *Registry) Remove(roomID string) bool {
	s := r.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[roomID]
	if !ok {
		return false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.participants) > 0 {
		return false
	}
	room.closed = true
	delete(s.rooms, roomID)
	metrics.Rooms.Dec()

	slog.Info("room removed", "room_id", roomID)
	return true
}

// Lookup returns the live room for roomID.
func (r *Registry) Lookup(roomID string) (*Room, bool) {
	s := r.shardFor(roomID)
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	return room, ok
}

// Leave deregisters p from its room and evicts the room when it empties.
// It is safe to call more than once.
func (r *Registry) Leave(p *Participant) (removed bool) {
	room := p.Room()
	if room == nil {
		return false
	}
	removed, empty := room.Remove(p)
	if empty {
		r.Remove(room.ID())
	}
	return removed
}

// Rooms returns a summary of every room, ordered by id.
func (r *Registry) Rooms() []RoomInfo {
	var rooms []*Room
	for _, s := range r.shards {
		s.mu.Lock()
		for _, room := range s.rooms {
			rooms = append(rooms, room)
		}
		s.mu.Unlock()
	}

	out := make([]RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, RoomInfo{ID: room.ID(), Participants: room.Len(), Protected: room.Protected()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns the number of rooms and participants.
func (r *Registry) Stats() (rooms, participants int) {
	for _, info := range r.Rooms() {
		rooms++
		participants += info.Participants
	}
	return rooms, participants
}
