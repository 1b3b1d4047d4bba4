package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

// recordConn is an in-memory Conn that records every payload it is sent.
type recordConn struct {
	mu     sync.Mutex
	got    [][]byte
	fail   bool
	closed bool
}

func (c *recordConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("send failed")
	}
	c.got = append(c.got, payload)
	return nil
}

func (c *recordConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordConn) payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.got))
	for i, b := range c.got {
		out[i] = string(b)
	}
	return out
}

func (c *recordConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRegistry() *Registry { return NewRegistry(bcrypt.MinCost) }

func join(t *testing.T, r *Registry, roomID, name, password string) (*Participant, *recordConn) {
	t.Helper()
	conn := &recordConn{}
	p := NewParticipant(name, conn)
	if _, err := r.Join(roomID, password, p); err != nil {
		t.Fatalf("join %s as %s: %v", roomID, name, err)
	}
	return p, conn
}

func TestFirstPasswordWins(t *testing.T) {
	r := newTestRegistry()

	join(t, r, "lobby", "host", "")
	room, _ := r.Lookup("lobby")
	if room.Protected() {
		t.Fatal("room created without password should be open")
	}

	join(t, r, "lobby", "alice", "x")
	if !room.Protected() {
		t.Fatal("room should adopt the first non-empty password")
	}

	// Same password keeps working.
	join(t, r, "lobby", "bob", "x")

	_, err := r.Join("lobby", "y", NewParticipant("mallory", &recordConn{}))
	if !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch for a different password, got %v", err)
	}
	_, err = r.Join("lobby", "", NewParticipant("eve", &recordConn{}))
	if !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch for an empty password, got %v", err)
	}
	if got := room.Len(); got != 3 {
		t.Fatalf("rejected joins must not register: got %d participants", got)
	}
}

func TestEmptiedRoomForgetsPassword(t *testing.T) {
	r := newTestRegistry()

	p, _ := join(t, r, "vault", "alice", "secret")
	r.Leave(p)
	if rooms, participants := r.Stats(); rooms != 0 || participants != 0 {
		t.Fatalf("expected no rooms after the last leave, got rooms=%d participants=%d", rooms, participants)
	}

	join(t, r, "vault", "bob", "")
	room, _ := r.Lookup("vault")
	if room.Protected() {
		t.Fatal("a later join must get a fresh room without the old password")
	}
}

func TestRejectedJoinLeavesNoRoom(t *testing.T) {
	r := newTestRegistry()

	// A rejected join must not hold the room open once its members leave.
	host, _ := join(t, r, "ghost", "host", "secret")
	if _, err := r.Join("ghost", "wrong", NewParticipant("eve", &recordConn{})); !errors.Is(err, ErrPasswordMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	r.Leave(host)
	if rooms, _ := r.Stats(); rooms != 0 {
		t.Fatalf("expected 0 rooms, got %d", rooms)
	}
	if _, ok := r.Lookup("ghost"); ok {
		t.Fatal("room should be evicted")
	}
}

func TestConcurrentPasswordAdoptionHappensOnce(t *testing.T) {
	r := newTestRegistry()
	join(t, r, "race", "host", "")

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Join("race", fmt.Sprintf("pw-%d", i), NewParticipant(fmt.Sprintf("u%d", i), &recordConn{}))
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		} else if !errors.Is(err, ErrPasswordMismatch) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("exactly one distinct password should win, got %d successes", ok)
	}
}

func TestLeaveEvictsEmptyRoomAndForgetsPassword(t *testing.T) {
	r := newTestRegistry()
	p, _ := join(t, r, "R", "solo", "pw")

	if !r.Leave(p) {
		t.Fatal("expected first Leave to remove participant")
	}
	if r.Leave(p) {
		t.Fatal("second Leave must be a no-op")
	}
	if _, ok := r.Lookup("R"); ok {
		t.Fatal("empty room must be evicted")
	}

	// A fresh room has no stale password.
	join(t, r, "R", "newcomer", "")
	room, _ := r.Lookup("R")
	if room.Protected() {
		t.Fatal("recreated room must not keep the old password")
	}
}

func TestRemoveIsNoOpWhenOccupied(t *testing.T) {
	r := newTestRegistry()
	join(t, r, "busy", "a", "")
	if r.Remove("busy") {
		t.Fatal("Remove must not evict an occupied room")
	}
	if r.Remove("missing") {
		t.Fatal("Remove of unknown room must report false")
	}
}

func TestNamesKeepDuplicates(t *testing.T) {
	r := newTestRegistry()
	join(t, r, "dup", "sam", "")
	join(t, r, "dup", "sam", "")
	join(t, r, "dup", "ann", "")

	room, _ := r.Lookup("dup")
	names := room.Names()
	if len(names) != room.Len() {
		t.Fatalf("names (%d) and participants (%d) must have equal size", len(names), room.Len())
	}
	if names[0] != "ann" || names[1] != "sam" || names[2] != "sam" {
		t.Fatalf("unexpected names: %#v", names)
	}
}

func TestConcurrentJoinLeaveKeepsInvariants(t *testing.T) {
	r := newTestRegistry()

	const workers = 8
	const rounds = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				roomID := fmt.Sprintf("room-%d", i%3)
				p := NewParticipant(fmt.Sprintf("w%d", w), &recordConn{})
				if _, err := r.Join(roomID, "", p); err != nil {
					t.Errorf("join: %v", err)
					return
				}
				r.Broadcast(roomID, []byte("ping"), p)
				r.Leave(p)
			}
		}(w)
	}
	wg.Wait()

	rooms, participants := r.Stats()
	if rooms != 0 || participants != 0 {
		t.Fatalf("expected empty registry after all leaves, got rooms=%d participants=%d", rooms, participants)
	}
}

func TestRoomsSummary(t *testing.T) {
	r := newTestRegistry()
	join(t, r, "b", "x", "pw")
	join(t, r, "a", "y", "")
	join(t, r, "a", "z", "")

	got := r.Rooms()
	if len(got) != 2 {
		t.Fatalf("expected 2 rooms, got %#v", got)
	}
	if got[0] != (RoomInfo{ID: "a", Participants: 2}) || got[1] != (RoomInfo{ID: "b", Participants: 1, Protected: true}) {
		t.Fatalf("unexpected summary: %#v", got)
	}
}
