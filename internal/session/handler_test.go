package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"cosmic/server/internal/core"
	"cosmic/server/internal/store"
)

// fakeTransport feeds frames from a channel and records what is sent.
type fakeTransport struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	out  []string
	fail bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.closed:
		return errors.New("closed")
	default:
	}
	if f.fail {
		return errors.New("send failed")
	}
	f.out = append(f.out, string(payload))
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) ReadFrame() ([]byte, error) {
	select {
	case raw := <-f.in:
		return raw, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.out...)
}

func (f *fakeTransport) write(frame string) { f.in <- []byte(frame) }

// memStore is an in-memory MessageStore.
type memStore struct {
	mu       sync.Mutex
	entries  []store.Entry
	fail     bool
	onAppend func(store.Entry)
}

func (m *memStore) Append(_ context.Context, e store.Entry) (int64, error) {
	if m.onAppend != nil {
		m.onAppend(e)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("disk full")
	}
	e.Seq = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e.Seq, nil
}

func (m *memStore) Recent(context.Context, string, int) ([]store.Entry, error) { return nil, nil }
func (m *memStore) Stats(context.Context) (store.Stats, error)                { return store.Stats{}, nil }
func (m *memStore) Backup(context.Context, string) error                      { return nil }
func (m *memStore) Close() error                                              { return nil }

func (m *memStore) all() []store.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.Entry(nil), m.entries...)
}

type harness struct {
	t        *testing.T
	registry *core.Registry
	store    *memStore
	handler  *Handler
}

func newHarness(t *testing.T, opts Options) *harness {
	reg := core.NewRegistry(bcrypt.MinCost)
	st := &memStore{}
	return &harness{t: t, registry: reg, store: st, handler: NewHandler(reg, st, opts)}
}

type client struct {
	*fakeTransport
	done chan error
}

func (h *harness) connect(ctx context.Context, room, name, password string) *client {
	h.t.Helper()
	params, err := ParseJoin(room, name, password)
	if err != nil {
		h.t.Fatalf("parse join: %v", err)
	}
	c := &client{fakeTransport: newFakeTransport(), done: make(chan error, 1)}
	go func() { c.done <- h.handler.Serve(ctx, params, c.fakeTransport) }()
	return c
}

func (c *client) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-c.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func contains(frames []string, want string) bool {
	for _, f := range frames {
		if f == want {
			return true
		}
	}
	return false
}

func waitFrame(t *testing.T, c *client, want string) {
	t.Helper()
	waitFor(t, want, func() bool { return contains(c.sent(), want) })
}

func TestJoinChatLeave(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	alice := h.connect(ctx, "R", "alice", "")
	waitFrame(t, alice, `{"type":"users","list":["alice"]}`)

	bob := h.connect(ctx, "R", "bob", "")
	waitFrame(t, bob, `{"type":"users","list":["alice","bob"]}`)
	waitFrame(t, alice, `{"type":"users","list":["alice","bob"]}`)
	waitFrame(t, alice, `{"type":"presence","event":"join","name":"bob"}`)
	if contains(bob.sent(), `{"type":"presence","event":"join","name":"bob"}`) {
		t.Fatal("joiner must not see its own presence event")
	}

	alice.write(`{"type":"message","text":"hi","ts":"t1","messageId":"m1"}`)
	want := `{"type":"message","name":"alice","text":"hi","ts":"t1","encrypted":0,"messageId":"m1"}`
	waitFrame(t, bob, want)
	if contains(alice.sent(), want) {
		t.Fatal("sender must not receive its own message")
	}

	entries := h.store.all()
	if len(entries) != 1 {
		t.Fatalf("expected 1 persisted entry, got %d", len(entries))
	}
	if e := entries[0]; e.RoomID != "R" || e.Sender != "alice" || e.Kind != store.KindText || e.Body != "hi" || e.TS != "t1" {
		t.Fatalf("unexpected entry: %+v", e)
	}

	_ = bob.Close()
	if err := bob.wait(t); err != nil {
		t.Fatalf("bob serve: %v", err)
	}
	waitFrame(t, alice, `{"type":"presence","event":"leave","name":"bob"}`)
	frames := alice.sent()
	if frames[len(frames)-2] != `{"type":"users","list":["alice"]}` {
		t.Fatalf("users refresh must precede the leave event: %#v", frames)
	}

	_ = alice.Close()
	_ = alice.wait(t)
	if rooms, _ := h.registry.Stats(); rooms != 0 {
		t.Fatalf("empty room must be evicted, %d rooms left", rooms)
	}
}

func TestPasswordMismatchSendsErrorAndCloses(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	alice := h.connect(ctx, "R", "alice", "x")
	waitFrame(t, alice, `{"type":"users","list":["alice"]}`)

	bob := h.connect(ctx, "R", "bob", "y")
	if err := bob.wait(t); !errors.Is(err, core.ErrPasswordMismatch) {
		t.Fatalf("expected ErrPasswordMismatch, got %v", err)
	}
	got := bob.sent()
	if len(got) != 1 || got[0] != `{"type":"error","message":"Invalid room password"}` {
		t.Fatalf("unexpected frames for rejected client: %#v", got)
	}
	select {
	case <-bob.closed:
	default:
		t.Fatal("rejected transport must be closed")
	}

	room, _ := h.registry.Lookup("R")
	if room.Len() != 1 {
		t.Fatalf("rejected client must not be registered, room has %d", room.Len())
	}
	if frames := alice.sent(); len(frames) != 1 {
		t.Fatalf("existing members must not hear about a rejected join: %#v", frames)
	}

	carol := h.connect(ctx, "R", "carol", "x")
	waitFrame(t, carol, `{"type":"users","list":["alice","carol"]}`)
	_ = carol.Close()
	_ = alice.Close()
}

func TestMalformedFrameRelayedAsBareMessage(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	alice := h.connect(ctx, "R", "alice", "")
	waitFrame(t, alice, `{"type":"users","list":["alice"]}`)
	bob := h.connect(ctx, "R", "bob", "")
	waitFrame(t, alice, `{"type":"presence","event":"join","name":"bob"}`)

	alice.write("hello")
	waitFrame(t, bob, `{"type":"message","name":"alice","text":"hello","ts":"","encrypted":0,"messageId":""}`)

	entries := h.store.all()
	if len(entries) != 1 || entries[0].Body != "hello" {
		t.Fatalf("fallback message must be persisted: %+v", entries)
	}
	_ = alice.Close()
	_ = bob.Close()
}

func TestTypingSeenAndFile(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	alice := h.connect(ctx, "R", "alice", "")
	waitFrame(t, alice, `{"type":"users","list":["alice"]}`)
	bob := h.connect(ctx, "R", "bob", "")
	waitFrame(t, alice, `{"type":"presence","event":"join","name":"bob"}`)

	alice.write(`{"type":"typing"}`)
	waitFrame(t, bob, `{"type":"typing","name":"alice"}`)

	bob.write(`{"type":"seen","messageId":7}`)
	waitFrame(t, alice, `{"type":"seen","messageId":7,"by":"bob"}`)

	alice.write(`{"type":"file","filename":"a.txt","data":"data:,x","ts":"t2","encrypted":true}`)
	waitFrame(t, bob, `{"type":"file","name":"alice","filename":"a.txt","data":"data:,x","ts":"t2","encrypted":1,"messageId":""}`)

	alice.write(`{"type":"reaction","emoji":"x"}`)
	alice.write(`{"type":"typing"}`)
	waitFor(t, "second typing", func() bool {
		n := 0
		for _, f := range bob.sent() {
			if f == `{"type":"typing","name":"alice"}` {
				n++
			}
		}
		return n == 2
	})
	for _, f := range bob.sent() {
		if strings.Contains(f, "reaction") {
			t.Fatalf("unknown types must not be relayed: %s", f)
		}
	}

	entries := h.store.all()
	if len(entries) != 1 {
		t.Fatalf("only the file should be persisted, got %+v", entries)
	}
	if e := entries[0]; e.Kind != store.KindFile || e.Filename != "a.txt" || e.Body != "data:,x" || !e.Encrypted {
		t.Fatalf("unexpected file entry: %+v", e)
	}
	_ = alice.Close()
	_ = bob.Close()
}

func TestPersistHappensBeforeBroadcast(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	alice := h.connect(ctx, "R", "alice", "")
	waitFrame(t, alice, `{"type":"users","list":["alice"]}`)
	bob := h.connect(ctx, "R", "bob", "")
	waitFrame(t, alice, `{"type":"presence","event":"join","name":"bob"}`)

	relayed := `{"type":"message","name":"alice","text":"first","ts":"","encrypted":0,"messageId":""}`
	seenEarly := make(chan bool, 1)
	h.store.onAppend = func(store.Entry) { seenEarly <- contains(bob.sent(), relayed) }

	alice.write(`{"text":"first"}`)
	waitFrame(t, bob, relayed)
	if <-seenEarly {
		t.Fatal("message was relayed before it was persisted")
	}
	_ = alice.Close()
	_ = bob.Close()
}

func TestPersistFailureStillBroadcasts(t *testing.T) {
	h := newHarness(t, Options{})
	h.store.fail = true
	ctx := context.Background()

	alice := h.connect(ctx, "R", "alice", "")
	waitFrame(t, alice, `{"type":"users","list":["alice"]}`)
	bob := h.connect(ctx, "R", "bob", "")
	waitFrame(t, alice, `{"type":"presence","event":"join","name":"bob"}`)

	alice.write(`{"type":"message","text":"still here"}`)
	waitFrame(t, bob, `{"type":"message","name":"alice","text":"still here","ts":"","encrypted":0,"messageId":""}`)
	_ = alice.Close()
	_ = bob.Close()
}

func TestRateLimitDropsExcessFrames(t *testing.T) {
	h := newHarness(t, Options{FrameRate: 0.001, FrameBurst: 1})
	ctx := context.Background()

	alice := h.connect(ctx, "R", "alice", "")
	waitFrame(t, alice, `{"type":"users","list":["alice"]}`)
	bob := h.connect(ctx, "R", "bob", "")
	waitFrame(t, alice, `{"type":"presence","event":"join","name":"bob"}`)

	for i := 0; i < 3; i++ {
		alice.write(`{"text":"spam"}`)
	}
	waitFrame(t, bob, `{"type":"message","name":"alice","text":"spam","ts":"","encrypted":0,"messageId":""}`)
	// Let the read loop drain the remaining frames before closing.
	waitFor(t, "inbound drained", func() bool { return len(alice.in) == 0 })
	time.Sleep(20 * time.Millisecond)
	_ = alice.Close()
	_ = alice.wait(t)

	n := 0
	for _, f := range bob.sent() {
		if f == `{"type":"message","name":"alice","text":"spam","ts":"","encrypted":0,"messageId":""}` {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 relayed frame under the limit, got %d", n)
	}
	if got := len(h.store.all()); got != 1 {
		t.Fatalf("dropped frames must not be persisted, got %d entries", got)
	}
	_ = bob.Close()
}

func TestFailedRecipientIsDroppedAndAnnounced(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	alice := h.connect(ctx, "R", "alice", "")
	waitFrame(t, alice, `{"type":"users","list":["alice"]}`)
	bob := h.connect(ctx, "R", "bob", "")
	waitFrame(t, alice, `{"type":"presence","event":"join","name":"bob"}`)

	bob.mu.Lock()
	bob.fail = true
	bob.mu.Unlock()

	alice.write(`{"text":"are you there"}`)
	if err := bob.wait(t); err != nil {
		t.Fatalf("bob serve: %v", err)
	}
	waitFrame(t, alice, `{"type":"presence","event":"leave","name":"bob"}`)
	room, _ := h.registry.Lookup("R")
	if names := room.Names(); len(names) != 1 || names[0] != "alice" {
		t.Fatalf("dropped recipient must leave the room: %#v", names)
	}
	_ = alice.Close()
}

func TestContextCancelClosesConnection(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())

	alice := h.connect(ctx, "R", "alice", "")
	waitFrame(t, alice, `{"type":"users","list":["alice"]}`)
	if h.handler.Active() != 1 {
		t.Fatalf("expected 1 active connection, got %d", h.handler.Active())
	}

	cancel()
	if err := alice.wait(t); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if rooms, participants := h.registry.Stats(); rooms != 0 || participants != 0 {
		t.Fatalf("shutdown must clear the registry: rooms=%d participants=%d", rooms, participants)
	}
}

func TestParseJoin(t *testing.T) {
	long := make([]byte, 51)
	for i := range long {
		long[i] = 'a'
	}
	cases := []struct {
		name, room, user, password string
		ok                         bool
	}{
		{"valid", "R", "alice", "", true},
		{"trimmed", "R", "  alice  ", "pw", true},
		{"blank name", "R", "   ", "", false},
		{"name too long", "R", string(long), "", false},
		{"password too long", "R", "alice", string(make([]byte, 73)), false},
		{"missing room", "", "alice", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := ParseJoin(tc.room, tc.user, tc.password)
			if tc.ok {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if p.Name != "alice" {
					t.Fatalf("name should be trimmed, got %q", p.Name)
				}
				return
			}
			if !errors.Is(err, ErrInvalidParams) {
				t.Fatalf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

func TestStateString(t *testing.T) {
	if Active.String() != "active" || Closed.String() != "closed" {
		t.Fatal("unexpected state names")
	}
}
