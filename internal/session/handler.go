// Package session runs one client connection through its life:
// Connecting, Admitted, Active, Closed. It is transport-agnostic; the
// WebSocket and WebTransport front ends both hand their connections here.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"cosmic/server/internal/core"
	"cosmic/server/internal/metrics"
	"cosmic/server/internal/protocol"
	"cosmic/server/internal/store"
)

const persistTimeout = 5 * time.Second

// Transport is a connected client. ReadFrame blocks until the next frame and
// returns an error once the peer is gone or the transport was closed.
type Transport interface {
	core.Conn
	ReadFrame() ([]byte, error)
}

// State is a connection's lifecycle stage.
type State int32

const (
	Connecting State = iota
	Admitted
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Admitted:
		return "admitted"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options tune per-connection behaviour.
type Options struct {
	// FrameRate is the sustained inbound frames per second; <= 0 disables
	// limiting.
	FrameRate  float64
	FrameBurst int
}

// Handler wires connections to the room registry and the message store.
type Handler struct {
	registry *core.Registry
	store    store.MessageStore
	opts     Options

	active atomic.Int64
}

// NewHandler creates a Handler.
func NewHandler(registry *core.Registry, st store.MessageStore, opts Options) *Handler {
	return &Handler{registry: registry, store: st, opts: opts}
}

// Active returns the number of connections currently being served.
func (h *Handler) Active() int64 { return h.active.Load() }

type conn struct {
	p     *core.Participant
	room  *core.Room
	t     Transport
	state atomic.Int32
	log   *slog.Logger
}

func (c *conn) setState(s State) {
	c.state.Store(int32(s))
	c.log.Debug("connection state", "state", s)
}

// Serve admits t into params.RoomID and relays its frames until the
// transport fails, the client leaves, or ctx is cancelled. It returns
// core.ErrPasswordMismatch when the join was rejected; in that case the
// client has been sent the error envelope and t is closed.
func (h *Handler) Serve(ctx context.Context, params JoinParams, t Transport) error {
	h.active.Add(1)
	defer h.active.Add(-1)

	p := core.NewParticipant(params.Name, t)
	c := &conn{
		p:   p,
		t:   t,
		log: slog.With("room_id", params.RoomID, "conn_id", p.ID, "name", p.Name),
	}
	c.setState(Connecting)

	room, err := h.registry.Join(params.RoomID, params.Password, p)
	if err != nil {
		c.setState(Closed)
		if errors.Is(err, core.ErrPasswordMismatch) {
			c.log.Info("join rejected", "reason", "password mismatch")
			_ = t.Send(protocol.Encode(protocol.NewError(protocol.ErrInvalidPassword)))
		} else {
			c.log.Error("join failed", "err", err)
		}
		_ = t.Close()
		return err
	}
	c.room = room
	c.setState(Admitted)

	defer h.cleanup(c)

	h.registry.BroadcastRoom(room, protocol.Encode(protocol.NewUsers(room.Names())), nil)
	h.registry.BroadcastRoom(room, protocol.Encode(protocol.NewPresence(protocol.EventJoin, p.Name)), p)
	c.setState(Active)

	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	limiter := h.newLimiter()
	for {
		raw, err := t.ReadFrame()
		if err != nil {
			c.log.Debug("read loop ended", "err", err)
			return nil
		}
		if !room.Contains(p) {
			// Dropped by a failed delivery; the transport is already closing.
			return nil
		}
		if !limiter.Allow() {
			metrics.RateLimited.Inc()
			c.log.Debug("frame dropped by rate limit")
			continue
		}
		h.dispatch(ctx, c, protocol.Decode(raw))
	}
}

func (h *Handler) newLimiter() *rate.Limiter {
	if h.opts.FrameRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := h.opts.FrameBurst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.opts.FrameRate), burst)
}

func (h *Handler) dispatch(ctx context.Context, c *conn, in protocol.Inbound) {
	switch m := in.(type) {
	case protocol.Typing:
		metrics.Frames.WithLabelValues(protocol.TypeTyping).Inc()
		h.registry.BroadcastRoom(c.room, protocol.Encode(protocol.NewTyping(c.p.Name)), c.p)

	case protocol.Seen:
		metrics.Frames.WithLabelValues(protocol.TypeSeen).Inc()
		h.registry.BroadcastRoom(c.room, protocol.Encode(protocol.NewSeen(m, c.p.Name)), c.p)

	case protocol.Text:
		metrics.Frames.WithLabelValues(protocol.TypeMessage).Inc()
		h.persist(ctx, c, store.Entry{
			RoomID:    c.room.ID(),
			Sender:    c.p.Name,
			Kind:      store.KindText,
			Body:      m.Text,
			Encrypted: bool(m.Encrypted),
			TS:        m.TS,
		})
		h.registry.BroadcastRoom(c.room, protocol.Encode(protocol.NewChat(m, c.p.Name)), c.p)

	case protocol.File:
		metrics.Frames.WithLabelValues(protocol.TypeFile).Inc()
		h.persist(ctx, c, store.Entry{
			RoomID:    c.room.ID(),
			Sender:    c.p.Name,
			Kind:      store.KindFile,
			Body:      m.Data,
			Filename:  m.Filename,
			Encrypted: bool(m.Encrypted),
			TS:        m.TS,
		})
		h.registry.BroadcastRoom(c.room, protocol.Encode(protocol.NewFile(m, c.p.Name)), c.p)

	case protocol.Unknown:
		metrics.Frames.WithLabelValues("unknown").Inc()
		c.log.Debug("ignoring frame", "type", m.Type)
	}
}

// persist writes e before it is relayed. A failure is logged and counted;
// the message is still relayed.
func (h *Handler) persist(ctx context.Context, c *conn, e store.Entry) {
	if h.store == nil {
		return
	}
	// Detached from ctx so messages read before shutdown still land.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if _, err := h.store.Append(pctx, e); err != nil {
		metrics.PersistFailures.Inc()
		c.log.Error("persist message", "mtype", e.Kind, "err", err)
	}
}

func (h *Handler) cleanup(c *conn) {
	h.registry.Leave(c.p)
	_ = c.t.Close()
	c.setState(Closed)

	h.registry.BroadcastRoom(c.room, protocol.Encode(protocol.NewUsers(c.room.Names())), nil)
	h.registry.BroadcastRoom(c.room, protocol.Encode(protocol.NewPresence(protocol.EventLeave, c.p.Name)), nil)
	h.registry.Remove(c.room.ID())
}
