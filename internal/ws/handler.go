package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"cosmic/server/internal/core"
	"cosmic/server/internal/session"
)

// Options tune the WebSocket transport.
type Options struct {
	MaxFrameBytes int64
	SendQueue     int
	SendTimeout   time.Duration
	WriteTimeout  time.Duration
	PingInterval  time.Duration
}

// DefaultOptions mirror the config defaults.
func DefaultOptions() Options {
	return Options{
		MaxFrameBytes: 16 << 20,
		SendQueue:     256,
		SendTimeout:   time.Second,
		WriteTimeout:  5 * time.Second,
		PingInterval:  30 * time.Second,
	}
}

// Handler owns websocket transport for the relay.
type Handler struct {
	sessions *session.Handler
	opts     Options
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHandler creates a websocket handler that serves connections through
// sessions.
func NewHandler(sessions *session.Handler, opts Options) *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		sessions: sessions,
		opts:     opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws/:room_id", h.HandleWebSocket)
}

// Close ends every connection served by h. Hijacked connections outlive
// http.Server.Shutdown, so the server calls this during shutdown.
func (h *Handler) Close() { h.cancel() }

// HandleWebSocket validates the join parameters, upgrades the request and
// serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	params, err := session.ParseJoin(c.Param("room_id"), c.QueryParam("name"), c.QueryParam("password"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn, params)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn, params session.JoinParams) {
	if h.opts.MaxFrameBytes > 0 {
		conn.SetReadLimit(h.opts.MaxFrameBytes)
	}
	wc := newConn(conn, h.opts)
	wc.keepalive()

	err := h.sessions.Serve(h.ctx, params, wc)
	if err != nil && !errors.Is(err, core.ErrPasswordMismatch) {
		slog.Warn("websocket session ended with error", "room_id", params.RoomID, "err", err)
	}
	_ = wc.Close()
	wc.outbox.Wait(h.opts.WriteTimeout + time.Second)
}
