package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/lo"

	"cosmic/server/internal/core"
	"cosmic/server/internal/metrics"
	"cosmic/server/internal/preview"
	"cosmic/server/internal/store"
	"cosmic/server/internal/ws"
)

// Options bound the history endpoint. A zero PreviewTimeout disables
// /api/link-preview; previews of loopback and private hosts are refused
// unless PreviewAllowPrivate is set.
type Options struct {
	HistoryLimit        int
	MaxHistoryLimit     int
	PreviewTimeout      time.Duration
	PreviewAllowPrivate bool
}

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	registry *core.Registry
	store    store.MessageStore
	ws       *ws.Handler
	previews *preview.Fetcher
	opts     Options
}

// New constructs an Echo app with websocket + REST routes. wsHandler may be
// nil when only the REST surface is needed.
func New(registry *core.Registry, st store.MessageStore, wsHandler *ws.Handler, opts Options) *Server {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = store.DefaultLimit
	}
	if opts.MaxHistoryLimit < opts.HistoryLimit {
		opts.MaxHistoryLimit = opts.HistoryLimit
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURIPath:  true,
		LogMethod:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "path", v.URIPath, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				slog.Warn("http request", append(attrs, "err", v.Error)...)
				return nil
			}
			slog.Debug("http request", attrs...)
			return nil
		},
	}))

	s := &Server{echo: e, registry: registry, store: st, ws: wsHandler, opts: opts}
	if opts.PreviewTimeout > 0 {
		var popts []preview.Option
		if opts.PreviewAllowPrivate {
			popts = append(popts, preview.AllowPrivateAddresses())
		}
		s.previews = preview.NewFetcher(opts.PreviewTimeout, popts...)
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/history/:room_id", s.handleHistory)
	s.echo.GET("/api/rooms", s.handleRooms)
	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	if s.previews != nil {
		s.echo.GET("/api/link-preview", s.handleLinkPreview)
	}
	if s.ws != nil {
		s.ws.Register(s.echo)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	slog.Info("http listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.ws != nil {
			s.ws.Close()
		}
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	OK      bool `json:"ok"`
	Rooms   int  `json:"rooms"`
	Clients int  `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	rooms, clients := s.registry.Stats()
	return c.JSON(http.StatusOK, healthResponse{OK: true, Rooms: rooms, Clients: clients})
}

type roomsResponse struct {
	Rooms []core.RoomInfo `json:"rooms"`
}

func (s *Server) handleRooms(c echo.Context) error {
	rooms := s.registry.Rooms()
	if rooms == nil {
		rooms = []core.RoomInfo{}
	}
	return c.JSON(http.StatusOK, roomsResponse{Rooms: rooms})
}

// historyMessage is one persisted entry as served by /history.
type historyMessage struct {
	RoomID    string `json:"room_id"`
	Sender    string `json:"sender"`
	MType     string `json:"mtype"`
	Message   string `json:"message"`
	Filename  string `json:"filename"`
	Encrypted int    `json:"encrypted"`
	TS        string `json:"ts"`
}

type historyResponse struct {
	Messages []historyMessage `json:"messages"`
}

func (s *Server) handleHistory(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "message store is not configured")
	}

	limit := s.opts.HistoryLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be an integer")
		}
		if n < 1 || n > s.opts.MaxHistoryLimit {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", s.opts.MaxHistoryLimit))
		}
		limit = n
	}

	entries, err := s.store.Recent(c.Request().Context(), c.Param("room_id"), limit)
	if err != nil {
		slog.Error("load history", "room_id", c.Param("room_id"), "err", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "could not load history")
	}

	return c.JSON(http.StatusOK, historyResponse{
		Messages: lo.Map(entries, func(e store.Entry, _ int) historyMessage {
			return historyMessage{
				RoomID:    e.RoomID,
				Sender:    e.Sender,
				MType:     e.Kind,
				Message:   e.Body,
				Filename:  e.Filename,
				Encrypted: lo.Ternary(e.Encrypted, 1, 0),
				TS:        e.TS,
			}
		}),
	})
}

func (s *Server) handleLinkPreview(c echo.Context) error {
	raw := c.QueryParam("url")
	if raw == "" {
		raw = preview.FirstURL(c.QueryParam("text"))
	}

	p, err := s.previews.Fetch(c.Request().Context(), raw)
	switch {
	case errors.Is(err, preview.ErrInvalidURL):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, preview.ErrBlockedAddress):
		return echo.NewHTTPError(http.StatusForbidden, "url points to a private address")
	case err != nil:
		slog.Debug("link preview", "url", raw, "err", err)
		return echo.NewHTTPError(http.StatusBadGateway, "could not fetch url")
	}
	return c.JSON(http.StatusOK, p)
}
