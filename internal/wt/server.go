// Package wt serves the relay over WebTransport (HTTP/3). A client opens a
// session at /wt/{room_id}?name=&password=, then one bidirectional stream
// that carries newline-delimited frames in both directions.
package wt

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"cosmic/server/internal/core"
	"cosmic/server/internal/session"
)

const acceptStreamTimeout = 10 * time.Second

// Options tune the WebTransport transport.
type Options struct {
	MaxFrameBytes int64
	SendQueue     int
	SendTimeout   time.Duration
	WriteTimeout  time.Duration
}

// Server holds the WebTransport server.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	sessions  *session.Handler
	opts      Options
	wt        *webtransport.Server
}

func NewServer(addr string, tlsConfig *tls.Config, sessions *session.Handler, opts Options) *Server {
	return &Server{
		addr:      addr,
		tlsConfig: tlsConfig,
		sessions:  sessions,
		opts:      opts,
	}
}

// Run starts the WebTransport server and blocks until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: s.tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc("/wt/{room_id}", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		params, err := session.ParseJoin(r.PathValue("room_id"), q.Get("name"), q.Get("password"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.handleSession(ctx, sess, params)
	})

	slog.Info("webtransport listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	err := s.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleSession(ctx context.Context, sess *webtransport.Session, params session.JoinParams) {
	actx, cancel := context.WithTimeout(ctx, acceptStreamTimeout)
	stream, err := sess.AcceptStream(actx)
	cancel()
	if err != nil {
		slog.Debug("webtransport accept stream", "room_id", params.RoomID, "err", err)
		_ = sess.CloseWithError(0, "no stream")
		return
	}

	conn := newStreamConn(stream, s.opts, func() error {
		_ = stream.Close()
		return sess.CloseWithError(0, "bye")
	})

	err = s.sessions.Serve(ctx, params, conn)
	if err != nil && !errors.Is(err, core.ErrPasswordMismatch) {
		slog.Warn("webtransport session ended with error", "room_id", params.RoomID, "err", err)
	}
	_ = conn.Close()
	conn.outbox.Wait(s.opts.WriteTimeout + time.Second)
}
