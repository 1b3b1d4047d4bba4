package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"cosmic/server/internal/config"
	"cosmic/server/internal/core"
	"cosmic/server/internal/httpapi"
	"cosmic/server/internal/session"
	"cosmic/server/internal/store"
	"cosmic/server/internal/ws"
	"cosmic/server/internal/wt"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg, args, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(newLogger(cfg, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(args) > 0 {
		handled, err := RunCLI(ctx, args, cfg, os.Stdout)
		if !handled {
			fmt.Fprintf(os.Stderr, "unknown command %q\n%s", args[0], usage)
			os.Exit(2)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "wt_addr", cfg.WTAddr)
	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// newLogger builds the process logger. Dev builds log at debug level.
func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.DB)
	if err != nil {
		return fmt.Errorf("open message store: %w", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close message store", "err", closeErr)
		}
	}()

	registry := core.NewRegistry(cfg.PasswordCost)
	sessions := session.NewHandler(registry, st, session.Options{
		FrameRate:  cfg.FrameRate,
		FrameBurst: cfg.FrameBurst,
	})
	wsHandler := ws.NewHandler(sessions, ws.Options{
		MaxFrameBytes: cfg.MaxFrameBytes,
		SendQueue:     cfg.SendQueue,
		SendTimeout:   cfg.SendTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		PingInterval:  cfg.PingInterval,
	})
	api := httpapi.New(registry, st, wsHandler, httpapi.Options{
		HistoryLimit:        cfg.HistoryLimit,
		MaxHistoryLimit:     cfg.MaxHistoryLimit,
		PreviewTimeout:      cfg.PreviewTimeout,
		PreviewAllowPrivate: cfg.PreviewAllowPrivate,
	})

	// Everything that can fail is built before the first listener starts.
	var wtServer *wt.Server
	if cfg.WTAddr != "" {
		tlsConfig, err := webTransportTLS(cfg)
		if err != nil {
			return fmt.Errorf("webtransport tls: %w", err)
		}
		wtServer = wt.NewServer(cfg.WTAddr, tlsConfig, sessions, wt.Options{
			MaxFrameBytes: cfg.MaxFrameBytes,
			SendQueue:     cfg.SendQueue,
			SendTimeout:   cfg.SendTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(gctx, cfg.Addr) })
	if wtServer != nil {
		g.Go(func() error { return wtServer.Run(gctx) })
	}

	g.Go(func() error {
		RunMetrics(gctx, registry, cfg.MetricsInterval)
		return nil
	})

	if cfg.TestBotRoom != "" {
		g.Go(func() error {
			RunTestBot(gctx, sessions, cfg.TestBotRoom, testBotName, cfg.TestBotInterval)
			return nil
		})
	}

	return g.Wait()
}

func webTransportTLS(cfg config.Config) (*tls.Config, error) {
	if cfg.TLSCert != "" {
		return wt.LoadTLSConfig(cfg.TLSCert, cfg.TLSKey)
	}
	tlsConfig, fingerprint, err := wt.SelfSignedTLSConfig(selfSignedValidity, cfg.TLSHostname)
	if err != nil {
		return nil, err
	}
	slog.Info("generated self-signed certificate", "sha256", fingerprint, "valid_for", selfSignedValidity)
	return tlsConfig, nil
}
