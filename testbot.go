package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"cosmic/server/internal/protocol"
	"cosmic/server/internal/session"
)

// botTransport is an in-process session.Transport. Frames it "reads" are
// generated on a ticker; frames sent to it are discarded.
type botTransport struct {
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
	seq    int
}

func (b *botTransport) Send([]byte) error {
	select {
	case <-b.done:
		return io.ErrClosedPipe
	default:
		return nil
	}
}

func (b *botTransport) Close() error {
	b.once.Do(func() {
		b.ticker.Stop()
		close(b.done)
	})
	return nil
}

func (b *botTransport) ReadFrame() ([]byte, error) {
	select {
	case <-b.done:
		return nil, io.EOF
	case now := <-b.ticker.C:
		b.seq++
		return protocol.Encode(map[string]any{
			"type":      protocol.TypeMessage,
			"text":      fmt.Sprintf("test message #%d", b.seq),
			"ts":        now.UTC().Format(time.RFC3339),
			"messageId": fmt.Sprintf("testbot-%d", b.seq),
		}), nil
	}
}

// RunTestBot joins roomID as a virtual participant that posts a numbered
// message every interval until ctx is canceled. Its messages go through the
// normal session path, so they are persisted and relayed like any other.
func RunTestBot(ctx context.Context, sessions *session.Handler, roomID, name string, interval time.Duration) {
	params, err := session.ParseJoin(roomID, name, "")
	if err != nil {
		slog.Error("testbot: invalid parameters", "err", err)
		return
	}
	bot := &botTransport{ticker: time.NewTicker(interval), done: make(chan struct{})}

	slog.Info("testbot connected", "room_id", roomID, "name", name, "interval", interval)
	if err := sessions.Serve(ctx, params, bot); err != nil {
		slog.Warn("testbot stopped", "room_id", roomID, "err", err)
		return
	}
	slog.Info("testbot disconnected", "room_id", roomID, "name", name)
}
