package ws

import (
	"time"

	"github.com/gorilla/websocket"

	"cosmic/server/internal/metrics"
	"cosmic/server/internal/transport"
)

// wsConn adapts a gorilla connection to session.Transport. Writes go through
// an Outbox so the socket only ever has one writer.
type wsConn struct {
	conn   *websocket.Conn
	outbox *transport.Outbox
	opts   Options
}

func newConn(conn *websocket.Conn, opts Options) *wsConn {
	c := &wsConn{conn: conn, opts: opts}
	c.outbox = transport.NewOutbox(opts.SendQueue, opts.SendTimeout, c.write, c.release)
	return c
}

func (c *wsConn) write(frame []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) release() error {
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}

func (c *wsConn) Send(payload []byte) error { return c.outbox.Send(payload) }

func (c *wsConn) Close() error { return c.outbox.Close() }

// ReadFrame returns the next text message. Binary messages are discarded.
func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage {
			return data, nil
		}
		metrics.Frames.WithLabelValues("binary").Inc()
	}
}

// keepalive pings the peer until the outbox is done. A missed pong lets the
// read deadline expire, which ends the session.
func (c *wsConn) keepalive() {
	if c.opts.PingInterval <= 0 {
		return
	}
	pongWait := c.opts.PingInterval * 2
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.outbox.Done():
				return
			case <-ticker.C:
				if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
					return
				}
			}
		}
	}()
}
