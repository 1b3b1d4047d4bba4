package wt

import (
	"bufio"
	"io"
	"time"

	"cosmic/server/internal/transport"
)

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// streamConn carries newline-delimited frames over one reliable stream and
// adapts it to session.Transport.
type streamConn struct {
	rwc     io.ReadWriteCloser
	scanner *bufio.Scanner
	outbox  *transport.Outbox
	opts    Options
}

func newStreamConn(rwc io.ReadWriteCloser, opts Options, release func() error) *streamConn {
	c := &streamConn{rwc: rwc, opts: opts}

	c.scanner = bufio.NewScanner(rwc)
	limit := int(opts.MaxFrameBytes)
	if limit <= 0 {
		limit = bufio.MaxScanTokenSize
	}
	c.scanner.Buffer(make([]byte, 0, 4096), limit+1)

	if release == nil {
		release = rwc.Close
	}
	c.outbox = transport.NewOutbox(opts.SendQueue, opts.SendTimeout, c.write, release)
	return c
}

func (c *streamConn) write(frame []byte) error {
	if d, ok := c.rwc.(writeDeadliner); ok && c.opts.WriteTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	line := make([]byte, 0, len(frame)+1)
	line = append(line, frame...)
	line = append(line, '\n')
	_, err := c.rwc.Write(line)
	return err
}

func (c *streamConn) Send(payload []byte) error { return c.outbox.Send(payload) }

func (c *streamConn) Close() error { return c.outbox.Close() }

// ReadFrame returns the next line without its terminator. Empty lines are
// skipped.
func (c *streamConn) ReadFrame() ([]byte, error) {
	for c.scanner.Scan() {
		line := c.scanner.Bytes()
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := c.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
