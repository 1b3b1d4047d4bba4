// Package transport holds the pieces shared by the WebSocket and WebTransport
// front ends: a per-connection outbound queue with a single writer.
package transport

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport closed")
	// ErrSendTimeout is returned when the queue stays full for longer than
	// the send timeout.
	ErrSendTimeout = errors.New("send queue full")
)

// WriteFunc writes one frame to the peer. It is only ever called from the
// outbox's writer goroutine.
type WriteFunc func(frame []byte) error

// Outbox serialises frames to one peer. Frames are written in the order Send
// accepted them. A slow peer backs up its own queue only.
type Outbox struct {
	queue   chan []byte
	timeout time.Duration
	write   WriteFunc
	closeFn func() error

	quit      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

// NewOutbox starts a writer goroutine that feeds write from a queue of size
// frames. closeFn releases the underlying connection once the queue is
// flushed or a write fails.
func NewOutbox(size int, sendTimeout time.Duration, write WriteFunc, closeFn func() error) *Outbox {
	if size <= 0 {
		size = 1
	}
	o := &Outbox{
		queue:   make(chan []byte, size),
		timeout: sendTimeout,
		write:   write,
		closeFn: closeFn,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go o.run()
	return o
}

// Send enqueues frame. It fails with ErrClosed once the outbox is closed and
// with ErrSendTimeout if the queue does not drain in time.
func (o *Outbox) Send(frame []byte) error {
	select {
	case <-o.quit:
		return ErrClosed
	default:
	}

	select {
	case o.queue <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	select {
	case o.queue <- frame:
		return nil
	case <-o.quit:
		return ErrClosed
	case <-timer.C:
		return ErrSendTimeout
	}
}

// Close stops accepting frames. Frames already queued are still written
// before the connection is released. Close does not block; use Done to wait.
func (o *Outbox) Close() error {
	o.stop()
	return nil
}

// Done is closed once the writer has exited and the connection is released.
func (o *Outbox) Done() <-chan struct{} { return o.done }

// Wait blocks until Done or the timeout elapses.
func (o *Outbox) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-o.done:
		return true
	case <-t.C:
		return false
	}
}

func (o *Outbox) stop() {
	o.stopOnce.Do(func() { close(o.quit) })
}

func (o *Outbox) release() {
	o.closeOnce.Do(func() {
		if o.closeFn != nil {
			_ = o.closeFn()
		}
	})
}

func (o *Outbox) run() {
	defer close(o.done)
	defer o.release()

	for {
		select {
		case frame := <-o.queue:
			if err := o.write(frame); err != nil {
				o.stop()
				return
			}
		case <-o.quit:
			o.flush()
			return
		}
	}
}

func (o *Outbox) flush() {
	for {
		select {
		case frame := <-o.queue:
			if err := o.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
