package ipc

import (
	"net"
	"sync"
	"time"
)

// Channel is a framed message connection between host and worker. Sends are
// safe for concurrent use; receives are expected to be driven by a single
// reader loop.
type Channel struct {
	conn net.Conn

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}

	writeTimeout time.Duration
	readTimeout  time.Duration
}

// NewChannel wraps conn in a framed channel. Zero timeouts disable the
// per-operation deadlines, which is what the worker side wants since it
// blocks on Recv indefinitely between hook calls.
func NewChannel(conn net.Conn, readTimeout, writeTimeout time.Duration) *Channel {
	return &Channel{
		conn:         conn,
		closed:       make(chan struct{}),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Send writes one message to the peer.
func (c *Channel) Send(msg Message) error {
	select {
	case <-c.closed:
		return ErrChannelClosed
	default:
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return WriteFrame(c.conn, msg)
}

// Recv blocks until one message arrives from the peer.
func (c *Channel) Recv() (Message, error) {
	select {
	case <-c.closed:
		return Message{}, ErrChannelClosed
	default:
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	if c.readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return ReadFrame(c.conn)
}

// RecvTimeout blocks until one message arrives or d elapses.
func (c *Channel) RecvTimeout(d time.Duration) (Message, error) {
	select {
	case <-c.closed:
		return Message{}, ErrChannelClosed
	default:
	}
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	_ = c.conn.SetReadDeadline(time.Now().Add(d))
	msg, err := ReadFrame(c.conn)
	_ = c.conn.SetReadDeadline(time.Time{})
	return msg, err
}

// Close tears down the underlying connection. Safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
