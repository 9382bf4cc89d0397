package connectjob

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-fit/netpool/pool"
)

// tlsOrPlainConn adapts a net.Conn (plain or wrapped in *tls.Conn) to
// pool.StreamSocket, tracking whether any application data has moved over
// it yet for the used/never-used idle partition.
type tlsOrPlainConn struct {
	net.Conn
	used   atomic.Bool
	closed atomic.Bool
}

func (c *tlsOrPlainConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

// IsConnected is the lightweight liveness check applied to a socket that
// has never been handed to a caller yet (e.g. a preconnected or
// just-returned-unused one): just whether Close has been called. A
// never-used socket may legitimately have unread bytes queued already
// (a protocol greeting) without that meaning anything is wrong, so it gets
// no deeper read check here.
func (c *tlsOrPlainConn) IsConnected() bool {
	return !c.closed.Load()
}

// IsConnectedAndIdle is the stronger check applied to a socket that was
// previously handed to a Request: a non-blocking one-byte read, the same
// idiom net/http's transport uses to decide whether an idle connection is
// still alive. Arm an immediately-expiring read deadline and attempt a
// 1-byte read; a timeout means nothing arrived and the peer hasn't closed,
// so the socket is both connected and idle. Any other outcome — EOF, a
// reset, or data having actually arrived — means the peer sent something
// the caller's protocol never consumed, and the socket is not safe to
// hand to a new Request.
func (c *tlsOrPlainConn) IsConnectedAndIdle() bool {
	if c.closed.Load() {
		return false
	}
	if err := c.Conn.SetReadDeadline(time.Now()); err != nil {
		return false
	}
	defer c.Conn.SetReadDeadline(time.Time{})

	var buf [1]byte
	n, err := c.Conn.Read(buf[:])
	if n > 0 || err == nil {
		return false
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (c *tlsOrPlainConn) WasEverUsed() bool {
	return c.used.Load()
}

// MarkUsed records that the caller performed application I/O on this
// socket. Call sites that wrap StreamSocket.Read/Write should call this so
// a later ReleaseSocket correctly idles it into the used-idle partition.
func (c *tlsOrPlainConn) MarkUsed() {
	c.used.Store(true)
}

// translateDialError maps a raw dial/handshake error onto the pool's stable
// error taxonomy so callers can compare with errors.Is instead
// of inspecting net.Error internals.
func translateDialError(err error) error {
	if err == nil {
		return nil
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return pool.ErrNameNotResolved
	}
	return pool.ErrConnectionFailed
}
