package sheepdog

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrConnectionClosed is returned by readAll when the peer closes the
// connection mid-response (a zero-byte read).
var ErrConnectionClosed = errors.New("sheepdog: connection closed by peer")

// statConn wraps a net.Conn with byte counters, in the style of the
// sockstats connection wrapper: a thin embedding that tracks traffic
// without changing the read/write contract.
type statConn struct {
	net.Conn
	sent atomic.Int64
	recv atomic.Int64
}

func (c *statConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.recv.Add(int64(n))
	return n, err
}

func (c *statConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.sent.Add(int64(n))
	return n, err
}

// Connection is a single TCP endpoint wrapping one socket to a Sheepdog
// daemon. All higher layers treat it as the only I/O surface: blocking,
// synchronous, and serialized (one request's response is fully consumed
// before the next request is sent).
type Connection struct {
	conn *statConn
}

// Dial connects to addr (host:port), retrying the connection attempt
// itself when interrupted by a signal (EINTR), and trying every address
// the resolver returns in turn.
func Dial(addr string) (*Connection, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "sheepdog: invalid endpoint %q", addr)
	}

	ips, err := net.LookupHost(host)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "sheepdog: resolve %q", host)
	}

	var lastErr error
	for _, ip := range ips {
		c, err := dialOneWithRetry(net.JoinHostPort(ip, port))
		if err == nil {
			return &Connection{conn: &statConn{Conn: c}}, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses returned")
	}
	return nil, pkgerrors.Wrapf(lastErr, "sheepdog: dial %q", addr)
}

func dialOneWithRetry(addr string) (net.Conn, error) {
	for {
		c, err := net.DialTimeout("tcp", addr, 10*time.Second)
		if err == nil {
			return c, nil
		}
		if isEINTR(err) {
			continue
		}
		return nil, err
	}
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// BytesSent and BytesRecv report cumulative traffic on this connection.
func (c *Connection) BytesSent() int64 { return c.conn.sent.Load() }
func (c *Connection) BytesRecv() int64 { return c.conn.recv.Load() }

// writeAll writes every byte of every buffer in bufs, in order, retrying
// on EINTR/EAGAIN and resuming after a partial write. Any other error
// fails the operation.
func (c *Connection) writeAll(bufs ...[]byte) error {
	for _, b := range bufs {
		for len(b) > 0 {
			n, err := c.conn.Write(b)
			if n > 0 {
				b = b[n:]
			}
			if err != nil {
				if isEINTR(err) || isEAGAIN(err) {
					continue
				}
				return pkgerrors.Wrap(err, "sheepdog: write")
			}
		}
	}
	return nil
}

// readAll reads exactly len(buf) bytes into buf, retrying on EINTR/EAGAIN
// and resuming after a short read. A zero-byte read from the socket (the
// peer closed the connection) fails with ErrConnectionClosed.
func (c *Connection) readAll(buf []byte) error {
	for len(buf) > 0 {
		n, err := c.conn.Read(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil {
			if isEINTR(err) || isEAGAIN(err) {
				continue
			}
			if err == io.EOF {
				return ErrConnectionClosed
			}
			return pkgerrors.Wrap(err, "sheepdog: read")
		}
		if n == 0 {
			return ErrConnectionClosed
		}
	}
	return nil
}

func isEINTR(err error) bool {
	return errors.Is(err, syscall.EINTR) || errors.Is(err, unix.EINTR)
}

func isEAGAIN(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, unix.EAGAIN)
}
