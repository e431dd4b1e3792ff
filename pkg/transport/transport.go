// Package transport implements the line-oriented ASCII wire protocol
// spoken between the master and a worker: short command lines
// ("ready <id> <cores> <mem> <disk>", "put <remote> <policy> <len>",
// "work <id> <attempt> <cmdlen> <nfiles>", "ping"/"pong", ...; pkg/wire
// defines each verb's fields) each followed, when the command carries
// one, by exactly the announced number of raw bytes.
//
// A Conn wraps a net.Conn with a buffered reader and enforces MaxLine
// on every line read, so a malformed peer can't force unbounded
// buffering. Deadlines are absolute (per Go's net.Conn.SetDeadline)
// rather than relative, matching the keepalive/heartbeat timeouts the
// queue and worker session track.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxLine bounds one command line, including the trailing newline.
const MaxLine = 4096

// Conn is a buffered, line-and-binary framed connection.
type Conn struct {
	nc     net.Conn
	reader *bufio.Reader
}

// NewConn wraps an established net.Conn.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, reader: bufio.NewReaderSize(nc, MaxLine)}
}

// Dial connects to addr. If tlsConfig is non-nil the connection is
// upgraded to TLS before the handshake completes.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*Conn, error) {
	d := net.Dialer{}
	var (
		nc  net.Conn
		err error
	)
	if tlsConfig != nil {
		tlsDialer := tls.Dialer{NetDialer: &d, Config: tlsConfig}
		nc, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		nc, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(nc), nil
}

// Listen opens a TCP listener on addr, optionally wrapped in TLS.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	return ln, nil
}

// SetDeadline sets an absolute read/write deadline on the underlying
// connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// WriteLine writes one command line, appending the trailing newline.
// The caller must ensure line (plus newline) does not exceed MaxLine.
func (c *Conn) WriteLine(line string) error {
	if len(line)+1 > MaxLine {
		return fmt.Errorf("transport: line exceeds %d bytes", MaxLine)
	}
	_, err := fmt.Fprintf(c.nc, "%s\n", line)
	return err
}

// ReadLine reads one newline-terminated command line, the newline
// stripped. Returns an error if no newline appears within MaxLine
// bytes.
func (c *Conn) ReadLine() (string, error) {
	line, err := c.reader.ReadSlice('\n')
	if err == bufio.ErrBufferFull {
		return "", fmt.Errorf("transport: line exceeds %d bytes", MaxLine)
	}
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return "", fmt.Errorf("transport: unterminated line")
		}
		return "", err
	}
	return string(line[:len(line)-1]), nil
}

// WriteBinary writes exactly len(data) raw bytes, no framing of its
// own — the preceding command line announces the length.
func (c *Conn) WriteBinary(data []byte) error {
	_, err := c.nc.Write(data)
	return err
}

// ReadBinary reads exactly n raw bytes.
func (c *Conn) ReadBinary(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// CopyBinary streams exactly n raw bytes from the connection to w,
// for large outputs the caller doesn't want buffered in memory.
func (c *Conn) CopyBinary(w io.Writer, n int64) error {
	_, err := io.CopyN(w, c.reader, n)
	return err
}
