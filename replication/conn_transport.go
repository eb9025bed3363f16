package replication

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// MaxFrameSize bounds one encoded message on a stream connection. Snapshots
// travel in a single frame.
const MaxFrameSize = 512 * 1024 * 1024

// frameHeaderSize is the big-endian uint32 length prefix.
const frameHeaderSize = 4

// connTransport frames messages over a net.Conn as length | body.
type connTransport struct {
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	header  [frameHeaderSize]byte
}

// NewConnTransport wraps conn. The transport owns the connection.
func NewConnTransport(conn net.Conn) Transport {
	return &connTransport{conn: conn, reader: bufio.NewReaderSize(conn, 64*1024)}
}

func (c *connTransport) Send(ctx context.Context, m *Message) error {
	body, err := MarshalMessage(m)
	if err != nil {
		return err
	}
	if len(body) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformedMessage, len(body))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	stop := c.watch(ctx, c.conn.SetWriteDeadline)
	defer stop()

	binary.BigEndian.PutUint32(c.header[:], uint32(len(body)))
	if _, err := c.conn.Write(c.header[:]); err != nil {
		return c.wrapErr(ctx, err)
	}
	if _, err := c.conn.Write(body); err != nil {
		return c.wrapErr(ctx, err)
	}
	return nil
}

func (c *connTransport) Receive(ctx context.Context) (*Message, error) {
	stop := c.watch(ctx, c.conn.SetReadDeadline)
	defer stop()

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(c.reader, header[:]); err != nil {
		return nil, c.wrapErr(ctx, err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformedMessage, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(c.reader, body); err != nil {
		return nil, c.wrapErr(ctx, err)
	}
	return UnmarshalMessage(body)
}

// watch applies the context deadline to the connection and interrupts the
// blocked call when ctx is cancelled. The returned func waits for a pending
// interrupt, so it must run before the next call on the same direction.
func (c *connTransport) watch(ctx context.Context, setDeadline func(time.Time) error) func() {
	if dl, ok := ctx.Deadline(); ok {
		_ = setDeadline(dl)
	} else {
		_ = setDeadline(time.Time{})
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = setDeadline(time.Now())
	})
	return func() {
		if stop() {
			return
		}
		// The interrupt must land before the next call sets its own deadline.
		<-fired
		_ = setDeadline(time.Time{})
	}
}

func (c *connTransport) wrapErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return context.DeadlineExceeded
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return ErrTransportClosed
	}
	return err
}

func (c *connTransport) Close() error {
	return c.conn.Close()
}

// TCPDialer opens framed TCP connections, optionally over TLS.
type TCPDialer struct {
	Timeout time.Duration
	TLS     *tls.Config
}

func (d TCPDialer) Dial(ctx context.Context, address string) (Transport, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	var (
		conn net.Conn
		err  error
	)
	if d.TLS != nil {
		td := &tls.Dialer{NetDialer: nd, Config: d.TLS}
		conn, err = td.DialContext(ctx, "tcp", address)
	} else {
		conn, err = nd.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial primary at %s: %w", address, err)
	}
	return NewConnTransport(conn), nil
}

// ListenerDialer dials through a function returning raw connections, such as
// an in-memory listener in tests.
type ListenerDialer struct {
	DialConn func() (net.Conn, error)
}

func (d ListenerDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := d.DialConn()
	if err != nil {
		return nil, err
	}
	return NewConnTransport(conn), nil
}
