package replication

import (
	"context"
	"errors"
	"sync"
)

// ErrTransportClosed is returned by Send and Receive after Close.
var ErrTransportClosed = errors.New("replication transport closed")

// Transport moves messages between two nodes. Ordering and reliability are
// the transport's concern. Send and Receive may be called from different
// goroutines, but each only from one at a time.
type Transport interface {
	Send(ctx context.Context, m *Message) error
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

// Dialer opens a transport to a primary.
type Dialer interface {
	Dial(ctx context.Context, address string) (Transport, error)
}

// pipeTransport is one end of an in-process connection. Messages are
// encoded on Send so both ends share nothing.
type pipeTransport struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	peer   *pipeTransport
	once   sync.Once
}

// NewPipe returns two connected in-memory transports.
func NewPipe() (Transport, Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &pipeTransport{in: ba, out: ab, closed: make(chan struct{})}
	b := &pipeTransport{in: ab, out: ba, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeTransport) Send(ctx context.Context, m *Message) error {
	data, err := MarshalMessage(m)
	if err != nil {
		return err
	}
	select {
	case <-p.closed:
		return ErrTransportClosed
	case <-p.peer.closed:
		return ErrTransportClosed
	default:
	}
	select {
	case p.out <- data:
		return nil
	case <-p.closed:
		return ErrTransportClosed
	case <-p.peer.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case data := <-p.in:
		return UnmarshalMessage(data)
	case <-p.closed:
		return nil, ErrTransportClosed
	case <-p.peer.closed:
		// Deliver what the peer sent before closing.
		select {
		case data := <-p.in:
			return UnmarshalMessage(data)
		default:
			return nil, ErrTransportClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeTransport) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

// PipeDialer hands out pipe transports and passes the server end to Accept.
type PipeDialer struct {
	Accept func(t Transport)
}

// Dial creates a pipe, hands one end to Accept and returns the other.
func (d PipeDialer) Dial(ctx context.Context, _ string) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, server := NewPipe()
	go d.Accept(server)
	return client, nil
}
