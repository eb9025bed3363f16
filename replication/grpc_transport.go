package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	grpcServiceName = "livedb.replication.Replication"
	grpcStreamName  = "Stream"
	grpcMethod      = "/" + grpcServiceName + "/" + grpcStreamName
	grpcCodecName   = "livedb-replication"
)

// messageCodec lets gRPC carry *Message using the protowire encoding, so
// no generated code is needed.
type messageCodec struct{}

func (messageCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(*Message)
	if !ok {
		return nil, fmt.Errorf("replication codec: unexpected type %T", v)
	}
	return MarshalMessage(m)
}

func (messageCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(*Message)
	if !ok {
		return fmt.Errorf("replication codec: unexpected type %T", v)
	}
	decoded, err := UnmarshalMessage(data)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

func (messageCodec) Name() string { return grpcCodecName }

// StreamServer is implemented by the value registered for the replication service.
type StreamServer interface {
	ServeStream(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*StreamServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    grpcStreamName,
			Handler:       streamHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	return srv.(StreamServer).ServeStream(stream)
}

// NewGRPCServer creates a gRPC server serving s's replication stream. opts
// may add credentials or interceptors.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ForceServerCodec(messageCodec{}))
	gs := grpc.NewServer(opts...)
	gs.RegisterService(&serviceDesc, &grpcService{server: s})
	return gs
}

type grpcService struct {
	server *Server
}

func (g *grpcService) ServeStream(stream grpc.ServerStream) error {
	t := newGRPCStreamTransport(stream, nil)
	err := g.server.ServeTransport(stream.Context(), t)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, ErrTransportClosed) {
		return status.Error(codes.Aborted, err.Error())
	}
	return nil
}

// grpcStream is the part shared by client and server streams.
type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
	Context() context.Context
}

// grpcStreamTransport adapts a bidi stream. A reader goroutine feeds
// Receive so it can honour the caller's context.
type grpcStreamTransport struct {
	stream  grpcStream
	onClose func() error

	recv     chan *Message
	recvErr  error
	done     chan struct{}
	closed   chan struct{}
	once     sync.Once
	closeErr error
	sendMu   sync.Mutex
}

func newGRPCStreamTransport(stream grpcStream, onClose func() error) *grpcStreamTransport {
	t := &grpcStreamTransport{
		stream:  stream,
		onClose: onClose,
		recv:    make(chan *Message, 16),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go t.readLoop()
	return t
}

func (t *grpcStreamTransport) readLoop() {
	defer close(t.done)
	for {
		m := new(Message)
		if err := t.stream.RecvMsg(m); err != nil {
			t.recvErr = err
			return
		}
		select {
		case t.recv <- m:
		case <-t.closed:
			return
		}
	}
}

func (t *grpcStreamTransport) Send(ctx context.Context, m *Message) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if err := t.stream.SendMsg(m); err != nil {
		return grpcErr(err)
	}
	return nil
}

func (t *grpcStreamTransport) Receive(ctx context.Context) (*Message, error) {
	select {
	case m := <-t.recv:
		return m, nil
	case <-t.done:
		select {
		case m := <-t.recv:
			return m, nil
		default:
		}
		return nil, grpcErr(t.recvErr)
	case <-t.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *grpcStreamTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		if t.onClose != nil {
			t.closeErr = t.onClose()
		}
	})
	return t.closeErr
}

func grpcErr(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return ErrTransportClosed
	}
	switch status.Code(err) {
	case codes.Canceled, codes.Unavailable:
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return err
}

// GRPCDialer opens a replication stream over gRPC. DialOptions must include
// transport credentials.
type GRPCDialer struct {
	DialOptions []grpc.DialOption
}

func (d GRPCDialer) Dial(ctx context.Context, address string) (Transport, error) {
	conn, err := grpc.NewClient(address, d.DialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary at %s: %w", address, err)
	}
	// The stream outlives Dial, so it gets its own context cancelled on Close.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := conn.NewStream(streamCtx, &serviceDesc.Streams[0], grpcMethod, grpc.ForceCodec(messageCodec{}))
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to open replication stream to %s: %w", address, err)
	}
	return newGRPCStreamTransport(stream, func() error {
		_ = stream.CloseSend()
		cancel()
		return conn.Close()
	}), nil
}
