// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	grpcServiceName = "duplex.Duplex"
	grpcFramesPath  = "/" + grpcServiceName + "/Frames"
)

// rawFrame is the gRPC message type: one duplex frame, unframed.
type rawFrame struct {
	b []byte
}

// rawCodec passes frames through gRPC untouched.
type rawCodec struct{}

func (rawCodec) Name() string { return "duplex-raw" }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*rawFrame)
	if !ok {
		return nil, errors.NotValidf("grpc message %T", v)
	}
	// gRPC may still hold the bytes after SendMsg returns.
	return append([]byte(nil), f.b...), nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return errors.NotValidf("grpc message %T", v)
	}
	f.b = append(f.b[:0], data...)
	return nil
}

type framesServer interface {
	frames(stream grpc.ServerStream) error
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcServiceName,
	HandlerType: (*framesServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: "Frames",
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			return srv.(framesServer).frames(stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
}

// msgStream is the part of the client and server streams the transport
// uses.
type msgStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// GRPCTransport carries frames over one bidirectional gRPC stream.
type GRPCTransport struct {
	stream msgStream
	sendMu sync.Mutex
	closed atomic.Bool
	done   chan struct{}
	close  func() error
}

func newGRPCTransport(stream msgStream, closeFn func() error) *GRPCTransport {
	return &GRPCTransport{stream: stream, done: make(chan struct{}), close: closeFn}
}

func (g *GRPCTransport) HeaderSize() int { return 0 }

func (g *GRPCTransport) Send(ctx context.Context, frame []byte) error {
	if g.closed.Load() {
		return errors.Trace(ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	if err := g.stream.SendMsg(&rawFrame{b: frame}); err != nil {
		return errors.Annotate(err, "grpc send")
	}
	return nil
}

// Recv blocks until a frame arrives or the stream ends. Closing the
// transport unblocks it.
func (g *GRPCTransport) Recv(ctx context.Context) ([]byte, error) {
	f := &rawFrame{}
	if err := g.stream.RecvMsg(f); err != nil {
		if g.closed.Load() {
			return nil, errors.Trace(ErrClosed)
		}
		return nil, errors.Annotate(err, "grpc recv")
	}
	return f.b, nil
}

func (g *GRPCTransport) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	close(g.done)
	if g.close != nil {
		return g.close()
	}
	return nil
}

// DialGRPC opens a frame stream to a gRPC duplex server.
func DialGRPC(ctx context.Context, addr string, opts ...grpc.DialOption) (*GRPCTransport, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Annotatef(err, "grpc dial %s", addr)
	}
	// The stream outlives ctx; Close cancels it.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := conn.NewStream(streamCtx, &grpcServiceDesc.Streams[0], grpcFramesPath)
	stop()
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, errors.Annotatef(err, "grpc stream %s", addr)
	}
	return newGRPCTransport(stream, func() error {
		_ = stream.CloseSend()
		cancel()
		return conn.Close()
	}), nil
}

func dialGRPC(ctx context.Context, addr string) (Transport, error) {
	return DialGRPC(ctx, addr)
}

// GRPCServer accepts frame streams as transports.
type GRPCServer struct {
	server   *grpc.Server
	listener net.Listener
	accepted chan *GRPCTransport
	done     chan struct{}
	once     sync.Once
}

// NewGRPCServer serves the frame stream service on l.
func NewGRPCServer(l net.Listener, opts ...grpc.ServerOption) *GRPCServer {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(rawCodec{})}, opts...)
	s := &GRPCServer{
		server:   grpc.NewServer(opts...),
		listener: l,
		accepted: make(chan *GRPCTransport),
		done:     make(chan struct{}),
	}
	s.server.RegisterService(&grpcServiceDesc, s)
	go func() { _ = s.server.Serve(l) }()
	return s
}

// frames hands the stream to Accept and holds it open until the
// transport is closed or the client goes away.
func (s *GRPCServer) frames(stream grpc.ServerStream) error {
	t := newGRPCTransport(stream, nil)
	select {
	case s.accepted <- t:
	case <-s.done:
		return errors.Trace(ErrClosed)
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
	select {
	case <-t.done:
	case <-s.done:
	case <-stream.Context().Done():
	}
	return nil
}

func (s *GRPCServer) Accept() (Transport, error) {
	select {
	case t := <-s.accepted:
		return t, nil
	case <-s.done:
		return nil, errors.Trace(ErrClosed)
	}
}

func (s *GRPCServer) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.server.Stop()
	})
	return nil
}

func (s *GRPCServer) Addr() string {
	return s.listener.Addr().String()
}

func listenGRPC(addr string) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "grpc listen %s", addr)
	}
	return NewGRPCServer(l), nil
}
