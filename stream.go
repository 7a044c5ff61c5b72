// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
)

const (
	// streamHeaderSize is the big-endian frame length written into the
	// reserved bytes of each frame.
	streamHeaderSize = 4
	maxStreamFrame   = 64 * 1024 * 1024
)

// StreamTransport frames a byte stream with a length prefix. The prefix
// lives in the reserved leading bytes, so frames are written as they are.
type StreamTransport struct {
	rw      io.ReadWriteCloser
	writeMu sync.Mutex
	header  [streamHeaderSize]byte
	closed  atomic.Bool
}

// NewStreamTransport wraps rw. Connections using it need a custom offset of
// at least 4; Conn raises the offset automatically.
func NewStreamTransport(rw io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{rw: rw}
}

func (s *StreamTransport) HeaderSize() int { return streamHeaderSize }

func (s *StreamTransport) Send(ctx context.Context, frame []byte) error {
	if s.closed.Load() {
		return errors.Trace(ErrClosed)
	}
	if len(frame) < streamHeaderSize {
		return errors.NotValidf("frame of %d bytes", len(frame))
	}
	if err := ctx.Err(); err != nil {
		return errors.Trace(err)
	}
	binary.BigEndian.PutUint32(frame, uint32(len(frame)-streamHeaderSize))

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if c, ok := s.rw.(net.Conn); ok {
		deadline, _ := ctx.Deadline()
		_ = c.SetWriteDeadline(deadline)
		// A cancelled context unblocks the write.
		stop := context.AfterFunc(ctx, func() { _ = c.SetWriteDeadline(time.Now()) })
		defer stop()
	}
	if _, err := s.rw.Write(frame); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Trace(ctxErr)
		}
		return errors.Annotate(err, "stream write")
	}
	return nil
}

func (s *StreamTransport) Recv(ctx context.Context) ([]byte, error) {
	if c, ok := s.rw.(net.Conn); ok {
		deadline, _ := ctx.Deadline()
		_ = c.SetReadDeadline(deadline)
	}
	if _, err := io.ReadFull(s.rw, s.header[:]); err != nil {
		return nil, s.readErr(err)
	}
	n := binary.BigEndian.Uint32(s.header[:])
	if n == 0 || n > maxStreamFrame {
		return nil, errors.NotValidf("stream frame length %d", n)
	}
	frame := make([]byte, streamHeaderSize+int(n))
	copy(frame, s.header[:])
	if _, err := io.ReadFull(s.rw, frame[streamHeaderSize:]); err != nil {
		return nil, s.readErr(err)
	}
	return frame, nil
}

func (s *StreamTransport) readErr(err error) error {
	if s.closed.Load() {
		return errors.Trace(ErrClosed)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Annotate(ErrClosed, "peer hung up")
	}
	return errors.Annotate(err, "stream read")
}

func (s *StreamTransport) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.rw.Close()
}

func dialStream(ctx context.Context, addr string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "stream dial %s", addr)
	}
	return NewStreamTransport(conn), nil
}

// streamListener accepts TCP connections as stream transports.
type streamListener struct {
	listener net.Listener
	closed   atomic.Bool
}

func listenStream(addr string) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "stream listen %s", addr)
	}
	return &streamListener{listener: l}, nil
}

func (l *streamListener) Accept() (Transport, error) {
	for {
		conn, err := l.listener.Accept()
		if err == nil {
			return NewStreamTransport(conn), nil
		}
		if l.closed.Load() {
			return nil, errors.Trace(ErrClosed)
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		return nil, errors.Annotate(err, "stream accept")
	}
}

func (l *streamListener) Close() error {
	l.closed.Store(true)
	return l.listener.Close()
}

func (l *streamListener) Addr() string {
	return l.listener.Addr().String()
}
