// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"

	"github.com/juju/errors"
)

// DialOption configures Dial and Listen.
type DialOption func(*dialOptions)

type dialOptions struct {
	transport string // "stream", "grpc"
}

// WithTransport explicitly sets the transport type
func WithTransport(t string) DialOption {
	return func(o *dialOptions) { o.transport = t }
}

func newDialOptions(opts []DialOption) *dialOptions {
	o := &dialOptions{transport: DefaultTransport}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Dial connects to addr using the default transport (stream) unless
// WithTransport selects another.
func Dial(ctx context.Context, addr string, opts ...DialOption) (Transport, error) {
	o := newDialOptions(opts)
	t, err := lookupTransport(o.transport)
	if err != nil {
		return nil, err
	}
	return t.dial(ctx, addr)
}

// Listen accepts transports on addr.
func Listen(addr string, opts ...DialOption) (Listener, error) {
	o := newDialOptions(opts)
	t, err := lookupTransport(o.transport)
	if err != nil {
		return nil, err
	}
	return t.listen(addr)
}

// DialConn dials addr and starts a Conn for reg over the new transport.
// b may be nil for a connection that only calls and subscribes.
func DialConn(ctx context.Context, addr string, reg *Registry, b *Bindings, dialOpts []DialOption, opts ...ConnOption) (*Conn, error) {
	t, err := Dial(ctx, addr, dialOpts...)
	if err != nil {
		return nil, err
	}
	c, err := startConn(t, reg, b, opts)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return c, nil
}

// AcceptConn waits for the next transport on l and starts a Conn serving b
// over it.
func AcceptConn(l Listener, reg *Registry, b *Bindings, opts ...ConnOption) (*Conn, error) {
	t, err := l.Accept()
	if err != nil {
		return nil, err
	}
	c, err := startConn(t, reg, b, opts)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	return c, nil
}

func startConn(t Transport, reg *Registry, b *Bindings, opts []ConnOption) (*Conn, error) {
	c := NewConn(reg, t, opts...)
	if err := c.Serve(b); err != nil {
		return nil, errors.Trace(err)
	}
	c.Start()
	return c, nil
}
