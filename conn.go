// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// eventQueueDepth bounds trigger frames waiting for local handlers before
// the read loop blocks.
const eventQueueDepth = 256

// Conn is one end of a duplex connection. Either end may call methods on
// and subscribe to events of the other; both ends share one Registry
// shape.
type Conn struct {
	id   string
	reg  *Registry
	tr   Transport
	opts *connOptions
	log  logrus.FieldLogger

	disp *Dispatcher
	exec *Executor
	subs *Subscriber
	pub  *Publisher

	ctx    context.Context
	cancel context.CancelFunc

	events   chan []byte
	started  atomic.Bool
	readDone chan struct{}
	calls    sync.WaitGroup

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewConn creates an endpoint for reg over t. The custom offset is raised
// to the transport header size when smaller; the other end must end up
// with the same value.
func NewConn(reg *Registry, t Transport, opts ...ConnOption) *Conn {
	o := newConnOptions(opts)
	if h := t.HeaderSize(); o.offset < h {
		o.offset = h
	}
	id := uuid.NewString()
	o.log = o.log.WithField("peer", id)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:       id,
		reg:      reg,
		tr:       t,
		opts:     o,
		log:      o.log.WithField("interface", reg.Name()),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan []byte, eventQueueDepth),
		readDone: make(chan struct{}),
	}
	c.disp = newDispatcher(reg, c.Send, o)
	c.exec = newExecutor(reg, o)
	c.subs = newSubscriber(reg, c.Send, o)
	c.pub = newPublisher(reg, o)
	return c
}

// ID identifies the remote peer of this Conn to the local publisher.
func (c *Conn) ID() string { return c.id }

// Send writes a raw frame to the transport.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	if c.ctx.Err() != nil {
		return errors.Trace(ErrClosed)
	}
	return c.tr.Send(ctx, frame)
}

// Serve installs the local implementation answering calls and raising
// events. b may be nil.
func (c *Conn) Serve(b *Bindings) error {
	if err := c.exec.SetBindings(b); err != nil {
		return err
	}
	return c.pub.SetBindings(b)
}

// Start begins reading frames. It must be called once, after Serve.
func (c *Conn) Start() {
	if c.started.Swap(true) {
		return
	}
	go c.deliverEvents()
	go c.readLoop()
}

func (c *Conn) readLoop() {
	defer close(c.readDone)
	defer close(c.events)
	for {
		frame, err := c.tr.Recv(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.WithError(err).Debug("read loop ended")
				c.shutdown(err)
			}
			return
		}
		c.route(frame)
	}
}

func (c *Conn) route(frame []byte) {
	op, err := ReadOpcode(frame, c.opts.offset)
	if err != nil {
		c.protocolError(err)
		return
	}
	switch op {
	case OpCall:
		c.calls.Add(1)
		go func() {
			defer c.calls.Done()
			c.execute(frame)
		}()
	case OpMethodExecuted, OpResultReturned, OpExceptionThrown, OpMethodNotImplemented:
		err = c.disp.HandleResponse(frame)
	case OpTriggerEvent, OpTriggerEventWithParameter:
		select {
		case c.events <- frame:
		case <-c.ctx.Done():
		}
	case OpSubscribeEvent, OpUnsubscribeEvent:
		err = c.pub.HandleSubscription(c, c.opts.authorizer, frame)
	}
	if err != nil {
		c.protocolError(err)
	}
}

func (c *Conn) execute(frame []byte) {
	resp, err := c.exec.Execute(c.ctx, frame)
	if err != nil {
		c.protocolError(err)
		return
	}
	defer resp.Release()
	if err := c.Send(c.ctx, resp.B); err != nil && c.ctx.Err() == nil {
		c.log.WithError(err).Warn("sending response")
	}
}

// deliverEvents runs local handlers one trigger at a time, in arrival
// order, off the read loop.
func (c *Conn) deliverEvents() {
	for frame := range c.events {
		if err := c.subs.HandleTrigger(frame); err != nil {
			c.protocolError(err)
		}
	}
}

func (c *Conn) protocolError(err error) {
	if errors.Is(err, ErrProtocol) {
		c.opts.metrics.protocolError()
	}
	c.log.WithError(err).Warn("dropping frame")
}

// Call invokes method on the remote end.
func (c *Conn) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	return c.disp.Call(ctx, method, args...)
}

// Subscribe attaches h to a remote event.
func (c *Conn) Subscribe(ctx context.Context, event string, h EventHandler) (*Subscription, error) {
	return c.subs.Subscribe(ctx, event, h)
}

// Suspend defers subscription traffic until Resume.
func (c *Conn) Suspend() { c.subs.Suspend() }

// Resume flushes subscription changes made while suspended.
func (c *Conn) Resume(ctx context.Context) error { return c.subs.Resume(ctx) }

// Fire raises a local event towards the remote subscribers.
func (c *Conn) Fire(event string, arg interface{}) error { return c.pub.Fire(event, arg) }

func (c *Conn) Registry() *Registry     { return c.reg }
func (c *Conn) Dispatcher() *Dispatcher { return c.disp }
func (c *Conn) Subscriber() *Subscriber { return c.subs }
func (c *Conn) Publisher() *Publisher   { return c.pub }
func (c *Conn) CustomOffset() int       { return c.opts.offset }
func (c *Conn) Done() <-chan struct{}   { return c.ctx.Done() }

// Err returns why the connection ended, or nil while it is open or after
// a local Close.
func (c *Conn) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// shutdown tears the connection down without waiting for goroutines.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		c.cancel()
		if err := c.tr.Close(); err != nil {
			c.log.WithError(err).Debug("closing transport")
		}
		if err := c.pub.Dispose(); err != nil {
			c.log.WithError(err).Debug("disposing publisher")
		}
		_ = c.disp.Close()
	})
}

// Close closes the transport, disposes the publisher and fails pending
// calls with ErrClosed. It waits for running calls to finish.
func (c *Conn) Close() error {
	c.shutdown(nil)
	if c.started.Load() {
		<-c.readDone
	}
	c.calls.Wait()
	return nil
}
