// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// SendFunc hands a complete frame to the transport. The frame buffer is
// returned to the pool as soon as SendFunc returns, so it must not be
// retained.
type SendFunc func(ctx context.Context, frame []byte) error

// Dispatcher is the calling side: it sends Call frames and resolves them
// by correlation id.
type Dispatcher struct {
	reg  *Registry
	send SendFunc
	opts *connOptions
	log  logrus.FieldLogger

	nextID  atomic.Uint32
	pending sync.Map // correlation id -> *pendingCall
	closed  atomic.Bool
}

type pendingCall struct {
	id     uint32
	method *MethodDescriptor
	done   chan callResponse
}

type callResponse struct {
	op      Opcode
	payload []byte
	err     error
}

// NewDispatcher creates a dispatcher for the methods of reg.
func NewDispatcher(reg *Registry, send SendFunc, opts ...ConnOption) *Dispatcher {
	return newDispatcher(reg, send, newConnOptions(opts))
}

func newDispatcher(reg *Registry, send SendFunc, o *connOptions) *Dispatcher {
	return &Dispatcher{
		reg:  reg,
		send: send,
		opts: o,
		log:  o.log.WithField("interface", reg.Name()),
	}
}

// Call invokes method on the remote implementation and waits for its
// result. ctx cancels the wait; the configured wait timeout bounds it.
func (d *Dispatcher) Call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	md, ok := d.reg.Method(method)
	if !ok {
		return nil, errors.NotFoundf("method %q of %s", method, d.reg.Name())
	}
	return d.CallMethod(ctx, md, args...)
}

// CallMethod is Call with a resolved descriptor.
func (d *Dispatcher) CallMethod(ctx context.Context, md *MethodDescriptor, args ...interface{}) (interface{}, error) {
	if d.closed.Load() {
		return nil, errors.Trace(ErrClosed)
	}
	if err := checkArgs(md, args); err != nil {
		return nil, err
	}

	id := d.nextID.Add(1)
	buf, err := d.encodeCall(id, md, args)
	if err != nil {
		d.opts.metrics.callDone(resultFailed)
		return nil, err
	}

	pc := &pendingCall{id: id, method: md, done: make(chan callResponse, 1)}
	// Registered before sending so a fast reply always finds it.
	d.pending.Store(id, pc)
	d.opts.metrics.pendingAdd(1)
	if d.closed.Load() {
		d.remove(id)
		buf.Release()
		return nil, errors.Trace(ErrClosed)
	}

	err = d.send(ctx, buf.B)
	buf.Release()
	if err != nil {
		if d.remove(id) {
			d.opts.metrics.callDone(resultFailed)
			return nil, errors.Annotatef(err, "sending %s", md.Name)
		}
		return d.complete(pc, <-pc.done)
	}
	return d.await(ctx, pc)
}

// Invoke calls method and converts the result to R.
func Invoke[R any](ctx context.Context, d *Dispatcher, method string, args ...interface{}) (R, error) {
	var zero R
	v, err := d.Call(ctx, method, args...)
	if err != nil || v == nil {
		return zero, err
	}
	r, ok := v.(R)
	if !ok {
		return zero, errors.NotValidf("result %T of %s as %T", v, method, zero)
	}
	return r, nil
}

func checkArgs(md *MethodDescriptor, args []interface{}) error {
	if len(args) != len(md.Params) {
		return errors.NotValidf("%d arguments to %s, want %d", len(args), md.Name, len(md.Params))
	}
	for i, a := range args {
		if a == nil {
			continue
		}
		t := reflect.TypeOf(a)
		if !t.AssignableTo(md.Params[i]) && !t.ConvertibleTo(md.Params[i]) {
			return errors.NotValidf("argument %d of %s: %s, want %s", i, md.Name, t, md.Params[i])
		}
	}
	return nil
}

func (d *Dispatcher) encodeCall(id uint32, md *MethodDescriptor, args []interface{}) (*Buffer, error) {
	off := d.opts.offset
	buf := d.opts.pool.Rent(off + callHeaderSize(len(args)) + 32*len(args))
	clear(buf.B[:off])
	pos := writeCallHeader(buf.B, off, id, md.ID, len(args))
	for i, a := range args {
		end, err := d.opts.serializer.Serialize(md.Params[i], buf, pos, a)
		if err != nil {
			buf.Release()
			return nil, errors.Annotatef(err, "argument %d of %s", i, md.Name)
		}
		// Serialize may have swapped buf.B for a larger slice.
		putParamLength(buf.B, off, i, end-pos)
		pos = end
	}
	buf.B = buf.B[:pos]
	return buf, nil
}

func (d *Dispatcher) await(ctx context.Context, pc *pendingCall) (interface{}, error) {
	var timeout <-chan time.Time
	if d.opts.waitTimeout > 0 {
		t := time.NewTimer(d.opts.waitTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case resp := <-pc.done:
		return d.complete(pc, resp)
	case <-ctx.Done():
		if d.remove(pc.id) {
			d.opts.metrics.callDone(resultCancelled)
			return nil, errors.Annotatef(ErrCallCancelled, "%s: %v", pc.method.Name, ctx.Err())
		}
	case <-timeout:
		if d.remove(pc.id) {
			d.opts.metrics.callDone(resultTimeout)
			return nil, errors.Timeoutf("call %s (correlation id %d) after %v", pc.method.Name, pc.id, d.opts.waitTimeout)
		}
	}
	// The response won the race for the pending entry and is on its way.
	return d.complete(pc, <-pc.done)
}

// remove deletes a pending call. Only the caller that gets true may
// resolve it.
func (d *Dispatcher) remove(id uint32) bool {
	if _, ok := d.pending.LoadAndDelete(id); ok {
		d.opts.metrics.pendingAdd(-1)
		return true
	}
	return false
}

func (d *Dispatcher) complete(pc *pendingCall, resp callResponse) (interface{}, error) {
	if resp.err != nil {
		d.opts.metrics.callDone(resultFailed)
		return nil, resp.err
	}
	md := pc.method
	switch resp.op {
	case OpMethodExecuted:
		d.opts.metrics.callDone(resultOK)
		return nil, nil
	case OpResultReturned:
		if md.Return == nil {
			d.opts.metrics.callDone(resultOK)
			return nil, nil
		}
		v, err := d.opts.serializer.Deserialize(md.Return, resp.payload)
		if err != nil {
			d.opts.metrics.callDone(resultFailed)
			return nil, errors.Annotatef(err, "result of %s", md.Name)
		}
		d.opts.metrics.callDone(resultOK)
		return v, nil
	case OpExceptionThrown:
		d.opts.metrics.callDone(resultRemoteError)
		v, err := d.opts.serializer.Deserialize(envelopeType, resp.payload)
		if err != nil {
			return nil, errors.Annotatef(err, "exception from %s", md.Name)
		}
		return nil, &RemoteError{Method: md.Name, Cause: d.opts.exceptions.Unpack(v.(Envelope))}
	case OpMethodNotImplemented:
		d.opts.metrics.callDone(resultNotImplemented)
		return nil, errors.NotImplementedf("remote method %s (id %#x)", md.Name, md.ID)
	default:
		d.opts.metrics.callDone(resultFailed)
		return nil, protocolErrorf(resp.op, "unexpected response")
	}
}

// HandleResponse resolves the pending call a response frame answers.
// Responses for unknown correlation ids, such as calls that already
// timed out, are dropped.
func (d *Dispatcher) HandleResponse(frame []byte) error {
	op, id, payload, err := decodeResponse(frame, d.opts.offset)
	if err != nil {
		return err
	}
	v, ok := d.pending.LoadAndDelete(id)
	if !ok {
		d.log.WithFields(logrus.Fields{
			"correlation_id": id,
			"opcode":         op,
		}).Debug("dropping response for unknown call")
		return nil
	}
	d.opts.metrics.pendingAdd(-1)
	// The frame belongs to the transport; keep a private copy.
	v.(*pendingCall).done <- callResponse{op: op, payload: append([]byte(nil), payload...)}
	return nil
}

// Pending reports the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	n := 0
	d.pending.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Close fails every outstanding call with ErrClosed without waiting for
// replies. Later calls fail immediately.
func (d *Dispatcher) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.pending.Range(func(key, _ interface{}) bool {
		if v, ok := d.pending.LoadAndDelete(key); ok {
			d.opts.metrics.pendingAdd(-1)
			v.(*pendingCall).done <- callResponse{err: errors.Trace(ErrClosed)}
		}
		return true
	})
	return nil
}
