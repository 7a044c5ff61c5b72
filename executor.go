// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// responseEstimate is the payload size response buffers start with.
const responseEstimate = 64

// Executor is the serving side: it decodes Call frames, invokes the bound
// implementation and encodes the response frame.
type Executor struct {
	reg  *Registry
	opts *connOptions
	log  logrus.FieldLogger

	mu       sync.RWMutex
	invokers map[uint32]Invoker
}

// NewExecutor creates an executor for reg. b may be nil, in which case
// every call is answered with MethodNotImplemented until SetBindings.
func NewExecutor(reg *Registry, b *Bindings, opts ...ConnOption) (*Executor, error) {
	e := newExecutor(reg, newConnOptions(opts))
	if err := e.SetBindings(b); err != nil {
		return nil, err
	}
	return e, nil
}

func newExecutor(reg *Registry, o *connOptions) *Executor {
	return &Executor{
		reg:      reg,
		opts:     o,
		log:      o.log.WithField("interface", reg.Name()),
		invokers: make(map[uint32]Invoker),
	}
}

// SetBindings replaces the method table. Calls already running keep the
// invoker they started with.
func (e *Executor) SetBindings(b *Bindings) error {
	invokers := make(map[uint32]Invoker)
	if b != nil {
		for name, inv := range b.Methods {
			md, ok := e.reg.Method(name)
			if !ok {
				return errors.NotFoundf("method %q of %s", name, e.reg.Name())
			}
			invokers[md.ID] = inv
		}
	}
	e.mu.Lock()
	e.invokers = invokers
	e.mu.Unlock()
	return nil
}

func (e *Executor) invoker(id uint32) Invoker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.invokers[id]
}

// Execute handles one Call frame and returns the response frame. The
// caller owns the returned buffer and must Release it once sent. Errors
// are returned only for frames too malformed to answer; failures of the
// implementation become ExceptionThrown responses.
func (e *Executor) Execute(ctx context.Context, frame []byte) (*Buffer, error) {
	off := e.opts.offset
	if op, err := ReadOpcode(frame, off); err != nil {
		return nil, err
	} else if op != OpCall {
		return nil, protocolErrorf(op, "not a call frame")
	}
	corr, methodID, err := decodeCallHeader(frame, off)
	if err != nil {
		return nil, err
	}
	md, known := e.reg.MethodByID(methodID)
	inv := e.invoker(methodID)
	if !known || inv == nil {
		e.log.WithFields(logrus.Fields{
			"correlation_id": corr,
			"method_id":      methodID,
		}).Debug("call to unimplemented method")
		return e.emptyResponse(OpMethodNotImplemented, corr), nil
	}

	params, err := decodeCallParams(frame, off, len(md.Params))
	if err != nil {
		e.opts.metrics.protocolError()
		return e.exceptionResponse(corr, md, err, "")
	}
	args := make([]interface{}, len(params))
	for i, p := range params {
		v, err := e.opts.serializer.Deserialize(md.Params[i], p)
		if err != nil {
			argErr := NewArgumentError(fmt.Sprintf("arg%d", i), err.Error())
			return e.exceptionResponse(corr, md, argErr, "")
		}
		args[i] = v
	}

	result, err := inv(ctx, args)
	if err != nil {
		return e.exceptionResponse(corr, md, err, string(debug.Stack()))
	}
	if md.Return == nil {
		return e.emptyResponse(OpMethodExecuted, corr), nil
	}
	buf, err := e.resultResponse(corr, md, result)
	if err != nil {
		return e.exceptionResponse(corr, md, err, "")
	}
	return buf, nil
}

func (e *Executor) emptyResponse(op Opcode, corr uint32) *Buffer {
	off := e.opts.offset
	buf := e.opts.pool.Rent(off + responseHeaderSize)
	clear(buf.B[:off])
	end := writeResponseHeader(buf.B, off, op, corr)
	buf.B = buf.B[:end]
	return buf
}

func (e *Executor) resultResponse(corr uint32, md *MethodDescriptor, result interface{}) (*Buffer, error) {
	off := e.opts.offset
	buf := e.opts.pool.Rent(off + responseHeaderSize + responseEstimate)
	clear(buf.B[:off])
	pos := writeResponseHeader(buf.B, off, OpResultReturned, corr)
	end, err := e.opts.serializer.Serialize(md.Return, buf, pos, result)
	if err != nil {
		buf.Release()
		return nil, errors.Annotatef(err, "result of %s", md.Name)
	}
	buf.B = buf.B[:end]
	return buf, nil
}

func (e *Executor) exceptionResponse(corr uint32, md *MethodDescriptor, cause error, stack string) (*Buffer, error) {
	env := e.opts.exceptions.Pack(cause, stack)
	if env.Source == "" {
		env.Source = e.reg.Name() + "." + md.Name
	}
	off := e.opts.offset
	buf := e.opts.pool.Rent(off + responseHeaderSize + responseEstimate)
	clear(buf.B[:off])
	pos := writeResponseHeader(buf.B, off, OpExceptionThrown, corr)
	end, err := e.opts.serializer.Serialize(envelopeType, buf, pos, env)
	if err != nil {
		// Fall back to an envelope any serializer can carry.
		e.log.WithError(err).WithField("method", md.Name).Warn("serializing exception")
		end, err = e.opts.serializer.Serialize(envelopeType, buf, pos, Envelope{
			Kind:    KindGeneric,
			Message: cause.Error(),
			Source:  env.Source,
		})
		if err != nil {
			buf.Release()
			return nil, errors.Annotatef(err, "exception of %s", md.Name)
		}
	}
	buf.B = buf.B[:end]
	return buf, nil
}
