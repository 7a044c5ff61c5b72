// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/juju/errors"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Invoker runs one method of the local implementation.
type Invoker func(ctx context.Context, args []interface{}) (interface{}, error)

// EventBinder attaches fire to an implementation event and returns the
// function that detaches it again.
type EventBinder func(fire func(arg interface{})) (detach func())

// Bindings is the dispatch table of a local implementation, keyed by
// member name.
type Bindings struct {
	Methods map[string]Invoker
	Events  map[string]EventBinder
}

// NewBindings returns an empty dispatch table.
func NewBindings() *Bindings {
	return &Bindings{
		Methods: make(map[string]Invoker),
		Events:  make(map[string]EventBinder),
	}
}

// Handle adds an invoker.
func (b *Bindings) Handle(method string, inv Invoker) *Bindings {
	b.Methods[method] = inv
	return b
}

// On adds an event binder.
func (b *Bindings) On(event string, binder EventBinder) *Bindings {
	b.Events[event] = binder
	return b
}

// Describe builds an InterfaceDef from a Go interface type. Every method
// must have the shape
//
//	M([ctx context.Context,] args...) [R] [error]
//
// where the optional leading context is the call's cancellation signal and
// is never sent. Events cannot be expressed as Go methods and are passed
// explicitly.
func Describe(iface reflect.Type, events ...EventDef) (InterfaceDef, error) {
	if iface == nil || iface.Kind() != reflect.Interface {
		return InterfaceDef{}, errors.NotValidf("%v is not an interface type", iface)
	}
	def := InterfaceDef{Name: iface.String(), Events: events}
	for i := 0; i < iface.NumMethod(); i++ {
		m := iface.Method(i)
		md, err := methodDefOf(m.Name, m.Type)
		if err != nil {
			return InterfaceDef{}, errors.Annotatef(err, "member %s of %s is neither a method nor an event", m.Name, iface)
		}
		def.Methods = append(def.Methods, md)
	}
	return def, nil
}

// methodDefOf reads a method shape from a receiverless func type.
func methodDefOf(name string, ft reflect.Type) (MethodDef, error) {
	md := MethodDef{Name: name}
	if ft.IsVariadic() {
		return MethodDef{}, errors.NotValidf("variadic method")
	}
	in := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		in++
	}
	for ; in < ft.NumIn(); in++ {
		p := ft.In(in)
		if err := checkWireType(p); err != nil {
			return MethodDef{}, err
		}
		md.Params = append(md.Params, p)
	}
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) != errorType {
			md.Return = ft.Out(0)
		}
	case 2:
		if ft.Out(1) != errorType {
			return MethodDef{}, errors.NotValidf("second result %s", ft.Out(1))
		}
		md.Return = ft.Out(0)
	default:
		return MethodDef{}, errors.NotValidf("%d results", ft.NumOut())
	}
	if md.Return != nil {
		if err := checkWireType(md.Return); err != nil {
			return MethodDef{}, err
		}
	}
	return md, nil
}

// Bind builds the typed invokers for every method of reg from the
// methods of impl with the same name. Events are added with On.
func Bind(reg *Registry, impl interface{}) (*Bindings, error) {
	v := reflect.ValueOf(impl)
	if !v.IsValid() {
		return nil, errors.NotValidf("nil implementation")
	}
	b := NewBindings()
	for _, md := range reg.Methods() {
		mv := v.MethodByName(md.Name)
		if !mv.IsValid() {
			return nil, errors.NotFoundf("method %s on %T", md.Name, impl)
		}
		inv, err := newInvoker(md, mv)
		if err != nil {
			return nil, errors.Annotatef(err, "method %s on %T", md.Name, impl)
		}
		b.Methods[md.Name] = inv
	}
	return b, nil
}

func newInvoker(md *MethodDescriptor, fn reflect.Value) (Invoker, error) {
	ft := fn.Type()
	got, err := methodDefOf(md.Name, ft)
	if err != nil {
		return nil, err
	}
	if MethodSignature(got.Name, got.Params, got.Return) != md.Signature {
		return nil, errors.NotValidf("signature %s, want %s", MethodSignature(got.Name, got.Params, got.Return), md.Signature)
	}
	withCtx := ft.NumIn() > 0 && ft.In(0) == contextType
	returnsErr := ft.NumOut() > 0 && ft.Out(ft.NumOut()-1) == errorType
	return func(ctx context.Context, args []interface{}) (result interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &Exception{
					Message:    fmt.Sprintf("panic in %s: %v", md.Name, r),
					StackTrace: string(debug.Stack()),
				}
			}
		}()
		in := make([]reflect.Value, 0, len(args)+1)
		if withCtx {
			in = append(in, reflect.ValueOf(ctx))
		}
		for i, a := range args {
			in = append(in, argValue(md.Params[i], a))
		}
		out := fn.Call(in)
		if returnsErr {
			if e := out[len(out)-1]; !e.IsNil() {
				return nil, e.Interface().(error)
			}
			out = out[:len(out)-1]
		}
		if len(out) == 1 {
			return out[0].Interface(), nil
		}
		return nil, nil
	}, nil
}

// argValue converts a decoded argument, mapping nil to the zero value.
func argValue(t reflect.Type, a interface{}) reflect.Value {
	if a == nil {
		return reflect.Zero(t)
	}
	v := reflect.ValueOf(a)
	if v.Type() != t && v.Type().ConvertibleTo(t) {
		return v.Convert(t)
	}
	return v
}

// Event is an event source an implementation can expose. Handlers run
// synchronously in attach order.
type Event[T any] struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]func(T)
}

// Attach adds h and returns the function removing it.
func (e *Event[T]) Attach(h func(T)) (detach func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[uint64]func(T))
	}
	e.next++
	token := e.next
	e.handlers[token] = h
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, token)
	}
}

// Fire calls every attached handler with v.
func (e *Event[T]) Fire(v T) {
	e.mu.Lock()
	tokens := make([]uint64, 0, len(e.handlers))
	for t := range e.handlers {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
	hs := make([]func(T), 0, len(tokens))
	for _, t := range tokens {
		hs = append(hs, e.handlers[t])
	}
	e.mu.Unlock()
	for _, h := range hs {
		h(v)
	}
}

// Len reports the number of attached handlers.
func (e *Event[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers)
}

// EventBinding adapts an Event to an EventBinder.
func EventBinding[T any](e *Event[T]) EventBinder {
	return func(fire func(arg interface{})) func() {
		return e.Attach(func(v T) { fire(v) })
	}
}
