// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"reflect"
	"sort"

	"github.com/juju/errors"
)

// MethodDef declares one remotely callable method. Return is nil for a
// method without a result value.
type MethodDef struct {
	Name   string
	Params []reflect.Type
	Return reflect.Type
}

// EventDef declares one event. Arg is nil for an event without a
// parameter. Permissions are handed to subscriber authorizers on every
// trigger.
type EventDef struct {
	Name        string
	Arg         reflect.Type
	Permissions []string
}

// InterfaceDef is the explicit shape of an interface served over a Conn.
// Session scopes event ids; both ends must agree on it.
type InterfaceDef struct {
	Name    string
	Methods []MethodDef
	Events  []EventDef
	Session uint32
}

// MethodDescriptor is immutable once the registry is built.
type MethodDescriptor struct {
	ID        uint32
	Name      string
	Signature string
	Params    []reflect.Type
	Return    reflect.Type
}

// EventDescriptor is immutable once the registry is built.
type EventDescriptor struct {
	ID          uint64
	Name        string
	Signature   string
	Arg         reflect.Type
	Permissions []string
}

// Registry maps identifiers to descriptors for one interface. It is
// read-only after NewRegistry and may be shared by any number of
// connections.
type Registry struct {
	name    string
	session uint32

	methods       map[uint32]*MethodDescriptor
	methodsByName map[string]*MethodDescriptor
	methodList    []*MethodDescriptor

	events       map[uint64]*EventDescriptor
	eventsByName map[string]*EventDescriptor
	eventList    []*EventDescriptor
}

// NewRegistry validates def and computes every member identifier.
func NewRegistry(def InterfaceDef) (*Registry, error) {
	if len(def.Methods) == 0 && len(def.Events) == 0 {
		return nil, errors.NotValidf("interface %q without methods or events", def.Name)
	}
	r := &Registry{
		name:          def.Name,
		session:       def.Session,
		methods:       make(map[uint32]*MethodDescriptor, len(def.Methods)),
		methodsByName: make(map[string]*MethodDescriptor, len(def.Methods)),
		events:        make(map[uint64]*EventDescriptor, len(def.Events)),
		eventsByName:  make(map[string]*EventDescriptor, len(def.Events)),
	}
	for _, m := range def.Methods {
		if err := r.addMethod(m); err != nil {
			return nil, errors.Annotatef(err, "interface %q", def.Name)
		}
	}
	for _, ev := range def.Events {
		if err := r.addEvent(ev); err != nil {
			return nil, errors.Annotatef(err, "interface %q", def.Name)
		}
	}
	sort.Slice(r.methodList, func(i, j int) bool { return r.methodList[i].Name < r.methodList[j].Name })
	sort.Slice(r.eventList, func(i, j int) bool { return r.eventList[i].Name < r.eventList[j].Name })
	return r, nil
}

func (r *Registry) addMethod(m MethodDef) error {
	if m.Name == "" {
		return errors.NotValidf("unnamed method")
	}
	if _, dup := r.methodsByName[m.Name]; dup {
		return errors.NotValidf("duplicate method %q", m.Name)
	}
	for i, p := range m.Params {
		if err := checkWireType(p); err != nil {
			return errors.Annotatef(err, "method %q parameter %d", m.Name, i)
		}
	}
	if m.Return != nil {
		if err := checkWireType(m.Return); err != nil {
			return errors.Annotatef(err, "method %q result", m.Name)
		}
	}
	sig := MethodSignature(m.Name, m.Params, m.Return)
	md := &MethodDescriptor{
		ID:        HashMethod(sig),
		Name:      m.Name,
		Signature: sig,
		Params:    append([]reflect.Type(nil), m.Params...),
		Return:    m.Return,
	}
	if other, dup := r.methods[md.ID]; dup {
		return errors.NotValidf("method id %#x of %q collides with %q", md.ID, m.Name, other.Name)
	}
	r.methods[md.ID] = md
	r.methodsByName[md.Name] = md
	r.methodList = append(r.methodList, md)
	return nil
}

func (r *Registry) addEvent(ev EventDef) error {
	if ev.Name == "" {
		return errors.NotValidf("unnamed event")
	}
	if _, dup := r.eventsByName[ev.Name]; dup {
		return errors.NotValidf("duplicate event %q", ev.Name)
	}
	if ev.Arg != nil {
		if err := checkWireType(ev.Arg); err != nil {
			return errors.Annotatef(err, "event %q argument", ev.Name)
		}
	}
	sig := EventSignature(ev.Name, ev.Arg)
	ed := &EventDescriptor{
		ID:          HashEvent(sig, r.session),
		Name:        ev.Name,
		Signature:   sig,
		Arg:         ev.Arg,
		Permissions: append([]string(nil), ev.Permissions...),
	}
	if other, dup := r.events[ed.ID]; dup {
		return errors.NotValidf("event id %#x of %q collides with %q", ed.ID, ev.Name, other.Name)
	}
	r.events[ed.ID] = ed
	r.eventsByName[ed.Name] = ed
	r.eventList = append(r.eventList, ed)
	return nil
}

// checkWireType rejects types a serializer cannot carry.
func checkWireType(t reflect.Type) error {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Interface, reflect.Invalid:
		return errors.NotValidf("type %s on the wire", t)
	}
	return nil
}

func (r *Registry) Name() string { return r.name }

func (r *Registry) Session() uint32 { return r.session }

func (r *Registry) Method(name string) (*MethodDescriptor, bool) {
	md, ok := r.methodsByName[name]
	return md, ok
}

func (r *Registry) MethodByID(id uint32) (*MethodDescriptor, bool) {
	md, ok := r.methods[id]
	return md, ok
}

func (r *Registry) Event(name string) (*EventDescriptor, bool) {
	ed, ok := r.eventsByName[name]
	return ed, ok
}

func (r *Registry) EventByID(id uint64) (*EventDescriptor, bool) {
	ed, ok := r.events[id]
	return ed, ok
}

// Methods returns the method descriptors sorted by name.
func (r *Registry) Methods() []*MethodDescriptor {
	return append([]*MethodDescriptor(nil), r.methodList...)
}

// Events returns the event descriptors sorted by name.
func (r *Registry) Events() []*EventDescriptor {
	return append([]*EventDescriptor(nil), r.eventList...)
}
