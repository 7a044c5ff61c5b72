// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"net/http"
	"sort"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"
	"github.com/juju/errors"
)

// MethodInfo describes one method of a served interface.
type MethodInfo struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

// EventInfo describes one event of a served interface.
type EventInfo struct {
	ID          uint64   `json:"id"`
	Name        string   `json:"name"`
	Signature   string   `json:"signature"`
	Permissions []string `json:"permissions,omitempty"`
}

// InterfaceInfo is the inspection view of a Registry.
type InterfaceInfo struct {
	Name    string       `json:"name"`
	Session uint32       `json:"session"`
	Methods []MethodInfo `json:"methods"`
	Events  []EventInfo  `json:"events"`
}

// Info returns the inspection view of r.
func (r *Registry) Info() InterfaceInfo {
	info := InterfaceInfo{Name: r.name, Session: r.session}
	for _, md := range r.Methods() {
		info.Methods = append(info.Methods, MethodInfo{ID: md.ID, Name: md.Name, Signature: md.Signature})
	}
	for _, ed := range r.Events() {
		info.Events = append(info.Events, EventInfo{
			ID:          ed.ID,
			Name:        ed.Name,
			Signature:   ed.Signature,
			Permissions: ed.Permissions,
		})
	}
	return info
}

type InterfacesArgs struct{}

type InterfacesReply struct {
	Names []string `json:"names"`
}

type InterfaceArgs struct {
	Name string `json:"name"`
}

type InterfaceReply struct {
	Interface InterfaceInfo `json:"interface"`
}

// InspectService answers Inspect.* JSON-RPC calls.
type InspectService struct {
	regs map[string]*Registry
}

// Interfaces lists the names of the served interfaces.
func (s *InspectService) Interfaces(_ *http.Request, _ *InterfacesArgs, reply *InterfacesReply) error {
	reply.Names = make([]string, 0, len(s.regs))
	for name := range s.regs {
		reply.Names = append(reply.Names, name)
	}
	sort.Strings(reply.Names)
	return nil
}

// Interface describes one served interface.
func (s *InspectService) Interface(_ *http.Request, args *InterfaceArgs, reply *InterfaceReply) error {
	r, ok := s.regs[args.Name]
	if !ok {
		return errors.NotFoundf("interface %q", args.Name)
	}
	reply.Interface = r.Info()
	return nil
}

// NewInspectHandler serves JSON-RPC 2.0 inspection of regs over HTTP.
func NewInspectHandler(regs ...*Registry) (http.Handler, error) {
	svc := &InspectService{regs: make(map[string]*Registry, len(regs))}
	for _, r := range regs {
		if _, dup := svc.regs[r.Name()]; dup {
			return nil, errors.AlreadyExistsf("interface %q", r.Name())
		}
		svc.regs[r.Name()] = r
	}
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	if err := server.RegisterService(svc, "Inspect"); err != nil {
		return nil, errors.Trace(err)
	}
	return server, nil
}
