// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
)

// Transport moves whole frames between two ends of a connection.
//
// Send must not retain frame after returning; the buffer goes back to the
// pool right away. The first HeaderSize bytes of every frame are reserved
// for the transport and may be overwritten by Send. Recv returns a frame
// the caller owns, reserved bytes included. Send may be called
// concurrently; Recv is called from a single goroutine.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Recv(ctx context.Context) ([]byte, error)
	Close() error
	HeaderSize() int
}

// Listener accepts incoming transports. Close unblocks Accept.
type Listener interface {
	Accept() (Transport, error)
	Close() error
	Addr() string
}

// Transport types
const (
	TransportStream = "stream" // length-prefixed TCP, default
	TransportGRPC   = "grpc"   // bidirectional gRPC stream
)

// DefaultTransport is the transport Dial and Listen use unless told
// otherwise.
const DefaultTransport = TransportStream

type dialFunc func(ctx context.Context, addr string) (Transport, error)
type listenFunc func(addr string) (Listener, error)

type transportEntry struct {
	dial   dialFunc
	listen listenFunc
}

var (
	transportsMu sync.RWMutex
	transports   = map[string]transportEntry{
		TransportStream: {dialStream, listenStream},
		TransportGRPC:   {dialGRPC, listenGRPC},
	}
)

// RegisterTransport adds or replaces a named transport.
func RegisterTransport(name string, dial func(ctx context.Context, addr string) (Transport, error), listen func(addr string) (Listener, error)) {
	transportsMu.Lock()
	defer transportsMu.Unlock()
	transports[name] = transportEntry{dial, listen}
}

func lookupTransport(name string) (transportEntry, error) {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	t, ok := transports[name]
	if !ok {
		return transportEntry{}, errors.NotFoundf("transport %q", name)
	}
	return t, nil
}

// AvailableTransports returns the registered transport names, sorted.
func AvailableTransports() []string {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	result := make([]string, 0, len(transports))
	for name := range transports {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// HasTransport checks if a transport is available
func HasTransport(name string) bool {
	transportsMu.RLock()
	defer transportsMu.RUnlock()
	_, ok := transports[name]
	return ok
}
