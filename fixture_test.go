// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type calculator interface {
	Sum(a, b int) int
	Divide(a, b int) (int, error)
	Touch()
	Sleep(ctx context.Context, d time.Duration) error
	Explode()
}

type calculatorImpl struct {
	touched atomic.Int32
	tick    Event[int64]
	ping    Event[struct{}]
	secret  Event[string]
}

func (c *calculatorImpl) Sum(a, b int) int { return a + b }

func (c *calculatorImpl) Divide(a, b int) (int, error) {
	if b == 0 {
		return 0, NewArgumentError("b", "division by zero")
	}
	return a / b, nil
}

func (c *calculatorImpl) Touch() { c.touched.Add(1) }

func (c *calculatorImpl) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *calculatorImpl) Explode() { panic("boom") }

var calculatorType = reflect.TypeOf((*calculator)(nil)).Elem()

func calculatorDef(t testing.TB) InterfaceDef {
	def, err := Describe(calculatorType,
		EventDef{Name: "Tick", Arg: reflect.TypeOf(int64(0))},
		EventDef{Name: "Ping"},
		EventDef{Name: "Secret", Arg: reflect.TypeOf(""), Permissions: []string{"admin"}},
	)
	require.NoError(t, err)
	def.Session = 7
	return def
}

func calculatorRegistry(t testing.TB) *Registry {
	reg, err := NewRegistry(calculatorDef(t))
	require.NoError(t, err)
	return reg
}

func calculatorBindings(t testing.TB, reg *Registry, impl *calculatorImpl) *Bindings {
	b, err := Bind(reg, impl)
	require.NoError(t, err)
	return b.
		On("Tick", EventBinding(&impl.tick)).
		On("Ping", EventBinding(&impl.ping)).
		On("Secret", EventBinding(&impl.secret))
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// connPair starts two Conns over an in-memory pipe. The server end serves
// b; the client end serves nothing.
func connPair(t testing.TB, reg *Registry, b *Bindings, opts ...ConnOption) (client, server *Conn) {
	ct, st := NewPipe()
	opts = append([]ConnOption{WithLogger(quietLogger())}, opts...)
	client = NewConn(reg, ct, opts...)
	server = NewConn(reg, st, opts...)
	require.NoError(t, server.Serve(b))
	client.Start()
	server.Start()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// recorder is a SendFunc and Peer that keeps copies of every frame.
type recorder struct {
	id     string
	frames chan []byte
	fail   atomic.Bool
}

func newRecorder(id string) *recorder {
	return &recorder{id: id, frames: make(chan []byte, 1024)}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(_ context.Context, frame []byte) error {
	if r.fail.Load() {
		return ErrClosed
	}
	r.frames <- append([]byte(nil), frame...)
	return nil
}

func (r *recorder) drain() [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-r.frames:
			out = append(out, f)
		default:
			return out
		}
	}
}

func (r *recorder) next(t testing.TB) []byte {
	select {
	case f := <-r.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
		return nil
	}
}
