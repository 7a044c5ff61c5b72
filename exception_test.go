// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	stderrors "errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"
)

type quotaError struct {
	msg string
}

func (e *quotaError) Error() string { return e.msg }

// roundTrip packs err, carries the envelope through the default
// serializer and unpacks it.
func roundTrip(t *testing.T, m *ExceptionMarshaler, err error) error {
	t.Helper()
	env := m.Pack(err, "stack-from-caller")
	buf := NewBufferPool(PoolCapped, 0).Rent(0)
	defer buf.Release()
	end, serr := defaultSerializer.Serialize(envelopeType, buf, 0, env)
	require.NoError(t, serr)
	v, derr := defaultSerializer.Deserialize(envelopeType, buf.B[:end])
	require.NoError(t, derr)
	return m.Unpack(v.(Envelope))
}

func TestArgumentErrorRoundTrip(t *testing.T) {
	m := NewExceptionMarshaler()
	got := roundTrip(t, m, NewArgumentError("b", "must not be zero"))
	var arg *ArgumentError
	require.True(t, errors.As(got, &arg))
	require.Equal(t, "b", arg.ParamName)
	require.Equal(t, "must not be zero", arg.Message)
	require.Equal(t, "stack-from-caller", arg.StackTrace)
}

func TestObjectDisposedRoundTrip(t *testing.T) {
	got := roundTrip(t, NewExceptionMarshaler(), NewObjectDisposedError("session"))
	var od *ObjectDisposedError
	require.True(t, errors.As(got, &od))
	require.Equal(t, "session", od.ObjectName)
}

func TestAggregateRoundTrip(t *testing.T) {
	agg := NewAggregateError(NewArgumentError("x", "bad x"), stderrors.New("plain"))
	got := roundTrip(t, NewExceptionMarshaler(), agg)
	var out *AggregateError
	require.True(t, errors.As(got, &out))
	require.Len(t, out.Errors, 2)
	var arg *ArgumentError
	require.True(t, errors.As(out.Errors[0], &arg))
	require.Equal(t, "plain", out.Errors[1].Error())
}

func TestInnerChainRoundTrip(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewArgumentError("p", "inner"))
	got := roundTrip(t, NewExceptionMarshaler(), err)
	require.Equal(t, "outer: "+NewArgumentError("p", "inner").Error(), got.Error())
	var arg *ArgumentError
	require.True(t, errors.As(got, &arg))
	require.Equal(t, "p", arg.ParamName)
}

func TestOpaqueErrorTypes(t *testing.T) {
	m := NewExceptionMarshaler()
	got := roundTrip(t, m, &quotaError{msg: "over quota"})
	var rce *RemoteCallError
	require.True(t, errors.As(got, &rce))
	require.Equal(t, "*github.com/luxfi/duplex.quotaError", rce.TypeName)
	require.Equal(t, "over quota", rce.Message)

	m.Register(&quotaError{}, ErrorConstructors{
		WithMessage: func(msg string) error { return &quotaError{msg: msg} },
	})
	got = roundTrip(t, m, &quotaError{msg: "over quota"})
	var qe *quotaError
	require.True(t, errors.As(got, &qe))
	require.Equal(t, "over quota", qe.msg)
}

func TestConstructorOrder(t *testing.T) {
	m := NewExceptionMarshaler()
	m.RegisterName("custom.Error", ErrorConstructors{
		WithInner:   func(string, error) error { return nil },
		WithMessage: func(msg string) error { return stderrors.New("with message: " + msg) },
		Default:     func() error { return stderrors.New("default") },
	})
	got := m.Unpack(Envelope{Kind: KindOpaque, TypeName: "custom.Error", Message: "m"})
	require.Equal(t, "with message: m", got.Error())
}

func TestJujuErrorKeepsStack(t *testing.T) {
	err := errors.Trace(stderrors.New("traced"))
	env := NewExceptionMarshaler().Pack(err, "fallback")
	require.Equal(t, KindGeneric, env.Kind)
	require.NotEqual(t, "fallback", env.StackTrace)
	require.Contains(t, env.StackTrace, "traced")
}

func TestQualifiedTypeName(t *testing.T) {
	require.Equal(t, "*github.com/luxfi/duplex.ArgumentError", QualifiedTypeName(&ArgumentError{}))
	require.Equal(t, "int", QualifiedTypeName(1))
	require.Equal(t, "<nil>", QualifiedTypeName(nil))
	require.Equal(t, envelopeType, reflect.TypeOf(Envelope{}))
}

func TestJujuKindsSurviveTheWire(t *testing.T) {
	m := NewExceptionMarshaler()
	got := roundTrip(t, m, errors.NotFoundf("widget"))
	require.True(t, errors.Is(got, errors.NotFound))
	require.False(t, errors.Is(got, errors.NotValid))
	require.Equal(t, "widget not found", got.Error())
	var exc *Exception
	require.True(t, errors.As(got, &exc))

	got = roundTrip(t, m, errors.Annotate(errors.NotValidf("port"), "loading config"))
	require.True(t, errors.Is(got, errors.NotValid))

	got = roundTrip(t, m, errors.Timeoutf("dial"))
	require.True(t, errors.Is(&RemoteError{Method: "Dial", Cause: got}, errors.Timeout))

	// Codes that are not juju kinds are ignored.
	got = m.Unpack(Envelope{Kind: KindGeneric, Message: "closed", Code: string(ErrClosed)})
	require.False(t, errors.Is(got, ErrClosed))
}

func TestMultiWrappedErrorsKeepInners(t *testing.T) {
	m := NewExceptionMarshaler()
	joined := stderrors.Join(NewArgumentError("a", "bad a"), errors.NotFoundf("thing"))
	env := m.Pack(joined, "")
	require.Len(t, env.Inners, 2)
	require.Nil(t, env.Inner)

	got := roundTrip(t, m, joined)
	var arg *ArgumentError
	require.True(t, errors.As(got, &arg))
	require.Equal(t, "a", arg.ParamName)
	require.True(t, errors.Is(got, errors.NotFound))

	got = roundTrip(t, m, fmt.Errorf("both: %w, %w", NewObjectDisposedError("pool"), stderrors.New("plain")))
	var od *ObjectDisposedError
	require.True(t, errors.As(got, &od))
	require.Equal(t, "pool", od.ObjectName)
}
