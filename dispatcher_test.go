// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCallFrameOnTheWire(t *testing.T) {
	reg := calculatorRegistry(t)
	rec := newRecorder("wire")
	d := NewDispatcher(reg, rec.Send, WithLogger(quietLogger()), WithCustomOffset(3))

	done := make(chan error, 1)
	go func() {
		_, err := d.Call(context.Background(), "Sum", 12, 11)
		done <- err
	}()
	frame := rec.next(t)
	require.Equal(t, []byte{0, 0, 0}, frame[:3])
	corr, method, err := decodeCallHeader(frame, 3)
	require.NoError(t, err)
	sum, _ := reg.Method("Sum")
	require.Equal(t, sum.ID, method)

	params, err := decodeCallParams(frame, 3, 2)
	require.NoError(t, err)
	a, err := defaultSerializer.Deserialize(sum.Params[0], params[0])
	require.NoError(t, err)
	require.Equal(t, 12, a)

	resp := make([]byte, 3+responseHeaderSize)
	writeResponseHeader(resp, 3, OpMethodNotImplemented, corr)
	require.NoError(t, d.HandleResponse(resp))
	require.True(t, errors.Is(<-done, errors.NotImplemented))
}

func TestCorrelationIDsAreUnique(t *testing.T) {
	reg := calculatorRegistry(t)
	rec := newRecorder("wire")
	d := NewDispatcher(reg, rec.Send, WithLogger(quietLogger()), WithWaitTimeout(time.Second))

	for i := 0; i < 10; i++ {
		go func() { _, _ = d.Call(context.Background(), "Touch") }()
	}
	seen := map[uint32]bool{}
	for i := 0; i < 10; i++ {
		corr, _, err := decodeCallHeader(rec.next(t), 0)
		require.NoError(t, err)
		require.False(t, seen[corr])
		seen[corr] = true
	}
	require.NoError(t, d.Close())
}

func TestHandleResponseForUnknownCall(t *testing.T) {
	reg := calculatorRegistry(t)
	d := NewDispatcher(reg, newRecorder("wire").Send, WithLogger(quietLogger()))
	resp := make([]byte, responseHeaderSize)
	writeResponseHeader(resp, 0, OpMethodExecuted, 12345)
	require.NoError(t, d.HandleResponse(resp))
	require.True(t, errors.Is(d.HandleResponse([]byte{byte(OpCall), 0, 0, 0, 0}), ErrProtocol))
}

func TestCallArgumentChecks(t *testing.T) {
	reg := calculatorRegistry(t)
	rec := newRecorder("wire")
	d := NewDispatcher(reg, rec.Send, WithLogger(quietLogger()))
	ctx := context.Background()

	_, err := d.Call(ctx, "Sum", 1)
	require.True(t, errors.Is(err, errors.NotValid))
	_, err = d.Call(ctx, "Sum", "1", 2)
	require.True(t, errors.Is(err, errors.NotValid))
	_, err = d.Call(ctx, "Nope")
	require.True(t, errors.Is(err, errors.NotFound))
	require.Empty(t, rec.drain())
}

func TestSendFailureResolvesCall(t *testing.T) {
	reg := calculatorRegistry(t)
	rec := newRecorder("wire")
	rec.fail.Store(true)
	m, err := NewMetrics(prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	d := NewDispatcher(reg, rec.Send, WithLogger(quietLogger()), WithMetrics(m))

	_, err = d.Call(context.Background(), "Touch")
	require.True(t, errors.Is(err, ErrClosed))
	require.Zero(t, d.Pending())
	require.Equal(t, float64(1), testutil.ToFloat64(m.calls.WithLabelValues(resultFailed)))
	require.Equal(t, float64(0), testutil.ToFloat64(m.pending))
}
