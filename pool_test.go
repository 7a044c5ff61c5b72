// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/require"
)

func TestRentRoundsToSizeClass(t *testing.T) {
	p := NewBufferPool(PoolCapped, 1024)
	for _, tc := range []struct{ min, size int }{
		{0, 64}, {1, 64}, {64, 64}, {65, 128}, {1000, 1024},
	} {
		b := p.Rent(tc.min)
		require.Len(t, b.B, tc.size, "rent %d", tc.min)
		require.NoError(t, p.Return(b))
	}

	big := p.Rent(4096)
	require.Len(t, big.B, 4096)
	require.Nil(t, big.class)
	big.Release()
}

func TestReturnRejectsForeignBuffer(t *testing.T) {
	p := NewBufferPool(PoolCapped, 1024)
	foreign := &Buffer{B: make([]byte, 100)}
	err := p.Return(foreign)
	require.True(t, errors.Is(err, ErrUnknownSizeClass))
	require.False(t, foreign.released)
	require.Len(t, foreign.B, 100)
}

func TestDoubleReturn(t *testing.T) {
	p := NewBufferPool(PoolCapped, 1024)
	b := p.Rent(10)
	require.NoError(t, p.Return(b))
	require.True(t, errors.Is(p.Return(b), ErrBufferReleased))
	b.Release()
}

func TestDisabledPoolAllocates(t *testing.T) {
	p := NewBufferPool(PoolDisabled, 0)
	require.Equal(t, PoolDisabled, p.Mode())
	b := p.Rent(10)
	require.Len(t, b.B, 10)
	require.NoError(t, p.Return(b))
	require.Empty(t, p.Stats())
}

func TestStatsHighWater(t *testing.T) {
	p := NewBufferPool(PoolCapped, 128)
	a, b, c := p.Rent(10), p.Rent(10), p.Rent(100)
	a.Release()
	b.Release()
	d := p.Rent(10)

	stats := p.Stats()
	require.Len(t, stats, 2)
	require.Equal(t, PoolClassStats{Size: 64, Rented: 3, Outstanding: 1, HighWater: 2}, stats[0])
	require.Equal(t, PoolClassStats{Size: 128, Rented: 1, Outstanding: 1, HighWater: 1}, stats[1])
	c.Release()
	d.Release()
}

func TestEnsureKeepsPrefix(t *testing.T) {
	p := NewBufferPool(PoolCapped, 1<<12)
	b := p.Rent(10)
	copy(b.B, "header")
	b.Ensure(200, 6)
	require.GreaterOrEqual(t, len(b.B), 200)
	require.Equal(t, "header", string(b.B[:6]))
	b.Release()

	stats := p.Stats()
	require.Equal(t, int64(0), stats[0].Outstanding)
}

func TestEnsureAfterReleasePanics(t *testing.T) {
	p := NewBufferPool(PoolCapped, 0)
	b := p.Rent(1)
	b.Release()
	require.Panics(t, func() { b.Ensure(10, 0) })
}
