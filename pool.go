// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
)

// PoolMode selects how a BufferPool hands out memory.
type PoolMode int

const (
	// PoolCapped pools power-of-two size classes up to a maximum size.
	// Larger requests are allocated and dropped on release.
	PoolCapped PoolMode = iota

	// PoolDisabled degrades to plain allocation.
	PoolDisabled
)

func (m PoolMode) String() string {
	switch m {
	case PoolCapped:
		return "capped"
	case PoolDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

const (
	minSizeClass       = 64
	DefaultMaxPoolSize = 1 << 20
)

// BufferPool rents byte buffers for outgoing frames.
type BufferPool struct {
	mode    PoolMode
	classes []*sizeClass
}

type sizeClass struct {
	size        int
	pool        sync.Pool
	rented      atomic.Int64
	outstanding atomic.Int64
	highWater   atomic.Int64
}

// NewBufferPool creates a pool. maxSize is rounded up to a power of two;
// values below the smallest class fall back to DefaultMaxPoolSize.
func NewBufferPool(mode PoolMode, maxSize int) *BufferPool {
	p := &BufferPool{mode: mode}
	if mode == PoolDisabled {
		return p
	}
	if maxSize < minSizeClass {
		maxSize = DefaultMaxPoolSize
	}
	for size := minSizeClass; size <= roundUpPow2(maxSize); size <<= 1 {
		c := &sizeClass{size: size}
		sz := size
		c.pool.New = func() interface{} {
			b := make([]byte, sz)
			return &b
		}
		p.classes = append(p.classes, c)
	}
	return p
}

// Mode reports the pool mode.
func (p *BufferPool) Mode() PoolMode { return p.mode }

// Rent returns a buffer of at least minSize bytes.
func (p *BufferPool) Rent(minSize int) *Buffer {
	if minSize < 0 {
		minSize = 0
	}
	c := p.classFor(minSize)
	if c == nil {
		return &Buffer{B: make([]byte, minSize), pool: p}
	}
	bp := c.pool.Get().(*[]byte)
	c.rented.Add(1)
	n := c.outstanding.Add(1)
	for {
		hw := c.highWater.Load()
		if n <= hw || c.highWater.CompareAndSwap(hw, n) {
			break
		}
	}
	return &Buffer{B: (*bp)[:c.size], pool: p, class: c}
}

// Return gives a buffer back. Buffers whose capacity does not match a size
// class are rejected.
func (p *BufferPool) Return(b *Buffer) error {
	if b == nil {
		return nil
	}
	if b.released {
		return errors.Trace(ErrBufferReleased)
	}
	raw := b.B
	if p.mode == PoolDisabled {
		b.released, b.B = true, nil
		return nil
	}
	c := b.class
	if c == nil {
		c = p.exactClass(cap(raw))
	}
	if c == nil || cap(raw) != c.size {
		return errors.Annotatef(ErrUnknownSizeClass, "capacity %d", cap(raw))
	}
	if b.class != nil {
		c.outstanding.Add(-1)
	}
	b.released, b.B = true, nil
	raw = raw[:c.size]
	c.pool.Put(&raw)
	return nil
}

func (p *BufferPool) classFor(n int) *sizeClass {
	if p.mode == PoolDisabled || len(p.classes) == 0 {
		return nil
	}
	size := minSizeClass
	if n > minSizeClass {
		size = roundUpPow2(n)
	}
	return p.exactClass(size)
}

func (p *BufferPool) exactClass(size int) *sizeClass {
	if size < minSizeClass || size&(size-1) != 0 {
		return nil
	}
	idx := bits.TrailingZeros(uint(size)) - bits.TrailingZeros(uint(minSizeClass))
	if idx < 0 || idx >= len(p.classes) {
		return nil
	}
	return p.classes[idx]
}

// PoolClassStats is a snapshot of one size class.
type PoolClassStats struct {
	Size        int
	Rented      int64
	Outstanding int64
	HighWater   int64
}

// Stats returns a snapshot per size class, smallest first.
func (p *BufferPool) Stats() []PoolClassStats {
	stats := make([]PoolClassStats, 0, len(p.classes))
	for _, c := range p.classes {
		stats = append(stats, PoolClassStats{
			Size:        c.size,
			Rented:      c.rented.Load(),
			Outstanding: c.outstanding.Load(),
			HighWater:   c.highWater.Load(),
		})
	}
	return stats
}

func roundUpPow2(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// Buffer is a rented byte slice. It is owned by one holder until Release;
// B is nil afterwards so use-after-release fails loudly.
type Buffer struct {
	B        []byte
	pool     *BufferPool
	class    *sizeClass
	released bool
}

// Ensure guarantees len(B) >= n. When the buffer is too small a larger
// one is rented, the first keep bytes are copied and the old buffer goes
// back to the pool. Callers must re-read B afterwards.
func (b *Buffer) Ensure(n, keep int) {
	if b.released {
		panic("duplex: use of released buffer")
	}
	if n <= len(b.B) {
		return
	}
	grown := n
	if d := 2 * len(b.B); d > grown {
		grown = d
	}
	next := &Buffer{B: make([]byte, grown)}
	if b.pool != nil {
		next = b.pool.Rent(grown)
	}
	if keep > len(b.B) {
		keep = len(b.B)
	}
	copy(next.B, b.B[:keep])
	old := *b
	*b = *next
	old.Release()
}

// Release returns the buffer to its pool. Releasing twice is a no-op.
func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	if b.pool == nil || b.class == nil {
		// Oversized or unpooled allocation.
		b.released, b.B = true, nil
		return
	}
	_ = b.pool.Return(b)
}
