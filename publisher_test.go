// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestPublisher(t *testing.T, opts ...ConnOption) (*Publisher, *calculatorImpl) {
	reg := calculatorRegistry(t)
	impl := &calculatorImpl{}
	opts = append([]ConnOption{WithLogger(quietLogger())}, opts...)
	p, err := NewPublisher(reg, calculatorBindings(t, reg, impl), opts...)
	require.NoError(t, err)
	return p, impl
}

func tickValue(t *testing.T, p *Publisher, frame []byte) int64 {
	id, param, hasParam, err := decodeTrigger(frame, p.opts.offset)
	require.NoError(t, err)
	tick, _ := p.reg.Event("Tick")
	require.Equal(t, tick.ID, id)
	require.True(t, hasParam)
	v, err := p.opts.serializer.Deserialize(tick.Arg, param)
	require.NoError(t, err)
	return v.(int64)
}

func TestPublisherBindsWhileSubscribed(t *testing.T) {
	p, impl := newTestPublisher(t)
	tick, _ := p.reg.Event("Tick")
	a, b := newRecorder("a"), newRecorder("b")

	require.NoError(t, p.Subscribe(a, nil, tick.ID))
	require.NoError(t, p.Subscribe(b, nil, tick.ID))
	require.Equal(t, 1, impl.tick.Len())
	require.Equal(t, 2, p.Subscribers("Tick"))

	impl.tick.Fire(3)
	require.Equal(t, int64(3), tickValue(t, p, a.next(t)))
	require.Equal(t, int64(3), tickValue(t, p, b.next(t)))

	p.Unsubscribe(a, tick.ID)
	require.Equal(t, 1, impl.tick.Len())
	p.RemovePeer(b)
	require.Zero(t, impl.tick.Len())
	require.Zero(t, p.Subscribers("Tick"))
}

func TestPublisherIgnoresUnknownIDs(t *testing.T) {
	p, _ := newTestPublisher(t)
	require.NoError(t, p.Subscribe(newRecorder("a"), nil, 42))
	require.Zero(t, p.Subscribers("Tick"))
}

func TestPublisherFIFOOrder(t *testing.T) {
	p, impl := newTestPublisher(t)
	tick, _ := p.reg.Event("Tick")
	peer := newRecorder("a")
	require.NoError(t, p.Subscribe(peer, nil, tick.ID))

	for i := int64(0); i < 200; i++ {
		impl.tick.Fire(i)
	}
	for i := int64(0); i < 200; i++ {
		require.Equal(t, i, tickValue(t, p, peer.next(t)))
	}
}

func TestPublisherConcurrentTriggersAreSerialized(t *testing.T) {
	p, impl := newTestPublisher(t)
	tick, _ := p.reg.Event("Tick")
	a, b := newRecorder("a"), newRecorder("b")
	require.NoError(t, p.Subscribe(a, nil, tick.ID))
	require.NoError(t, p.Subscribe(b, nil, tick.ID))

	var wg sync.WaitGroup
	for i := int64(0); i < 50; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			impl.tick.Fire(v)
		}(i)
	}
	wg.Wait()

	// Every subscriber sees the triggers in the same order.
	for i := 0; i < 50; i++ {
		require.Equal(t, tickValue(t, p, a.next(t)), tickValue(t, p, b.next(t)))
	}
}

func TestPublisherDeliversInLockOrder(t *testing.T) {
	p, impl := newTestPublisher(t)
	tick, _ := p.reg.Event("Tick")
	peer := newRecorder("a")

	// The permission check runs with the send lock held, so the order of
	// checks is the order the lock was taken in.
	var mu sync.Mutex
	var locked []int64
	record := func(_ context.Context, _ []string, arg interface{}) (bool, error) {
		mu.Lock()
		locked = append(locked, arg.(int64))
		mu.Unlock()
		return true, nil
	}
	require.NoError(t, p.Subscribe(peer, record, tick.ID))

	var wg sync.WaitGroup
	for i := int64(0); i < 100; i++ {
		wg.Add(1)
		go func(v int64) {
			defer wg.Done()
			impl.tick.Fire(v)
		}(i)
	}
	wg.Wait()

	require.Len(t, locked, 100)
	for i := 0; i < 100; i++ {
		require.Equal(t, locked[i], tickValue(t, p, peer.next(t)))
	}
}

func TestPublisherQueuedTriggersKeepArrivalOrder(t *testing.T) {
	p, impl := newTestPublisher(t)
	tick, _ := p.reg.Event("Tick")
	peer := &blockingPeer{
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
		sent:    make(chan struct{}, 8),
	}
	var mu sync.Mutex
	var sent []int64
	record := func(_ context.Context, _ []string, arg interface{}) (bool, error) {
		mu.Lock()
		sent = append(sent, arg.(int64))
		mu.Unlock()
		return true, nil
	}
	require.NoError(t, p.Subscribe(peer, record, tick.ID))

	go impl.tick.Fire(0)
	<-peer.entered
	// Each trigger queues behind the blocked send before the next starts.
	for i := int64(1); i <= 5; i++ {
		go impl.tick.Fire(i)
		time.Sleep(20 * time.Millisecond)
	}
	close(peer.release)
	for i := 0; i < 6; i++ {
		<-peer.sent
	}
	require.Equal(t, []int64{0, 1, 2, 3, 4, 5}, sent)
}

func TestPublisherDuplicateSubscribeBindsOnce(t *testing.T) {
	p, impl := newTestPublisher(t)
	tick, _ := p.reg.Event("Tick")
	peer := newRecorder("a")

	require.NoError(t, p.Subscribe(peer, nil, tick.ID, tick.ID))
	buf := encodeSubscription(p.opts.pool, 0, OpSubscribeEvent, []uint64{tick.ID, tick.ID})
	require.NoError(t, p.HandleSubscription(peer, nil, buf.B))
	buf.Release()
	require.Equal(t, 1, impl.tick.Len())
	require.Equal(t, 1, p.Subscribers("Tick"))

	impl.tick.Fire(1)
	require.Equal(t, int64(1), tickValue(t, p, peer.next(t)))
	require.Empty(t, peer.drain())

	p.Unsubscribe(peer, tick.ID)
	require.Zero(t, impl.tick.Len())
	impl.tick.Fire(2)
	require.Empty(t, peer.drain())
}

func TestPublisherFailingSubscriberIsIsolated(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg, nil)
	require.NoError(t, err)
	p, impl := newTestPublisher(t, WithMetrics(m))
	tick, _ := p.reg.Event("Tick")

	bad, good := newRecorder("a-bad"), newRecorder("b-good")
	bad.fail.Store(true)
	require.NoError(t, p.Subscribe(bad, nil, tick.ID))
	require.NoError(t, p.Subscribe(good, nil, tick.ID))

	impl.tick.Fire(8)
	require.Equal(t, int64(8), tickValue(t, p, good.next(t)))
	require.Equal(t, float64(1), testutil.ToFloat64(m.deliveryFailures))
	require.Equal(t, float64(1), testutil.ToFloat64(m.eventsDelivered))
}

func TestPublisherPermissions(t *testing.T) {
	p, impl := newTestPublisher(t)
	secret, _ := p.reg.Event("Secret")
	admin, guest, broken := newRecorder("admin"), newRecorder("guest"), newRecorder("broken")

	var mu sync.Mutex
	var seen [][]string
	allow := func(ok bool, err error) Authorizer {
		return func(_ context.Context, perms []string, arg interface{}) (bool, error) {
			mu.Lock()
			seen = append(seen, perms)
			mu.Unlock()
			return ok, err
		}
	}
	require.NoError(t, p.Subscribe(admin, allow(true, nil), secret.ID))
	require.NoError(t, p.Subscribe(guest, allow(false, nil), secret.ID))
	require.NoError(t, p.Subscribe(broken, allow(true, errors.New("lookup failed")), secret.ID))

	impl.secret.Fire("x")
	require.NotNil(t, admin.next(t))
	require.Empty(t, guest.drain())
	require.Empty(t, broken.drain())
	require.Len(t, seen, 3)
	for _, perms := range seen {
		require.Equal(t, []string{"admin"}, perms)
	}
}

func TestPublisherEventWithoutParameter(t *testing.T) {
	p, impl := newTestPublisher(t, WithCustomOffset(2))
	ping, _ := p.reg.Event("Ping")
	peer := newRecorder("a")
	require.NoError(t, p.Subscribe(peer, nil, ping.ID))

	impl.ping.Fire(struct{}{})
	frame := peer.next(t)
	require.Len(t, frame, 2+triggerHeaderSize)
	id, _, hasParam, err := decodeTrigger(frame, 2)
	require.NoError(t, err)
	require.Equal(t, ping.ID, id)
	require.False(t, hasParam)
}

func TestPublisherHandleSubscription(t *testing.T) {
	p, impl := newTestPublisher(t)
	tick, _ := p.reg.Event("Tick")
	ping, _ := p.reg.Event("Ping")
	peer := newRecorder("a")

	buf := encodeSubscription(p.opts.pool, 0, OpSubscribeEvent, []uint64{tick.ID, ping.ID})
	require.NoError(t, p.HandleSubscription(peer, nil, buf.B))
	buf.Release()
	require.Equal(t, 1, impl.tick.Len())
	require.Equal(t, 1, impl.ping.Len())

	buf = encodeSubscription(p.opts.pool, 0, OpUnsubscribeEvent, []uint64{ping.ID})
	require.NoError(t, p.HandleSubscription(peer, nil, buf.B))
	buf.Release()
	require.Equal(t, 1, impl.tick.Len())
	require.Zero(t, impl.ping.Len())

	require.True(t, errors.Is(p.HandleSubscription(peer, nil, []byte{byte(OpCall)}), ErrProtocol))
}

// blockingPeer holds every Send until released.
type blockingPeer struct {
	entered chan struct{}
	release chan struct{}
	sent    chan struct{}
}

func (b *blockingPeer) ID() string { return "blocking" }

func (b *blockingPeer) Send(context.Context, []byte) error {
	b.entered <- struct{}{}
	<-b.release
	b.sent <- struct{}{}
	return nil
}

func TestDisposeLetsInFlightSendFinish(t *testing.T) {
	p, impl := newTestPublisher(t)
	tick, _ := p.reg.Event("Tick")
	peer := &blockingPeer{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		sent:    make(chan struct{}, 4),
	}
	require.NoError(t, p.Subscribe(peer, nil, tick.ID))

	go impl.tick.Fire(1)
	<-peer.entered

	disposed := make(chan error, 1)
	go func() { disposed <- p.Dispose() }()
	select {
	case <-disposed:
		t.Fatal("dispose returned while a send was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(peer.release)
	require.NoError(t, <-disposed)
	<-peer.sent

	// No send starts after dispose.
	impl.tick.Fire(2)
	p.trigger(tick, int64(3))
	require.Empty(t, peer.sent)
	require.Zero(t, impl.tick.Len())
	require.True(t, errors.Is(p.Subscribe(peer, nil, tick.ID), ErrDisposed))
	require.NoError(t, p.Dispose())
}

// stalledPeer blocks every Send until its context ends.
type stalledPeer struct {
	entered chan struct{}
}

func (s *stalledPeer) ID() string { return "stalled" }

func (s *stalledPeer) Send(ctx context.Context, _ []byte) error {
	s.entered <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func TestDisposeUnblocksStalledSend(t *testing.T) {
	p, impl := newTestPublisher(t)
	tick, _ := p.reg.Event("Tick")
	peer := &stalledPeer{entered: make(chan struct{}, 1)}
	require.NoError(t, p.Subscribe(peer, nil, tick.ID))

	fired := make(chan struct{})
	go func() {
		defer close(fired)
		impl.tick.Fire(1)
		impl.tick.Fire(2)
	}()
	<-peer.entered

	disposed := make(chan error, 1)
	go func() { disposed <- p.Dispose() }()
	select {
	case err := <-disposed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispose blocked by a stalled send")
	}
	<-fired
	require.Empty(t, peer.entered)
	require.Zero(t, impl.tick.Len())
}
