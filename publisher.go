// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Peer is a remote subscriber that event frames are pushed to.
type Peer interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
}

// Authorizer decides per trigger whether an event may be delivered to a
// subscriber. A subscriber that fails the check misses that delivery only.
type Authorizer func(ctx context.Context, permissions []string, arg interface{}) (bool, error)

// Publisher is the publishing half of the event protocol. It binds to the
// implementation's events while they have subscribers and pushes every
// trigger to each subscriber in trigger order.
type Publisher struct {
	reg  *Registry
	opts *connOptions
	log  logrus.FieldLogger

	ctx    context.Context
	cancel context.CancelFunc

	// order is the FIFO send lock. Triggers take it in the order they
	// happen and hold it until every subscriber has been sent the event.
	order *semaphore.Weighted
	// disposed is written with order held.
	disposed bool

	mu      sync.Mutex
	binders map[uint64]EventBinder
	events  map[uint64]*publishedEvent
}

type publishedEvent struct {
	desc        *EventDescriptor
	subscribers map[string]*subscriber
	detach      func()
}

type subscriber struct {
	peer      Peer
	authorize Authorizer
}

// NewPublisher creates a publisher for the events of reg bound through b.
func NewPublisher(reg *Registry, b *Bindings, opts ...ConnOption) (*Publisher, error) {
	p := newPublisher(reg, newConnOptions(opts))
	if err := p.SetBindings(b); err != nil {
		return nil, err
	}
	return p, nil
}

func newPublisher(reg *Registry, o *connOptions) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		reg:     reg,
		opts:    o,
		log:     o.log.WithField("interface", reg.Name()),
		ctx:     ctx,
		cancel:  cancel,
		order:   semaphore.NewWeighted(1),
		binders: make(map[uint64]EventBinder),
		events:  make(map[uint64]*publishedEvent),
	}
}

// SetBindings replaces the event binders. Events that already have
// subscribers are rebound to the new binder.
func (p *Publisher) SetBindings(b *Bindings) error {
	binders := make(map[uint64]EventBinder)
	if b != nil {
		for name, binder := range b.Events {
			ed, ok := p.reg.Event(name)
			if !ok {
				return errors.NotFoundf("event %q of %s", name, p.reg.Name())
			}
			binders[ed.ID] = binder
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.binders = binders
	for _, pe := range p.events {
		if pe.detach != nil {
			pe.detach()
			pe.detach = nil
		}
		p.bind(pe)
	}
	return nil
}

// bind attaches the publisher to the implementation event. p.mu must be
// held.
func (p *Publisher) bind(pe *publishedEvent) {
	binder := p.binders[pe.desc.ID]
	if binder == nil {
		p.log.WithField("event", pe.desc.Name).Debug("subscribed event has no binding")
		return
	}
	ed := pe.desc
	pe.detach = binder(func(arg interface{}) { p.trigger(ed, arg) })
}

// Subscribe adds peer to the subscriber set of each event id. The first
// subscriber of an event binds to the implementation. Ids peer already
// holds are skipped.
func (p *Publisher) Subscribe(peer Peer, authorize Authorizer, ids ...uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return errors.Trace(ErrDisposed)
	}
	for _, id := range ids {
		ed, ok := p.reg.EventByID(id)
		if !ok {
			p.log.WithFields(logrus.Fields{"event_id": id, "peer": peer.ID()}).Warn("subscribe to unknown event")
			continue
		}
		pe := p.events[id]
		if pe == nil {
			pe = &publishedEvent{desc: ed, subscribers: make(map[string]*subscriber)}
			p.events[id] = pe
		}
		if _, dup := pe.subscribers[peer.ID()]; dup {
			continue
		}
		pe.subscribers[peer.ID()] = &subscriber{peer: peer, authorize: authorize}
		if len(pe.subscribers) == 1 && pe.detach == nil {
			p.bind(pe)
		}
	}
	return nil
}

// Unsubscribe removes peer from each event id. An event left without
// subscribers is unbound from the implementation.
func (p *Publisher) Unsubscribe(peer Peer, ids ...uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		p.unsubscribeLocked(peer.ID(), id)
	}
}

// RemovePeer drops peer from every event.
func (p *Publisher) RemovePeer(peer Peer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.events {
		p.unsubscribeLocked(peer.ID(), id)
	}
}

func (p *Publisher) unsubscribeLocked(peerID string, id uint64) {
	pe := p.events[id]
	if pe == nil {
		return
	}
	delete(pe.subscribers, peerID)
	if len(pe.subscribers) > 0 {
		return
	}
	if pe.detach != nil {
		pe.detach()
	}
	delete(p.events, id)
}

// HandleSubscription applies a Subscribe or Unsubscribe frame from peer.
func (p *Publisher) HandleSubscription(peer Peer, authorize Authorizer, frame []byte) error {
	op, ids, err := decodeSubscription(frame, p.opts.offset)
	if err != nil {
		return err
	}
	if op == OpSubscribeEvent {
		return p.Subscribe(peer, authorize, ids...)
	}
	p.Unsubscribe(peer, ids...)
	return nil
}

// Subscribers reports the number of subscribers of event.
func (p *Publisher) Subscribers(event string) int {
	ed, ok := p.reg.Event(event)
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if pe := p.events[ed.ID]; pe != nil {
		return len(pe.subscribers)
	}
	return 0
}

// Fire triggers event as if the implementation had raised it.
func (p *Publisher) Fire(event string, arg interface{}) error {
	ed, ok := p.reg.Event(event)
	if !ok {
		return errors.NotFoundf("event %q of %s", event, p.reg.Name())
	}
	p.trigger(ed, arg)
	return nil
}

func (p *Publisher) trigger(ed *EventDescriptor, arg interface{}) {
	if err := p.order.Acquire(p.ctx, 1); err != nil {
		return
	}
	defer p.order.Release(1)
	if p.disposed || p.ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	var subs []*subscriber
	if pe := p.events[ed.ID]; pe != nil {
		subs = make([]*subscriber, 0, len(pe.subscribers))
		for _, s := range pe.subscribers {
			subs = append(subs, s)
		}
	}
	p.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].peer.ID() < subs[j].peer.ID() })

	log := p.log.WithField("event", ed.Name)
	buf, err := p.encodeTrigger(ed, arg)
	if err != nil {
		log.WithError(err).Warn("serializing event")
		p.opts.metrics.deliveryFailed()
		return
	}
	defer buf.Release()

	for _, s := range p.authorized(ed, arg, subs) {
		if err := s.peer.Send(p.ctx, buf.B); err != nil {
			log.WithError(err).WithField("peer", s.peer.ID()).Warn("delivering event")
			p.opts.metrics.deliveryFailed()
			continue
		}
		p.opts.metrics.delivered()
	}
}

// authorized runs every permission check of one trigger concurrently and
// returns the subscribers that passed, in their original order.
func (p *Publisher) authorized(ed *EventDescriptor, arg interface{}, subs []*subscriber) []*subscriber {
	allowed := make([]bool, len(subs))
	var g errgroup.Group
	for i, s := range subs {
		if s.authorize == nil {
			allowed[i] = true
			continue
		}
		i, s := i, s
		g.Go(func() error {
			ok, err := s.authorize(p.ctx, ed.Permissions, arg)
			if err != nil {
				p.log.WithError(err).WithFields(logrus.Fields{
					"event": ed.Name,
					"peer":  s.peer.ID(),
				}).Warn("permission check failed")
				return nil
			}
			allowed[i] = ok
			return nil
		})
	}
	_ = g.Wait()
	out := subs[:0:0]
	for i, s := range subs {
		if allowed[i] {
			out = append(out, s)
		}
	}
	return out
}

func (p *Publisher) encodeTrigger(ed *EventDescriptor, arg interface{}) (*Buffer, error) {
	off := p.opts.offset
	withParam := ed.Arg != nil
	buf := p.opts.pool.Rent(off + triggerHeaderSize + lengthSize + responseEstimate)
	clear(buf.B[:off])
	pos := writeTriggerHeader(buf.B, off, ed.ID, withParam)
	if !withParam {
		buf.B = buf.B[:pos]
		return buf, nil
	}
	end, err := p.opts.serializer.Serialize(ed.Arg, buf, pos, arg)
	if err != nil {
		buf.Release()
		return nil, err
	}
	putTriggerLength(buf.B, off, end-pos)
	buf.B = buf.B[:end]
	return buf, nil
}

// Dispose unbinds from every implementation event. The context of a send
// in progress is cancelled and Dispose waits for it to return; no send
// starts afterwards.
func (p *Publisher) Dispose() error {
	p.cancel()
	if err := p.order.Acquire(context.Background(), 1); err != nil {
		return errors.Trace(err)
	}
	already := p.disposed
	p.disposed = true
	p.order.Release(1)
	if already {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id, pe := range p.events {
		if pe.detach != nil {
			pe.detach()
		}
		delete(p.events, id)
	}
	return nil
}
