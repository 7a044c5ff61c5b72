// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package duplex

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/sirupsen/logrus"
)

// EventHandler receives the argument of a remote event, or nil for an
// event without a parameter.
type EventHandler func(arg interface{})

// Subscriber is the subscribing half of the event protocol. Any number of
// local handlers per event collapse into one wire subscription.
type Subscriber struct {
	reg  *Registry
	send SendFunc
	opts *connOptions
	log  logrus.FieldLogger

	// wire is held from a state change until its frame is sent, so frames
	// leave in the order the changes happened.
	wire sync.Mutex

	mu        sync.Mutex
	events    map[uint64]*localEvent
	nextToken uint64
	suspended bool
	queue     map[uint64]Opcode
	queued    []uint64
}

type localEvent struct {
	desc     *EventDescriptor
	handlers map[uint64]EventHandler
}

// NewSubscriber creates a subscriber for the events of reg.
func NewSubscriber(reg *Registry, send SendFunc, opts ...ConnOption) *Subscriber {
	return newSubscriber(reg, send, newConnOptions(opts))
}

func newSubscriber(reg *Registry, send SendFunc, o *connOptions) *Subscriber {
	return &Subscriber{
		reg:    reg,
		send:   send,
		opts:   o,
		log:    o.log.WithField("interface", reg.Name()),
		events: make(map[uint64]*localEvent),
		queue:  make(map[uint64]Opcode),
	}
}

// Subscription is one attached local handler.
type Subscription struct {
	s       *Subscriber
	eventID uint64
	token   uint64
	once    sync.Once
}

// Subscribe attaches h to event. The first handler of an event sends a
// Subscribe frame, unless the subscriber is suspended.
func (s *Subscriber) Subscribe(ctx context.Context, event string, h EventHandler) (*Subscription, error) {
	ed, ok := s.reg.Event(event)
	if !ok {
		return nil, errors.NotFoundf("event %q of %s", event, s.reg.Name())
	}
	s.wire.Lock()
	defer s.wire.Unlock()

	s.mu.Lock()
	le := s.events[ed.ID]
	if le == nil {
		le = &localEvent{desc: ed, handlers: make(map[uint64]EventHandler)}
		s.events[ed.ID] = le
	}
	s.nextToken++
	token := s.nextToken
	le.handlers[token] = h
	send := false
	if len(le.handlers) == 1 {
		if s.suspended {
			s.enqueue(ed.ID, OpSubscribeEvent)
		} else {
			send = true
		}
	}
	s.mu.Unlock()

	if send {
		if _, err := s.sendIDs(ctx, OpSubscribeEvent, []uint64{ed.ID}); err != nil {
			s.mu.Lock()
			delete(le.handlers, token)
			if len(le.handlers) == 0 {
				delete(s.events, ed.ID)
			}
			s.mu.Unlock()
			return nil, errors.Annotatef(err, "subscribing %s", event)
		}
	}
	return &Subscription{s: s, eventID: ed.ID, token: token}, nil
}

// Unsubscribe detaches the handler. The last handler of an event sends an
// Unsubscribe frame, unless the subscriber is suspended. Calling it again
// is a no-op.
func (sub *Subscription) Unsubscribe(ctx context.Context) error {
	var err error
	sub.once.Do(func() {
		err = sub.s.unsubscribe(ctx, sub.eventID, sub.token)
	})
	return err
}

func (s *Subscriber) unsubscribe(ctx context.Context, id, token uint64) error {
	s.wire.Lock()
	defer s.wire.Unlock()

	s.mu.Lock()
	le := s.events[id]
	if le == nil {
		s.mu.Unlock()
		return nil
	}
	if _, ok := le.handlers[token]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(le.handlers, token)
	send := false
	if len(le.handlers) == 0 {
		delete(s.events, id)
		if s.suspended {
			s.enqueue(id, OpUnsubscribeEvent)
		} else {
			send = true
		}
	}
	s.mu.Unlock()

	if send {
		_, err := s.sendIDs(ctx, OpUnsubscribeEvent, []uint64{id})
		return errors.Annotatef(err, "unsubscribing %s", le.desc.Name)
	}
	return nil
}

// enqueue records a deferred wire change; opposite changes cancel out.
// s.mu must be held.
func (s *Subscriber) enqueue(id uint64, op Opcode) {
	if prev, ok := s.queue[id]; ok && prev != op {
		delete(s.queue, id)
		s.queued = slices.DeleteFunc(s.queued, func(q uint64) bool { return q == id })
		return
	}
	if _, ok := s.queue[id]; !ok {
		s.queued = append(s.queued, id)
	}
	s.queue[id] = op
}

// Suspend defers the wire traffic of later subscription changes until
// Resume. Active subscriptions are unaffected.
func (s *Subscriber) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
}

// Suspended reports whether subscription traffic is deferred.
func (s *Subscriber) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

// Resume sends the changes deferred since Suspend: one batched Subscribe
// frame, then one batched Unsubscribe frame, each only if non-empty. If a
// send fails the subscriber stays suspended with the unsent changes queued,
// so a later Resume retries them.
func (s *Subscriber) Resume(ctx context.Context) error {
	s.wire.Lock()
	defer s.wire.Unlock()

	s.mu.Lock()
	var subs, unsubs []uint64
	for _, id := range s.queued {
		switch op, ok := s.queue[id]; {
		case !ok:
		case op == OpSubscribeEvent:
			subs = append(subs, id)
		default:
			unsubs = append(unsubs, id)
		}
	}
	s.mu.Unlock()

	if n, err := s.sendIDs(ctx, OpSubscribeEvent, subs); err != nil {
		s.requeue(subs[n:], unsubs)
		return errors.Annotate(err, "flushing subscriptions")
	}
	if n, err := s.sendIDs(ctx, OpUnsubscribeEvent, unsubs); err != nil {
		s.requeue(nil, unsubs[n:])
		return errors.Annotate(err, "flushing unsubscriptions")
	}

	s.mu.Lock()
	s.queue = make(map[uint64]Opcode)
	s.queued = nil
	s.suspended = false
	s.mu.Unlock()
	return nil
}

// requeue replaces the deferred changes with the ones a failed Resume did
// not send. s.wire must be held.
func (s *Subscriber) requeue(subs, unsubs []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = make(map[uint64]Opcode, len(subs)+len(unsubs))
	s.queued = s.queued[:0]
	for _, id := range subs {
		s.queue[id] = OpSubscribeEvent
		s.queued = append(s.queued, id)
	}
	for _, id := range unsubs {
		s.queue[id] = OpUnsubscribeEvent
		s.queued = append(s.queued, id)
	}
}

// sendIDs sends ids in frames of at most MaxBatch and reports how many
// were sent.
func (s *Subscriber) sendIDs(ctx context.Context, op Opcode, ids []uint64) (int, error) {
	sent := 0
	for sent < len(ids) {
		n := len(ids) - sent
		if n > MaxBatch {
			n = MaxBatch
		}
		buf := encodeSubscription(s.opts.pool, s.opts.offset, op, ids[sent:sent+n])
		err := s.send(ctx, buf.B)
		buf.Release()
		if err != nil {
			return sent, err
		}
		sent += n
	}
	return sent, nil
}

// HandleTrigger delivers an event frame to the local handlers of its
// event in attach order.
func (s *Subscriber) HandleTrigger(frame []byte) error {
	id, param, hasParam, err := decodeTrigger(frame, s.opts.offset)
	if err != nil {
		return err
	}
	s.mu.Lock()
	le := s.events[id]
	var handlers []EventHandler
	var ed *EventDescriptor
	if le != nil {
		ed = le.desc
		tokens := make([]uint64, 0, len(le.handlers))
		for t := range le.handlers {
			tokens = append(tokens, t)
		}
		sort.Slice(tokens, func(i, j int) bool { return tokens[i] < tokens[j] })
		for _, t := range tokens {
			handlers = append(handlers, le.handlers[t])
		}
	}
	s.mu.Unlock()
	if len(handlers) == 0 {
		s.log.WithField("event_id", id).Debug("dropping event without local handlers")
		return nil
	}

	var arg interface{}
	if hasParam && ed.Arg != nil {
		arg, err = s.opts.serializer.Deserialize(ed.Arg, param)
		if err != nil {
			return errors.Annotatef(err, "argument of event %s", ed.Name)
		}
	}
	for _, h := range handlers {
		h(arg)
	}
	return nil
}

// Handlers reports the number of local handlers attached to event.
func (s *Subscriber) Handlers(event string) int {
	ed, ok := s.reg.Event(event)
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if le := s.events[ed.ID]; le != nil {
		return len(le.handlers)
	}
	return 0
}
