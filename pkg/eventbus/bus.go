// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel

// Package eventbus provides the in-process pub/sub channel between the
// orchestrator and transport adapters.
//
// Topics are addressed by (tenant_id, session_id). Delivery is ordered per
// session and best-effort: while a session has no subscriber, published
// events accumulate in a bounded backlog that is flushed to the next
// subscriber; under backpressure the oldest droppable frames (plain
// progress) are discarded first, and frames that must reach the client
// (markdown, forms, the workflow-finish sentinel) are never dropped. The
// bus persists nothing. Durability belongs to the checkpointer.
package eventbus

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/priam/pkg/protocol"
)

// DefaultBufferSize bounds per-subscriber queues and the detached backlog.
const DefaultBufferSize = 256

// SessionKey addresses one session's topic.
type SessionKey struct {
	TenantID  string
	SessionID string
}

func (k SessionKey) String() string {
	return k.TenantID + "/" + k.SessionID
}

// Event is one published frame with its per-session sequence number.
type Event struct {
	ID        string
	Key       SessionKey
	Sequence  uint64
	Timestamp time.Time
	Envelope  *protocol.Envelope
}

// Subscription is one subscriber's independent cursor over a session topic.
type Subscription struct {
	id    string
	topic *topic

	mu     sync.Mutex
	queue  []*Event
	closed bool

	notify chan struct{}
	out    chan *Event
	done   chan struct{}
}

// Events returns the subscriber's ordered event stream. The channel closes
// after Unsubscribe or when the topic closes.
func (s *Subscription) Events() <-chan *Event {
	return s.out
}

// Unsubscribe detaches the subscriber and closes its stream. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.topic.removeSub(s.id)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// enqueue appends an event, applying the drop policy when the queue is at
// capacity. Returns the dropped event, if any.
func (s *Subscription) enqueue(ev *Event, capacity int) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	var dropped *Event
	if len(s.queue) >= capacity {
		for i, queued := range s.queue {
			if queued.Envelope.Droppable() {
				dropped = queued
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
		// Nothing droppable: exceed capacity rather than lose a frame
		// that must reach the client.
	}

	s.queue = append(s.queue, ev)
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *Event
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- next:
		case <-s.done:
			return
		}
	}
}

type topic struct {
	mu      sync.Mutex
	key     SessionKey
	seq     uint64
	subs    map[string]*Subscription
	backlog []*Event
	closed  bool
}

func (t *topic) removeSub(id string) {
	t.mu.Lock()
	delete(t.subs, id)
	t.mu.Unlock()
}

// Bus is the process-wide event bus.
type Bus struct {
	mu         sync.RWMutex
	topics     map[SessionKey]*topic
	bufferSize int
	onDrop     func(*Event)
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber and backlog capacity.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithOnDrop installs a hook invoked for every dropped event, used for
// metrics.
func WithOnDrop(fn func(*Event)) Option {
	return func(b *Bus) {
		b.onDrop = fn
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		topics:     make(map[SessionKey]*topic),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) getOrCreateTopic(key SessionKey) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[key]
	if !ok {
		t = &topic{key: key, subs: make(map[string]*Subscription)}
		b.topics[key] = t
	}
	return t
}

// Publish delivers an envelope to the session's subscribers, or to the
// backlog when none are attached. Returns the published event.
func (b *Bus) Publish(key SessionKey, env *protocol.Envelope) *Event {
	t := b.getOrCreateTopic(key)

	t.mu.Lock()
	t.seq++
	ev := &Event{
		ID:        uuid.New().String(),
		Key:       key,
		Sequence:  t.seq,
		Timestamp: time.Now(),
		Envelope:  env,
	}

	if len(t.subs) == 0 {
		dropped := t.appendBacklogLocked(ev, b.bufferSize)
		t.mu.Unlock()
		if dropped != nil {
			b.dropEvent(dropped)
		}
		return ev
	}

	subs := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		if dropped := sub.enqueue(ev, b.bufferSize); dropped != nil {
			b.dropEvent(dropped)
		}
	}
	return ev
}

func (t *topic) appendBacklogLocked(ev *Event, capacity int) *Event {
	var dropped *Event
	if len(t.backlog) >= capacity {
		for i, queued := range t.backlog {
			if queued.Envelope.Droppable() {
				dropped = queued
				t.backlog = append(t.backlog[:i], t.backlog[i+1:]...)
				break
			}
		}
	}
	t.backlog = append(t.backlog, ev)
	return dropped
}

func (b *Bus) dropEvent(ev *Event) {
	slog.Debug("event dropped under backpressure",
		"tenant_id", ev.Key.TenantID,
		"session_id", ev.Key.SessionID,
		"sequence", ev.Sequence)
	if b.onDrop != nil {
		b.onDrop(ev)
	}
}

// Subscribe attaches a new subscriber to the session topic. The first
// subscriber after a detached period receives the accumulated backlog;
// later subscribers start at the current position.
func (b *Bus) Subscribe(key SessionKey) (*Subscription, error) {
	t := b.getOrCreateTopic(key)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, fmt.Errorf("session topic %s is closed", key)
	}

	sub := &Subscription{
		id:     uuid.New().String(),
		topic:  t,
		notify: make(chan struct{}, 1),
		out:    make(chan *Event),
		done:   make(chan struct{}),
	}
	if len(t.backlog) > 0 {
		sub.queue = append(sub.queue, t.backlog...)
		t.backlog = nil
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	t.subs[sub.id] = sub
	go sub.pump()
	return sub, nil
}

// Close tears down the session topic and closes every subscriber stream.
// A later Publish or Subscribe for the same key starts a fresh topic.
func (b *Bus) Close(key SessionKey) {
	b.mu.Lock()
	t, ok := b.topics[key]
	if ok {
		delete(b.topics, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	t.closed = true
	subs := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[string]*Subscription)
	t.backlog = nil
	t.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// Shutdown closes every topic.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	keys := make([]SessionKey, 0, len(b.topics))
	for key := range b.topics {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.Close(key)
	}
}
