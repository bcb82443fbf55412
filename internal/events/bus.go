/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 Fireworks Collaboration Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package events

import (
	"sync"
	"sync/atomic"
)

// defaultSubscriberBuffer bounds how far a slow subscriber can lag before
// its events start getting dropped; it keeps Publish non-blocking.
const defaultSubscriberBuffer = 256

// defaultBufferSize is the capacity of the in-memory buffer used by tests
// and by anything that wants to replay recent events (e.g. the metrics
// pipeline bootstrapping from a cold start).
const defaultBufferSize = 4096

// Subscription is a handle returned by Bus.Subscribe.
type Subscription struct {
	ch      chan Event
	dropped atomic.Int64
	bus     *Bus
	id      int64
}

// C returns the channel to receive events on.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events were dropped because this subscriber
// fell behind.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Unsubscribe removes the subscription from the bus and closes its channel.
func (s *Subscription) Unsubscribe() { s.bus.unsubscribe(s.id) }

// Bus fans out published events, in registration order, to every current
// subscriber and to a bounded ring buffer. There is at most one Bus per
// process in normal operation (see Global), but tests construct isolated
// instances freely.
type Bus struct {
	mu          sync.Mutex
	subs        map[int64]*Subscription
	nextID      int64
	buffer      []Event
	bufferHead  int
	bufferSize  int
	bufferFull  bool
}

// New creates an empty bus with the default replay buffer size.
func New() *Bus {
	return NewWithBufferSize(defaultBufferSize)
}

// NewWithBufferSize creates a bus whose replay buffer holds at most size
// events (0 disables the buffer).
func NewWithBufferSize(size int) *Bus {
	return &Bus{
		subs:       make(map[int64]*Subscription),
		buffer:     make([]Event, size),
		bufferSize: size,
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		ch:  make(chan Event, defaultSubscriberBuffer),
		bus: b,
		id:  b.nextID,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id int64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

// Publish fans out ev to every current subscriber in registration order.
// A subscriber that is not keeping up has the event dropped for it rather
// than blocking the publisher or any other subscriber.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	b.recordLocked(ev)
	// Snapshot subscriber order so a concurrent Subscribe/Unsubscribe
	// during fan-out can't race the map iteration.
	ordered := make([]*Subscription, 0, len(b.subs))
	for id := int64(1); id <= b.nextID; id++ {
		if sub, ok := b.subs[id]; ok {
			ordered = append(ordered, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range ordered {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

func (b *Bus) recordLocked(ev Event) {
	if b.bufferSize == 0 {
		return
	}
	b.buffer[b.bufferHead] = ev
	b.bufferHead = (b.bufferHead + 1) % b.bufferSize
	if b.bufferHead == 0 {
		b.bufferFull = true
	}
}

// TakeAll returns, and clears, every buffered event in publish order.
func (b *Bus) TakeAll() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.bufferSize == 0 {
		return nil
	}

	var out []Event
	if b.bufferFull {
		out = append(out, b.buffer[b.bufferHead:]...)
		out = append(out, b.buffer[:b.bufferHead]...)
	} else {
		out = append(out, b.buffer[:b.bufferHead]...)
	}

	b.bufferHead = 0
	b.bufferFull = false
	return out
}

var (
	globalOnce sync.Once
	global     *Bus
)

// Global returns the process-wide bus, constructing it exactly once.
func Global() *Bus {
	globalOnce.Do(func() {
		global = New()
	})
	return global
}
