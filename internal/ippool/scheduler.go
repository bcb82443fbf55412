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

package ippool

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/fireworks-collab/agent-core/internal/events"
)

// preheatJitterFraction bounds the random jitter added to a
// successful preheat's next-due time, as a fraction of ttl. Keeps many
// domains refreshed around the same ttl from converging on the exact
// same tick and re-probing in lockstep.
const preheatJitterFraction = 0.1

func jitter(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	span := time.Duration(float64(ttl) * preheatJitterFraction)
	if span <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(span)*2)) - span
}

// DomainSchedule tracks one preheated (host,port)'s next-due time and
// failure streak for exponential backoff.
type DomainSchedule struct {
	Host          string
	Port          int
	NextDue       time.Time
	FailureStreak int
}

type scheduleHeap []*DomainSchedule

func (h scheduleHeap) Len() int            { return len(h) }
func (h scheduleHeap) Less(i, j int) bool  { return h[i].NextDue.Before(h[j].NextDue) }
func (h scheduleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scheduleHeap) Push(x any)         { *h = append(*h, x.(*DomainSchedule)) }
func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler drives preheat refreshes for a set of domains in next-due
// order, with per-domain exponential backoff on failure and a global
// auto-disable window when every scheduled domain is failing (spec.md
// §4.5 steps 5-6).
type Scheduler struct {
	pool     *Pool
	clock    Clock
	bus      *events.Bus
	refresh  func(ctx context.Context, host string, port int) (Best, error)

	mu              sync.Mutex
	heap            scheduleHeap
	byKey           map[string]*DomainSchedule
	autoDisabled    bool
	autoDisableUntil time.Time

	wake chan struct{}
}

// NewScheduler builds a Scheduler over pool. Domains are added with
// AddDomain before Run starts.
func NewScheduler(pool *Pool, clock Clock, bus *events.Bus) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		pool:    pool,
		clock:   clock,
		bus:     bus,
		refresh: pool.Refresh,
		byKey:   make(map[string]*DomainSchedule),
		wake:    make(chan struct{}, 1),
	}
}

// AddDomain schedules host:port for immediate preheat.
func (s *Scheduler) AddDomain(host string, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(host, port)
	if _, ok := s.byKey[k]; ok {
		return
	}
	sched := &DomainSchedule{Host: host, Port: port, NextDue: s.clock.Now()}
	s.byKey[k] = sched
	heap.Push(&s.heap, sched)
}

// WakeNow requests the scheduler re-evaluate its heap immediately,
// matching the spec's "select over a timer and a notification."
func (s *Scheduler) WakeNow() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run drives the preheat loop until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, ttl time.Duration) {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 {
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}
		next := s.heap[0]
		wait := next.NextDue.Sub(s.clock.Now())
		s.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		if s.autoDisableActive() {
			s.waitOutAutoDisable(ctx)
			continue
		}

		s.mu.Lock()
		sched := heap.Pop(&s.heap).(*DomainSchedule)
		s.mu.Unlock()

		s.preheatOne(ctx, sched, ttl)
	}
}

func (s *Scheduler) preheatOne(ctx context.Context, sched *DomainSchedule, ttl time.Duration) {
	_, err := s.refresh(ctx, sched.Host, sched.Port)

	s.mu.Lock()
	if err == nil {
		sched.FailureStreak = 0
		sched.NextDue = s.clock.Now().Add(ttl + jitter(ttl))
	} else {
		sched.FailureStreak++
		mult := 1 << uint(sched.FailureStreak)
		if float64(mult) > s.pool.cfg.FailureBackoffMultMax {
			mult = int(s.pool.cfg.FailureBackoffMultMax)
		}
		sched.NextDue = s.clock.Now().Add(ttl * time.Duration(mult))
	}
	heap.Push(&s.heap, sched)
	s.checkGlobalAutoDisableLocked()
	s.mu.Unlock()
}

func (s *Scheduler) checkGlobalAutoDisableLocked() {
	if s.autoDisabled {
		return
	}
	thresh := s.pool.cfg.PreheatFailureThresh
	allFailing := len(s.heap) > 0
	for _, sched := range s.heap {
		if sched.FailureStreak < thresh {
			allFailing = false
			break
		}
	}
	if allFailing {
		s.autoDisabled = true
		s.autoDisableUntil = s.clock.Now().Add(s.pool.cfg.AutoDisableCooldown)
		s.publish(events.KindIpPoolAutoDisable, events.IpPoolAutoDisable{Enabled: true, UntilMs: s.autoDisableUntil.UnixMilli()})
	}
}

func (s *Scheduler) autoDisableActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoDisabled
}

func (s *Scheduler) waitOutAutoDisable(ctx context.Context) {
	s.mu.Lock()
	until := s.autoDisableUntil
	s.mu.Unlock()

	wait := until.Sub(s.clock.Now())
	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	s.mu.Lock()
	s.autoDisabled = false
	for _, sched := range s.heap {
		sched.FailureStreak = 0
	}
	s.mu.Unlock()
	s.publish(events.KindIpPoolAutoDisable, events.IpPoolAutoDisable{Enabled: false})
}

func (s *Scheduler) publish(kind events.Kind, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Category: events.CategoryStrategy, Kind: kind, At: s.clock.Now(), Payload: payload})
}
