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
	"sync"
	"time"
)

const (
	defaultWindow          = 2 * time.Minute
	defaultAbsoluteTrip    = 5
	defaultMinSamples      = 10
	defaultFailureRateTrip = 0.5
)

type sample struct {
	at   time.Time
	fail bool
}

type ipState struct {
	samples []sample
	tripped bool
}

// Breaker trips a per-IP circuit when its failure count within a
// sliding window crosses an absolute threshold, or its failure rate
// crosses a threshold once enough samples have accumulated (spec.md
// §4.5 step 7).
type Breaker struct {
	mu    sync.Mutex
	ips   map[string]*ipState
	onTrip    func(ip, reason string)
	onRecover func(ip string)

	window          time.Duration
	absoluteTrip    int
	minSamples      int
	failureRateTrip float64
}

// NewBreaker builds a Breaker with default thresholds and no callbacks;
// use WithCallbacks to wire IpPoolIpTripped/IpPoolIpRecovered emission.
func NewBreaker() *Breaker {
	return &Breaker{
		ips:             make(map[string]*ipState),
		window:          defaultWindow,
		absoluteTrip:    defaultAbsoluteTrip,
		minSamples:      defaultMinSamples,
		failureRateTrip: defaultFailureRateTrip,
	}
}

// NewBreakerWithThresholds builds a Breaker using the given
// absolute-trip count, minimum-sample floor and failure-rate threshold,
// for deployments that override config.CircuitBreakerConfig away from
// the defaults. A zero/negative value falls back to its default.
func NewBreakerWithThresholds(absoluteTrip, minSamples int, failureRate float64, window time.Duration) *Breaker {
	b := NewBreaker()
	if absoluteTrip > 0 {
		b.absoluteTrip = absoluteTrip
	}
	if minSamples > 0 {
		b.minSamples = minSamples
	}
	if failureRate > 0 {
		b.failureRateTrip = failureRate
	}
	if window > 0 {
		b.window = window
	}
	return b
}

// WithCallbacks sets the trip/recover notification hooks.
func (b *Breaker) WithCallbacks(onTrip func(ip, reason string), onRecover func(ip string)) *Breaker {
	b.onTrip, b.onRecover = onTrip, onRecover
	return b
}

func (b *Breaker) record(ip string, fail bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.ips[ip]
	if !ok {
		st = &ipState{}
		b.ips[ip] = st
	}
	cutoff := now.Add(-b.window)
	kept := st.samples[:0]
	for _, s := range st.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	st.samples = append(kept, sample{at: now, fail: fail})

	failures := 0
	for _, s := range st.samples {
		if s.fail {
			failures++
		}
	}
	total := len(st.samples)

	wasTripped := st.tripped
	shouldTrip := failures >= b.absoluteTrip ||
		(total >= b.minSamples && float64(failures)/float64(total) >= b.failureRateTrip)

	switch {
	case !wasTripped && shouldTrip:
		st.tripped = true
		if b.onTrip != nil {
			b.onTrip(ip, b.tripReason(failures))
		}
	case wasTripped && !fail && failures == 0:
		st.tripped = false
		if b.onRecover != nil {
			b.onRecover(ip)
		}
	}
}

func (b *Breaker) tripReason(failures int) string {
	if failures >= b.absoluteTrip {
		return "absolute_threshold"
	}
	return "failure_rate"
}

// RecordFailure records a failed probe/use of ip.
func (b *Breaker) RecordFailure(ip string, now time.Time) { b.record(ip, true, now) }

// RecordSuccess records a successful probe/use of ip.
func (b *Breaker) RecordSuccess(ip string, now time.Time) { b.record(ip, false, now) }

// Tripped reports whether ip's circuit is currently open.
func (b *Breaker) Tripped(ip string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.ips[ip]
	return ok && st.tripped
}
