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
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireworks-collab/agent-core/internal/events"
)

func staticSource(ips ...string) CandidateSource {
	return func(ctx context.Context, host string, port int) ([]string, error) { return ips, nil }
}

func latencyProber(latencies map[string]time.Duration) Prober {
	return func(ctx context.Context, ip string, port int, host, sni string, mode ProbeMode, timeout time.Duration) (time.Duration, error) {
		d, ok := latencies[ip]
		if !ok {
			return 0, assert.AnError
		}
		return d, nil
	}
}

func TestPool_RefreshPicksFastestCandidate(t *testing.T) {
	sources := map[string]CandidateSource{"dns": staticSource("1.1.1.1", "2.2.2.2")}
	prober := latencyProber(map[string]time.Duration{"1.1.1.1": 50 * time.Millisecond, "2.2.2.2": 10 * time.Millisecond})
	pool := New(Config{FastWaitMin: 20 * time.Millisecond}, sources, prober, nil, nil)

	best, err := pool.Refresh(context.Background(), "example.com", 443)
	require.NoError(t, err)
	assert.Equal(t, "2.2.2.2", best.IP)
	assert.EqualValues(t, 10, best.LatencyMs)
}

func TestPool_RefreshNoCandidatesRemovesCacheSlot(t *testing.T) {
	sources := map[string]CandidateSource{"dns": staticSource()}
	pool := New(Config{FastWaitMin: 5 * time.Millisecond}, sources, latencyProber(nil), nil, nil)

	_, err := pool.Refresh(context.Background(), "example.com", 443)
	assert.ErrorIs(t, err, ErrNoCandidates)
	_, ok := pool.Best("example.com", 443)
	assert.False(t, ok)
}

func TestPool_WhitelistFiltersNonMatching(t *testing.T) {
	_, allowedNet, _ := net.ParseCIDR("2.2.2.0/24")
	sources := map[string]CandidateSource{"dns": staticSource("1.1.1.1", "2.2.2.2")}
	prober := latencyProber(map[string]time.Duration{"1.1.1.1": 5 * time.Millisecond, "2.2.2.2": 20 * time.Millisecond})
	pool := New(Config{FastWaitMin: 5 * time.Millisecond, Whitelist: []*net.IPNet{allowedNet}}, sources, prober, nil, nil)

	best, err := pool.Refresh(context.Background(), "example.com", 443)
	require.NoError(t, err)
	assert.Equal(t, "2.2.2.2", best.IP)
}

func TestPool_BlacklistRemovesMatching(t *testing.T) {
	_, blocked, _ := net.ParseCIDR("2.2.2.0/24")
	sources := map[string]CandidateSource{"dns": staticSource("1.1.1.1", "2.2.2.2")}
	prober := latencyProber(map[string]time.Duration{"1.1.1.1": 5 * time.Millisecond, "2.2.2.2": 1 * time.Millisecond})
	pool := New(Config{FastWaitMin: 5 * time.Millisecond, Blacklist: []*net.IPNet{blocked}}, sources, prober, nil, nil)

	best, err := pool.Refresh(context.Background(), "example.com", 443)
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1", best.IP)
}

func TestBreaker_TripsOnAbsoluteThreshold(t *testing.T) {
	var tripped string
	b := NewBreaker().WithCallbacks(func(ip, reason string) { tripped = ip }, nil)
	now := time.Now()
	for i := 0; i < defaultAbsoluteTrip; i++ {
		b.RecordFailure("9.9.9.9", now)
	}
	assert.True(t, b.Tripped("9.9.9.9"))
	assert.Equal(t, "9.9.9.9", tripped)
}

func TestBreaker_RecoversOnSuccess(t *testing.T) {
	var recovered bool
	b := NewBreaker().WithCallbacks(nil, func(ip string) { recovered = true })
	now := time.Now()
	for i := 0; i < defaultAbsoluteTrip; i++ {
		b.RecordFailure("9.9.9.9", now)
	}
	require.True(t, b.Tripped("9.9.9.9"))
	b.RecordSuccess("9.9.9.9", now)
	assert.False(t, b.Tripped("9.9.9.9"))
	assert.True(t, recovered)
}

func TestPool_RefreshPopulatesAlternativesSortedByLatency(t *testing.T) {
	sources := map[string]CandidateSource{"dns": staticSource("1.1.1.1", "2.2.2.2", "3.3.3.3")}
	prober := latencyProber(map[string]time.Duration{
		"1.1.1.1": 50 * time.Millisecond,
		"2.2.2.2": 10 * time.Millisecond,
		"3.3.3.3": 20 * time.Millisecond,
	})
	pool := New(Config{FastWaitMin: 20 * time.Millisecond}, sources, prober, nil, nil)

	best, err := pool.Refresh(context.Background(), "example.com", 443)
	require.NoError(t, err)
	assert.Equal(t, "2.2.2.2", best.IP)
	require.Len(t, best.Alternatives, 2)
	assert.Equal(t, "3.3.3.3", best.Alternatives[0].IP)
	assert.Equal(t, "1.1.1.1", best.Alternatives[1].IP)
	for i := 1; i < len(best.Alternatives); i++ {
		assert.LessOrEqual(t, best.Alternatives[i-1].LatencyMs, best.Alternatives[i].LatencyMs)
	}
	assert.LessOrEqual(t, best.LatencyMs, best.Alternatives[0].LatencyMs)
}

func TestPool_BlacklistRemovalsEmitFilterEvent(t *testing.T) {
	_, blocked, _ := net.ParseCIDR("2.2.2.0/24")
	bus := events.New()
	sources := map[string]CandidateSource{"dns": staticSource("1.1.1.1", "2.2.2.2")}
	prober := latencyProber(map[string]time.Duration{"1.1.1.1": 5 * time.Millisecond, "2.2.2.2": 1 * time.Millisecond})
	pool := New(Config{FastWaitMin: 5 * time.Millisecond, Blacklist: []*net.IPNet{blocked}}, sources, prober, nil, bus)

	_, err := pool.Refresh(context.Background(), "example.com", 443)
	require.NoError(t, err)

	var found bool
	for _, ev := range bus.TakeAll() {
		if sel, ok := ev.Payload.(events.IpPoolSelection); ok && sel.IP == "2.2.2.2" && sel.Reason == "blacklist_reject" {
			found = true
		}
	}
	assert.True(t, found, "expected a cidr_filter event for the blacklisted IP")
}

func TestPool_TrippedCircuitIsSkippedByFilter(t *testing.T) {
	sources := map[string]CandidateSource{"dns": staticSource("1.1.1.1", "2.2.2.2")}
	prober := latencyProber(map[string]time.Duration{"1.1.1.1": 5 * time.Millisecond, "2.2.2.2": 1 * time.Millisecond})
	pool := New(Config{FastWaitMin: 5 * time.Millisecond}, sources, prober, nil, nil)

	for i := 0; i < defaultAbsoluteTrip; i++ {
		pool.breaker.RecordFailure("2.2.2.2", time.Now())
	}
	require.True(t, pool.breaker.Tripped("2.2.2.2"))

	best, err := pool.Refresh(context.Background(), "example.com", 443)
	require.NoError(t, err)
	assert.Equal(t, "1.1.1.1", best.IP)
	assert.Empty(t, best.Alternatives)
}

func TestScheduler_BackoffGrowsOnFailure(t *testing.T) {
	sources := map[string]CandidateSource{"dns": staticSource()}
	pool := New(Config{FastWaitMin: time.Millisecond, TTL: time.Second}, sources, latencyProber(nil), nil, nil)
	sched := NewScheduler(pool, nil, nil)
	sched.AddDomain("example.com", 443)

	ds := sched.heap[0]
	sched.heap = sched.heap[1:]
	sched.preheatOne(context.Background(), ds, time.Second)
	assert.Equal(t, 1, ds.FailureStreak)
	assert.True(t, ds.NextDue.After(time.Now()))
}

func TestScheduler_GlobalAutoDisableAfterAllDomainsFail(t *testing.T) {
	sources := map[string]CandidateSource{"dns": staticSource()}
	pool := New(Config{FastWaitMin: time.Millisecond, TTL: time.Second, PreheatFailureThresh: 1}, sources, latencyProber(nil), nil, nil)
	sched := NewScheduler(pool, nil, nil)
	sched.AddDomain("example.com", 443)

	ds := sched.heap[0]
	sched.heap = sched.heap[1:]
	sched.preheatOne(context.Background(), ds, time.Second)
	assert.True(t, sched.autoDisableActive())
}
