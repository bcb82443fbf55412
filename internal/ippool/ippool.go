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

// Package ippool resolves and ranks candidate IPs for a (host, port),
// probing each for connect/TLS/HTTP latency and caching the best result
// with a TTL (spec.md §4.5). Candidate sourcing and probing are
// injected as function values — CandidateSource and Prober — the same
// dependency-injection shape the teacher uses for its pluggable
// Encryptor in internal/git/content_writer.go, so tests substitute
// deterministic stubs instead of hitting the network or DNS.
package ippool

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fireworks-collab/agent-core/internal/events"
)

// ProbeMode selects what a Prober measures.
type ProbeMode string

const (
	ProbeTcp  ProbeMode = "Tcp"
	ProbeHttp ProbeMode = "Http"
)

// CandidateSource returns IPs it believes serve host:port. Sources run
// concurrently; a slow or failing source only costs its own goroutine.
type CandidateSource func(ctx context.Context, host string, port int) ([]string, error)

// Prober measures how long it takes to reach ip:port, optionally
// completing a TLS handshake and HTTP HEAD (mode Http) using sni as the
// ClientHello server name while still validating against host.
type Prober func(ctx context.Context, ip string, port int, host, sni string, mode ProbeMode, timeout time.Duration) (latency time.Duration, err error)

// Candidate is one ranked probe result.
type Candidate struct {
	IP        string
	LatencyMs int64
	Source    string
}

// Best is the cached winner for a (host, port) key, plus the other
// surviving candidates sorted by latency behind it, per the
// IpCacheSlot{best, alternatives[]} shape of spec.md §3 — the invariant
// "best.latency_ms <= any alternative.latency_ms" holds because both
// are sliced from the same Refresh-sorted results.
type Best struct {
	Candidate
	ExpiresAtMs  int64
	Alternatives []Candidate
}

func key(host string, port int) string { return host + ":" + strconv.Itoa(port) }

// Config bounds the refresh algorithm; fields are clamped to the
// documented ranges by New.
type Config struct {
	MaxParallelProbes      int
	ProbeTimeout           time.Duration
	FastWaitMin            time.Duration
	FastLatencyThreshold   time.Duration
	TTL                    time.Duration
	FailureBackoffMultMax  float64
	PreheatFailureThresh   int
	AutoDisableCooldown    time.Duration
	Whitelist              []*net.IPNet
	Blacklist              []*net.IPNet

	// CircuitBreakerAbsoluteTrip, CircuitBreakerMinSamples,
	// CircuitBreakerFailureRate and CircuitBreakerWindow override the
	// per-IP breaker's default thresholds (spec.md §4.5 step 7); zero
	// values keep the breaker's own defaults.
	CircuitBreakerAbsoluteTrip int
	CircuitBreakerMinSamples   int
	CircuitBreakerFailureRate  float64
	CircuitBreakerWindow       time.Duration
}

func (c *Config) normalize() {
	if c.MaxParallelProbes <= 0 {
		c.MaxParallelProbes = 1
	}
	if c.ProbeTimeout < 100*time.Millisecond {
		c.ProbeTimeout = 100 * time.Millisecond
	}
	if c.ProbeTimeout > 10*time.Second {
		c.ProbeTimeout = 10 * time.Second
	}
	if c.FastWaitMin <= 0 {
		c.FastWaitMin = 50 * time.Millisecond
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.FailureBackoffMultMax < 1 {
		c.FailureBackoffMultMax = 8
	}
	if c.PreheatFailureThresh <= 0 {
		c.PreheatFailureThresh = 5
	}
	if c.AutoDisableCooldown <= 0 {
		c.AutoDisableCooldown = 5 * time.Minute
	}
}

// Clock abstracts wall-clock access for deterministic tests.
type Clock interface{ Now() time.Time }

// SystemClock delegates to time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Pool owns the (host,port) best-candidate cache plus a bounded
// history, and drives candidate gathering + probing on Refresh.
type Pool struct {
	cfg     Config
	sources map[string]CandidateSource
	prober  Prober
	clock   Clock
	bus     *events.Bus
	sniList []string

	mu      sync.Mutex
	cache   map[string]*Best
	history map[string][]Candidate

	breaker *Breaker
}

// New builds a Pool. sources maps a human-readable source name (e.g.
// "dns", "history", "builtin") to its lookup function; prober measures
// a single candidate.
func New(cfg Config, sources map[string]CandidateSource, prober Prober, clock Clock, bus *events.Bus) *Pool {
	cfg.normalize()
	if clock == nil {
		clock = SystemClock{}
	}
	p := &Pool{
		cfg:     cfg,
		sources: sources,
		prober:  prober,
		clock:   clock,
		bus:     bus,
		cache:   make(map[string]*Best),
		history: make(map[string][]Candidate),
	}
	p.breaker = NewBreakerWithThresholds(
		cfg.CircuitBreakerAbsoluteTrip, cfg.CircuitBreakerMinSamples,
		cfg.CircuitBreakerFailureRate, cfg.CircuitBreakerWindow,
	).WithCallbacks(
		func(ip, reason string) {
			p.publish(events.KindIpPoolIpTripped, events.IpPoolIpTripped{IP: ip, Reason: reason})
		},
		func(ip string) {
			p.publish(events.KindIpPoolIpRecovered, events.IpPoolIpRecovered{IP: ip})
		},
	)
	return p
}

// Best returns the cached winner for host:port if present and unexpired.
func (p *Pool) Best(host string, port int) (Best, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.cache[key(host, port)]
	if !ok {
		return Best{}, false
	}
	if p.clock.Now().UnixMilli() >= b.ExpiresAtMs {
		return Best{}, false
	}
	return *b, true
}

// Refresh gathers candidates from every source, filters them by
// whitelist/blacklist, probes the bounded-parallel survivors, and
// caches the fastest. It implements spec.md §4.5 steps 1-4.
func (p *Pool) Refresh(ctx context.Context, host string, port int) (Best, error) {
	gathered := p.gatherWithFastWait(ctx, host, port)
	filtered := p.filter(host, port, gathered)

	if len(filtered) == 0 {
		p.mu.Lock()
		delete(p.cache, key(host, port))
		p.mu.Unlock()
		p.publish(events.KindIpPoolRefresh, events.IpPoolRefresh{Host: host, Port: port, Candidates: 0})
		return Best{}, ErrNoCandidates
	}

	results := p.probeAll(ctx, host, port, filtered)
	sort.Slice(results, func(i, j int) bool { return results[i].LatencyMs < results[j].LatencyMs })

	p.mu.Lock()
	p.history[key(host, port)] = append(p.history[key(host, port)], results...)
	if len(p.history[key(host, port)]) > 50 {
		p.history[key(host, port)] = p.history[key(host, port)][len(p.history[key(host, port)])-50:]
	}
	var best *Best
	if len(results) > 0 {
		best = &Best{
			Candidate:    results[0],
			ExpiresAtMs:  p.clock.Now().Add(p.cfg.TTL).UnixMilli(),
			Alternatives: append([]Candidate(nil), results[1:]...),
		}
		p.cache[key(host, port)] = best
	}
	p.mu.Unlock()

	p.publish(events.KindIpPoolRefresh, events.IpPoolRefresh{
		Host: host, Port: port, Candidates: len(results), FastPath: len(results) > 0 && results[0].LatencyMs < p.cfg.FastLatencyThreshold.Milliseconds(),
	})

	if best == nil {
		return Best{}, ErrNoCandidates
	}
	return *best, nil
}

func candSNI(sniList []string, i int) string {
	if len(sniList) == 0 {
		return ""
	}
	return sniList[i%len(sniList)]
}

func (p *Pool) probeAll(ctx context.Context, host string, port int, ips []string) []Candidate {
	sem := make(chan struct{}, p.cfg.MaxParallelProbes)
	var mu sync.Mutex
	var out []Candidate

	g, gctx := errgroup.WithContext(ctx)
	for i, ip := range ips {
		ip, i := ip, i
		sem <- struct{}{}
		g.Go(func() error {
			defer func() { <-sem }()
			mode := ProbeTcp
			if len(p.sniList) > 0 {
				mode = ProbeHttp
			}
			latency, err := p.prober(gctx, ip, port, host, candSNI(p.sniList, i), mode, p.cfg.ProbeTimeout)
			if err != nil {
				p.breaker.RecordFailure(ip, p.clock.Now())
				return nil //nolint:nilerr // a failed probe just drops this candidate, not the whole refresh
			}
			p.breaker.RecordSuccess(ip, p.clock.Now())
			mu.Lock()
			out = append(out, Candidate{IP: ip, LatencyMs: latency.Milliseconds(), Source: "probe"})
			mu.Unlock()
			if latency < p.cfg.FastLatencyThreshold {
				return errFastPathHit
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

var errFastPathHit = &fastPathHit{}

type fastPathHit struct{}

func (*fastPathHit) Error() string { return "fast_path_hit" }

// gatherWithFastWait launches every source concurrently; it returns once
// every source has answered, or once FastWaitMin (capped at ProbeTimeout)
// has elapsed or ctx is done, with whatever answers arrived by then,
// possibly none. Sources still running finish in the background; their
// late results are discarded.
func (p *Pool) gatherWithFastWait(ctx context.Context, host string, port int) map[string]string {
	type result struct {
		source string
		ips    []string
	}
	results := make(chan result, len(p.sources))
	for name, src := range p.sources {
		name, src := name, src
		go func() {
			ips, err := src(ctx, host, port)
			if err != nil {
				results <- result{source: name}
				return
			}
			results <- result{source: name, ips: ips}
		}()
	}

	merged := make(map[string]string)
	timeout := p.cfg.FastWaitMin
	if timeout > p.cfg.ProbeTimeout {
		timeout = p.cfg.ProbeTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	remaining := len(p.sources)
	for remaining > 0 {
		select {
		case r := <-results:
			remaining--
			for _, ip := range r.ips {
				merged[ip] = r.source
			}
		case <-deadline.C:
			return merged
		case <-ctx.Done():
			return merged
		}
	}
	return merged
}

func (p *Pool) filter(host string, port int, candidates map[string]string) []string {
	out := make([]string, 0, len(candidates))
	for ip, source := range candidates {
		parsed := net.ParseIP(ip)
		if len(p.cfg.Whitelist) > 0 && !matchesAny(parsed, p.cfg.Whitelist) {
			p.publish(events.KindIpPoolSelection, events.IpPoolSelection{Host: host, Port: port, IP: ip, Source: source, Reason: "whitelist_reject"})
			continue
		}
		if matchesAny(parsed, p.cfg.Blacklist) {
			p.publish(events.KindIpPoolSelection, events.IpPoolSelection{Host: host, Port: port, IP: ip, Source: source, Reason: "blacklist_reject"})
			continue
		}
		if p.breaker.Tripped(ip) {
			continue
		}
		out = append(out, ip)
	}
	return out
}

func matchesAny(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (p *Pool) publish(kind events.Kind, payload any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{Category: events.CategoryStrategy, Kind: kind, At: p.clock.Now(), Payload: payload})
}

// ErrNoCandidates is returned by Refresh when every candidate is
// filtered out or fails to probe; callers fall back to plain DNS.
var ErrNoCandidates = noCandidatesErr{}

type noCandidatesErr struct{}

func (noCandidatesErr) Error() string { return "ippool: no surviving candidates" }
