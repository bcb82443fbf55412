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

package metrics

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Exporter serves the Prometheus text endpoint and the JSON snapshot
// endpoint over HTTP, with optional bearer-token auth and per-client
// rate limiting (spec.md §6.2).
type Exporter struct {
	reg   *Registry
	log   logr.Logger
	token string // empty disables auth

	promHandler http.Handler

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	burst     int
}

// ExporterOptions configures NewExporter.
type ExporterOptions struct {
	// BearerToken, if non-empty, is required via "Authorization: Bearer
	// <token>" on every request; mismatches get 401.
	BearerToken string
	// RequestsPerSecond and Burst bound each remote address's request
	// rate; exceeding it gets 429. Zero RequestsPerSecond disables
	// limiting.
	RequestsPerSecond float64
	Burst             int
}

// NewExporter builds an Exporter over reg. Per spec.md §6.2 the default
// token-bucket burst is 2x the configured rate when Burst is left at 0.
func NewExporter(reg *Registry, log logr.Logger, opts ExporterOptions) *Exporter {
	burst := opts.Burst
	if burst <= 0 && opts.RequestsPerSecond > 0 {
		burst = int(opts.RequestsPerSecond * 2)
		if burst < 1 {
			burst = 1
		}
	}
	e := &Exporter{
		reg:         reg,
		log:         log.WithName("metrics-exporter"),
		token:       opts.BearerToken,
		promHandler: promhttp.HandlerFor(reg.PrometheusRegisterer(), promhttp.HandlerOpts{}),
		limiters:    make(map[string]*rate.Limiter),
		rateLimit:   rate.Limit(opts.RequestsPerSecond),
		burst:       burst,
	}
	return e
}

// RegisterRoutes mounts the exporter's endpoints on mux.
func (e *Exporter) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", e.withGuards(e.handlePrometheus))
	mux.HandleFunc("/metrics/snapshot", e.withGuards(e.handleSnapshot))
}

func (e *Exporter) withGuards(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			e.countRequest("method_not_allowed")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !e.authorize(r) {
			e.countRequest("unauthorized")
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if !e.allow(r) {
			e.countRequest("rate_limited")
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		e.countRequest("ok")
		next(w, r)
	}
}

func (e *Exporter) countRequest(status string) {
	_ = e.reg.IncrCounter(MetricsExportRequestsName, map[string]string{"status": status}, 1)
}

func (e *Exporter) authorize(r *http.Request) bool {
	if e.token == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return got != "" && got == e.token
}

func (e *Exporter) allow(r *http.Request) bool {
	if e.rateLimit <= 0 {
		return true
	}
	addr := remoteAddr(r)

	e.limiterMu.Lock()
	lim, ok := e.limiters[addr]
	if !ok {
		lim = rate.NewLimiter(e.rateLimit, e.burst)
		e.limiters[addr] = lim
	}
	e.limiterMu.Unlock()

	return lim.Allow()
}

func remoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return r.RemoteAddr
}

func (e *Exporter) handlePrometheus(w http.ResponseWriter, r *http.Request) {
	e.promHandler.ServeHTTP(w, r)
}

func (e *Exporter) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	opts := SnapshotOptions{Range: RangeLastMinute}

	q := r.URL.Query()
	if names := q.Get("names"); names != "" {
		opts.Names = strings.Split(names, ",")
	}
	if rngStr := q.Get("range"); rngStr != "" {
		rng, ok := ParseWindowRange(rngStr)
		if !ok {
			http.Error(w, "invalid range", http.StatusBadRequest)
			return
		}
		opts.Range = rng
	}
	if qs := q.Get("quantiles"); qs != "" {
		for _, p := range strings.Split(qs, ",") {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				http.Error(w, "invalid quantiles", http.StatusBadRequest)
				return
			}
			opts.Quantiles = append(opts.Quantiles, v)
		}
	}
	if ms := q.Get("maxSeries"); ms != "" {
		n, err := strconv.Atoi(ms)
		if err != nil || n < 0 {
			http.Error(w, "invalid maxSeries", http.StatusBadRequest)
			return
		}
		opts.MaxSeries = n
	}

	snap := e.reg.Snapshot(opts)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		e.log.Error(err, "encoding metrics snapshot")
	}
}
