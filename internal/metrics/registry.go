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

// Package metrics implements the core's counters, gauges and histograms,
// their rolling-window aggregation with HDR-style quantiles, a Prometheus
// text/JSON exporter and a rule-based alert engine, per spec.md §4.3/§4.4.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry owns every registered descriptor, the Prometheus vectors used
// for cumulative export, and the windowed aggregator used for rolling
// quantile snapshots and alert evaluation.
//
// Descriptor registration happens once at startup (spec.md §4.3.1);
// recording against an unregistered descriptor fails with ErrSeriesNotFound
// rather than silently auto-vivifying a series, unlike raw client_golang
// vectors.
type Registry struct {
	clock Clock

	mu          sync.RWMutex
	descriptors map[string]Descriptor
	promCounters   map[string]*prometheus.CounterVec
	promGauges     map[string]*prometheus.GaugeVec
	promHistograms map[string]*prometheus.HistogramVec
	windows        map[string]map[LabelKey]*seriesEntry

	promReg *prometheus.Registry

	rawAllowed atomic.Bool // false under memory pressure (spec.md §5)
	memoryPressureTotal uint64
}

// NewRegistry constructs an empty registry bound to the given clock (use
// SystemClock{} in production, a ManualClock in tests).
func NewRegistry(clock Clock) *Registry {
	r := &Registry{
		clock:          clock,
		descriptors:    make(map[string]Descriptor),
		promCounters:   make(map[string]*prometheus.CounterVec),
		promGauges:     make(map[string]*prometheus.GaugeVec),
		promHistograms: make(map[string]*prometheus.HistogramVec),
		windows:        make(map[string]map[LabelKey]*seriesEntry),
		promReg:        prometheus.NewRegistry(),
	}
	r.rawAllowed.Store(true)
	return r
}

// PrometheusRegisterer exposes the underlying *prometheus.Registry so the
// HTTP exporter can build a promhttp.Handler over it.
func (r *Registry) PrometheusRegisterer() *prometheus.Registry { return r.promReg }

// Register adds a fixed descriptor. Re-registering the same name with an
// identical shape is a no-op; a conflicting shape is ErrAlreadyRegistered.
func (r *Registry) Register(desc Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.descriptors[desc.Name]; ok {
		if !sameShape(existing, desc) {
			return fmt.Errorf("%w: %s", ErrAlreadyRegistered, desc.Name)
		}
		return nil
	}

	switch desc.Kind {
	case Counter:
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: desc.Name, Help: desc.Help}, desc.Labels)
		if err := r.promReg.Register(vec); err != nil {
			return fmt.Errorf("registering counter %s: %w", desc.Name, err)
		}
		r.promCounters[desc.Name] = vec
	case Gauge:
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: desc.Name, Help: desc.Help}, desc.Labels)
		if err := r.promReg.Register(vec); err != nil {
			return fmt.Errorf("registering gauge %s: %w", desc.Name, err)
		}
		r.promGauges[desc.Name] = vec
	case Histogram:
		buckets := desc.Buckets
		if len(buckets) == 0 {
			buckets = DefaultHistogramBuckets
		}
		desc.Buckets = buckets
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: desc.Name, Help: desc.Help, Buckets: buckets}, desc.Labels)
		if err := r.promReg.Register(vec); err != nil {
			return fmt.Errorf("registering histogram %s: %w", desc.Name, err)
		}
		r.promHistograms[desc.Name] = vec
	default:
		return fmt.Errorf("metrics: unknown kind for %s", desc.Name)
	}

	r.descriptors[desc.Name] = desc
	r.windows[desc.Name] = make(map[LabelKey]*seriesEntry)
	return nil
}

// seriesEntry pairs a rolling window with the label values that produced
// its LabelKey, so the snapshot builder can reconstruct {name,labels}.
type seriesEntry struct {
	labels map[string]string
	win    *seriesWindow
}

func sameShape(a, b Descriptor) bool {
	if a.Kind != b.Kind || len(a.Labels) != len(b.Labels) {
		return false
	}
	for i := range a.Labels {
		if a.Labels[i] != b.Labels[i] {
			return false
		}
	}
	return true
}

// IncrCounter adds delta to the counter series identified by name+labels.
func (r *Registry) IncrCounter(name string, labels map[string]string, delta uint64) error {
	r.mu.RLock()
	desc, ok := r.descriptors[name]
	r.mu.RUnlock()
	if !ok || desc.Kind != Counter {
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, name)
	}

	key, err := makeLabelKey(desc.Labels, labels)
	if err != nil {
		return err
	}

	r.promCounters[name].With(labels).Add(float64(delta))
	r.window(name, desc, key, labels).recordCounter(r.clock.Now(), delta)
	return nil
}

// SetGauge sets the gauge series identified by name+labels to value.
func (r *Registry) SetGauge(name string, labels map[string]string, value float64) error {
	r.mu.RLock()
	desc, ok := r.descriptors[name]
	r.mu.RUnlock()
	if !ok || desc.Kind != Gauge {
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, name)
	}
	if _, err := makeLabelKey(desc.Labels, labels); err != nil {
		return err
	}
	r.promGauges[name].With(labels).Set(value)
	return nil
}

// ObserveHistogram records value against the histogram series identified
// by name+labels.
func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) error {
	r.mu.RLock()
	desc, ok := r.descriptors[name]
	r.mu.RUnlock()
	if !ok || desc.Kind != Histogram {
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, name)
	}

	key, err := makeLabelKey(desc.Labels, labels)
	if err != nil {
		return err
	}

	r.promHistograms[name].With(labels).Observe(value)
	r.window(name, desc, key, labels).recordHistogram(r.clock.Now(), value)
	return nil
}

func (r *Registry) window(name string, desc Descriptor, key LabelKey, labels map[string]string) *seriesWindow {
	r.mu.Lock()
	defer r.mu.Unlock()
	byLabel := r.windows[name]
	entry, ok := byLabel[key]
	if !ok {
		entry = &seriesEntry{
			labels: cloneLabels(labels),
			win:    newSeriesWindow(desc.Kind, desc.Buckets),
		}
		byLabel[key] = entry
	}
	return entry.win
}

func cloneLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// EnableRawSamples opts a series into raw-sample retention (spec.md
// §4.3.5). It creates the series if no observation has yet, and returns
// nil without enabling anything while raw samples are disabled under
// memory pressure.
func (r *Registry) EnableRawSamples(name string, labels map[string]string, windowMs int64, maxSamples int) error {
	if !r.rawAllowed.Load() {
		return nil
	}

	r.mu.RLock()
	desc, ok := r.descriptors[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSeriesNotFound, name)
	}
	key, err := makeLabelKey(desc.Labels, labels)
	if err != nil {
		return err
	}
	w := r.window(name, desc, key, labels)
	w.enableRaw(time.Duration(windowMs)*time.Millisecond, maxSamples)
	return nil
}

// resolveMetric evaluates a metric reference from an alert expression
// (spec.md §4.4): counters sum their window total across every series
// matching labels; histograms with a quantile require exactly one
// matching series; histograms without one report the weighted average
// ∑sum/∑count across matches. Gauges have no windowed history and always
// report "no data". An unknown metric name or zero matches is "no data".
func (r *Registry) resolveMetric(name string, filter map[string]string, quantile *float64, rng WindowRange, now time.Time) (float64, bool) {
	r.mu.RLock()
	desc, ok := r.descriptors[name]
	byLabel := r.windows[name]
	entries := make([]*seriesEntry, 0, len(byLabel))
	for _, e := range byLabel {
		if labelsMatch(e.labels, filter) {
			entries = append(entries, e)
		}
	}
	r.mu.RUnlock()

	if !ok || len(entries) == 0 {
		return 0, true
	}

	switch desc.Kind {
	case Counter:
		var sum uint64
		for _, e := range entries {
			sum += e.win.counterSum(now, rng)
		}
		return float64(sum), false
	case Histogram:
		if quantile != nil {
			if len(entries) != 1 {
				return 0, true
			}
			acc := entries[0].win.histogramMerge(now, rng)
			if acc.count == 0 {
				return 0, true
			}
			return acc.quantile(*quantile), false
		}
		var sum float64
		var count uint64
		for _, e := range entries {
			acc := e.win.histogramMerge(now, rng)
			sum += acc.sum
			count += acc.count
		}
		if count == 0 {
			return 0, true
		}
		return sum / float64(count), false
	default: // Gauge
		return 0, true
	}
}

func labelsMatch(labels, filter map[string]string) bool {
	for k, v := range filter {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// Descriptors returns a snapshot of every registered descriptor.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	return out
}
