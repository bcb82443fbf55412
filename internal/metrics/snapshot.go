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

import "sort"

// DefaultQuantiles are reported when a snapshot request doesn't specify its
// own quantile list.
var DefaultQuantiles = []float64{0.5, 0.9, 0.99}

// SeriesSnapshot is one series' rendering in a Snapshot (spec.md §4.3.9).
type SeriesSnapshot struct {
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Labels    map[string]string `json:"labels,omitempty"`
	Range     string            `json:"range,omitempty"`
	Value     *float64          `json:"value,omitempty"`
	Sum       *float64          `json:"sum,omitempty"`
	Count     *uint64           `json:"count,omitempty"`
	Buckets   [][2]float64      `json:"buckets,omitempty"`
	Quantiles map[string]float64 `json:"quantiles,omitempty"`
	RawSamples []float64        `json:"rawSamples,omitempty"`
}

// Snapshot is the top-level payload served by GET /metrics/snapshot.
type Snapshot struct {
	GeneratedAtMs int64            `json:"generated_at_ms"`
	Series        []SeriesSnapshot `json:"series"`
	Truncated     bool             `json:"truncated,omitempty"`
}

// SnapshotOptions narrows a snapshot request (spec.md §6.2 query params).
type SnapshotOptions struct {
	Names     []string // empty means every registered descriptor
	Range     WindowRange
	Quantiles []float64
	MaxSeries int // <=0 means unlimited
}

func rangeLabel(rng WindowRange) string {
	switch rng {
	case RangeLastMinute:
		return "1m"
	case RangeLastFiveMinutes:
		return "5m"
	case RangeLastHour:
		return "1h"
	case RangeLastDay:
		return "24h"
	default:
		return ""
	}
}

// Snapshot builds the JSON-ready view of every matching series. Counters
// report their windowed sum as Value; gauges keep no windowed state and do
// not appear in the snapshot; histograms report Sum/Count/Buckets
// plus the requested Quantiles. Results are sorted by name then label key
// for deterministic output, and capped at opts.MaxSeries with Truncated set
// if more existed.
func (r *Registry) Snapshot(opts SnapshotOptions) Snapshot {
	now := r.clock.Now()
	quantiles := opts.Quantiles
	if len(quantiles) == 0 {
		quantiles = DefaultQuantiles
	}

	wanted := make(map[string]bool, len(opts.Names))
	for _, n := range opts.Names {
		wanted[n] = true
	}

	r.mu.RLock()
	type item struct {
		name string
		key  LabelKey
		desc Descriptor
		entry *seriesEntry
	}
	var items []item
	for name, byLabel := range r.windows {
		if len(wanted) > 0 && !wanted[name] {
			continue
		}
		desc := r.descriptors[name]
		for key, entry := range byLabel {
			items = append(items, item{name: name, key: key, desc: desc, entry: entry})
		}
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].name != items[j].name {
			return items[i].name < items[j].name
		}
		return items[i].key < items[j].key
	})

	truncated := false
	if opts.MaxSeries > 0 && len(items) > opts.MaxSeries {
		truncated = true
		items = items[:opts.MaxSeries]
	}

	out := Snapshot{GeneratedAtMs: now.UnixMilli(), Truncated: truncated}
	for _, it := range items {
		s := SeriesSnapshot{
			Name:   it.name,
			Type:   it.desc.Kind.String(),
			Labels: it.entry.labels,
			Range:  rangeLabel(opts.Range),
		}
		switch it.desc.Kind {
		case Counter:
			sum := float64(it.entry.win.counterSum(now, opts.Range))
			s.Value = &sum
		case Gauge:
			// Gauges are point-in-time; client_golang is the source of
			// truth and has no windowed history, so report nothing extra
			// beyond identifying the series (scraped via Prometheus text).
		case Histogram:
			acc := it.entry.win.histogramMerge(now, opts.Range)
			sum := acc.sum
			count := acc.count
			s.Sum = &sum
			s.Count = &count
			s.Buckets = acc.bucketPairs()
			s.Quantiles = make(map[string]float64, len(quantiles))
			for _, q := range quantiles {
				s.Quantiles[quantileLabel(q)] = acc.quantile(q)
			}
			s.RawSamples = it.entry.win.rawSampleSnapshot()
		}
		out.Series = append(out.Series, s)
	}
	return out
}

func quantileLabel(q float64) string {
	switch q {
	case 0.5:
		return "p50"
	case 0.9:
		return "p90"
	case 0.99:
		return "p99"
	case 0.999:
		return "p999"
	default:
		return formatQuantile(q)
	}
}

func formatQuantile(q float64) string {
	const digits = "0123456789"
	n := int(q * 1000)
	if n < 0 {
		n = 0
	}
	buf := []byte{'p'}
	s := []byte{}
	if n == 0 {
		s = append(s, '0')
	}
	for n > 0 {
		s = append([]byte{digits[n%10]}, s...)
		n /= 10
	}
	return string(append(buf, s...))
}
