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
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the metric type, mirroring prometheus.ValueType's three cases.
type Kind int

const (
	Counter Kind = iota
	Gauge
	Histogram
)

func (k Kind) String() string {
	switch k {
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	case Histogram:
		return "histogram"
	default:
		return "unknown"
	}
}

// Descriptor is a fixed, registered-once metric shape (spec.md §3
// MetricDescriptor).
type Descriptor struct {
	Name    string
	Help    string
	Kind    Kind
	Labels  []string
	Buckets []float64 // ascending upper bounds, Histogram only; +Inf implied
}

// DefaultHistogramBuckets follows the spec's "range 1…3,600,000" window
// (milliseconds) with a handful of decade-spaced boundaries; finer
// resolution lives in the HDR-style accumulator used for quantiles.
var DefaultHistogramBuckets = []float64{
	1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000,
	10000, 30000, 60000, 300000, 900000, 3600000,
}

// ErrSeriesNotFound is returned when recording against an unregistered
// descriptor or an unknown series.
var ErrSeriesNotFound = errors.New("metrics: series not found")

// ErrAlreadyRegistered is returned by Register when the name collides with
// a prior registration of a different shape.
var ErrAlreadyRegistered = errors.New("metrics: descriptor already registered")

// ErrLabelArity is returned when the supplied label set doesn't match the
// descriptor's declared labels.
var ErrLabelArity = errors.New("metrics: label arity mismatch")

// LabelKey is an ordered tuple of label values, canonicalized by sorting
// on the descriptor's declared label names so two equivalent maps hash the
// same way.
type LabelKey string

func makeLabelKey(labels []string, values map[string]string) (LabelKey, error) {
	if len(values) != len(labels) {
		return "", fmt.Errorf("%w: want %d labels %v, got %d", ErrLabelArity, len(labels), labels, len(values))
	}
	parts := make([]string, 0, len(labels))
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	for _, name := range sorted {
		v, ok := values[name]
		if !ok {
			return "", fmt.Errorf("%w: missing label %q", ErrLabelArity, name)
		}
		parts = append(parts, name+"="+v)
	}
	return LabelKey(strings.Join(parts, ",")), nil
}
