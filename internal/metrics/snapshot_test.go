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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_CounterValue(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	reg := NewRegistry(clock)
	require.NoError(t, reg.Register(Descriptor{Name: "git_tasks_total", Kind: Counter, Labels: []string{"kind"}}))
	require.NoError(t, reg.IncrCounter("git_tasks_total", map[string]string{"kind": "GitPush"}, 7))

	snap := reg.Snapshot(SnapshotOptions{Range: RangeLastMinute})
	require.Len(t, snap.Series, 1)
	s := snap.Series[0]
	assert.Equal(t, "git_tasks_total", s.Name)
	assert.Equal(t, "counter", s.Type)
	require.NotNil(t, s.Value)
	assert.Equal(t, 7.0, *s.Value)
}

func TestSnapshot_HistogramQuantilesAndBuckets(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	reg := NewRegistry(clock)
	require.NoError(t, reg.Register(Descriptor{Name: "git_push_duration_ms", Kind: Histogram, Labels: nil}))
	for _, v := range []float64{10, 20, 30, 2000, 5000} {
		require.NoError(t, reg.ObserveHistogram("git_push_duration_ms", nil, v))
	}

	snap := reg.Snapshot(SnapshotOptions{Range: RangeLastMinute, Quantiles: []float64{0.5, 0.99}})
	require.Len(t, snap.Series, 1)
	s := snap.Series[0]
	require.NotNil(t, s.Count)
	assert.EqualValues(t, 5, *s.Count)
	require.NotNil(t, s.Sum)
	assert.Equal(t, 7060.0, *s.Sum)
	assert.Contains(t, s.Quantiles, "p50")
	assert.Contains(t, s.Quantiles, "p99")
	assert.NotEmpty(t, s.Buckets)
}

func TestSnapshot_NamesFilterAndMaxSeriesTruncation(t *testing.T) {
	clock := NewManualClock(time.Unix(0, 0))
	reg := NewRegistry(clock)
	require.NoError(t, reg.Register(Descriptor{Name: "a_total", Kind: Counter, Labels: []string{"x"}}))
	require.NoError(t, reg.Register(Descriptor{Name: "b_total", Kind: Counter, Labels: []string{"x"}}))
	require.NoError(t, reg.IncrCounter("a_total", map[string]string{"x": "1"}, 1))
	require.NoError(t, reg.IncrCounter("a_total", map[string]string{"x": "2"}, 1))
	require.NoError(t, reg.IncrCounter("b_total", map[string]string{"x": "1"}, 1))

	filtered := reg.Snapshot(SnapshotOptions{Names: []string{"a_total"}})
	for _, s := range filtered.Series {
		assert.Equal(t, "a_total", s.Name)
	}

	capped := reg.Snapshot(SnapshotOptions{MaxSeries: 1})
	assert.Len(t, capped.Series, 1)
	assert.True(t, capped.Truncated)
}
