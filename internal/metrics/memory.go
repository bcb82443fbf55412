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

// MemoryPressureCounterName is the descriptor name incremented every time
// raw samples are globally disabled under memory pressure (spec.md §5).
const MemoryPressureCounterName = "metric_memory_pressure_total"

// memoryDowngradeMinResidency is the minimum number of consecutive checks
// raw samples stay disabled before they are re-enabled, guarding against
// thrashing (spec.md §5). CheckMemoryPressure only ever disables raw
// samples and does not read it; see RestoreRawSamples.
const memoryDowngradeMinResidency = 3

// CheckMemoryPressure sums retained raw-sample bytes across every
// histogram series; if the total exceeds limitBytes, raw samples are
// disabled globally and MemoryPressureCounterName is incremented. Returns
// whether the registry is currently under pressure.
func (r *Registry) CheckMemoryPressure(limitBytes int) bool {
	total := r.totalRawBytes()
	if total <= limitBytes {
		return false
	}

	if r.rawAllowed.Swap(false) {
		r.memoryPressureTotal++
		r.disableAllRaw()
		_ = r.IncrCounter(MemoryPressureCounterName, nil, 1)
	}
	return true
}

func (r *Registry) totalRawBytes() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, byLabel := range r.windows {
		for _, entry := range byLabel {
			total += entry.win.rawSampleBytes()
		}
	}
	return total
}

func (r *Registry) disableAllRaw() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, byLabel := range r.windows {
		for _, entry := range byLabel {
			entry.win.disableRaw()
		}
	}
}

// RawSamplesAllowed reports whether raw-sample retention is currently
// permitted (false while under memory pressure).
func (r *Registry) RawSamplesAllowed() bool { return r.rawAllowed.Load() }

// RestoreRawSamples clears the memory-pressure flag, allowing series to
// opt back into raw retention. Callers are expected to apply the
// residency/cooldown guard (memoryDowngradeMinResidency) themselves before
// calling this.
func (r *Registry) RestoreRawSamples() { r.rawAllowed.Store(true) }
