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

import "fmt"

// Names of the descriptors every daemon registers at startup, regardless
// of which subsystems it wires in (spec.md §4.3/§4.4/§6.2).
const (
	GitTasksTotalName          = "git_tasks_total"
	GitTaskDurationMsName      = "git_task_duration_ms"
	MetricsExportRequestsName  = "metrics_export_requests_total"
	AdaptiveTLSConnectMsName   = "adaptive_tls_connect_ms"
	AdaptiveTLSTotalMsName     = "adaptive_tls_total_ms"
	IPPoolProbeLatencyMsName   = "ippool_probe_latency_ms"
	IPPoolAutoDisableTotalName = "ippool_auto_disable_total"
	ProxyFallbackTotalName     = "proxy_fallback_total"
)

// RegisterCore registers the fixed set of descriptors this module's
// components record against out of the box. Subsystem-specific
// descriptors (e.g. per-repo workspace gauges) are registered by their
// owning package instead.
func RegisterCore(r *Registry) error {
	descs := []Descriptor{
		{Name: GitTasksTotalName, Help: "Git task completions by kind and terminal state.", Kind: Counter, Labels: []string{"kind", "state"}},
		{Name: GitTaskDurationMsName, Help: "Git task wall-clock duration in milliseconds.", Kind: Histogram, Labels: []string{"kind"}},
		{Name: MetricsExportRequestsName, Help: "Requests served by the metrics HTTP exporter, by outcome status.", Kind: Counter, Labels: []string{"status"}},
		{Name: AdaptiveTLSConnectMsName, Help: "TCP connect latency for the adaptive HTTPS smart subtransport.", Kind: Histogram, Labels: nil},
		{Name: AdaptiveTLSTotalMsName, Help: "End-to-end request latency for the adaptive HTTPS smart subtransport.", Kind: Histogram, Labels: nil},
		{Name: IPPoolProbeLatencyMsName, Help: "IP-pool candidate probe latency.", Kind: Histogram, Labels: []string{"host"}},
		{Name: IPPoolAutoDisableTotalName, Help: "Times the IP-pool auto-disabled itself after a preheat failure streak.", Kind: Counter, Labels: nil},
		{Name: ProxyFallbackTotalName, Help: "Times the proxy subsystem fell back to a direct connection.", Kind: Counter, Labels: []string{"reason"}},
		{Name: MemoryPressureCounterName, Help: "Times raw-sample retention was globally disabled under memory pressure.", Kind: Counter, Labels: nil},
	}
	for _, d := range descs {
		if err := r.Register(d); err != nil {
			return fmt.Errorf("registering core descriptor %s: %w", d.Name, err)
		}
	}
	return nil
}
