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
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTel holds the small set of high-frequency counters that are easier to
// drive through an OpenTelemetry meter than through Registry.IncrCounter,
// e.g. code paths shared with instrumentation outside this module. They
// are bridged onto the same Prometheus registry the rest of the core
// exports, so they show up in the same /metrics scrape.
type OTel struct {
	meter               metric.Meter
	TasksStarted        metric.Int64Counter
	TasksCompleted       metric.Int64Counter
	IPPoolProbesTotal    metric.Int64Counter
	TransportFallbackTotal metric.Int64Counter
}

// InitOTLPExporter bridges an OpenTelemetry meter provider onto r's
// Prometheus registry, so otel-instrumented counters are scraped alongside
// Registry's own series. Returns a shutdown func for use with defer.
func (r *Registry) InitOTLPExporter(ctx context.Context) (*OTel, func(context.Context) error, error) {
	exporter, err := prometheus.New(prometheus.WithRegisterer(r.promReg))
	if err != nil {
		return nil, nil, fmt.Errorf("creating otel prometheus bridge: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("fireworks-agent-core")
	o := &OTel{meter: meter}

	if o.TasksStarted, err = meter.Int64Counter("agentcore_tasks_started_total"); err != nil {
		return nil, nil, err
	}
	if o.TasksCompleted, err = meter.Int64Counter("agentcore_tasks_completed_total"); err != nil {
		return nil, nil, err
	}
	if o.IPPoolProbesTotal, err = meter.Int64Counter("agentcore_ippool_probes_total"); err != nil {
		return nil, nil, err
	}
	if o.TransportFallbackTotal, err = meter.Int64Counter("agentcore_transport_fallback_total"); err != nil {
		return nil, nil, err
	}

	return o, func(context.Context) error { return provider.Shutdown(context.Background()) }, nil
}
