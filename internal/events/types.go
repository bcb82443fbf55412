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

// Package events defines the closed tagged-union of structured events
// published on the core event bus, and the bus itself.
package events

import "time"

// Category groups events the way the spec's top-level Event variants do.
type Category string

const (
	CategoryTask     Category = "task"
	CategoryStrategy Category = "strategy"
	CategoryPolicy   Category = "policy"
)

// Kind identifies the concrete payload carried by an Event.
type Kind string

const (
	KindTaskStarted   Kind = "task.started"
	KindTaskProgress  Kind = "task.progress"
	KindTaskCompleted Kind = "task.completed"
	KindTaskFailed    Kind = "task.failed"
	KindTaskCanceled  Kind = "task.canceled"

	KindAdaptiveTlsTiming          Kind = "strategy.adaptive_tls_timing"
	KindAdaptiveTlsFallback        Kind = "strategy.adaptive_tls_fallback"
	KindAdaptiveTlsAutoDisable     Kind = "strategy.adaptive_tls_auto_disable"
	KindCertFingerprintChanged     Kind = "strategy.cert_fingerprint_changed"
	KindIpPoolSelection            Kind = "strategy.ip_pool_selection"
	KindIpPoolRefresh              Kind = "strategy.ip_pool_refresh"
	KindIpPoolAutoDisable          Kind = "strategy.ip_pool_auto_disable"
	KindIpPoolIpTripped            Kind = "strategy.ip_pool_ip_tripped"
	KindIpPoolIpRecovered          Kind = "strategy.ip_pool_ip_recovered"
	KindHttpApplied                Kind = "strategy.http_applied"
	KindTlsApplied                 Kind = "strategy.tls_applied"
	KindRetryApplied               Kind = "strategy.retry_applied"
	KindSummary                    Kind = "strategy.summary"
	KindConflict                   Kind = "strategy.conflict"
	KindProxyFallback              Kind = "strategy.proxy_fallback"
	KindProxyState                 Kind = "strategy.proxy_state"
	KindProxyRecovered             Kind = "strategy.proxy_recovered"
	KindProxyHealthCheck           Kind = "strategy.proxy_health_check"
	KindMetricAlert                Kind = "strategy.metric_alert"
	KindObservabilityLayerChanged  Kind = "strategy.observability_layer_changed"
	KindAuthChallenge              Kind = "strategy.auth_challenge"
)

// Event is the single concrete type carried over the bus. Payload holds
// one of the Kind-specific structs below; Kind tells the subscriber which
// one to type-assert, giving a closed union without twenty-odd wrapper
// types implementing a marker interface.
type Event struct {
	// ID correlates the event to a task id where applicable; empty for
	// events with no owning task (e.g. IpPoolRefresh).
	ID       string
	Category Category
	Kind     Kind
	At       time.Time
	Payload  any
}

// --- Task payloads ---

type TaskStarted struct {
	Kind string
}

type TaskProgress struct {
	Phase   string
	Percent int
	Bytes   *int64
	Files   *int
}

type TaskCompleted struct{}

type TaskFailed struct {
	Category string
	Message  string
}

type TaskCanceled struct{}

// --- Strategy / adaptive TLS payloads ---

type AdaptiveTlsTiming struct {
	ConnectMs      int64
	TlsMs          int64
	FirstByteMs    int64
	TotalMs        int64
	UsedFakeSni    bool
	FallbackStage  string
	CertFpChanged  bool
	IpSource       string
	IpLatencyMs    *int64
}

type AdaptiveTlsFallback struct {
	From   string
	To     string
	Reason string
}

type AdaptiveTlsAutoDisable struct {
	Enabled bool
	Reason  string
}

type CertFingerprintChanged struct {
	Host string
	Old  string
	New  string
}

// --- IP pool payloads ---

type IpPoolSelection struct {
	Host      string
	Port      int
	IP        string
	Source    string
	LatencyMs int64
	// Reason is set when this event records a cidr_filter decision rather
	// than a winning selection, e.g. "whitelist_reject" or
	// "blacklist_reject".
	Reason string
}

type IpPoolRefresh struct {
	Host       string
	Port       int
	Candidates int
	FastPath   bool
}

type IpPoolAutoDisable struct {
	Enabled bool
	UntilMs int64
}

type IpPoolIpTripped struct {
	IP     string
	Reason string
}

type IpPoolIpRecovered struct {
	IP string
}

// AuthChallenge records a 401's WWW-Authenticate realm, captured at the
// transport layer where the raw response is still visible — go-git's
// own transport.ErrAuthorizationFailed carries no such detail once it
// reaches the gitops layer.
type AuthChallenge struct {
	Host  string
	Path  string
	Realm string
}

// --- Strategy override payloads ---

type HttpApplied struct {
	TaskID string
	Fields map[string]any
}

type TlsApplied struct {
	TaskID string
	Fields map[string]any
}

type RetryApplied struct {
	TaskID string
	Max    int
	BaseMs int
	Factor float64
	Jitter bool
}

type Summary struct {
	TaskID       string
	AppliedCodes []string
}

type Conflict struct {
	TaskID string
	Reason string
}

// --- Proxy payloads ---

type ProxyFallback struct {
	FailureCount int
	FailureRate  float64
	Manual       bool
}

type ProxyState struct {
	From string
	To   string
}

type ProxyRecovered struct {
	Strategy string
}

type ProxyHealthCheck struct {
	Healthy   bool
	LatencyMs int64
}

// --- Observability payloads ---

type MetricAlert struct {
	RuleID   string
	State    string
	Severity string
}

type ObservabilityLayerChanged struct {
	From string
	To   string
}
