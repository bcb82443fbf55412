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

// Package config holds the nested configuration model shared by every
// subsystem (HTTP, TLS, Proxy, IP-Pool, Credential, Workspace,
// Observability), loaded from a single JSON document on disk and
// hot-reloadable through a watcher interface.
package config

// Config is the top-level, persisted (camelCase JSON) configuration
// surface described in spec.md §6.3.
type Config struct {
	HTTP          HTTPConfig          `json:"http"`
	TLS           TLSConfig           `json:"tls"`
	Proxy         ProxyConfig         `json:"proxy"`
	IPPool        IPPoolConfig        `json:"ipPool"`
	Credential    CredentialConfig    `json:"credential"`
	Workspace     WorkspaceConfig     `json:"workspace"`
	Observability ObservabilityConfig `json:"observability"`
}

// Default returns the configuration created on first use, matching
// load_or_init()'s "creating defaults on first use" contract.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			FollowRedirects: true,
			MaxRedirects:    5,
		},
		TLS: TLSConfig{
			FakeSniEnabled: false,
			SniRotateOn403: true,
			CertFpMaxBytes: 32,
		},
		Proxy: ProxyConfig{
			Mode:                        ProxyModeOff,
			TimeoutSeconds:              30,
			FallbackThreshold:           0.5,
			FallbackWindowSeconds:       60,
			RecoveryCooldownSeconds:     30,
			HealthCheckIntervalSeconds:  30,
			RecoveryStrategy:            RecoveryImmediate,
			ProbeTimeoutSeconds:         10,
			RecoveryConsecutiveThreshold: 3,
		},
		IPPool: IPPoolConfig{
			Enabled:                 true,
			MaxParallelProbes:       4,
			ProbeTimeoutMs:          2000,
			ProbeMode:               ProbeModeTcp,
			PreheatFailureThreshold: 5,
			AutoDisableCooldownSec:  300,
			Sources: IPSourcesConfig{
				Builtin:    true,
				UserStatic: true,
				History:    true,
				Dns:        true,
				Fallback:   true,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 3,
				MinSamples:       5,
				FailureRate:      0.5,
				CooldownSec:      60,
			},
		},
		Credential: CredentialConfig{},
		Workspace: WorkspaceConfig{
			StatusCacheTTLSeconds: 30,
			Concurrency:           4,
		},
		Observability: ObservabilityConfig{
			Layer:            LayerAggregate,
			AggregateEnabled: true,
			ExportEnabled:    true,
			AlertsEnabled:    true,
			Alerts: AlertsConfig{
				EvalIntervalSecs:     15,
				MinRepeatIntervalSecs: 300,
			},
			Export: ExportConfig{
				BindAddress:         "127.0.0.1:9469",
				RateLimitQps:        5,
				MaxSeriesPerSnapshot: 500,
			},
		},
	}
}

// HTTPConfig is the base HTTP behavior a task's strategy override can
// tweak (spec.md §4.8).
type HTTPConfig struct {
	FollowRedirects bool `json:"followRedirects"`
	MaxRedirects    int  `json:"maxRedirects"`
}

// TLSConfig governs SNI strategy, verification and pinning (spec.md §4.7).
type TLSConfig struct {
	FakeSniEnabled     bool     `json:"fakeSniEnabled"`
	FakeSniList        []string `json:"fakeSniList,omitempty"`
	SniRotateOn403     bool     `json:"sniRotateOn403"`
	InsecureSkipVerify bool     `json:"insecureSkipVerify"`
	SkipSanWhitelist   bool     `json:"skipSanWhitelist"`
	SanWhitelist       []string `json:"sanWhitelist,omitempty"`
	SpkiPins           []string `json:"spkiPins,omitempty"`
	// CertFpMaxBytes bounds the per-host certificate fingerprint history
	// retained for change detection.
	CertFpMaxBytes int `json:"certFpMaxBytes"`
}

// ProxyMode enumerates the proxy operating modes.
type ProxyMode string

const (
	ProxyModeOff    ProxyMode = "Off"
	ProxyModeHTTP   ProxyMode = "Http"
	ProxyModeSocks5 ProxyMode = "Socks5"
	ProxyModeSystem ProxyMode = "System"
)

// RecoveryStrategy enumerates how the proxy manager climbs back from
// Recovering to Enabled.
type RecoveryStrategy string

const (
	RecoveryImmediate           RecoveryStrategy = "immediate"
	RecoveryConsecutive         RecoveryStrategy = "consecutive"
	RecoveryExponentialBackoff  RecoveryStrategy = "exponential-backoff"
)

// ProxyConfig mirrors spec.md §3/§6.3's ProxyConfig record exactly.
type ProxyConfig struct {
	Mode                         ProxyMode        `json:"mode"`
	URL                          string           `json:"url"`
	Username                     string           `json:"username,omitempty"`
	Password                     string           `json:"password,omitempty"`
	DisableCustomTransport       bool             `json:"disableCustomTransport"`
	TimeoutSeconds               int              `json:"timeoutSeconds"`
	FallbackThreshold            float64          `json:"fallbackThreshold"`
	FallbackWindowSeconds        int              `json:"fallbackWindowSeconds"`
	RecoveryCooldownSeconds      int              `json:"recoveryCooldownSeconds"`
	HealthCheckIntervalSeconds   int              `json:"healthCheckIntervalSeconds"`
	RecoveryStrategy             RecoveryStrategy `json:"recoveryStrategy"`
	ProbeURL                     string           `json:"probeUrl,omitempty"`
	ProbeTimeoutSeconds          int              `json:"probeTimeoutSeconds"`
	RecoveryConsecutiveThreshold int              `json:"recoveryConsecutiveThreshold"`
	DebugProxyLogging            bool             `json:"debugProxyLogging"`
}

// ProbeMode enumerates how the IP-pool measures latency.
type ProbeMode string

const (
	ProbeModeTcp  ProbeMode = "Tcp"
	ProbeModeHttp ProbeMode = "Http"
)

// IPSourcesConfig toggles each candidate source independently.
type IPSourcesConfig struct {
	Builtin    bool `json:"builtin"`
	UserStatic bool `json:"userStatic"`
	History    bool `json:"history"`
	Dns        bool `json:"dns"`
	Fallback   bool `json:"fallback"`
}

// CircuitBreakerConfig bounds the per-IP circuit breaker (spec.md §4.5.7).
type CircuitBreakerConfig struct {
	FailureThreshold int     `json:"failureThreshold"`
	MinSamples       int     `json:"minSamples"`
	FailureRate      float64 `json:"failureRate"`
	CooldownSec      int     `json:"cooldownSec"`
}

// IPPoolConfig mirrors spec.md §4.5's tunables.
type IPPoolConfig struct {
	Enabled                 bool                 `json:"enabled"`
	Sources                 IPSourcesConfig      `json:"sources"`
	UserStaticIPs           []string             `json:"userStaticIps,omitempty"`
	FallbackIPs             []string             `json:"fallbackIps,omitempty"`
	WhitelistCidrs          []string             `json:"whitelistCidrs,omitempty"`
	BlacklistCidrs          []string             `json:"blacklistCidrs,omitempty"`
	MaxParallelProbes       int                  `json:"maxParallelProbes"`
	ProbeTimeoutMs          int                  `json:"probeTimeoutMs"`
	ProbeMode               ProbeMode            `json:"probeMode"`
	PreheatDomains          []string             `json:"preheatDomains,omitempty"`
	PreheatFailureThreshold int                  `json:"preheatFailureThreshold"`
	AutoDisableCooldownSec  int                  `json:"autoDisableCooldownSec"`
	HistoryPath             string               `json:"historyPath,omitempty"`
	CircuitBreaker          CircuitBreakerConfig `json:"circuitBreaker"`
}

// CredentialConfig names the external credential-store collaborator; the
// core only consumes resolved secrets through internal/credential, never
// the store's on-disk format.
type CredentialConfig struct {
	DefaultUsername string `json:"defaultUsername,omitempty"`
	KnownHostsPath  string `json:"knownHostsPath,omitempty"`
}

// WorkspaceConfig tunes the workspace status service.
type WorkspaceConfig struct {
	StatusCacheTTLSeconds int `json:"statusCacheTtlSeconds"`
	Concurrency           int `json:"concurrency"`
}

// Layer is the coarse observability instrumentation level (spec.md GLOSSARY).
type Layer string

const (
	LayerBasic     Layer = "Basic"
	LayerAggregate Layer = "Aggregate"
	LayerAlerts    Layer = "Alerts"
	LayerOptimize  Layer = "Optimize"
	LayerUi        Layer = "Ui"
)

// AlertsConfig configures the alert engine's reload cadence.
type AlertsConfig struct {
	RulesPath             string `json:"rulesPath,omitempty"`
	EvalIntervalSecs      int    `json:"evalIntervalSecs"`
	MinRepeatIntervalSecs int    `json:"minRepeatIntervalSecs"`
}

// ExportConfig configures the /metrics and /metrics/snapshot HTTP server.
type ExportConfig struct {
	BindAddress          string `json:"bindAddress"`
	AuthToken            string `json:"authToken,omitempty"`
	RateLimitQps         int    `json:"rateLimitQps"`
	MaxSeriesPerSnapshot int    `json:"maxSeriesPerSnapshot"`
}

// ObservabilityConfig mirrors spec.md §6.3's Observability record.
type ObservabilityConfig struct {
	Layer            Layer        `json:"layer"`
	AggregateEnabled bool         `json:"aggregateEnabled"`
	ExportEnabled    bool         `json:"exportEnabled"`
	AlertsEnabled    bool         `json:"alertsEnabled"`
	Alerts           AlertsConfig `json:"alerts"`
	Export           ExportConfig `json:"export"`
}
