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

package config

import (
	"fmt"
	"net/url"
	"strconv"
)

// Validate enforces the ranges enumerated in spec.md §4.2 and §6.3.
// It returns the first violation found; callers needing every violation
// should call it repeatedly after fixing one, matching the teacher's
// webhook validators which also short-circuit on the first error.
func (c Config) Validate() error {
	if err := c.Proxy.validate(); err != nil {
		return fmt.Errorf("proxy: %w", err)
	}
	if err := c.IPPool.validate(); err != nil {
		return fmt.Errorf("ipPool: %w", err)
	}
	if err := c.TLS.validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if err := c.Observability.validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

func (p ProxyConfig) validate() error {
	switch p.Mode {
	case ProxyModeOff, ProxyModeHTTP, ProxyModeSocks5, ProxyModeSystem:
	default:
		return fmt.Errorf("unknown mode %q", p.Mode)
	}

	if p.Mode != ProxyModeOff && p.Mode != ProxyModeSystem {
		if err := validateURLScheme(p.URL); err != nil {
			return err
		}
		if u, err := url.Parse(p.URL); err == nil && u.Port() != "" {
			if n, err := strconv.Atoi(u.Port()); err != nil || n < 1 || n > 65535 {
				return fmt.Errorf("url port %q out of range [1,65535]", u.Port())
			}
		}
	}

	if p.TimeoutSeconds < 10 || p.TimeoutSeconds > 3600 {
		return fmt.Errorf("timeoutSeconds %d out of range [10,3600]", p.TimeoutSeconds)
	}
	if p.ProbeTimeoutSeconds != 0 && (p.ProbeTimeoutSeconds < 10 || p.ProbeTimeoutSeconds > 3600) {
		return fmt.Errorf("probeTimeoutSeconds %d out of range [10,3600]", p.ProbeTimeoutSeconds)
	}
	if p.FallbackThreshold < 0 || p.FallbackThreshold > 1 {
		return fmt.Errorf("fallbackThreshold %f out of range [0,1]", p.FallbackThreshold)
	}
	switch p.RecoveryStrategy {
	case RecoveryImmediate, RecoveryConsecutive, RecoveryExponentialBackoff:
	default:
		return fmt.Errorf("unknown recoveryStrategy %q", p.RecoveryStrategy)
	}
	return nil
}

func validateURLScheme(raw string) error {
	for _, scheme := range []string{"http://", "https://", "socks5://"} {
		if len(raw) >= len(scheme) && raw[:len(scheme)] == scheme {
			return nil
		}
	}
	return fmt.Errorf("url %q must use scheme http, https or socks5", raw)
}

func (ip IPPoolConfig) validate() error {
	if ip.MaxParallelProbes < 0 {
		return fmt.Errorf("maxParallelProbes must be non-negative")
	}
	if ip.ProbeTimeoutMs < 0 {
		return fmt.Errorf("probeTimeoutMs must be non-negative")
	}
	if ip.PreheatFailureThreshold < 0 {
		return fmt.Errorf("preheatFailureThreshold must be non-negative")
	}
	if ip.AutoDisableCooldownSec < 0 {
		return fmt.Errorf("autoDisableCooldownSec must be non-negative")
	}
	switch ip.ProbeMode {
	case "", ProbeModeTcp, ProbeModeHttp:
	default:
		return fmt.Errorf("unknown probeMode %q", ip.ProbeMode)
	}
	return nil
}

func (t TLSConfig) validate() error {
	if t.CertFpMaxBytes < 0 {
		return fmt.Errorf("certFpMaxBytes must be non-negative")
	}
	return nil
}

func (o ObservabilityConfig) validate() error {
	switch o.Layer {
	case LayerBasic, LayerAggregate, LayerAlerts, LayerOptimize, LayerUi:
	default:
		return fmt.Errorf("unknown layer %q", o.Layer)
	}
	if o.Export.RateLimitQps < 0 {
		return fmt.Errorf("export.rateLimitQps must be non-negative")
	}
	if o.Export.MaxSeriesPerSnapshot < 0 {
		return fmt.Errorf("export.maxSeriesPerSnapshot must be non-negative")
	}
	return nil
}
