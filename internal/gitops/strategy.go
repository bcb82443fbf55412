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

package gitops

import (
	"fmt"

	"github.com/fireworks-collab/agent-core/internal/events"
)

// HTTPStrategy overrides the base HTTP behavior for one task.
type HTTPStrategy struct {
	FollowRedirects *bool
	MaxRedirects    *int
}

// TLSStrategy overrides the base TLS behavior for one task.
type TLSStrategy struct {
	InsecureSkipVerify *bool
	SkipSANWhitelist   *bool
	SPKIPins           []string
}

// RetryStrategy overrides the base retry behavior for one task.
type RetryStrategy struct {
	Max    *int
	BaseMs *int
	Factor *float64
	Jitter *bool
}

// Strategy is the optional per-task override object of spec.md §4.8;
// any section left nil is not applied.
type Strategy struct {
	HTTP  *HTTPStrategy
	TLS   *TLSStrategy
	Retry *RetryStrategy
}

// BaseConfig is the effective configuration a Strategy is diffed
// against; only fields that actually change from this baseline emit an
// Applied event, per "iff the effective value differs from the base
// config."
type BaseConfig struct {
	HTTP  HTTPStrategy
	TLS   TLSStrategy
	Retry RetryStrategy
}

// Validate rejects an override with an out-of-range or nonsensical
// value before any I/O happens, per spec.md §4.8: "Invalid overrides
// ... fail the task before any I/O."
func (s Strategy) Validate() error {
	if s.HTTP != nil && s.HTTP.MaxRedirects != nil && (*s.HTTP.MaxRedirects < 0 || *s.HTTP.MaxRedirects > 20) {
		return fmt.Errorf("gitops: http.max_redirects out of range: %d", *s.HTTP.MaxRedirects)
	}
	if s.Retry != nil && s.Retry.Factor != nil && (*s.Retry.Factor <= 0 || *s.Retry.Factor > 10) {
		return fmt.Errorf("gitops: retry.factor out of range: %v", *s.Retry.Factor)
	}
	if s.Retry != nil && s.Retry.Max != nil && *s.Retry.Max < 0 {
		return fmt.Errorf("gitops: retry.max out of range: %d", *s.Retry.Max)
	}
	return nil
}

// MergeStrategy threads a WorkspaceBatch parent's override down to one
// child: any section the child leaves nil inherits the parent's
// section wholesale, and any section the child does set is kept
// as-is. Sections are the unit of inheritance, not individual fields,
// so a child that overrides Retry.Factor but not Retry.Max still gets
// its own Retry section verbatim rather than a field-by-field splice
// with the parent's.
func MergeStrategy(parent, child Strategy) Strategy {
	out := child
	if out.HTTP == nil {
		out.HTTP = parent.HTTP
	}
	if out.TLS == nil {
		out.TLS = parent.TLS
	}
	if out.Retry == nil {
		out.Retry = parent.Retry
	}
	return out
}

// Apply emits HttpApplied/TlsApplied/RetryApplied for each section that
// actually differs from base, then always emits a Summary with every
// applied code — even when the gating env var below suppresses the
// independent events — per spec.md §4.8.
func Apply(bus *events.Bus, taskID string, base BaseConfig, s Strategy, suppressApplied bool) []string {
	var codes []string

	if s.HTTP != nil && httpDiffers(base.HTTP, *s.HTTP) {
		codes = append(codes, "http_strategy_override_applied")
		if !suppressApplied {
			publish(bus, taskID, events.KindHttpApplied, events.HttpApplied{TaskID: taskID, Fields: httpFields(*s.HTTP)})
		}
	}
	if s.TLS != nil && tlsDiffers(base.TLS, *s.TLS) {
		codes = append(codes, "tls_strategy_override_applied")
		if !suppressApplied {
			publish(bus, taskID, events.KindTlsApplied, events.TlsApplied{TaskID: taskID, Fields: tlsFields(*s.TLS)})
		}
	}
	if s.Retry != nil && retryDiffers(base.Retry, *s.Retry) {
		codes = append(codes, "retry_strategy_override_applied")
		if !suppressApplied {
			r := *s.Retry
			ev := events.RetryApplied{TaskID: taskID}
			if r.Max != nil {
				ev.Max = *r.Max
			}
			if r.BaseMs != nil {
				ev.BaseMs = *r.BaseMs
			}
			if r.Factor != nil {
				ev.Factor = *r.Factor
			}
			if r.Jitter != nil {
				ev.Jitter = *r.Jitter
			}
			publish(bus, taskID, events.KindRetryApplied, ev)
		}
	}

	publish(bus, taskID, events.KindSummary, events.Summary{TaskID: taskID, AppliedCodes: codes})
	return codes
}

func httpDiffers(base, override HTTPStrategy) bool {
	return boolPtrDiffers(base.FollowRedirects, override.FollowRedirects) ||
		intPtrDiffers(base.MaxRedirects, override.MaxRedirects)
}

func tlsDiffers(base, override TLSStrategy) bool {
	if boolPtrDiffers(base.InsecureSkipVerify, override.InsecureSkipVerify) ||
		boolPtrDiffers(base.SkipSANWhitelist, override.SkipSANWhitelist) {
		return true
	}
	return len(override.SPKIPins) > 0
}

func retryDiffers(base, override RetryStrategy) bool {
	return intPtrDiffers(base.Max, override.Max) ||
		intPtrDiffers(base.BaseMs, override.BaseMs) ||
		floatPtrDiffers(base.Factor, override.Factor) ||
		boolPtrDiffers(base.Jitter, override.Jitter)
}

func boolPtrDiffers(base, override *bool) bool {
	return override != nil && (base == nil || *base != *override)
}

func intPtrDiffers(base, override *int) bool {
	return override != nil && (base == nil || *base != *override)
}

func floatPtrDiffers(base, override *float64) bool {
	return override != nil && (base == nil || *base != *override)
}

func httpFields(s HTTPStrategy) map[string]any {
	out := map[string]any{}
	if s.FollowRedirects != nil {
		out["follow_redirects"] = *s.FollowRedirects
	}
	if s.MaxRedirects != nil {
		out["max_redirects"] = *s.MaxRedirects
	}
	return out
}

func tlsFields(s TLSStrategy) map[string]any {
	out := map[string]any{}
	if s.InsecureSkipVerify != nil {
		out["insecure_skip_verify"] = *s.InsecureSkipVerify
	}
	if s.SkipSANWhitelist != nil {
		out["skip_san_whitelist"] = *s.SkipSANWhitelist
	}
	if len(s.SPKIPins) > 0 {
		out["spki_pins"] = s.SPKIPins
	}
	return out
}

func publish(bus *events.Bus, taskID string, kind events.Kind, payload any) {
	if bus == nil {
		return
	}
	bus.Publish(events.Event{ID: taskID, Category: events.CategoryStrategy, Kind: kind, Payload: payload})
}
