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

package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time       { return c.now }
func (c *manualClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func TestManager_ApplyEnablesFromDisabled(t *testing.T) {
	m := New(nil, nil)
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy:8080", FallbackWindow: time.Minute, FallbackThreshold: 0.5, RecoveryCooldown: time.Minute})
	assert.Equal(t, StateEnabled, m.State())
}

func TestManager_ApplyOffDisablesFromAnyState(t *testing.T) {
	m := New(nil, nil)
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy:8080"})
	m.Apply(Config{Mode: ModeOff})
	assert.Equal(t, StateDisabled, m.State())
}

func TestManager_FallbackOnFailureRateAboveThresholdWithMinAttempts(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	m := New(clock, nil)
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy:8080", FallbackWindow: time.Minute, FallbackThreshold: 0.4, RecoveryCooldown: time.Minute})

	for i := 0; i < 2; i++ {
		m.ReportResult(true)
	}
	for i := 0; i < 3; i++ {
		m.ReportResult(false)
	}
	assert.Equal(t, StateFallback, m.State())
}

func TestManager_FallbackTripsOnRateExactlyAtThreshold(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	m := New(clock, nil)
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy:8080", FallbackWindow: time.Minute, FallbackThreshold: 0.5, RecoveryCooldown: time.Minute})

	for i := 0; i < 5; i++ {
		m.ReportResult(true)
	}
	for i := 0; i < 5; i++ {
		m.ReportResult(false)
	}
	assert.Equal(t, StateFallback, m.State())
}

func TestManager_ZeroThresholdTripsOnFirstFailureBypassingFloor(t *testing.T) {
	m := New(nil, nil)
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy:8080", FallbackWindow: time.Minute, FallbackThreshold: 0, RecoveryCooldown: time.Minute})
	m.ReportResult(false)
	assert.Equal(t, StateFallback, m.State())
}

func TestManager_NoFallbackBelowMinAttemptFloor(t *testing.T) {
	m := New(nil, nil)
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy:8080", FallbackWindow: time.Minute, FallbackThreshold: 0.1, RecoveryCooldown: time.Minute})
	m.ReportResult(false)
	m.ReportResult(false)
	assert.Equal(t, StateEnabled, m.State())
}

func TestManager_ManualFallbackEntersFallback(t *testing.T) {
	m := New(nil, nil)
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy:8080", FallbackWindow: time.Minute, RecoveryCooldown: time.Minute})
	m.ManualFallback()
	assert.Equal(t, StateFallback, m.State())
}

func TestManager_RecoveringImmediateOnFirstSuccess(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	m := New(clock, nil)
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy:8080", FallbackWindow: time.Minute, RecoveryCooldown: time.Minute, RecoveryStrategy: RecoveryImmediate})
	m.ManualFallback()
	clock.Advance(2 * time.Minute)
	m.Tick()
	require.Equal(t, StateRecovering, m.State())
	m.ReportResult(true)
	assert.Equal(t, StateEnabled, m.State())
}

func TestManager_RecoveringConsecutiveRequiresThreshold(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	m := New(clock, nil)
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy:8080", FallbackWindow: time.Minute, RecoveryCooldown: time.Minute, RecoveryStrategy: RecoveryConsecutive, RecoveryConsecutiveThreshold: 2})
	m.ManualFallback()
	clock.Advance(2 * time.Minute)
	m.Tick()
	m.ReportResult(true)
	assert.Equal(t, StateRecovering, m.State())
	m.ReportResult(true)
	assert.Equal(t, StateEnabled, m.State())
}

func TestManager_RecoveringExponentialBackoffGrowsProbeDelay(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	m := New(clock, nil)
	m.Apply(Config{
		Mode: ModeHTTP, URL: "http://proxy:8080", FallbackWindow: time.Minute, RecoveryCooldown: time.Minute,
		RecoveryStrategy: RecoveryExponentialBackoff, HealthCheckInterval: time.Second,
	})
	m.ManualFallback()
	clock.Advance(2 * time.Minute)
	m.Tick()
	require.Equal(t, StateRecovering, m.State())
	assert.True(t, m.ShouldProbeNow())

	m.ReportResult(false)
	assert.False(t, m.ShouldProbeNow(), "first failed probe should gate the next one behind a growing delay")

	clock.Advance(2 * time.Second)
	assert.True(t, m.ShouldProbeNow())

	m.ReportResult(true)
	assert.Equal(t, StateEnabled, m.State())
}

func TestManager_ShouldDisableCustomTransportWhenEnabled(t *testing.T) {
	m := New(nil, nil)
	assert.False(t, m.ShouldDisableCustomTransport())
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy:8080"})
	assert.True(t, m.ShouldDisableCustomTransport())
}

func TestGetConnector_OffReturnsNoop(t *testing.T) {
	m := New(nil, nil)
	c, err := m.GetConnector()
	require.NoError(t, err)
	assert.Equal(t, "", c.SanitizedURL())
}

func TestGetConnector_HTTPSanitizesCredentials(t *testing.T) {
	m := New(nil, nil)
	m.Apply(Config{Mode: ModeHTTP, URL: "http://proxy.example.com:8080", Username: "user", Password: "secret"})
	c, err := m.GetConnector()
	require.NoError(t, err)
	assert.NotContains(t, c.SanitizedURL(), "secret")
	assert.Contains(t, c.SanitizedURL(), "***")
}

func TestGetConnector_Socks5Builds(t *testing.T) {
	m := New(nil, nil)
	m.Apply(Config{Mode: ModeSocks5, URL: "socks5://proxy.example.com:1080"})
	c, err := m.GetConnector()
	require.NoError(t, err)
	assert.NotEmpty(t, c.SanitizedURL())
}
