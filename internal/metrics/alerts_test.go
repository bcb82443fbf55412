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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *ManualClock) {
	t.Helper()
	clock := NewManualClock(time.Unix(0, 0))
	reg := NewRegistry(clock)
	require.NoError(t, reg.Register(Descriptor{Name: "git_tasks_total", Kind: Counter, Labels: []string{"kind", "state"}}))
	return reg, clock
}

func TestAlertStore_AddOrUpdateAndDelete(t *testing.T) {
	s := NewAlertStore()
	err := s.AddOrUpdate(AlertRule{ID: "r1", Expr: "5 > 3", Severity: SeverityWarn, Window: "1m", Enabled: true})
	require.NoError(t, err)
	assert.Len(t, s.Snapshot(), 1)

	s.Delete("r1")
	assert.Empty(t, s.Snapshot())
}

func TestAlertStore_InvalidExprRejected(t *testing.T) {
	s := NewAlertStore()
	err := s.AddOrUpdate(AlertRule{ID: "bad", Expr: "not an expr", Window: "1m", Enabled: true})
	assert.Error(t, err)
}

func TestEngine_FiringThenResolvedOnFailRate(t *testing.T) {
	reg, clock := newTestRegistry(t)
	builtins := []AlertRule{{
		ID:       "git_fail_rate",
		Expr:     `git_tasks_total{kind="X",state="failed"}/git_tasks_total{kind="X",state="total"} > 0.3`,
		Severity: SeverityCritical,
		Window:   "1h",
		Enabled:  true,
	}}
	engine := NewEngine(reg, clock, "", 0, builtins, logr.Discard())
	_, err := engine.ReloadIfChanged()
	require.NoError(t, err)

	// 3 failed / 2 total => >0.3, should fire.
	require.NoError(t, reg.IncrCounter("git_tasks_total", map[string]string{"kind": "X", "state": "failed"}, 3))
	require.NoError(t, reg.IncrCounter("git_tasks_total", map[string]string{"kind": "X", "state": "total"}, 2))

	events := engine.Evaluate(clock.Now())
	require.Len(t, events, 1)
	assert.Equal(t, StateFiring, events[0].State)

	// A second evaluation before min-repeat produces no new event.
	events = engine.Evaluate(clock.Now())
	assert.Empty(t, events)

	// Bring the ratio back under threshold: add many "total" observations.
	require.NoError(t, reg.IncrCounter("git_tasks_total", map[string]string{"kind": "X", "state": "total"}, 20))
	events = engine.Evaluate(clock.Now())
	require.Len(t, events, 1)
	assert.Equal(t, StateResolved, events[0].State)
}

func TestEngine_NoDataSkipsRuleSilently(t *testing.T) {
	reg, clock := newTestRegistry(t)
	builtins := []AlertRule{{
		ID:       "divide_by_zero",
		Expr:     `git_tasks_total{kind="X",state="failed"}/git_tasks_total{kind="X",state="total"} > 0.3`,
		Severity: SeverityWarn,
		Window:   "1m",
		Enabled:  true,
	}}
	engine := NewEngine(reg, clock, "", 0, builtins, logr.Discard())
	_, err := engine.ReloadIfChanged()
	require.NoError(t, err)

	// Neither series has been observed yet => "no data", no events.
	events := engine.Evaluate(clock.Now())
	assert.Empty(t, events)
}

func TestEngine_ReloadIfChanged_FileOverridesBuiltinAndHashGatesReload(t *testing.T) {
	reg, clock := newTestRegistry(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: git_fail_rate
  expr: "5 > 3"
  severity: warn
  window: 1m
  enabled: true
`), 0o644))

	builtins := []AlertRule{{ID: "git_fail_rate", Expr: "1 > 100", Severity: SeverityInfo, Window: "1m", Enabled: true}}
	engine := NewEngine(reg, clock, path, 0, builtins, logr.Discard())

	changed, err := engine.ReloadIfChanged()
	require.NoError(t, err)
	assert.True(t, changed)

	rules := engine.store.Snapshot()
	require.Len(t, rules, 1)
	assert.Equal(t, SeverityWarn, rules[0].rule.Severity)

	changed, err = engine.ReloadIfChanged()
	require.NoError(t, err)
	assert.False(t, changed, "unchanged file content must not trigger a reload")
}
