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
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// Severity is an AlertRule's configured level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// AlertRule is one rule definition, authored in the rules file or
// registered as a builtin (spec.md §3 AlertRule).
type AlertRule struct {
	ID          string        `yaml:"id" json:"id"`
	Expr        string        `yaml:"expr" json:"expr"`
	Severity    Severity      `yaml:"severity" json:"severity"`
	Window      string        `yaml:"window" json:"window"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	MinRepeat   time.Duration `yaml:"minRepeat,omitempty" json:"minRepeat,omitempty"`
}

const defaultMinRepeat = 5 * time.Minute

type compiledRule struct {
	rule AlertRule
	expr *AlertComparison
	rng  WindowRange
}

// AlertStore holds compiled, enabled-or-not rules keyed by id. Its shape
// mirrors a mutex-guarded map with AddOrUpdate/Delete/matching lookups,
// generalized from per-namespace watch-rule storage to alert rules keyed
// by rule id.
type AlertStore struct {
	mu    sync.RWMutex
	rules map[string]*compiledRule
}

// NewAlertStore creates an empty AlertStore.
func NewAlertStore() *AlertStore {
	return &AlertStore{rules: make(map[string]*compiledRule)}
}

// AddOrUpdate compiles rule's expression and window, then inserts or
// replaces it. Duplicate expression/window parse failures are returned
// and the store is left unchanged.
func (s *AlertStore) AddOrUpdate(rule AlertRule) error {
	cmp, err := ParseExpr(rule.Expr)
	if err != nil {
		return fmt.Errorf("metrics: rule %q: %w", rule.ID, err)
	}
	rng, ok := ParseWindowRange(rule.Window)
	if !ok {
		return fmt.Errorf("metrics: rule %q: invalid window %q", rule.ID, rule.Window)
	}
	if rule.MinRepeat <= 0 {
		rule.MinRepeat = defaultMinRepeat
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = &compiledRule{rule: rule, expr: cmp, rng: rng}
	return nil
}

// Delete removes a rule by id.
func (s *AlertStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rules, id)
}

// IDs returns every rule id currently stored.
func (s *AlertStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rules))
	for id := range s.rules {
		out = append(out, id)
	}
	return out
}

// Snapshot returns every compiled rule sorted by id.
func (s *AlertStore) Snapshot() []*compiledRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*compiledRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].rule.ID < out[j].rule.ID })
	return out
}

// EventState is the transition an evaluation emits for a rule.
type EventState string

const (
	StateFiring   EventState = "Firing"
	StateActive   EventState = "Active"
	StateResolved EventState = "Resolved"
)

// AlertEvent is emitted on a rule state transition (spec.md §4.4).
type AlertEvent struct {
	RuleID     string
	Severity   Severity
	State      EventState
	Value      float64
	EmittedAt  time.Time
	Description string
}

type ruleRuntimeState struct {
	active   bool
	lastEmit time.Time
}

// Engine periodically reloads a YAML rules file (merging it over a set of
// builtin rules, file wins on id collision), compiles every enabled rule,
// and evaluates them against a Registry's rolling windows (spec.md §4.4).
type Engine struct {
	store    *AlertStore
	builtins []AlertRule
	reg      *Registry
	clock    Clock
	log      logr.Logger

	rulesPath string
	interval  time.Duration
	lastHash  uint64
	hashSet   bool

	stateMu sync.Mutex
	states  map[string]*ruleRuntimeState
}

// NewEngine builds an Engine. rulesPath may be empty, in which case only
// builtins are ever active. interval <= 0 means manual-only evaluation
// (spec.md §4.4 "0 ⇒ manual only"); Run then returns immediately.
func NewEngine(reg *Registry, clock Clock, rulesPath string, interval time.Duration, builtins []AlertRule, log logr.Logger) *Engine {
	return &Engine{
		store:     NewAlertStore(),
		builtins:  builtins,
		reg:       reg,
		clock:     clock,
		log:       log.WithName("alert-engine"),
		rulesPath: rulesPath,
		interval:  interval,
		states:    make(map[string]*ruleRuntimeState),
	}
}

// ReloadIfChanged re-reads the rules file if its content hash changed
// since the last load, merges it over the builtin set (file rules with a
// colliding id win), recompiles, and prunes runtime state for rules that
// no longer exist. Returns whether a reload actually happened.
func (e *Engine) ReloadIfChanged() (bool, error) {
	merged := make(map[string]AlertRule, len(e.builtins))
	for _, r := range e.builtins {
		merged[r.ID] = r
	}

	if e.rulesPath != "" {
		data, err := os.ReadFile(e.rulesPath)
		if err != nil {
			return false, fmt.Errorf("reading alert rules file: %w", err)
		}
		hash := xxhash.Sum64(data)
		if e.hashSet && hash == e.lastHash {
			return false, nil
		}

		var fileRules []AlertRule
		if err := yaml.Unmarshal(data, &fileRules); err != nil {
			return false, fmt.Errorf("parsing alert rules file: %w", err)
		}
		for _, r := range fileRules {
			merged[r.ID] = r
		}
		e.lastHash = hash
		e.hashSet = true
	}

	next := NewAlertStore()
	for _, r := range merged {
		if !r.Enabled {
			continue
		}
		if err := next.AddOrUpdate(r); err != nil {
			e.log.Error(err, "skipping invalid alert rule", "id", r.ID)
			continue
		}
	}
	e.store = next

	e.stateMu.Lock()
	for id := range e.states {
		if _, ok := merged[id]; !ok {
			delete(e.states, id)
		}
	}
	e.stateMu.Unlock()
	return true, nil
}

// Evaluate runs every enabled rule once against the current window and
// returns the events the state transitions produced, in rule-id order.
func (e *Engine) Evaluate(now time.Time) []AlertEvent {
	var events []AlertEvent
	for _, cr := range e.store.Snapshot() {
		outcome, value := e.evaluateRule(cr)
		if outcome == outcomeNoData {
			continue
		}

		e.stateMu.Lock()
		st, ok := e.states[cr.rule.ID]
		if !ok {
			st = &ruleRuntimeState{}
			e.states[cr.rule.ID] = st
		}

		switch outcome {
		case outcomeTriggered:
			switch {
			case !st.active:
				st.active = true
				st.lastEmit = now
				events = append(events, e.event(cr, StateFiring, value, now))
			case now.Sub(st.lastEmit) >= cr.rule.MinRepeat:
				st.lastEmit = now
				events = append(events, e.event(cr, StateActive, value, now))
			}
		case outcomeCleared:
			if st.active {
				st.active = false
				events = append(events, e.event(cr, StateResolved, value, now))
			}
		}
		e.stateMu.Unlock()
	}
	return events
}

func (e *Engine) event(cr *compiledRule, state EventState, value float64, now time.Time) AlertEvent {
	return AlertEvent{
		RuleID:      cr.rule.ID,
		Severity:    cr.rule.Severity,
		State:       state,
		Value:       value,
		EmittedAt:   now,
		Description: cr.rule.Description,
	}
}

type evalOutcome int

const (
	outcomeNoData evalOutcome = iota
	outcomeTriggered
	outcomeCleared
)

func (e *Engine) evaluateRule(cr *compiledRule) (evalOutcome, float64) {
	now := e.clock.Now()
	lhs, lhsNoData := e.evalExpr(cr.expr.Lhs, cr.rng, now)
	rhs, rhsNoData := e.evalExpr(cr.expr.Rhs, cr.rng, now)
	if lhsNoData || rhsNoData {
		return outcomeNoData, 0
	}

	triggered := false
	switch cr.expr.Comparator {
	case CmpGT:
		triggered = lhs > rhs
	case CmpGE:
		triggered = lhs >= rhs
	case CmpLT:
		triggered = lhs < rhs
	case CmpLE:
		triggered = lhs <= rhs
	}
	if triggered {
		return outcomeTriggered, lhs
	}
	return outcomeCleared, lhs
}

func (e *Engine) evalExpr(expr *AlertExpr, rng WindowRange, now time.Time) (float64, bool) {
	switch expr.Kind {
	case ExprNumber:
		return expr.Number, false
	case ExprMetric:
		return e.reg.resolveMetric(expr.MetricName, expr.Labels, expr.Quantile, rng, now)
	case ExprDivide:
		lhs, lNoData := e.evalExpr(expr.Lhs, rng, now)
		rhs, rNoData := e.evalExpr(expr.Rhs, rng, now)
		if lNoData || rNoData || rhs == 0 {
			return 0, true
		}
		return lhs / rhs, false
	default:
		return 0, true
	}
}

// Run drives periodic reload+evaluate until ctx is canceled. If the
// engine's interval is <= 0, Run returns immediately (manual-only mode,
// spec.md §4.4); callers should invoke ReloadIfChanged/Evaluate directly.
func (e *Engine) Run(ctx context.Context, onEvent func(AlertEvent)) error {
	if e.interval <= 0 {
		return nil
	}
	if _, err := e.ReloadIfChanged(); err != nil {
		e.log.Error(err, "initial alert rules load failed")
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := e.ReloadIfChanged(); err != nil {
				e.log.Error(err, "reloading alert rules failed")
			}
			for _, ev := range e.Evaluate(e.clock.Now()) {
				onEvent(ev)
			}
		}
	}
}
