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

// Package soak drives repeated clone/fetch/push cycles against a
// scratch repository, aggregating task outcomes and adaptive-TLS
// events into the diagnostics report of spec.md §6.5. It is meant to
// be run ad hoc (behind the FWC_ADAPTIVE_TLS_SOAK env var) rather than
// wired into the normal request path.
package soak

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/fireworks-collab/agent-core/internal/events"
	"github.com/fireworks-collab/agent-core/internal/gitops"
	"github.com/fireworks-collab/agent-core/internal/tasks"
)

// Options configures one soak run, mirroring the FWC_SOAK_* env vars
// of spec.md §6.5.
type Options struct {
	Iterations         int
	KeepClones         bool
	ReportPath         string
	BaseDir            string
	BaselineReportPath string
}

// FromEnv reads the FWC_ADAPTIVE_TLS_SOAK-gated environment, returning
// ok=false when the runner is not enabled.
func FromEnv(getenv func(string) string) (Options, bool) {
	if getenv("FWC_ADAPTIVE_TLS_SOAK") != "1" {
		return Options{}, false
	}
	opts := Options{
		Iterations: 20,
		ReportPath: "soak-report.json",
		BaseDir:    os.TempDir(),
	}
	if v := getenv("FWC_SOAK_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Iterations = n
		}
	}
	opts.KeepClones = getenv("FWC_SOAK_KEEP_CLONES") == "1"
	if v := getenv("FWC_SOAK_REPORT_PATH"); v != "" {
		opts.ReportPath = v
	}
	if v := getenv("FWC_SOAK_BASE_DIR"); v != "" {
		opts.BaseDir = v
	}
	opts.BaselineReportPath = getenv("FWC_SOAK_BASELINE_REPORT")
	return opts, true
}

// FieldStats summarizes one numeric sample series, per spec.md §6.5.
type FieldStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
}

func computeFieldStats(samples []float64) *FieldStats {
	if len(samples) == 0 {
		return nil
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	sum := 0.0
	for _, v := range sorted {
		sum += v
	}
	return &FieldStats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   sum / float64(len(sorted)),
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
	}
}

func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// OperationStats is the per-operation outcome tally.
type OperationStats struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Canceled    int     `json:"canceled"`
	SuccessRate float64 `json:"successRate"`
}

func (o *OperationStats) record(state tasks.State) {
	o.Total++
	switch state {
	case tasks.StateCompleted:
		o.Completed++
	case tasks.StateFailed:
		o.Failed++
	case tasks.StateCanceled:
		o.Canceled++
	}
	if o.Total > 0 {
		o.SuccessRate = float64(o.Completed) / float64(o.Total)
	}
}

// TimingStats aggregates AdaptiveTlsTiming events observed for one
// operation across the run.
type TimingStats struct {
	Samples              int            `json:"samples"`
	UsedFake             int            `json:"usedFake"`
	CertFpChangedSamples int            `json:"certFpChangedSamples"`
	FinalStageCounts     map[string]int `json:"finalStageCounts"`
	ConnectMs            *FieldStats    `json:"connectMs,omitempty"`
	TlsMs                *FieldStats    `json:"tlsMs,omitempty"`
	FirstByteMs          *FieldStats    `json:"firstByteMs,omitempty"`
	TotalMs              *FieldStats    `json:"totalMs,omitempty"`
}

type timingAccum struct {
	usedFake    int
	fpChanged   int
	stageCounts map[string]int
	connectMs   []float64
	tlsMs       []float64
	firstByteMs []float64
	totalMs     []float64
}

func newTimingAccum() *timingAccum { return &timingAccum{stageCounts: map[string]int{}} }

func (a *timingAccum) record(ev events.AdaptiveTlsTiming) {
	if ev.UsedFakeSni {
		a.usedFake++
	}
	if ev.CertFpChanged {
		a.fpChanged++
	}
	stage := ev.FallbackStage
	if stage == "" {
		stage = "none"
	}
	a.stageCounts[stage]++
	a.connectMs = append(a.connectMs, float64(ev.ConnectMs))
	a.tlsMs = append(a.tlsMs, float64(ev.TlsMs))
	if ev.FirstByteMs > 0 {
		a.firstByteMs = append(a.firstByteMs, float64(ev.FirstByteMs))
	}
	if ev.TotalMs > 0 {
		a.totalMs = append(a.totalMs, float64(ev.TotalMs))
	}
}

func (a *timingAccum) finalize() TimingStats {
	return TimingStats{
		Samples:              len(a.connectMs),
		UsedFake:             a.usedFake,
		CertFpChangedSamples: a.fpChanged,
		FinalStageCounts:     a.stageCounts,
		ConnectMs:            computeFieldStats(a.connectMs),
		TlsMs:                computeFieldStats(a.tlsMs),
		FirstByteMs:          computeFieldStats(a.firstByteMs),
		TotalMs:              computeFieldStats(a.totalMs),
	}
}

// FallbackStats tallies AdaptiveTlsFallback events by transition kind.
type FallbackStats struct {
	Counts        int `json:"counts"`
	FakeToReal    int `json:"fakeToReal"`
	RealToDefault int `json:"realToDefault"`
}

// AutoDisableStats tallies IpPoolAutoDisable enable/disable toggles.
type AutoDisableStats struct {
	Triggered int `json:"triggered"`
	Recovered int `json:"recovered"`
}

// Thresholds holds the pass limits recorded with a Report (spec.md §6.5
// defaults). Only SuccessRate is evaluated, by compareToBaseline when a
// baseline report is given; FakeFallbackRate is not checked.
type Thresholds struct {
	SuccessRate      float64 `json:"successRate"`
	FakeFallbackRate float64 `json:"fakeFallbackRate"`
}

// DefaultThresholds matches spec.md §6.5's stated defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{SuccessRate: 0.99, FakeFallbackRate: 0.05}
}

// ComparisonResult is populated only when a BaselineReportPath is set.
type ComparisonResult struct {
	Passed   bool     `json:"passed"`
	Failures []string `json:"failures,omitempty"`
}

// Report is the full JSON diagnostics document of spec.md §6.5.
type Report struct {
	StartedUnix  int64                     `json:"startedUnix"`
	FinishedUnix int64                     `json:"finishedUnix"`
	DurationSecs float64                   `json:"durationSecs"`
	Options      Options                   `json:"options"`
	Iterations   int                       `json:"iterations"`
	Operations   map[string]OperationStats `json:"operations"`
	Timing       map[string]TimingStats    `json:"timing"`
	Fallback     FallbackStats             `json:"fallback"`
	AutoDisable  AutoDisableStats          `json:"autoDisable"`
	CertFpEvents int                       `json:"certFpEvents"`
	Totals       OperationStats            `json:"totals"`
	Thresholds   Thresholds                `json:"thresholds"`
	Comparison   *ComparisonResult         `json:"comparison,omitempty"`
}

// Runner drives the clone/commit/push soak cycle.
type Runner struct {
	opts       Options
	bus        *events.Bus
	registry   *tasks.Registry
	thresholds Thresholds
}

// New builds a Runner. bus is subscribed for the duration of Run to
// aggregate AdaptiveTls*/IpPoolAutoDisable events; registry drives the
// per-iteration tasks.
func New(opts Options, bus *events.Bus, registry *tasks.Registry) *Runner {
	return &Runner{opts: opts, bus: bus, registry: registry, thresholds: DefaultThresholds()}
}

// Run executes Options.Iterations clone→commit→push cycles against a
// fresh bare "remote" repository per iteration and returns the
// aggregated Report.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	started := time.Now()

	sub := r.bus.Subscribe()
	defer sub.Unsubscribe()

	operations := map[string]*OperationStats{
		"clone": {}, "commit": {}, "push": {},
	}
	timingAccums := map[string]*timingAccum{}
	fallback := FallbackStats{}
	autoDisable := AutoDisableStats{}
	certFpEvents := 0

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for ev := range sub.C() {
			switch p := ev.Payload.(type) {
			case events.AdaptiveTlsTiming:
				acc, ok := timingAccums[ev.ID]
				if !ok {
					acc = newTimingAccum()
					timingAccums[ev.ID] = acc
				}
				acc.record(p)
			case events.AdaptiveTlsFallback:
				fallback.Counts++
				switch {
				case p.From != p.To && p.Reason == "fake_sni_handshake_failed":
					fallback.FakeToReal++
				default:
					fallback.RealToDefault++
				}
			case events.CertFingerprintChanged:
				certFpEvents++
			case events.IpPoolAutoDisable:
				if p.Enabled {
					autoDisable.Triggered++
				} else {
					autoDisable.Recovered++
				}
			}
		}
	}()

	for i := 0; i < r.opts.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		r.runOneIteration(ctx, i, operations)
	}

	sub.Unsubscribe()
	<-drainDone

	finished := time.Now()

	timing := map[string]TimingStats{}
	for k, acc := range timingAccums {
		timing[k] = acc.finalize()
	}

	opOut := map[string]OperationStats{}
	totals := OperationStats{}
	for name, st := range operations {
		opOut[name] = *st
		totals.Total += st.Total
		totals.Completed += st.Completed
		totals.Failed += st.Failed
		totals.Canceled += st.Canceled
	}
	if totals.Total > 0 {
		totals.SuccessRate = float64(totals.Completed) / float64(totals.Total)
	}

	report := Report{
		StartedUnix:  started.Unix(),
		FinishedUnix: finished.Unix(),
		DurationSecs: finished.Sub(started).Seconds(),
		Options:      r.opts,
		Iterations:   r.opts.Iterations,
		Operations:   opOut,
		Timing:       timing,
		Fallback:     fallback,
		AutoDisable:  autoDisable,
		CertFpEvents: certFpEvents,
		Totals:       totals,
		Thresholds:   r.thresholds,
	}

	if r.opts.BaselineReportPath != "" {
		report.Comparison = r.compareToBaseline(report)
	}

	return report, nil
}

func (r *Runner) runOneIteration(ctx context.Context, iteration int, operations map[string]*OperationStats) {
	workDir := filepath.Join(r.opts.BaseDir, fmt.Sprintf("soak-%d-%d", time.Now().UnixNano(), iteration))
	if !r.opts.KeepClones {
		defer os.RemoveAll(workDir)
	}

	remoteDir := workDir + "-remote"
	if !r.opts.KeepClones {
		defer os.RemoveAll(remoteDir)
	}

	if _, err := git.PlainInit(remoteDir, true); err != nil {
		operations["clone"].record(tasks.StateFailed)
		return
	}
	if err := seedRemote(remoteDir); err != nil {
		operations["clone"].record(tasks.StateFailed)
		return
	}

	cloneState := r.runDriver(ctx, tasks.Kind{Tag: tasks.KindGitClone}, gitops.Clone(gitops.CloneOptions{URL: remoteDir, Dir: workDir}))
	operations["clone"].record(cloneState)
	if cloneState != tasks.StateCompleted {
		return
	}

	commitState := r.runDriver(ctx, tasks.Kind{Tag: tasks.KindGitCommit}, commitOneFile(workDir, iteration))
	operations["commit"].record(commitState)
	if commitState != tasks.StateCompleted {
		return
	}

	pushState := r.runDriver(ctx, tasks.Kind{Tag: tasks.KindGitPush}, gitops.Push(gitops.PushOptions{
		RepoPath: workDir,
		RefSpecs: []string{"refs/heads/master:refs/heads/master"},
	}))
	operations["push"].record(pushState)
}

// seedRemote gives a freshly-initialized bare repository an initial
// commit: go-git's PlainClone refuses an empty remote, so each
// iteration's "remote" needs one ref to clone before the loop can
// exercise commit/push.
func seedRemote(remoteDir string) error {
	seedDir, err := os.MkdirTemp("", "soak-seed-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(seedDir)

	repo, err := git.PlainInit(seedDir, false)
	if err != nil {
		return err
	}
	if _, err := repo.CreateRemote(&gitconfig.RemoteConfig{Name: "origin", URLs: []string{remoteDir}}); err != nil {
		return err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(seedDir, "seed.txt"), []byte("soak seed"), 0o644); err != nil {
		return err
	}
	if _, err := wt.Add("seed.txt"); err != nil {
		return err
	}
	if _, err := wt.Commit("soak seed", &git.CommitOptions{
		Author: &object.Signature{Name: "soak", Email: "soak@localhost", When: time.Now()},
	}); err != nil {
		return err
	}
	return repo.Push(&git.PushOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"refs/heads/master:refs/heads/master"},
	})
}

func (r *Runner) runDriver(ctx context.Context, kind tasks.Kind, driver tasks.Driver) tasks.State {
	id := r.registry.Create(kind)
	r.registry.Spawn(ctx, id, driver)
	for {
		snap, ok := r.registry.Get(id)
		if !ok {
			return tasks.StateFailed
		}
		if snap.State.Terminal() {
			return snap.State
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// commitOneFile writes a small unique file and commits it, giving Push
// something new to send on every iteration.
func commitOneFile(repoPath string, iteration int) tasks.Driver {
	return func(ctx context.Context, progress func(tasks.Progress)) error {
		repo, err := git.PlainOpen(repoPath)
		if err != nil {
			return err
		}
		wt, err := repo.Worktree()
		if err != nil {
			return err
		}
		name := fmt.Sprintf("soak-%d.txt", iteration)
		if err := os.WriteFile(filepath.Join(repoPath, name), []byte(time.Now().String()), 0o644); err != nil {
			return err
		}
		if _, err := wt.Add(name); err != nil {
			return err
		}
		_, err = wt.Commit("soak iteration", &git.CommitOptions{
			Author: &object.Signature{Name: "soak", Email: "soak@localhost", When: time.Now()},
		})
		progress(tasks.Progress{Phase: gitops.PhaseCompleted, Percent: 100})
		return err
	}
}

func (r *Runner) compareToBaseline(current Report) *ComparisonResult {
	data, err := os.ReadFile(r.opts.BaselineReportPath)
	if err != nil {
		return &ComparisonResult{Passed: false, Failures: []string{"baseline unreadable: " + err.Error()}}
	}
	var baseline Report
	if err := json.Unmarshal(data, &baseline); err != nil {
		return &ComparisonResult{Passed: false, Failures: []string{"baseline unparseable: " + err.Error()}}
	}

	var failures []string
	if current.Totals.SuccessRate < baseline.Totals.SuccessRate-0.01 {
		failures = append(failures, fmt.Sprintf("success rate regressed: %.4f < baseline %.4f", current.Totals.SuccessRate, baseline.Totals.SuccessRate))
	}
	if current.Totals.SuccessRate < current.Thresholds.SuccessRate {
		failures = append(failures, fmt.Sprintf("success rate %.4f below threshold %.4f", current.Totals.SuccessRate, current.Thresholds.SuccessRate))
	}
	return &ComparisonResult{Passed: len(failures) == 0, Failures: failures}
}

// WriteReport marshals report as indented JSON to Options.ReportPath.
func WriteReport(path string, report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
