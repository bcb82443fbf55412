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

// Package tasks is the registry of in-flight long-running operations
// (clone/fetch/push/init/add/commit and workspace batches). It mirrors the
// teacher's WorkerManager/BranchWorker split: one RWMutex-guarded map
// keyed by id owns lifecycle, each entry runs its driver on its own
// goroutine with a derived cancellation context, and termination always
// happens exactly once (spec.md §4.9).
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fireworks-collab/agent-core/internal/events"
	"github.com/fireworks-collab/agent-core/internal/fireerr"
)

// ID identifies a task for its lifetime.
type ID string

// NewID mints a fresh random task id.
func NewID() ID { return ID(uuid.NewString()) }

// KindTag names the variant carried by a Kind value.
type KindTag string

const (
	KindGitClone       KindTag = "GitClone"
	KindGitFetch       KindTag = "GitFetch"
	KindGitPush        KindTag = "GitPush"
	KindGitInit        KindTag = "GitInit"
	KindGitAdd         KindTag = "GitAdd"
	KindGitCommit      KindTag = "GitCommit"
	KindWorkspaceBatch KindTag = "WorkspaceBatch"
	KindSleep          KindTag = "Sleep"
)

// Kind is a closed tagged union describing what a task runs, mirroring
// the spec's TaskKind variants. Fields outside a variant's relevance are
// left zero.
type Kind struct {
	Tag KindTag

	// WorkspaceBatch
	Operation string
	Total     int

	// Sleep
	Ms int
}

func (k Kind) String() string { return string(k.Tag) }

// State is a task's lifecycle state. Pending and Running are transient;
// Completed, Failed and Canceled are terminal and final.
type State string

const (
	StatePending   State = "Pending"
	StateRunning   State = "Running"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCanceled  State = "Canceled"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// Progress is a single driver-reported milestone, mirroring
// events.TaskProgress.
type Progress struct {
	Phase   string
	Percent int
	Bytes   *int64
	Files   *int
}

// Snapshot is an immutable, deep-cloned view of a task at a point in
// time, safe to hand to callers outside the registry's lock.
type Snapshot struct {
	ID           ID
	Kind         Kind
	State        State
	ParentID     *ID
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	LastProgress *Progress
	ErrCategory  fireerr.Category
	ErrMessage   string
}

// Driver is the blocking function a task runs. It must honor ctx
// cancellation and report milestones through progress. Returning
// ctx.Err() wrapped with fireerr.Cancel (or fireerr.ErrCanceled) marks
// the task Canceled instead of Failed.
type Driver func(ctx context.Context, progress func(Progress)) error

// Clock abstracts wall-clock access for deterministic tests, mirroring
// the metrics package's Clock — kept as its own small interface here
// rather than imported, since the two packages have no other coupling.
type Clock interface {
	Now() time.Time
}

// SystemClock delegates to time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

type entry struct {
	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
}

func (e *entry) snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneSnapshot(e.snap)
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	if s.LastProgress != nil {
		p := *s.LastProgress
		out.LastProgress = &p
	}
	if s.ParentID != nil {
		id := *s.ParentID
		out.ParentID = &id
	}
	return out
}

// Registry owns every task's lifecycle: creation, dispatch, progress and
// terminal-state publication, and cooperative cancellation.
type Registry struct {
	mu    sync.RWMutex
	tasks map[ID]*entry

	bus   *events.Bus
	clock Clock
}

// New builds an empty registry. bus may be nil to run without event
// publication (useful for unit tests that only care about state).
func New(bus *events.Bus, clock Clock) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Registry{
		tasks: make(map[ID]*entry),
		bus:   bus,
		clock: clock,
	}
}

// Create inserts a new Pending task and returns its id. The task does
// nothing until Spawn runs its driver.
func (r *Registry) Create(kind Kind) ID {
	return r.createWithParent(kind, nil)
}

func (r *Registry) createWithParent(kind Kind, parent *ID) ID {
	id := NewID()
	e := &entry{snap: Snapshot{
		ID:        id,
		Kind:      kind,
		State:     StatePending,
		ParentID:  parent,
		CreatedAt: r.clock.Now(),
	}}
	r.mu.Lock()
	r.tasks[id] = e
	r.mu.Unlock()
	return id
}

// Spawn transitions id to Running and runs driver on a new goroutine
// derived from ctx. It publishes TaskStarted, zero or more TaskProgress
// events, and exactly one terminal event (TaskCompleted/TaskFailed/
// TaskCanceled). Spawn is a no-op if id is unknown or already left
// Pending (double-spawn protection).
func (r *Registry) Spawn(ctx context.Context, id ID, driver Driver) {
	r.mu.RLock()
	e, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.snap.State != StatePending {
		e.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	now := r.clock.Now()
	e.snap.State = StateRunning
	e.snap.StartedAt = &now
	e.cancel = cancel
	e.mu.Unlock()

	r.publish(id, events.KindTaskStarted, events.TaskStarted{Kind: e.snap.Kind.String()})

	go r.run(runCtx, id, e, driver)
}

func (r *Registry) run(ctx context.Context, id ID, e *entry, driver Driver) {
	err := driver(ctx, func(p Progress) {
		e.mu.Lock()
		pc := p
		e.snap.LastProgress = &pc
		e.mu.Unlock()
		r.publish(id, events.KindTaskProgress, events.TaskProgress{
			Phase: p.Phase, Percent: p.Percent, Bytes: p.Bytes, Files: p.Files,
		})
	})
	r.finish(id, e, err)
}

func (r *Registry) finish(id ID, e *entry, err error) {
	e.mu.Lock()
	if e.snap.State.Terminal() {
		e.mu.Unlock()
		return
	}
	now := r.clock.Now()
	e.snap.FinishedAt = &now

	switch {
	case err == nil:
		e.snap.State = StateCompleted
	case fireerr.CategoryOf(err) == fireerr.Cancel:
		e.snap.State = StateCanceled
	default:
		e.snap.State = StateFailed
		e.snap.ErrCategory = fireerr.CategoryOf(err)
		e.snap.ErrMessage = err.Error()
	}
	state := e.snap.State
	category := string(e.snap.ErrCategory)
	message := e.snap.ErrMessage
	e.mu.Unlock()

	switch state {
	case StateCompleted:
		r.publish(id, events.KindTaskCompleted, events.TaskCompleted{})
	case StateCanceled:
		r.publish(id, events.KindTaskCanceled, events.TaskCanceled{})
	case StateFailed:
		r.publish(id, events.KindTaskFailed, events.TaskFailed{Category: category, Message: message})
	}
}

func (r *Registry) publish(id ID, kind events.Kind, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		ID:       string(id),
		Category: events.CategoryTask,
		Kind:     kind,
		At:       r.clock.Now(),
		Payload:  payload,
	})
}

// Cancel requests id stop cooperatively. It is idempotent: canceling an
// already-terminal or unknown task is a harmless no-op, reported via the
// bool return (true iff id was known).
func (r *Registry) Cancel(id ID) bool {
	r.mu.RLock()
	e, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	e.mu.Lock()
	if e.snap.State.Terminal() {
		e.mu.Unlock()
		return true
	}
	cancel := e.cancel
	pending := e.snap.State == StatePending
	e.mu.Unlock()

	if pending {
		// Never spawned: finish it directly, there is no goroutine to
		// cancel.
		r.finish(id, e, fireerr.New(fireerr.Cancel, "cancel", fireerr.ErrCanceled))
		return true
	}
	if cancel != nil {
		cancel()
	}
	return true
}

// Get returns a cloned snapshot of id, if known.
func (r *Registry) Get(id ID) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.tasks[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return e.snapshot(), true
}

// List returns cloned snapshots of every task known to the registry, in
// no particular order.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.tasks))
	for _, e := range r.tasks {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	return out
}
