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

package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fireworks-collab/agent-core/internal/events"
	"github.com/fireworks-collab/agent-core/internal/fireerr"
)

func awaitTerminal(t *testing.T, r *Registry, id ID) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := r.Get(id)
		require.True(t, ok)
		if snap.State.Terminal() {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal state", id)
	return Snapshot{}
}

func TestRegistry_CreateStartsPending(t *testing.T) {
	r := New(nil, nil)
	id := r.Create(Kind{Tag: KindGitClone})
	snap, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, StatePending, snap.State)
	assert.Nil(t, snap.StartedAt)
}

func TestRegistry_SpawnCompletes(t *testing.T) {
	r := New(nil, nil)
	id := r.Create(Kind{Tag: KindSleep, Ms: 1})
	r.Spawn(context.Background(), id, func(ctx context.Context, progress func(Progress)) error {
		progress(Progress{Phase: "running", Percent: 50})
		return nil
	})
	snap := awaitTerminal(t, r, id)
	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, snap.LastProgress)
	assert.Equal(t, "running", snap.LastProgress.Phase)
	assert.NotNil(t, snap.FinishedAt)
}

func TestRegistry_SpawnFailurePropagatesCategory(t *testing.T) {
	r := New(nil, nil)
	id := r.Create(Kind{Tag: KindGitFetch})
	sentinel := errors.New("boom")
	r.Spawn(context.Background(), id, func(ctx context.Context, progress func(Progress)) error {
		return fireerr.New(fireerr.Network, "fetch", sentinel)
	})
	snap := awaitTerminal(t, r, id)
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, fireerr.Network, snap.ErrCategory)
}

func TestRegistry_CancelPendingTaskNeverSpawned(t *testing.T) {
	r := New(nil, nil)
	id := r.Create(Kind{Tag: KindGitPush})
	ok := r.Cancel(id)
	assert.True(t, ok)
	snap, _ := r.Get(id)
	assert.Equal(t, StateCanceled, snap.State)
}

func TestRegistry_CancelRunningTaskStopsDriver(t *testing.T) {
	r := New(nil, nil)
	id := r.Create(Kind{Tag: KindGitClone})
	started := make(chan struct{})
	r.Spawn(context.Background(), id, func(ctx context.Context, progress func(Progress)) error {
		close(started)
		<-ctx.Done()
		return fireerr.New(fireerr.Cancel, "clone", fireerr.ErrCanceled)
	})
	<-started
	assert.True(t, r.Cancel(id))
	snap := awaitTerminal(t, r, id)
	assert.Equal(t, StateCanceled, snap.State)
}

func TestRegistry_CancelIsIdempotentOnTerminalTask(t *testing.T) {
	r := New(nil, nil)
	id := r.Create(Kind{Tag: KindGitAdd})
	r.Spawn(context.Background(), id, func(ctx context.Context, progress func(Progress)) error { return nil })
	awaitTerminal(t, r, id)
	assert.True(t, r.Cancel(id))
	assert.True(t, r.Cancel(id))
}

func TestRegistry_CancelUnknownTaskReturnsFalse(t *testing.T) {
	r := New(nil, nil)
	assert.False(t, r.Cancel(NewID()))
}

func TestRegistry_DoubleSpawnIsNoop(t *testing.T) {
	r := New(nil, nil)
	id := r.Create(Kind{Tag: KindGitCommit})
	calls := 0
	driver := func(ctx context.Context, progress func(Progress)) error {
		calls++
		return nil
	}
	r.Spawn(context.Background(), id, driver)
	r.Spawn(context.Background(), id, driver)
	awaitTerminal(t, r, id)
	assert.Equal(t, 1, calls)
}

func TestRegistry_ListReturnsIndependentClones(t *testing.T) {
	r := New(nil, nil)
	id := r.Create(Kind{Tag: KindGitInit})
	list := r.List()
	require.Len(t, list, 1)
	list[0].State = StateFailed // mutating the clone must not affect the registry
	snap, _ := r.Get(id)
	assert.Equal(t, StatePending, snap.State)
}

func TestRegistry_PublishesLifecycleEvents(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	r := New(bus, nil)
	id := r.Create(Kind{Tag: KindGitClone})
	r.Spawn(context.Background(), id, func(ctx context.Context, progress func(Progress)) error {
		progress(Progress{Phase: "p1", Percent: 10})
		return nil
	})
	awaitTerminal(t, r, id)

	var kinds []events.Kind
	deadline := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case ev := <-sub.C():
			kinds = append(kinds, ev.Kind)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	assert.Equal(t, []events.Kind{events.KindTaskStarted, events.KindTaskProgress, events.KindTaskCompleted}, kinds)
}

func TestRegistry_SpawnWorkspaceBatchAllSucceed(t *testing.T) {
	r := New(nil, nil)
	drivers := make([]Driver, 5)
	for i := range drivers {
		drivers[i] = func(ctx context.Context, progress func(Progress)) error { return nil }
	}
	parentID := r.SpawnWorkspaceBatch(context.Background(), "export_all", Kind{Tag: KindGitFetch}, drivers, 2)
	snap := awaitTerminal(t, r, parentID)
	assert.Equal(t, StateCompleted, snap.State)

	children := 0
	for _, s := range r.List() {
		if s.ParentID != nil && *s.ParentID == parentID {
			children++
			assert.Equal(t, StateCompleted, s.State)
		}
	}
	assert.Equal(t, 5, children)
}

func TestRegistry_SpawnWorkspaceBatchOneFailureFailsParent(t *testing.T) {
	r := New(nil, nil)
	drivers := []Driver{
		func(ctx context.Context, progress func(Progress)) error { return nil },
		func(ctx context.Context, progress func(Progress)) error {
			return fireerr.New(fireerr.Protocol, "fetch", errors.New("bad ref"))
		},
	}
	parentID := r.SpawnWorkspaceBatch(context.Background(), "sync_all", Kind{Tag: KindGitFetch}, drivers, 2)
	snap := awaitTerminal(t, r, parentID)
	assert.Equal(t, StateFailed, snap.State)
}

func TestRegistry_CancelWorkspaceBatchCancelsChildren(t *testing.T) {
	r := New(nil, nil)
	releases := make(chan struct{})
	drivers := make([]Driver, 3)
	for i := range drivers {
		drivers[i] = func(ctx context.Context, progress func(Progress)) error {
			select {
			case <-ctx.Done():
				return fireerr.New(fireerr.Cancel, "batch-child", fireerr.ErrCanceled)
			case <-releases:
				return nil
			}
		}
	}
	parentID := r.SpawnWorkspaceBatch(context.Background(), "cancel_all", Kind{Tag: KindGitFetch}, drivers, 3)

	// Give children a moment to start before canceling the parent.
	time.Sleep(20 * time.Millisecond)
	assert.True(t, r.Cancel(parentID))

	snap := awaitTerminal(t, r, parentID)
	assert.Equal(t, StateFailed, snap.State) // derived: not every child Completed

	for _, s := range r.List() {
		if s.ParentID != nil && *s.ParentID == parentID {
			assert.Equal(t, StateCanceled, s.State)
		}
	}
	close(releases)
}
