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
	"sync"

	"github.com/fireworks-collab/agent-core/internal/events"
	"github.com/fireworks-collab/agent-core/internal/fireerr"
)

var errBatchChildFailed = errors.New("one or more workspace batch children failed")

// SpawnWorkspaceBatch creates a WorkspaceBatch parent task plus one
// childKind task per driver, eagerly Pending and linked to the parent,
// then runs the children through a bounded worker pool (at most
// concurrency running at once). The parent's terminal state is derived
// from its children once every child finishes: Completed iff all
// children Completed, Failed otherwise. Canceling the parent cancels
// every child still running (spec.md §4.9 workspace batch semantics).
func (r *Registry) SpawnWorkspaceBatch(ctx context.Context, operation string, childKind Kind, drivers []Driver, concurrency int) ID {
	parentID := r.Create(Kind{Tag: KindWorkspaceBatch, Operation: operation, Total: len(drivers)})

	childIDs := make([]ID, len(drivers))
	for i := range drivers {
		childIDs[i] = r.createWithParent(childKind, &parentID)
	}

	r.mu.RLock()
	parentEntry := r.tasks[parentID]
	r.mu.RUnlock()

	parentEntry.mu.Lock()
	parentEntry.snap.State = StateRunning
	now := r.clock.Now()
	parentEntry.snap.StartedAt = &now
	runCtx, cancel := context.WithCancel(ctx)
	parentEntry.cancel = cancel
	parentEntry.mu.Unlock()
	r.publish(parentID, events.KindTaskStarted, events.TaskStarted{Kind: KindWorkspaceBatch.String()})

	go r.runBatch(runCtx, parentID, parentEntry, childKind, childIDs, drivers, concurrency)

	return parentID
}

func (r *Registry) runBatch(ctx context.Context, parentID ID, parent *entry, childKind Kind, childIDs []ID, drivers []Driver, concurrency int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]bool, len(drivers))

	for i, driver := range drivers {
		i, driver := i, driver
		r.mu.RLock()
		childEntry := r.tasks[childIDs[i]]
		r.mu.RUnlock()

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			childEntry.mu.Lock()
			childEntry.snap.State = StateRunning
			started := r.clock.Now()
			childEntry.snap.StartedAt = &started
			childCtx, childCancel := context.WithCancel(ctx)
			childEntry.cancel = childCancel
			childEntry.mu.Unlock()
			defer childCancel()

			r.publish(childIDs[i], events.KindTaskStarted, events.TaskStarted{Kind: childKind.String()})
			err := driver(childCtx, func(p Progress) {
				childEntry.mu.Lock()
				pc := p
				childEntry.snap.LastProgress = &pc
				childEntry.mu.Unlock()
				r.publish(childIDs[i], events.KindTaskProgress, events.TaskProgress{
					Phase: p.Phase, Percent: p.Percent, Bytes: p.Bytes, Files: p.Files,
				})
			})
			r.finish(childIDs[i], childEntry, err)
			results[i] = childEntry.snapshot().State == StateCompleted
		}()
	}
	wg.Wait()

	allOK := true
	for _, ok := range results {
		if !ok {
			allOK = false
			break
		}
	}

	var finishErr error
	if !allOK {
		finishErr = fireerr.New(fireerr.Internal, "workspace_batch", errBatchChildFailed)
	}
	r.finish(parentID, parent, finishErr)
}
