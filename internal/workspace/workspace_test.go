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

package workspace

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(dir+"/a.txt", []byte("one"), 0o644))
	_, err = wt.Add("a.txt")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@example.com", When: time.Unix(0, 0)},
	})
	require.NoError(t, err)
	return dir
}

func TestService_QueryComputesCleanRepoWithNoUpstream(t *testing.T) {
	dir := newTestRepo(t)
	svc := New(time.Minute, &fakeClock{now: time.Now()})
	svc.RegisterRepo(Repo{ID: "r1", Path: dir, Name: "repo-one"})

	res, err := svc.Query(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, SyncUnknown, res.Items[0].SyncState)
	assert.Empty(t, res.Items[0].Err)
}

func TestService_QueryCachesWithinTTL(t *testing.T) {
	dir := newTestRepo(t)
	clock := &fakeClock{now: time.Now()}
	svc := New(time.Hour, clock)
	svc.RegisterRepo(Repo{ID: "r1", Path: dir, Name: "repo-one"})

	res1, err := svc.Query(context.Background(), Query{})
	require.NoError(t, err)
	first := res1.Items[0].ComputedAtMs

	clock.now = clock.now.Add(time.Minute)
	res2, err := svc.Query(context.Background(), Query{})
	require.NoError(t, err)
	assert.Equal(t, first, res2.Items[0].ComputedAtMs)
}

func TestService_ForceRefreshBypassesCache(t *testing.T) {
	dir := newTestRepo(t)
	clock := &fakeClock{now: time.Now()}
	svc := New(time.Hour, clock)
	svc.RegisterRepo(Repo{ID: "r1", Path: dir, Name: "repo-one"})

	_, err := svc.Query(context.Background(), Query{})
	require.NoError(t, err)

	res, err := svc.Query(context.Background(), Query{ForceRefresh: true})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
}

func TestService_DisabledReposExcludedByDefault(t *testing.T) {
	dir := newTestRepo(t)
	svc := New(time.Minute, &fakeClock{now: time.Now()})
	svc.RegisterRepo(Repo{ID: "r1", Path: dir, Name: "repo-one", Disabled: true})

	res, err := svc.Query(context.Background(), Query{})
	require.NoError(t, err)
	assert.Empty(t, res.Items)

	res, err = svc.Query(context.Background(), Query{IncludeDisabled: true})
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)
}

func TestService_QueryFiltersByNameSubstring(t *testing.T) {
	dir := newTestRepo(t)
	svc := New(time.Minute, &fakeClock{now: time.Now()})
	svc.RegisterRepo(Repo{ID: "r1", Path: dir, Name: "alpha"})
	svc.RegisterRepo(Repo{ID: "r2", Path: dir, Name: "beta"})

	res, err := svc.Query(context.Background(), Query{NameSubstr: "alp"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "alpha", res.Items[0].Name)
}

func TestService_QueryErrorsNonexistentRepoButKeepsOthers(t *testing.T) {
	dir := newTestRepo(t)
	svc := New(time.Minute, &fakeClock{now: time.Now()})
	svc.RegisterRepo(Repo{ID: "r1", Path: dir, Name: "good"})
	svc.RegisterRepo(Repo{ID: "r2", Path: "/nonexistent/path", Name: "bad"})

	res, err := svc.Query(context.Background(), Query{})
	require.NoError(t, err)
	assert.Contains(t, res.Summary.ErroredIDs, "r2")
	assert.Equal(t, 2, res.Summary.Total)
}

func TestDeriveSyncState(t *testing.T) {
	assert.Equal(t, SyncClean, deriveSyncState(0, 0))
	assert.Equal(t, SyncAhead, deriveSyncState(2, 0))
	assert.Equal(t, SyncBehind, deriveSyncState(0, 3))
	assert.Equal(t, SyncDiverged, deriveSyncState(1, 1))
}

func TestSortStatuses_ByAheadDescending(t *testing.T) {
	items := []Status{{Name: "a", Ahead: 1}, {Name: "b", Ahead: 5}, {Name: "c", Ahead: 3}}
	sortStatuses(items, "ahead", true)
	assert.Equal(t, []int{5, 3, 1}, []int{items[0].Ahead, items[1].Ahead, items[2].Ahead})
}
