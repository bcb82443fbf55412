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

// Package workspace is the TTL-cached multi-repository status service
// of spec.md §4.10: it tracks a flat registry of local repository
// paths, computes ahead/behind/dirty status for each on a bounded
// worker pool, caches the result for a configurable TTL, and answers
// filtered/sorted queries over the cache.
package workspace

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// SyncState is the derived relationship between a repo's HEAD and its
// upstream tracking branch, per spec.md §4.10.
type SyncState string

const (
	SyncClean     SyncState = "Clean"
	SyncAhead     SyncState = "Ahead"
	SyncBehind    SyncState = "Behind"
	SyncDiverged  SyncState = "Diverged"
	SyncDetached  SyncState = "Detached"
	SyncUnknown   SyncState = "Unknown"
)

// Repo is one registered repository.
type Repo struct {
	ID       string
	Path     string
	Name     string
	Tags     []string
	Disabled bool
}

// Flags are the working-tree status flags used for `has_local_changes`
// filtering and the per-repo report.
type Flags struct {
	Staged    bool
	Unstaged  bool
	Untracked bool
	Conflicts bool
}

func (f Flags) hasLocalChanges() bool {
	return f.Staged || f.Unstaged || f.Untracked || f.Conflicts
}

// Status is one repository's computed state.
type Status struct {
	RepoID        string
	Name          string
	Branch        string
	Upstream      string
	Ahead         int
	Behind        int
	SyncState     SyncState
	Flags         Flags
	LastCommitSHA string
	ComputedAtMs  int64
	Err           string
}

type cacheEntry struct {
	status     Status
	computedAt time.Time
}

// Clock abstracts wall-clock reads so tests can control TTL expiry
// deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real-time Clock used in production.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Service owns the repo registry and the status cache.
type Service struct {
	mu    sync.RWMutex
	repos map[string]Repo
	cache map[string]cacheEntry

	ttl   time.Duration
	clock Clock
}

// New builds a Service whose cached entries expire after ttl.
func New(ttl time.Duration, clock Clock) *Service {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Service{
		repos: map[string]Repo{},
		cache: map[string]cacheEntry{},
		ttl:   ttl,
		clock: clock,
	}
}

// RegisterRepo adds or replaces a repo in the registry.
func (s *Service) RegisterRepo(r Repo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[r.ID] = r
}

// RemoveRepo drops a repo from the registry and its cached status.
func (s *Service) RemoveRepo(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repos, id)
	delete(s.cache, id)
}

// Query selects, computes, filters, and sorts repository status, per
// the five numbered steps of spec.md §4.10.
type Query struct {
	IDs             []string
	IncludeDisabled bool
	ForceRefresh    bool
	Concurrency     int

	BranchSubstr     string
	NameSubstr       string
	RequiredTags     []string
	HasLocalChanges  *bool
	SyncStates       map[SyncState]bool

	SortField string // "name", "branch", "ahead", "behind", "repo_id"
	SortDesc  bool
}

// Summary reports per-state counts and the ids that failed to compute.
type Summary struct {
	Total      int
	ByState    map[SyncState]int
	ErroredIDs []string
}

// Result is the response to a Query.
type Result struct {
	Items   []Status
	Summary Summary
}

// Query runs the select→partition→compute→filter→sort pipeline.
func (s *Service) Query(ctx context.Context, q Query) (Result, error) {
	selected := s.selectRepos(q)

	hit, miss := s.partition(selected, q.ForceRefresh)

	computed, errored := s.computeMissing(ctx, miss, q.Concurrency)

	all := make([]Status, 0, len(hit)+len(computed))
	all = append(all, hit...)
	all = append(all, computed...)

	filtered := filterStatuses(all, q, s.tagsByID())
	sortStatuses(filtered, q.SortField, q.SortDesc)

	return Result{Items: filtered, Summary: summarize(all, errored)}, nil
}

func (s *Service) selectRepos(q Query) []Repo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var want map[string]bool
	if len(q.IDs) > 0 {
		want = make(map[string]bool, len(q.IDs))
		for _, id := range q.IDs {
			want[id] = true
		}
	}

	out := make([]Repo, 0, len(s.repos))
	for id, r := range s.repos {
		if want != nil && !want[id] {
			continue
		}
		if r.Disabled && !q.IncludeDisabled {
			continue
		}
		out = append(out, r)
	}
	return out
}

// partition splits selected repos into cache hits and misses. A
// repo is a miss when forceRefresh is set, nothing is cached yet, or
// the cached entry has outlived the TTL.
func (s *Service) partition(selected []Repo, forceRefresh bool) (hits []Status, misses []Repo) {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range selected {
		entry, ok := s.cache[r.ID]
		if !forceRefresh && ok && now.Sub(entry.computedAt) < s.ttl {
			hits = append(hits, entry.status)
			continue
		}
		misses = append(misses, r)
	}
	return hits, misses
}

// computeMissing runs computeOne over misses on a bounded worker pool,
// per spec.md §4.10 step 3 ("bounded thread pool, concurrency>=1").
func (s *Service) computeMissing(ctx context.Context, misses []Repo, concurrency int) (computed []Status, errored []string) {
	if concurrency < 1 {
		concurrency = 4
	}
	if len(misses) == 0 {
		return nil, nil
	}

	results := make([]Status, len(misses))
	g, gctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)

	for i, r := range misses {
		i, r := i, r
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return nil
			}
			defer func() { <-sem }()
			results[i] = computeOne(r)
			return nil
		})
	}
	_ = g.Wait()

	now := s.clock.Now()
	s.mu.Lock()
	for _, st := range results {
		s.cache[st.RepoID] = cacheEntry{status: st, computedAt: now}
		if st.Err != "" {
			errored = append(errored, st.RepoID)
		}
	}
	s.mu.Unlock()

	return results, errored
}

// computeOne opens the repository, reads HEAD and its upstream, walks
// the commit graph for ahead/behind, and collects dirty-tree flags.
// Grounded on the teacher's GetBranchStatus in internal/git/status.go,
// generalized from "one remote branch" to "whatever HEAD currently
// tracks" and extended with the dirty/ahead/behind detail spec.md
// §4.10 asks for.
func computeOne(r Repo) Status {
	st := Status{RepoID: r.ID, Name: r.Name, ComputedAtMs: time.Now().UnixMilli()}

	repo, err := openRepo(r.Path)
	if err != nil {
		st.Err = err.Error()
		st.SyncState = SyncUnknown
		return st
	}

	head, err := repo.Head()
	if err != nil {
		st.Err = err.Error()
		st.SyncState = SyncUnknown
		return st
	}
	st.LastCommitSHA = head.Hash().String()

	if !head.Name().IsBranch() {
		st.SyncState = SyncDetached
		applyFlags(repo, &st)
		return st
	}
	branch := head.Name().Short()
	st.Branch = branch

	upstreamRef, err := repo.Reference(plumbing.NewRemoteReferenceName("origin", branch), true)
	if err != nil {
		st.SyncState = SyncUnknown
		applyFlags(repo, &st)
		return st
	}
	st.Upstream = "origin/" + branch

	ahead, behind, err := aheadBehind(repo, head.Hash(), upstreamRef.Hash())
	if err != nil {
		st.Err = err.Error()
		st.SyncState = SyncUnknown
		applyFlags(repo, &st)
		return st
	}
	st.Ahead, st.Behind = ahead, behind
	st.SyncState = deriveSyncState(ahead, behind)

	applyFlags(repo, &st)
	return st
}

// openRepo opens a repository through an explicit go-billy filesystem
// rather than git.PlainOpen, so the status scan never assumes a
// particular on-disk layout (a worktree-less bare clone and a normal
// working copy both resolve the same way). The .git subdirectory is
// opened lazily so a bare repository at the given path works too.
func openRepo(path string) (*git.Repository, error) {
	wt := osfs.New(path)
	if _, err := wt.Stat(".git"); err != nil {
		// No .git subdirectory: treat path itself as a bare repository.
		storer := filesystem.NewStorage(wt, cache.NewObjectLRUDefault())
		return git.Open(storer, nil)
	}
	dot, err := wt.Chroot(".git")
	if err != nil {
		return nil, err
	}
	storer := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())
	return git.Open(storer, wt)
}

func deriveSyncState(ahead, behind int) SyncState {
	switch {
	case ahead == 0 && behind == 0:
		return SyncClean
	case ahead > 0 && behind == 0:
		return SyncAhead
	case ahead == 0 && behind > 0:
		return SyncBehind
	default:
		return SyncDiverged
	}
}

// aheadBehindWalkLimit bounds the commit-graph walk so a repo with an
// enormous unrelated history cannot hang a query.
const aheadBehindWalkLimit = 5000

// aheadBehind counts commits reachable from local but not remote
// (ahead) and vice versa (behind). It collects up to
// aheadBehindWalkLimit ancestors of each side and counts the set
// differences, so the counts are approximate when either history is
// longer than the limit.
func aheadBehind(repo *git.Repository, local, remote plumbing.Hash) (ahead, behind int, err error) {
	if local == remote {
		return 0, 0, nil
	}

	localSet, err := ancestorSet(repo, local, aheadBehindWalkLimit)
	if err != nil {
		return 0, 0, err
	}
	remoteSet, err := ancestorSet(repo, remote, aheadBehindWalkLimit)
	if err != nil {
		return 0, 0, err
	}

	for h := range localSet {
		if !remoteSet[h] {
			ahead++
		}
	}
	for h := range remoteSet {
		if !localSet[h] {
			behind++
		}
	}
	return ahead, behind, nil
}

func ancestorSet(repo *git.Repository, from plumbing.Hash, limit int) (map[plumbing.Hash]bool, error) {
	set := map[plumbing.Hash]bool{}
	commit, err := repo.CommitObject(from)
	if err != nil {
		return nil, err
	}
	iter := object.NewCommitPreorderIter(commit, nil, nil)
	defer iter.Close()

	for len(set) < limit {
		c, err := iter.Next()
		if err != nil {
			break
		}
		set[c.Hash] = true
	}
	return set, nil
}

// applyFlags fills in the working-tree dirty flags; it is best-effort
// and leaves Flags zero-valued (all false) on any worktree error, e.g.
// for bare repositories.
func applyFlags(repo *git.Repository, st *Status) {
	wt, err := repo.Worktree()
	if err != nil {
		return
	}
	status, err := wt.Status()
	if err != nil {
		st.Err = err.Error()
		return
	}
	for _, fs := range status {
		if fs.Staging == git.UpdatedButUnmerged || fs.Worktree == git.UpdatedButUnmerged {
			st.Flags.Conflicts = true
			continue
		}
		if fs.Staging != git.Unmodified {
			st.Flags.Staged = true
		}
		switch fs.Worktree {
		case git.Untracked:
			st.Flags.Untracked = true
		case git.Unmodified:
		default:
			st.Flags.Unstaged = true
		}
	}
}

func (s *Service) tagsByID() map[string][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]string, len(s.repos))
	for id, r := range s.repos {
		out[id] = r.Tags
	}
	return out
}

func filterStatuses(all []Status, q Query, tagsByID map[string][]string) []Status {
	out := make([]Status, 0, len(all))
	for _, st := range all {
		if q.BranchSubstr != "" && !strings.Contains(st.Branch, q.BranchSubstr) {
			continue
		}
		if q.NameSubstr != "" && !strings.Contains(st.Name, q.NameSubstr) {
			continue
		}
		if len(q.RequiredTags) > 0 && !hasAllTags(tagsByID[st.RepoID], q.RequiredTags) {
			continue
		}
		if q.HasLocalChanges != nil && st.Flags.hasLocalChanges() != *q.HasLocalChanges {
			continue
		}
		if len(q.SyncStates) > 0 && !q.SyncStates[st.SyncState] {
			continue
		}
		out = append(out, st)
	}
	return out
}

func hasAllTags(tags []string, required []string) bool {
	have := make(map[string]bool, len(tags))
	for _, t := range tags {
		have[t] = true
	}
	for _, req := range required {
		if !have[req] {
			return false
		}
	}
	return true
}

func sortStatuses(items []Status, field string, desc bool) {
	less := func(i, j int) bool {
		a, b := items[i], items[j]
		switch field {
		case "branch":
			return a.Branch < b.Branch
		case "ahead":
			return a.Ahead < b.Ahead
		case "behind":
			return a.Behind < b.Behind
		case "repo_id":
			return a.RepoID < b.RepoID
		default:
			return a.Name < b.Name
		}
	}
	if desc {
		orig := less
		less = func(i, j int) bool { return orig(j, i) }
	}
	sort.SliceStable(items, less)
}

func summarize(all []Status, errored []string) Summary {
	byState := map[SyncState]int{}
	for _, st := range all {
		byState[st.SyncState]++
	}
	return Summary{Total: len(all), ByState: byState, ErroredIDs: errored}
}
