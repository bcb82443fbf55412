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
	"context"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/fireworks-collab/agent-core/internal/fireerr"
	"github.com/fireworks-collab/agent-core/internal/tasks"
)

// CloneOptions configures Clone; grounded on the teacher's
// ensureRemoteOrigin/CheckRepo pairing in internal/git/git.go.
type CloneOptions struct {
	URL      string
	Dir      string
	Auth     transport.AuthMethod
	Depth    int
	Branch   plumbing.ReferenceName
	Strategy Strategy
}

// Clone fetches URL into Dir and checks out Branch (or the remote's
// default when empty). It reports Negotiating/Receiving/Resolving/
// Checkout/Completed progress and is cancellation-aware via ctx.
func Clone(opts CloneOptions) tasks.Driver {
	return func(ctx context.Context, progress func(tasks.Progress)) error {
		pw := newProgressWriter(progress)
		cloneOpts := &git.CloneOptions{
			URL:           opts.URL,
			Auth:          opts.Auth,
			Progress:      pw,
			Depth:         opts.Depth,
			ReferenceName: opts.Branch,
			SingleBranch:  opts.Branch != "",
		}
		_, err := git.PlainCloneContext(ctx, opts.Dir, false, cloneOpts)
		if err != nil {
			return classifyGitError(ctx, err, "clone")
		}
		progress(tasks.Progress{Phase: PhaseCompleted, Percent: 100})
		return nil
	}
}

// FetchOptions configures Fetch, adapted from SmartFetch's ref
// selection without its fallback to the remote's default branch.
type FetchOptions struct {
	RepoPath string
	Auth     transport.AuthMethod
	Target   plumbing.ReferenceName
	Depth    int
}

// Fetch downloads refs for an already-cloned repository at RepoPath:
// only Target when it is set, every remote branch otherwise (see
// buildFetchRefSpecs). A Target the remote does not have is not
// replaced by the remote's default branch. Unlike the teacher's
// SmartFetch it opens the repository by path itself.
func Fetch(opts FetchOptions) tasks.Driver {
	return func(ctx context.Context, progress func(tasks.Progress)) error {
		repo, err := git.PlainOpen(opts.RepoPath)
		if err != nil {
			return fireerr.New(fireerr.Internal, "fetch:open", err)
		}
		progress(tasks.Progress{Phase: PhaseNegotiating, Percent: 0})

		pw := newProgressWriter(progress)
		remote, err := repo.Remote("origin")
		if err != nil {
			return fireerr.New(fireerr.Internal, "fetch:remote", err)
		}

		refSpecs := buildFetchRefSpecs(opts.Target)
		err = remote.FetchContext(ctx, &git.FetchOptions{
			Auth:     opts.Auth,
			RefSpecs: refSpecs,
			Depth:    opts.Depth,
			Force:    true,
			Progress: pw,
		})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			return classifyGitError(ctx, err, "fetch")
		}
		progress(tasks.Progress{Phase: PhaseCompleted, Percent: 100})
		return nil
	}
}

func buildFetchRefSpecs(target plumbing.ReferenceName) []config.RefSpec {
	if target == "" {
		return []config.RefSpec{"+refs/heads/*:refs/remotes/origin/*"}
	}
	return []config.RefSpec{config.RefSpec("+" + target.String() + ":refs/remotes/origin/" + target.Short())}
}

// PushOptions configures Push, adapted from PushAtomic's
// session/packfile/revlist sequence (the low-level plumbing now lives
// behind go-git's own Repository.PushContext; this driver supplies the
// progress/cancellation/error-classification contract around it).
type PushOptions struct {
	RepoPath string
	Auth     transport.AuthMethod
	RefSpecs []string
	Force    bool
}

// Push uploads local refs to the remote through go-git's PushContext.
// The push is not requested as atomic, so when the server rejects one
// ref update, other refs in the same push may still have been updated.
func Push(opts PushOptions) tasks.Driver {
	return func(ctx context.Context, progress func(tasks.Progress)) error {
		repo, err := git.PlainOpen(opts.RepoPath)
		if err != nil {
			return fireerr.New(fireerr.Internal, "push:open", err)
		}
		progress(tasks.Progress{Phase: PhaseNegotiating, Percent: 0})

		specs := make([]config.RefSpec, 0, len(opts.RefSpecs))
		for _, s := range opts.RefSpecs {
			specs = append(specs, config.RefSpec(s))
		}

		pw := newProgressWriter(progress)
		err = repo.PushContext(ctx, &git.PushOptions{
			Auth:     opts.Auth,
			RefSpecs: specs,
			Force:    opts.Force,
			Progress: pw,
		})
		if err != nil && err != git.NoErrAlreadyUpToDate {
			return classifyGitError(ctx, err, "push")
		}
		progress(tasks.Progress{Phase: PhaseCompleted, Percent: 100})
		return nil
	}
}

// Init creates a new repository at Dir (bare or with a worktree).
func Init(dir string, bare bool) tasks.Driver {
	return func(ctx context.Context, progress func(tasks.Progress)) error {
		if _, err := git.PlainInit(dir, bare); err != nil {
			return fireerr.New(fireerr.Internal, "init", err)
		}
		progress(tasks.Progress{Phase: PhaseCompleted, Percent: 100})
		return nil
	}
}

// Add stages paths (or everything, when paths is empty) in RepoPath's
// worktree.
func Add(repoPath string, paths []string) tasks.Driver {
	return func(ctx context.Context, progress func(tasks.Progress)) error {
		repo, err := git.PlainOpen(repoPath)
		if err != nil {
			return fireerr.New(fireerr.Internal, "add:open", err)
		}
		wt, err := repo.Worktree()
		if err != nil {
			return fireerr.New(fireerr.Internal, "add:worktree", err)
		}

		if len(paths) == 0 {
			if _, err := wt.Add("."); err != nil {
				return fireerr.New(fireerr.Internal, "add", err)
			}
		} else {
			for i, p := range paths {
				if err := checkCanceled(ctx); err != nil {
					return err
				}
				if _, err := wt.Add(p); err != nil {
					return fireerr.New(fireerr.Internal, "add", err)
				}
				progress(tasks.Progress{Phase: PhaseReceiving, Percent: (i + 1) * 100 / len(paths)})
			}
		}
		progress(tasks.Progress{Phase: PhaseCompleted, Percent: 100})
		return nil
	}
}

// CommitOptions configures Commit.
type CommitOptions struct {
	RepoPath    string
	Message     string
	AuthorName  string
	AuthorEmail string
	When        time.Time
}

// Commit records the current index as a new commit.
func Commit(opts CommitOptions) tasks.Driver {
	return func(ctx context.Context, progress func(tasks.Progress)) error {
		repo, err := git.PlainOpen(opts.RepoPath)
		if err != nil {
			return fireerr.New(fireerr.Internal, "commit:open", err)
		}
		wt, err := repo.Worktree()
		if err != nil {
			return fireerr.New(fireerr.Internal, "commit:worktree", err)
		}
		when := opts.When
		if when.IsZero() {
			when = time.Now()
		}
		_, err = wt.Commit(opts.Message, &git.CommitOptions{
			Author: &object.Signature{Name: opts.AuthorName, Email: opts.AuthorEmail, When: when},
		})
		if err != nil {
			return fireerr.New(fireerr.Internal, "commit", err)
		}
		progress(tasks.Progress{Phase: PhaseCompleted, Percent: 100})
		return nil
	}
}

func checkCanceled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fireerr.New(fireerr.Cancel, "canceled", fireerr.ErrCanceled)
	default:
		return nil
	}
}

// classifyGitError maps a go-git error to the spec's error taxonomy;
// a context cancellation always wins so a canceled driver reports
// Canceled rather than whatever transport error the cancellation
// produced underneath.
func classifyGitError(ctx context.Context, err error, op string) error {
	if ctx.Err() != nil {
		return fireerr.New(fireerr.Cancel, op, fireerr.ErrCanceled)
	}
	switch err {
	case transport.ErrAuthenticationRequired, transport.ErrAuthorizationFailed:
		return fireerr.New(fireerr.Auth, op, err)
	case transport.ErrRepositoryNotFound, transport.ErrEmptyRemoteRepository:
		return fireerr.New(fireerr.Protocol, op, err)
	}
	return fireerr.New(fireerr.Network, op, err)
}
