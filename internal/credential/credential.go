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

// Package credential resolves go-git transport.AuthMethod values for both
// HTTP(S) and SSH remotes, and exposes a thread-local-style slot the
// custom HTTPS smart subtransport reads its Authorization header from
// (spec.md §4.7 "a thread-local credential slot").
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-git/v5/plumbing/transport"
	gittransporthttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-logr/logr"
	"github.com/skeema/knownhosts"
	gossh "golang.org/x/crypto/ssh"
)

// HTTPBasic builds an HTTP basic-auth transport.AuthMethod; grounded on
// the teacher's GetHTTPAuthMethod.
func HTTPBasic(username, password string) (transport.AuthMethod, error) {
	if username == "" {
		return nil, errors.New("credential: username cannot be empty")
	}
	if password == "" {
		return nil, errors.New("credential: password cannot be empty")
	}
	return &gittransporthttp.BasicAuth{Username: username, Password: password}, nil
}

// SSHPublicKey builds an SSH public-key transport.AuthMethod from a PEM
// private key, verifying the host key against knownHosts when supplied.
// With an empty knownHosts, host key verification is disabled and a
// warning is logged — grounded on the teacher's GetAuthMethod/
// setupKnownHostsCallback pair, generalized from skeema/knownhosts'
// callback construction (used elsewhere in the pack) instead of writing
// a temp file for go-git's own NewKnownHostsCallback.
func SSHPublicKey(log logr.Logger, privateKey, passphrase, knownHostsPath string) (transport.AuthMethod, error) {
	if privateKey == "" {
		return nil, errors.New("credential: private key cannot be empty")
	}

	auth, err := ssh.NewPublicKeys("git", []byte(privateKey), passphrase)
	if err != nil {
		return nil, fmt.Errorf("credential: creating SSH public key auth: %w", err)
	}

	if knownHostsPath == "" {
		log.Info("no known_hosts configured, using insecure SSH host key verification")
		//nolint:gosec // explicit opt-out path, matching teacher precedent
		auth.HostKeyCallback = gossh.InsecureIgnoreHostKey()
		return auth, nil
	}

	callback, err := knownHostsCallback(knownHostsPath)
	if err != nil {
		log.Error(err, "failed to load known_hosts, falling back to insecure verification", "path", knownHostsPath)
		//nolint:gosec // explicit fallback path, matching teacher precedent
		auth.HostKeyCallback = gossh.InsecureIgnoreHostKey()
		return auth, nil
	}
	auth.HostKeyCallback = callback
	return auth, nil
}

func knownHostsCallback(path string) (gossh.HostKeyCallback, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat known_hosts: %w", err)
	}
	khDB, err := knownhosts.NewDB(path)
	if err != nil {
		return nil, fmt.Errorf("parsing known_hosts: %w", err)
	}
	return khDB.HostKeyCallback(), nil
}

type slotKey struct{}

// WithToken returns a derived context carrying tok, retrievable by the
// custom subtransport via TokenFromContext. This stands in for the
// spec's thread-local credential slot: Go has no thread-locals, so a
// per-request context value serves the same purpose without leaking
// across concurrent requests the way a goroutine-indexed global would.
func WithToken(ctx context.Context, tok string) context.Context {
	return context.WithValue(ctx, slotKey{}, tok)
}

// TokenFromContext returns the bearer/basic token stashed by WithToken,
// if any, for injection into a receive-pack Authorization header.
func TokenFromContext(ctx context.Context) (string, bool) {
	tok, ok := ctx.Value(slotKey{}).(string)
	return tok, ok && tok != ""
}
