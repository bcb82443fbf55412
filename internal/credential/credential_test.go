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

package credential

import (
	"context"
	"testing"

	gittransporthttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPBasic_RejectsEmptyFields(t *testing.T) {
	_, err := HTTPBasic("", "pw")
	assert.Error(t, err)
	_, err = HTTPBasic("user", "")
	assert.Error(t, err)
}

func TestHTTPBasic_Success(t *testing.T) {
	auth, err := HTTPBasic("user", "pw")
	require.NoError(t, err)
	basic, ok := auth.(*gittransporthttp.BasicAuth)
	require.True(t, ok)
	assert.Equal(t, "user", basic.Username)
	assert.Equal(t, "pw", basic.Password)
}

func TestSSHPublicKey_RejectsEmptyKey(t *testing.T) {
	_, err := SSHPublicKey(logr.Discard(), "", "", "")
	assert.Error(t, err)
}

func TestWithTokenRoundTrip(t *testing.T) {
	ctx := WithToken(context.Background(), "sometoken")
	tok, ok := TokenFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "sometoken", tok)
}

func TestTokenFromContext_Absent(t *testing.T) {
	_, ok := TokenFromContext(context.Background())
	assert.False(t, ok)
}
