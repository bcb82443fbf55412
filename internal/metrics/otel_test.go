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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitOTLPExporter(t *testing.T) {
	reg := NewRegistry(SystemClock{})
	ctx := context.Background()

	o, shutdown, err := reg.InitOTLPExporter(ctx)
	require.NoError(t, err)
	require.NotNil(t, o)
	defer func() { assert.NoError(t, shutdown(ctx)) }()

	assert.NotNil(t, o.TasksStarted)
	assert.NotNil(t, o.TasksCompleted)
	assert.NotNil(t, o.IPPoolProbesTotal)
	assert.NotNil(t, o.TransportFallbackTotal)

	assert.NotPanics(t, func() {
		o.TasksStarted.Add(ctx, 1)
		o.TasksCompleted.Add(ctx, 1)
	})
}

func TestInitOTLPExporter_FreshRegistryDoesNotCollide(t *testing.T) {
	reg := NewRegistry(SystemClock{})
	ctx := context.Background()

	_, shutdown1, err := reg.InitOTLPExporter(ctx)
	require.NoError(t, err)
	require.NoError(t, shutdown1(ctx))

	// A fresh registry must not collide with the first's Prometheus
	// registration under the same collector name.
	reg2 := NewRegistry(SystemClock{})
	_, shutdown2, err := reg2.InitOTLPExporter(ctx)
	require.NoError(t, err)
	require.NoError(t, shutdown2(ctx))
}
