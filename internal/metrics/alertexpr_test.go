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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExpr_NumberComparison(t *testing.T) {
	cmp, err := ParseExpr("5 > 3")
	require.NoError(t, err)
	assert.Equal(t, ExprNumber, cmp.Lhs.Kind)
	assert.Equal(t, 5.0, cmp.Lhs.Number)
	assert.Equal(t, CmpGT, cmp.Comparator)
	assert.Equal(t, 3.0, cmp.Rhs.Number)
}

func TestParseExpr_PercentAndMsSuffix(t *testing.T) {
	cmp, err := ParseExpr("30% >= 250ms")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, cmp.Lhs.Number, 1e-9)
	assert.Equal(t, CmpGE, cmp.Comparator)
	assert.Equal(t, 250.0, cmp.Rhs.Number)
}

func TestParseExpr_MetricWithQuantileAndLabels(t *testing.T) {
	cmp, err := ParseExpr(`git_push_duration_ms[p99]{kind="GitPush"} > 5000`)
	require.NoError(t, err)
	require.Equal(t, ExprMetric, cmp.Lhs.Kind)
	assert.Equal(t, "git_push_duration_ms", cmp.Lhs.MetricName)
	require.NotNil(t, cmp.Lhs.Quantile)
	assert.InDelta(t, 0.99, *cmp.Lhs.Quantile, 1e-9)
	assert.Equal(t, map[string]string{"kind": "GitPush"}, cmp.Lhs.Labels)
}

func TestParseExpr_BareFractionQuantile(t *testing.T) {
	cmp, err := ParseExpr("git_push_duration_ms[0.5] < 1000")
	require.NoError(t, err)
	require.NotNil(t, cmp.Lhs.Quantile)
	assert.InDelta(t, 0.5, *cmp.Lhs.Quantile, 1e-9)
}

func TestParseExpr_Divide(t *testing.T) {
	cmp, err := ParseExpr(`git_tasks_total{kind="X",state="failed"}/git_tasks_total{kind="X"} > 0.3`)
	require.NoError(t, err)
	require.Equal(t, ExprDivide, cmp.Lhs.Kind)
	assert.Equal(t, "git_tasks_total", cmp.Lhs.Lhs.MetricName)
	assert.Equal(t, "git_tasks_total", cmp.Lhs.Rhs.MetricName)
	assert.Equal(t, 0.3, cmp.Rhs.Number)
}

func TestParseExpr_InvalidMissingComparator(t *testing.T) {
	_, err := ParseExpr("git_tasks_total 5")
	assert.Error(t, err)
}

func TestParseExpr_UnterminatedLabelFilter(t *testing.T) {
	_, err := ParseExpr("git_tasks_total{kind=X > 5")
	assert.Error(t, err)
}

func TestParseExpr_TrailingGarbage(t *testing.T) {
	_, err := ParseExpr("5 > 3 extra")
	assert.Error(t, err)
}
