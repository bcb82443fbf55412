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

package soak

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/fireworks-collab/agent-core/internal/events"
	"github.com/fireworks-collab/agent-core/internal/tasks"
)

var _ = Describe("Runner", func() {
	var (
		ctx  context.Context
		base string
		bus  *events.Bus
		reg  *tasks.Registry
	)

	BeforeEach(func() {
		ctx = context.Background()
		base = GinkgoT().TempDir()
		bus = events.New()
		reg = tasks.New(bus, nil)
	})

	It("drives every iteration through clone, commit and push", func() {
		runner := New(Options{Iterations: 3, BaseDir: base}, bus, reg)

		report, err := runner.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(report.Iterations).To(Equal(3))
		Expect(report.Operations["clone"].Completed).To(Equal(3))
		Expect(report.Operations["commit"].Completed).To(Equal(3))
		Expect(report.Operations["push"].Completed).To(Equal(3))
		Expect(report.Totals.SuccessRate).To(BeNumerically("==", 1.0))
	})

	It("writes a report a later run can compare itself against", func() {
		baselineRunner := New(Options{Iterations: 2, BaseDir: base}, bus, reg)
		baseline, err := baselineRunner.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		baselinePath := filepath.Join(base, "baseline.json")
		Expect(WriteReport(baselinePath, baseline)).To(Succeed())

		reg2 := tasks.New(events.New(), nil)
		compareRunner := New(Options{Iterations: 2, BaseDir: base, BaselineReportPath: baselinePath}, events.New(), reg2)
		current, err := compareRunner.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(current.Comparison).NotTo(BeNil())
		Expect(current.Comparison.Passed).To(BeTrue())

		data, err := os.ReadFile(baselinePath)
		Expect(err).NotTo(HaveOccurred())
		var reloaded Report
		Expect(json.Unmarshal(data, &reloaded)).To(Succeed())
		Expect(reloaded.Iterations).To(Equal(2))
	})
})
