/*
Copyright 2024 The Kubernetes authors.

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

package integration

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"example.com/availmon/internal/records"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Availability report", Ordered, func() {
	var (
		apiAddr string
		now     time.Time
	)

	BeforeAll(func() {
		dir := GinkgoT().TempDir()
		now = time.Now().UTC().Truncate(time.Second)
		ago := func(m int) time.Time { return now.Add(-time.Duration(m) * time.Minute) }

		// api:  up 30m ago, down 20m ago, up 10m ago -> one 10 minute incident.
		// db:   up since 30m ago.
		dsn := seedDatabase(dir, []records.Sample{
			{ComponentID: "api", Timestamp: ago(30), Status: records.Up},
			{ComponentID: "api", Timestamp: ago(20), Status: records.Down},
			{ComponentID: "api", Timestamp: ago(10), Status: records.Up},
			{ComponentID: "db", Timestamp: ago(30), Status: records.Up},
		})
		metadataPath := writeMetadata(dir, `
components:
- id: api
  name: Public API
  organization: platform
  product: checkout
`)
		apiAddr = startManager(ctx, dsn, metadataPath)
	})

	It("should publish the rollup", func() {
		var report records.Report
		Eventually(func(g Gomega) {
			code, body, err := fetch(apiAddr, "/report")
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(code).To(Equal(http.StatusOK))
			g.Expect(json.Unmarshal([]byte(body), &report)).To(Succeed())
		}, "5s", "100ms").Should(Succeed())

		Expect(report.PassID).NotTo(BeEmpty())
		Expect(report.Rollup.TotalIncidents).To(Equal(1))
		Expect(report.Rollup.MTTRMinutesMean).To(Equal(10.0))
		Expect(report.Rollup.TopUnstable[0].ComponentID).To(Equal("api"))
		Expect(report.Components).To(HaveKey("db"))
		Expect(report.RecordingMinutes).To(BeNumerically(">=", 30.0))
	})

	It("should attach component metadata", func() {
		code, body, err := fetch(apiAddr, "/components/api")
		Expect(err).NotTo(HaveOccurred())
		Expect(code).To(Equal(http.StatusOK))

		var cr records.ComponentReport
		Expect(json.Unmarshal([]byte(body), &cr)).To(Succeed())
		Expect(cr.Name).To(Equal("Public API"))
		Expect(cr.Metrics.IncidentsCount).To(Equal(1))
		Expect(cr.AvailabilityDifference).To(Equal(1))
	})

	It("should publish rollup metrics", func() {
		Eventually(func() (string, error) {
			return fetchMetrics(apiAddr)
		}, "5s", "500ms").Should(MatchRegexp(
			regexp.QuoteMeta(expectedMetricPrefix+"_rollup_incident_count") + `\{[^}]*\} 1\n`,
		))
	})

	It("should include ingested samples in a later pass", func() {
		resp, err := http.Post("http://"+apiAddr+"/components/web/samples", "application/json",
			strings.NewReader(`{"ts":"`+now.Add(-5*time.Minute).Format(time.RFC3339)+`","status":0}`))
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

		Eventually(func(g Gomega) {
			code, body, err := fetch(apiAddr, "/components/web")
			g.Expect(err).NotTo(HaveOccurred())
			g.Expect(code).To(Equal(http.StatusOK))
			var cr records.ComponentReport
			g.Expect(json.Unmarshal([]byte(body), &cr)).To(Succeed())
			g.Expect(cr.LastStatus).To(Equal(records.Down))
			g.Expect(cr.Metrics.InitialDowntimeMinutes).To(BeNumerically(">=", 5.0))
		}, "5s", "200ms").Should(Succeed())
	})

	It("should run a pass on demand", func() {
		resp, err := http.Post("http://"+apiAddr+"/passes", "application/json", nil)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var pass struct {
			PassID     string `json:"passId"`
			Components int    `json:"components"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&pass)).To(Succeed())
		Expect(pass.PassID).NotTo(BeEmpty())
		Expect(pass.Components).To(Equal(3))
	})
})
