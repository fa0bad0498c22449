/*
Copyright 2024 The Microserve Authors.

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

package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahoma/microserve/pkg/metrics"
)

var _ = Describe("MetricsServer", func() {
	var (
		metricsServer *MetricsServer
		engine        *gin.Engine
	)

	BeforeEach(func() {
		metricsServer = NewMetricsServer(metrics.NewCollector())
		engine = createTestEngine()
	})

	Describe("NewMetricsServer", func() {
		It("should create a server with its own registry", func() {
			Expect(metricsServer).NotTo(BeNil())
			Expect(metricsServer.GetRegistry()).NotTo(BeNil())
		})

		It("should tolerate a nil collector", func() {
			server := NewMetricsServer(nil)
			Expect(server).NotTo(BeNil())
		})
	})

	Describe("MetricsHandler", func() {
		BeforeEach(func() {
			engine.GET("/metrics", metricsServer.MetricsHandler)
		})

		It("should serve Prometheus metrics", func() {
			response := performRequest(engine, "GET", "/metrics")
			Expect(response.Code).To(Equal(http.StatusOK))

			body := response.Body.String()
			Expect(body).To(ContainSubstring("# HELP"))
			Expect(body).To(ContainSubstring("microserve_reconciliations_total"))
		})

		It("should include custom metrics when registered", func() {
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: "test_custom_counter",
				Help: "A custom counter for testing",
			})
			Expect(metricsServer.RegisterCustomMetric("custom", counter)).To(Succeed())
			counter.Inc()

			response := performRequest(engine, "GET", "/metrics")
			Expect(response.Body.String()).To(ContainSubstring("test_custom_counter 1"))
		})

		It("should record scrape status", func() {
			performRequest(engine, "GET", "/metrics")

			lastScrape, _ := metricsServer.GetScrapeStatus()
			Expect(lastScrape.IsZero()).To(BeFalse())
		})
	})

	Describe("SnapshotHandler", func() {
		BeforeEach(func() {
			engine.GET("/metrics/snapshot", metricsServer.SnapshotHandler)
		})

		It("should return a JSON snapshot", func() {
			response := performRequest(engine, "GET", "/metrics/snapshot")
			Expect(response.Code).To(Equal(http.StatusOK))

			var body map[string]interface{}
			Expect(parseJSONResponse(response, &body)).To(Succeed())
			Expect(body).To(HaveKey("managed"))
			Expect(body).To(HaveKey("scrape"))
		})

		It("should fail without a collector", func() {
			server := NewMetricsServer(nil)
			engine = createTestEngine()
			engine.GET("/metrics/snapshot", server.SnapshotHandler)

			response := performRequest(engine, "GET", "/metrics/snapshot")
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))
		})
	})

	Describe("Custom metrics management", func() {
		It("should reject duplicate registrations", func() {
			counter := prometheus.NewCounter(prometheus.CounterOpts{
				Name: "dup_counter",
				Help: "duplicate registration test",
			})
			Expect(metricsServer.RegisterCustomMetric("dup", counter)).To(Succeed())
			Expect(metricsServer.RegisterCustomMetric("dup", counter)).NotTo(Succeed())
		})

		It("should unregister metrics by name", func() {
			gauge := prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "temp_gauge",
				Help: "unregister test",
			})
			Expect(metricsServer.RegisterCustomMetric("temp", gauge)).To(Succeed())
			Expect(metricsServer.GetRegisteredMetrics()).To(ContainElement("temp"))

			Expect(metricsServer.UnregisterCustomMetric("temp")).To(Succeed())
			Expect(metricsServer.GetRegisteredMetrics()).NotTo(ContainElement("temp"))
		})

		It("should fail to unregister unknown metrics", func() {
			Expect(metricsServer.UnregisterCustomMetric("nope")).NotTo(Succeed())
		})
	})
})
