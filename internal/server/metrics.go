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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahoma/microserve/pkg/metrics"
)

// MetricsServer serves the Microserve Prometheus metrics over gin
type MetricsServer struct {
	collector *metrics.Collector
	registry  *prometheus.Registry
	gatherer  prometheus.Gatherer

	mu            sync.RWMutex
	customMetrics map[string]prometheus.Collector
	lastScrape    time.Time
	scrapeLatency time.Duration
}

// NewMetricsServer creates a metrics server backed by its own registry
func NewMetricsServer(collector *metrics.Collector) *MetricsServer {
	registry := prometheus.NewRegistry()

	if collector != nil {
		collector.RegisterMetrics(registry)
	}

	return &MetricsServer{
		collector:     collector,
		registry:      registry,
		gatherer:      registry,
		customMetrics: make(map[string]prometheus.Collector),
	}
}

// MetricsHandler implements the /metrics endpoint in Prometheus text format
func (m *MetricsServer) MetricsHandler(c *gin.Context) {
	start := time.Now()
	defer func() {
		m.mu.Lock()
		m.lastScrape = time.Now()
		m.scrapeLatency = time.Since(start)
		m.mu.Unlock()
	}()

	handler := promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      m.registry,
		Timeout:       30 * time.Second,
	})

	gin.WrapH(handler)(c)
}

// SnapshotHandler returns a JSON summary of collector state, used by
// operational tooling that does not speak the Prometheus exposition format.
func (m *MetricsServer) SnapshotHandler(c *gin.Context) {
	if m.collector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "metrics collector not initialized",
		})
		return
	}

	m.mu.RLock()
	lastScrape := m.lastScrape
	latency := m.scrapeLatency
	m.mu.RUnlock()

	snapshot := m.collector.GetMetricsSnapshot()
	c.JSON(http.StatusOK, gin.H{
		"managed":     snapshot.Managed,
		"last_update": snapshot.LastUpdate.Format(time.RFC3339),
		"scrape": gin.H{
			"last":       lastScrape.Format(time.RFC3339),
			"latency_ms": latency.Milliseconds(),
		},
	})
}

// RegisterCustomMetric registers an additional Prometheus metric
func (m *MetricsServer) RegisterCustomMetric(name string, metric prometheus.Collector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.customMetrics[name]; exists {
		return fmt.Errorf("metric %s already registered", name)
	}

	if err := m.registry.Register(metric); err != nil {
		return fmt.Errorf("failed to register metric %s: %w", name, err)
	}

	m.customMetrics[name] = metric
	return nil
}

// UnregisterCustomMetric unregisters a previously registered custom metric
func (m *MetricsServer) UnregisterCustomMetric(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	metric, exists := m.customMetrics[name]
	if !exists {
		return fmt.Errorf("metric %s not found", name)
	}

	if !m.registry.Unregister(metric) {
		return fmt.Errorf("failed to unregister metric %s", name)
	}

	delete(m.customMetrics, name)
	return nil
}

// GetRegisteredMetrics returns the names of registered custom metrics
func (m *MetricsServer) GetRegisteredMetrics() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.customMetrics))
	for name := range m.customMetrics {
		names = append(names, name)
	}
	return names
}

// GetScrapeStatus returns the last scrape time and latency
func (m *MetricsServer) GetScrapeStatus() (time.Time, time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastScrape, m.scrapeLatency
}

// GetRegistry returns the Prometheus registry for advanced usage
func (m *MetricsServer) GetRegistry() *prometheus.Registry {
	return m.registry
}
