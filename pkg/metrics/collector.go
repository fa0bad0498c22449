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

// Package metrics provides Prometheus metrics collection and recording
// for Microserve reconciliation and child resource operations.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	reconciliationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microserve_reconciliations_total",
			Help: "Total number of reconciliation passes performed",
		},
		[]string{"namespace", "microservice", "mode", "result"},
	)

	reconciliationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microserve_reconciliation_errors_total",
			Help: "Total number of reconciliation errors",
		},
		[]string{"namespace", "microservice", "mode"},
	)

	reconciliationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "microserve_reconciliation_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode", "result"},
	)

	childOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microserve_child_operations_total",
			Help: "Total number of child resource writes by kind and action",
		},
		[]string{"kind", "action", "result"},
	)

	managedMicroservices = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "microserve_managed_microservices",
			Help: "Whether a Microservice is currently managed (1) or not (0)",
		},
		[]string{"namespace", "microservice"},
	)

	// Webhook metrics
	webhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "microserve_webhook_requests_total",
			Help: "Total number of admission webhook requests",
		},
		[]string{"operation", "result"},
	)
)

// Collector handles metrics collection for Microserve
type Collector struct {
	mutex        sync.RWMutex
	lastUpdate   time.Time
	managedCount int
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	// Initialize metrics with zero values so they appear in Prometheus output
	// even before any Microservices are managed
	initializeMetrics()

	return &Collector{
		lastUpdate: time.Now(),
	}
}

// initializeMetrics initializes all metrics with zero/default values
func initializeMetrics() {
	reconciliationTotal.WithLabelValues("", "", "", "success").Add(0)
	reconciliationErrors.WithLabelValues("", "", "").Add(0)
	childOperations.WithLabelValues("", "", "success").Add(0)
	webhookRequests.WithLabelValues("", "").Add(0)
}

// RegisterMetrics registers all Microserve metrics with the provided registry
func (c *Collector) RegisterMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = metrics.Registry // Use global registry as fallback
	}

	// Register instead of MustRegister: duplicate registration happens
	// during controller restarts and in tests.
	collectors := []prometheus.Collector{
		reconciliationTotal,
		reconciliationErrors,
		reconciliationDuration,
		childOperations,
		managedMicroservices,
		webhookRequests,
	}

	for _, collector := range collectors {
		_ = registry.Register(collector)
	}
}

// RegisterMetricsGlobal registers all Microserve metrics with the global registry
func (c *Collector) RegisterMetricsGlobal() {
	c.RegisterMetrics(metrics.Registry)
}

// RecordReconciliation records metrics for one reconciliation pass
func (c *Collector) RecordReconciliation(namespace, name, mode string, duration time.Duration, err error) {
	c.mutex.Lock()
	c.lastUpdate = time.Now()
	c.mutex.Unlock()

	result := "success"
	if err != nil {
		result = "error"
		reconciliationErrors.WithLabelValues(namespace, name, mode).Inc()
	}

	reconciliationTotal.WithLabelValues(namespace, name, mode, result).Inc()
	reconciliationDuration.WithLabelValues(mode, result).Observe(duration.Seconds())
}

// RecordChildOperation records a child resource write
func (c *Collector) RecordChildOperation(kind, action string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	childOperations.WithLabelValues(kind, action, result).Inc()
}

// SetManaged marks a Microservice as managed or released
func (c *Collector) SetManaged(namespace, name string, managed bool) {
	c.mutex.Lock()
	if managed {
		c.managedCount++
	} else if c.managedCount > 0 {
		c.managedCount--
	}
	c.mutex.Unlock()

	value := 0.0
	if managed {
		value = 1.0
	}
	managedMicroservices.WithLabelValues(namespace, name).Set(value)
}

// RecordWebhookRequest records metrics for admission webhook requests
func (c *Collector) RecordWebhookRequest(operation, result string) {
	webhookRequests.WithLabelValues(operation, result).Inc()
}

// Snapshot represents a point-in-time snapshot of metrics
type Snapshot struct {
	LastUpdate time.Time `json:"lastUpdate"`
	Timestamp  time.Time `json:"timestamp"`
	Managed    int       `json:"managed"`
}

// GetMetricsSnapshot returns a snapshot of current metrics values
func (c *Collector) GetMetricsSnapshot() Snapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return Snapshot{
		LastUpdate: c.lastUpdate,
		Timestamp:  time.Now(),
		Managed:    c.managedCount,
	}
}

// ResetMetrics resets all metrics (useful for testing)
func (c *Collector) ResetMetrics() {
	c.mutex.Lock()
	c.managedCount = 0
	c.mutex.Unlock()

	reconciliationTotal.Reset()
	reconciliationErrors.Reset()
	reconciliationDuration.Reset()
	childOperations.Reset()
	managedMicroservices.Reset()
	webhookRequests.Reset()
}

// Timer provides timing functionality for metrics
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the elapsed duration since timer creation
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// ObserveReconciliation records the pass with the timer's elapsed duration
func (t *Timer) ObserveReconciliation(collector *Collector, namespace, name, mode string, err error) {
	collector.RecordReconciliation(namespace, name, mode, t.Elapsed(), err)
}
