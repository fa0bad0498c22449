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

package controllers

import (
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	"github.com/ahoma/microserve/internal/annotations"
	"github.com/ahoma/microserve/pkg/bindings"
	"github.com/ahoma/microserve/pkg/imagemeta"
	"github.com/ahoma/microserve/pkg/render"
	"github.com/ahoma/microserve/pkg/utils"
)

// ManagerConfig contains configuration for the controller manager
type ManagerConfig struct {
	// Controller configuration
	MaxConcurrentReconciles int
	ResyncInterval          time.Duration
	RetryInterval           time.Duration
	MaxFailures             int

	// Performance configuration
	LeaderElection         bool
	MetricsBindAddress     string
	HealthProbeBindAddress string

	// Advanced configuration
	CacheSyncTimeout        time.Duration
	GracefulShutdownTimeout time.Duration
}

// DefaultManagerConfig returns the default manager configuration
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		MaxConcurrentReconciles: 10,
		ResyncInterval:          5 * time.Minute,
		RetryInterval:           15 * time.Second,
		MaxFailures:             5,
		LeaderElection:          true,
		MetricsBindAddress:      ":8080",
		HealthProbeBindAddress:  ":8081",
		CacheSyncTimeout:        10 * time.Minute,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// ControllerManager manages the Microserve controllers
type ControllerManager struct {
	manager manager.Manager
	config  *ManagerConfig

	// Dependencies
	resolver         bindings.Resolver
	probe            imagemeta.Probe
	metricsCollector MetricsRecorder
	rateLimiter      *utils.RateLimiter

	// Externally scheduled resync requests, wired into the work queue
	// when set before SetupControllers.
	resyncEvents <-chan event.GenericEvent

	// Controllers
	microserviceController *MicroserviceReconciler

	// State
	started               bool
	controllersRegistered map[string]bool
}

// NewControllerManager creates a new controller manager
func NewControllerManager(
	mgr manager.Manager,
	config *ManagerConfig,
	resolver bindings.Resolver,
	probe imagemeta.Probe,
	metricsCollector MetricsRecorder,
	rateLimiter *utils.RateLimiter,
) *ControllerManager {
	if config == nil {
		config = DefaultManagerConfig()
	}

	return &ControllerManager{
		manager:               mgr,
		config:                config,
		resolver:              resolver,
		probe:                 probe,
		metricsCollector:      metricsCollector,
		rateLimiter:           rateLimiter,
		controllersRegistered: make(map[string]bool),
	}
}

// SetResyncChannel wires a channel of scheduled resync events into the
// microservice controller. Must be called before SetupControllers.
func (cm *ControllerManager) SetResyncChannel(ch <-chan event.GenericEvent) {
	cm.resyncEvents = ch
}

// SetupControllers sets up and registers all controllers with the manager
func (cm *ControllerManager) SetupControllers() error {
	if err := cm.setupMicroserviceController(); err != nil {
		return fmt.Errorf("failed to setup microservice controller: %w", err)
	}
	return nil
}

// setupMicroserviceController sets up the microservice controller
func (cm *ControllerManager) setupMicroserviceController() error {
	cm.microserviceController = &MicroserviceReconciler{
		Client:              cm.manager.GetClient(),
		APIReader:           cm.manager.GetAPIReader(),
		Scheme:              cm.manager.GetScheme(),
		Renderer:            render.NewRenderer(),
		Resolver:            cm.resolver,
		Probe:               cm.probe,
		Recorder:            cm.manager.GetEventRecorderFor("microservice-controller"),
		AnnotationParser:    annotations.NewAnnotationParser(),
		MetricsCollector:    cm.metricsCollector,
		RateLimiter:         cm.rateLimiter,
		ResyncInterval:      cm.config.ResyncInterval,
		RetryInterval:       cm.config.RetryInterval,
		MaxFailures:         cm.config.MaxFailures,
		MaxConcurrentRecons: cm.config.MaxConcurrentReconciles,
		ResyncEvents:        cm.resyncEvents,
	}

	if err := cm.microserviceController.SetupWithManager(cm.manager); err != nil {
		return fmt.Errorf("failed to setup microservice controller: %w", err)
	}

	cm.controllersRegistered["microservice"] = true
	return nil
}

// ControllerStatus represents the status of a controller
type ControllerStatus struct {
	Name       string
	Registered bool
	Reconciles int64
	Errors     int64
}

// GetControllerStatus returns the status of all registered controllers
func (cm *ControllerManager) GetControllerStatus() map[string]ControllerStatus {
	status := make(map[string]ControllerStatus)

	if cm.microserviceController != nil {
		status["microservice"] = ControllerStatus{
			Name:       "microservice",
			Registered: cm.controllersRegistered["microservice"],
			Reconciles: cm.microserviceController.GetReconcileCount(),
			Errors:     cm.microserviceController.GetErrorCount(),
		}
	}

	return status
}

// GetConfig returns the manager configuration
func (cm *ControllerManager) GetConfig() *ManagerConfig {
	return cm.config
}

// IsStarted returns true if the controller manager has been started
func (cm *ControllerManager) IsStarted() bool {
	return cm.started
}

// SetStarted marks the controller manager as started
func (cm *ControllerManager) SetStarted(started bool) {
	cm.started = started
}

// GetMicroserviceController returns the microservice controller
func (cm *ControllerManager) GetMicroserviceController() *MicroserviceReconciler {
	return cm.microserviceController
}

// ValidateConfiguration validates the manager configuration
func (cm *ControllerManager) ValidateConfiguration() error {
	if cm.config.MaxConcurrentReconciles <= 0 {
		return fmt.Errorf("max concurrent reconciles must be positive")
	}

	if cm.config.ResyncInterval <= 0 {
		return fmt.Errorf("resync interval must be positive")
	}

	if cm.config.RetryInterval <= 0 {
		return fmt.Errorf("retry interval must be positive")
	}

	if cm.config.MaxFailures <= 0 {
		return fmt.Errorf("max failures must be positive")
	}

	return nil
}
