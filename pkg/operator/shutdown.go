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

package operator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
)

// ShutdownConfig contains configuration for graceful shutdown
type ShutdownConfig struct {
	// Timeouts
	GracefulTimeout  time.Duration
	ForceTimeout     time.Duration
	PreShutdownDelay time.Duration

	// Signals to handle
	ShutdownSignals []os.Signal

	// Hooks
	PreShutdownHooks  []ShutdownHook
	PostShutdownHooks []ShutdownHook

	// Options
	FailReadiness bool
}

// DefaultShutdownConfig returns default shutdown configuration
func DefaultShutdownConfig() *ShutdownConfig {
	return &ShutdownConfig{
		GracefulTimeout:  30 * time.Second,
		ForceTimeout:     60 * time.Second,
		PreShutdownDelay: 2 * time.Second,
		ShutdownSignals:  []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		FailReadiness:    true,
	}
}

// ShutdownHook represents a function called during shutdown
type ShutdownHook func(ctx context.Context) error

// ShutdownManager coordinates graceful shutdown of the operator: it
// fails readiness so traffic drains, runs hooks, then cancels the
// manager context so controllers and webhooks stop in order.
type ShutdownManager struct {
	config   *ShutdownConfig
	operator *Operator

	// State
	shutdownStarted bool
	shutdownReason  string
	shutdownTime    time.Time

	// Coordination
	shutdownChan    chan os.Signal
	shutdownContext context.Context
	shutdownCancel  context.CancelFunc

	// Synchronization
	mu              sync.RWMutex
	componentStates map[string]ComponentShutdownState
}

// ComponentShutdownState represents the shutdown state of a component
type ComponentShutdownState struct {
	Name      string
	State     ShutdownState
	StartTime time.Time
	EndTime   time.Time
	Error     error
}

// ShutdownState represents the state of shutdown for a component
type ShutdownState int

const (
	ShutdownStateUnknown ShutdownState = iota
	ShutdownStateStarted
	ShutdownStateInProgress
	ShutdownStateCompleted
	ShutdownStateFailed
)

func (s ShutdownState) String() string {
	switch s {
	case ShutdownStateStarted:
		return "started"
	case ShutdownStateInProgress:
		return "in_progress"
	case ShutdownStateCompleted:
		return "completed"
	case ShutdownStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// NewShutdownManager creates a new shutdown manager
func NewShutdownManager(config *ShutdownConfig, operator *Operator) *ShutdownManager {
	if config == nil {
		config = DefaultShutdownConfig()
	}

	shutdownContext, shutdownCancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		config:          config,
		operator:        operator,
		shutdownChan:    make(chan os.Signal, 1),
		shutdownContext: shutdownContext,
		shutdownCancel:  shutdownCancel,
		componentStates: make(map[string]ComponentShutdownState),
	}
}

// ShutdownContext returns the context that is cancelled once shutdown
// reaches the controller stop phase. Pass it to Operator.Start.
func (sm *ShutdownManager) ShutdownContext() context.Context {
	return sm.shutdownContext
}

// Start starts the shutdown manager and signal handling
func (sm *ShutdownManager) Start(ctx context.Context) error {
	signal.Notify(sm.shutdownChan, sm.config.ShutdownSignals...)

	setupLog := ctrl.Log.WithName("shutdown-manager")
	setupLog.Info("Started shutdown manager",
		"graceful-timeout", sm.config.GracefulTimeout,
		"force-timeout", sm.config.ForceTimeout,
		"signals", sm.config.ShutdownSignals,
	)

	select {
	case sig := <-sm.shutdownChan:
		setupLog.Info("Received shutdown signal", "signal", sig)
		return sm.initiateShutdown(fmt.Sprintf("signal: %v", sig))
	case <-ctx.Done():
		setupLog.Info("Context cancelled, initiating shutdown")
		return sm.initiateShutdown("context cancelled")
	}
}

// initiateShutdown starts the graceful shutdown process
func (sm *ShutdownManager) initiateShutdown(reason string) error {
	sm.mu.Lock()
	if sm.shutdownStarted {
		sm.mu.Unlock()
		return fmt.Errorf("shutdown already started")
	}
	sm.shutdownStarted = true
	sm.shutdownReason = reason
	sm.shutdownTime = time.Now()
	sm.mu.Unlock()

	setupLog := ctrl.Log.WithName("shutdown-manager")
	setupLog.Info("Initiating graceful shutdown",
		"reason", reason,
		"graceful-timeout", sm.config.GracefulTimeout,
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sm.config.GracefulTimeout)
	defer cancel()

	// Give load balancers a moment to observe the readiness flip
	// before connections start getting refused.
	if sm.config.PreShutdownDelay > 0 {
		setupLog.Info("Pre-shutdown delay", "delay", sm.config.PreShutdownDelay)
		time.Sleep(sm.config.PreShutdownDelay)
	}

	if err := sm.executePreShutdownHooks(shutdownCtx); err != nil {
		setupLog.Error(err, "Pre-shutdown hooks failed")
	}

	if err := sm.performGracefulShutdown(shutdownCtx); err != nil {
		setupLog.Error(err, "Graceful shutdown failed, forcing shutdown")
		return sm.performForceShutdown()
	}

	if err := sm.executePostShutdownHooks(shutdownCtx); err != nil {
		setupLog.Error(err, "Post-shutdown hooks failed")
	}

	setupLog.Info("Graceful shutdown completed",
		"duration", time.Since(sm.shutdownTime),
	)

	return nil
}

// performGracefulShutdown performs the graceful shutdown sequence
func (sm *ShutdownManager) performGracefulShutdown(ctx context.Context) error {
	setupLog := ctrl.Log.WithName("shutdown-manager")

	// Phase 1: Fail readiness so traffic drains away
	if sm.config.FailReadiness {
		setupLog.Info("Phase 1: Failing readiness")
		sm.failReadiness()
	}

	// Phase 2: Stop controllers, webhooks and the status server. The
	// manager drains in-flight reconciles within its graceful timeout.
	setupLog.Info("Phase 2: Stopping controllers and webhooks")
	if err := sm.stopControllers(); err != nil {
		return fmt.Errorf("failed to stop controllers: %w", err)
	}

	// Phase 3: Release auxiliary resources
	setupLog.Info("Phase 3: Cleaning up resources")
	if err := sm.cleanupResources(ctx); err != nil {
		return fmt.Errorf("failed to cleanup resources: %w", err)
	}

	return nil
}

// performForceShutdown performs a forced shutdown
func (sm *ShutdownManager) performForceShutdown() error {
	setupLog := ctrl.Log.WithName("shutdown-manager")
	setupLog.Info("Performing force shutdown", "timeout", sm.config.ForceTimeout)

	forceCtx, cancel := context.WithTimeout(context.Background(), sm.config.ForceTimeout)
	defer cancel()

	// Cancel the shutdown context to stop everything immediately
	sm.shutdownCancel()

	select {
	case <-time.After(1 * time.Second):
	case <-forceCtx.Done():
	}

	return nil
}

// failReadiness flips the readiness probe so load balancers stop
// routing to this replica
func (sm *ShutdownManager) failReadiness() {
	sm.updateComponentState("readiness", ShutdownStateStarted)

	if sm.operator != nil && sm.operator.GetHealthChecker() != nil {
		sm.operator.GetHealthChecker().SetNotReady("shutting down")
	}

	sm.updateComponentState("readiness", ShutdownStateCompleted)
}

// stopControllers stops the controller manager
func (sm *ShutdownManager) stopControllers() error {
	sm.updateComponentState("controllers", ShutdownStateStarted)

	// Cancelling the shutdown context stops the manager, which drains
	// reconciles and shuts the webhook and status servers down.
	sm.shutdownCancel()

	sm.updateComponentState("controllers", ShutdownStateCompleted)
	return nil
}

// cleanupResources performs final resource cleanup
func (sm *ShutdownManager) cleanupResources(ctx context.Context) error {
	sm.updateComponentState("cleanup", ShutdownStateStarted)

	if sm.operator != nil {
		if err := sm.operator.CloseProbe(); err != nil {
			sm.updateComponentStateWithError("cleanup", ShutdownStateFailed, err)
			return err
		}
	}

	sm.updateComponentState("cleanup", ShutdownStateCompleted)
	return nil
}

// executePreShutdownHooks executes pre-shutdown hooks
func (sm *ShutdownManager) executePreShutdownHooks(ctx context.Context) error {
	for i, hook := range sm.config.PreShutdownHooks {
		hookName := fmt.Sprintf("pre-shutdown-hook-%d", i)
		sm.updateComponentState(hookName, ShutdownStateStarted)

		if err := hook(ctx); err != nil {
			sm.updateComponentStateWithError(hookName, ShutdownStateFailed, err)
			return fmt.Errorf("pre-shutdown hook %d failed: %w", i, err)
		}

		sm.updateComponentState(hookName, ShutdownStateCompleted)
	}
	return nil
}

// executePostShutdownHooks executes post-shutdown hooks
func (sm *ShutdownManager) executePostShutdownHooks(ctx context.Context) error {
	for i, hook := range sm.config.PostShutdownHooks {
		hookName := fmt.Sprintf("post-shutdown-hook-%d", i)
		sm.updateComponentState(hookName, ShutdownStateStarted)

		if err := hook(ctx); err != nil {
			sm.updateComponentStateWithError(hookName, ShutdownStateFailed, err)
			return fmt.Errorf("post-shutdown hook %d failed: %w", i, err)
		}

		sm.updateComponentState(hookName, ShutdownStateCompleted)
	}
	return nil
}

// updateComponentState updates the shutdown state of a component
func (sm *ShutdownManager) updateComponentState(componentName string, state ShutdownState) {
	sm.updateComponentStateWithError(componentName, state, nil)
}

// updateComponentStateWithError updates the shutdown state of a component with an error
func (sm *ShutdownManager) updateComponentStateWithError(componentName string, state ShutdownState, err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	existing, exists := sm.componentStates[componentName]
	if !exists {
		existing = ComponentShutdownState{
			Name:      componentName,
			StartTime: time.Now(),
		}
	}

	existing.State = state
	existing.Error = err

	if state == ShutdownStateCompleted || state == ShutdownStateFailed {
		existing.EndTime = time.Now()
	}

	sm.componentStates[componentName] = existing
}

// GetShutdownStatus returns the current shutdown status
func (sm *ShutdownManager) GetShutdownStatus() *ShutdownStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	components := make(map[string]ComponentShutdownState)
	for k, v := range sm.componentStates {
		components[k] = v
	}

	return &ShutdownStatus{
		Started:         sm.shutdownStarted,
		Reason:          sm.shutdownReason,
		StartTime:       sm.shutdownTime,
		ComponentStates: components,
	}
}

// ShutdownStatus represents the current shutdown status
type ShutdownStatus struct {
	Started         bool
	Reason          string
	StartTime       time.Time
	ComponentStates map[string]ComponentShutdownState
}

// IsCompleted returns true if shutdown is completed
func (ss *ShutdownStatus) IsCompleted() bool {
	if !ss.Started {
		return false
	}

	for _, state := range ss.ComponentStates {
		if state.State != ShutdownStateCompleted && state.State != ShutdownStateFailed {
			return false
		}
	}

	return true
}

// HasErrors returns true if any component failed during shutdown
func (ss *ShutdownStatus) HasErrors() bool {
	for _, state := range ss.ComponentStates {
		if state.State == ShutdownStateFailed || state.Error != nil {
			return true
		}
	}
	return false
}

// GetDuration returns the total shutdown duration
func (ss *ShutdownStatus) GetDuration() time.Duration {
	if !ss.Started {
		return 0
	}
	return time.Since(ss.StartTime)
}
