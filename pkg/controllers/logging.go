// Package controllers provides utilities for enhanced structured logging in controllers
package controllers

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// LoggingContext contains structured logging fields for controller operations
type LoggingContext struct {
	Controller  string `json:"controller"`
	Namespace   string `json:"namespace"`
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	ReconcileID string `json:"reconcile_id"`
}

// ControllerLogger provides enhanced structured logging for controllers
type ControllerLogger struct {
	logr.Logger
	Context LoggingContext
}

// NewControllerLogger creates a logger with controller-specific structured fields
func NewControllerLogger(ctx context.Context, controllerName string, req ctrl.Request, kind string) *ControllerLogger {
	baseLogger := log.FromContext(ctx)

	loggingContext := LoggingContext{
		Controller:  controllerName,
		Namespace:   req.Namespace,
		Name:        req.Name,
		Kind:        kind,
		ReconcileID: uuid.New().String()[:8], // Short UUID for readability
	}

	structuredLogger := baseLogger.WithValues(
		"controller", loggingContext.Controller,
		"namespace", loggingContext.Namespace,
		"name", loggingContext.Name,
		"kind", loggingContext.Kind,
		"reconcile_id", loggingContext.ReconcileID,
	)

	return &ControllerLogger{
		Logger:  structuredLogger,
		Context: loggingContext,
	}
}

// WithPhase adds reconciliation phase information
func (cl *ControllerLogger) WithPhase(phase string) *ControllerLogger {
	return &ControllerLogger{
		Logger:  cl.Logger.WithValues("phase", phase),
		Context: cl.Context,
	}
}

// WithChild adds child resource identification to the logger
func (cl *ControllerLogger) WithChild(kind, name string) *ControllerLogger {
	return &ControllerLogger{
		Logger: cl.Logger.WithValues(
			"child_kind", kind,
			"child_name", name,
		),
		Context: cl.Context,
	}
}

// WithDuration adds timing information to log entries
func (cl *ControllerLogger) WithDuration(duration time.Duration) *ControllerLogger {
	return &ControllerLogger{
		Logger: cl.Logger.WithValues(
			"duration_ms", duration.Milliseconds(),
		),
		Context: cl.Context,
	}
}

// WithError adds error context while preserving the error for controller-runtime
func (cl *ControllerLogger) WithError(err error) *ControllerLogger {
	return &ControllerLogger{
		Logger: cl.Logger.WithValues(
			"error_type", fmt.Sprintf("%T", err),
		),
		Context: cl.Context,
	}
}

// ReconcileStarted logs the start of reconciliation with standard fields
func (cl *ControllerLogger) ReconcileStarted(msg string) {
	cl.Logger.Info(msg, "event", "reconcile_started")
}

// ReconcileCompleted logs successful reconciliation completion
func (cl *ControllerLogger) ReconcileCompleted(msg string, requeue bool, requeueAfter time.Duration) {
	logger := cl.Logger.WithValues(
		"event", "reconcile_completed",
		"requeue", requeue,
	)

	if requeueAfter > 0 {
		logger = logger.WithValues("requeue_after_ms", requeueAfter.Milliseconds())
	}

	logger.Info(msg)
}

// ReconcileFailed logs failed reconciliation
func (cl *ControllerLogger) ReconcileFailed(err error, msg string) {
	cl.Logger.Error(err, msg,
		"event", "reconcile_failed",
	)
}

// ChildConverged logs a write that moved a child toward desired state
func (cl *ControllerLogger) ChildConverged(kind, name, action string) {
	cl.Logger.Info("Child resource converged",
		"event", "child_converged",
		"child_kind", kind,
		"child_name", name,
		"action", action,
	)
}

// ValidationRejected logs a terminal validation failure
func (cl *ControllerLogger) ValidationRejected(err error) {
	cl.Logger.Info("Spec rejected by validation",
		"event", "validation_rejected",
		"reason", err.Error(),
	)
}
