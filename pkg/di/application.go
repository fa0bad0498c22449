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

package di

import (
	"context"
	"fmt"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/ahoma/microserve/internal/config"
	"github.com/ahoma/microserve/pkg/operator"
)

// ApplicationBuilder helps build and configure the Microserve application using DI
type ApplicationBuilder struct {
	container  *Container
	configFile string
}

// NewApplicationBuilder creates a new application builder
func NewApplicationBuilder() *ApplicationBuilder {
	return &ApplicationBuilder{
		container: NewContainer(),
	}
}

// WithConfigFile sets the configuration file path
func (b *ApplicationBuilder) WithConfigFile(path string) *ApplicationBuilder {
	b.configFile = path
	return b
}

// Build builds the application with all dependencies configured
func (b *ApplicationBuilder) Build(_ context.Context) (*Application, error) {
	registry := NewServiceRegistry(b.container).WithConfigFile(b.configFile)
	if err := registry.RegisterAll(); err != nil {
		return nil, fmt.Errorf("failed to register services: %w", err)
	}

	b.container.MustProvide(func(cfg *config.Configuration) *Application {
		return &Application{
			Config:    cfg,
			Container: b.container,
		}
	})

	var app *Application
	if err := b.container.Invoke(func(a *Application) {
		app = a
	}); err != nil {
		return nil, fmt.Errorf("failed to build application: %w", err)
	}

	return app, nil
}

// Application represents the main Microserve application
type Application struct {
	Config    *config.Configuration
	Container *Container
}

// Start resolves the operator from the container and runs it until the
// context is cancelled
func (a *Application) Start(ctx context.Context) error {
	setupLog := ctrl.Log.WithName("application")
	setupLog.Info("Starting Microserve operator",
		"namespace", a.Config.Controller.Namespace,
		"leader-election", a.Config.LeaderElection.Enabled,
		"max-concurrent-reconciles", a.Config.Controller.MaxConcurrentReconciles,
		"webhook-enabled", a.Config.Webhook.Enabled,
	)

	var startErr error
	if err := a.Container.Invoke(func(op *operator.Operator) {
		startErr = op.Start(ctx)
	}); err != nil {
		return fmt.Errorf("failed to resolve operator: %w", err)
	}

	if startErr != nil {
		return fmt.Errorf("failed to start operator: %w", startErr)
	}

	return nil
}

// GetConfig returns the application configuration
func (a *Application) GetConfig() *config.Configuration {
	return a.Config
}

// NewApplication creates a new application with default configuration
func NewApplication(ctx context.Context) (*Application, error) {
	return NewApplicationBuilder().Build(ctx)
}

// NewApplicationWithConfig creates a new application with configuration from file
func NewApplicationWithConfig(ctx context.Context, configFile string) (*Application, error) {
	return NewApplicationBuilder().WithConfigFile(configFile).Build(ctx)
}
