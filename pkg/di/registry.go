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

	"github.com/ahoma/microserve/internal/annotations"
	"github.com/ahoma/microserve/internal/config"
	"github.com/ahoma/microserve/pkg/bindings"
	"github.com/ahoma/microserve/pkg/logging"
	"github.com/ahoma/microserve/pkg/metrics"
	"github.com/ahoma/microserve/pkg/operator"
	"github.com/ahoma/microserve/pkg/render"
	"github.com/ahoma/microserve/pkg/utils"
)

// ServiceRegistry registers all Microserve services with the DI container
type ServiceRegistry struct {
	container  *Container
	configFile string
}

// NewServiceRegistry creates a new service registry
func NewServiceRegistry(container *Container) *ServiceRegistry {
	return &ServiceRegistry{
		container: container,
	}
}

// WithConfigFile sets the configuration file path
func (r *ServiceRegistry) WithConfigFile(configFile string) *ServiceRegistry {
	r.configFile = configFile
	return r
}

// RegisterAll registers all core Microserve services
func (r *ServiceRegistry) RegisterAll() error {
	// Register configuration first (required by other services)
	if err := r.RegisterConfiguration(); err != nil {
		return fmt.Errorf("failed to register configuration: %w", err)
	}

	// Register logger (depends on configuration)
	if err := r.RegisterLogger(); err != nil {
		return fmt.Errorf("failed to register logger: %w", err)
	}

	// Register core services
	if err := r.RegisterCoreServices(); err != nil {
		return fmt.Errorf("failed to register core services: %w", err)
	}

	// Register operator (main service)
	if err := r.RegisterOperator(); err != nil {
		return fmt.Errorf("failed to register operator: %w", err)
	}

	return nil
}

// RegisterConfiguration registers configuration-related services
func (r *ServiceRegistry) RegisterConfiguration() error {
	r.container.MustProvide(config.NewConfigurationLoader)

	// Register the loaded configuration (defaults, file, environment)
	configFile := r.configFile
	r.container.MustProvide(func(loader *config.ConfigurationLoader) (*config.Configuration, error) {
		return loader.LoadConfiguration(configFile)
	})

	return nil
}

// RegisterLogger registers the structured JSON logger service
func (r *ServiceRegistry) RegisterLogger() error {
	r.container.MustProvide(func(cfg *config.Configuration) (*logging.Logger, error) {
		return logging.NewLogger(&logging.Config{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
	})

	return nil
}

// RegisterCoreServices registers the domain services shared by the
// controller and webhooks
func (r *ServiceRegistry) RegisterCoreServices() error {
	r.container.MustProvide(annotations.NewAnnotationParser)
	r.container.MustProvide(metrics.NewCollector)
	r.container.MustProvide(render.NewRenderer)

	// Binding resolver: catalog file when configured, empty static
	// catalog otherwise
	r.container.MustProvide(func(cfg *config.Configuration) bindings.Resolver {
		if cfg.Bindings.File != "" {
			return bindings.NewFileResolver(cfg.Bindings.File)
		}
		return bindings.StaticResolver{}
	})

	// Child write throttling
	r.container.MustProvide(func(cfg *config.Configuration) *utils.RateLimiter {
		rateLimiterConfig := utils.DefaultRateLimiterConfig()
		rateLimiterConfig.QPS = cfg.RateLimit.QPS
		rateLimiterConfig.Burst = cfg.RateLimit.Burst
		rateLimiterConfig.EnableCircuitBreaker = cfg.RateLimit.EnableCircuitBreaker
		return utils.NewRateLimiter(rateLimiterConfig)
	})

	return nil
}

// RegisterOperator registers the main operator service
func (r *ServiceRegistry) RegisterOperator() error {
	// Map the loaded configuration onto the operator's runtime config
	r.container.MustProvide(operator.ConfigFromConfiguration)

	r.container.MustProvide(func(operatorConfig *operator.Config) (*operator.Operator, error) {
		op, err := operator.NewOperator(operatorConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create operator: %w", err)
		}
		return op, nil
	})

	return nil
}

// InitializeOperator is a convenience function to set up and return a fully configured operator
func InitializeOperator(_ context.Context, configFile string) (*operator.Operator, error) {
	container := NewContainer()
	registry := NewServiceRegistry(container).WithConfigFile(configFile)

	if err := registry.RegisterAll(); err != nil {
		return nil, fmt.Errorf("failed to register services: %w", err)
	}

	var op *operator.Operator
	if err := container.Invoke(func(operator *operator.Operator) {
		op = operator
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize operator: %w", err)
	}

	return op, nil
}
