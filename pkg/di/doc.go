/*
Package di provides dependency injection infrastructure for Microserve.

The di package implements a dependency injection container using Uber Dig,
managing service lifecycle and dependency resolution throughout the operator.

# Core Components

Application provides the main application lifecycle:
  - Initializes DI container
  - Registers all services
  - Resolves and starts operator

Container wraps Uber Dig container:
  - Service registration (Provide)
  - Dependency resolution (Invoke)

ServiceRegistry handles service registration:
  - Configuration loading
  - Structured logging
  - Binding resolution, rendering and rate limiting
  - The operator itself

# Usage

Basic application setup:

	import (
		"context"
		"github.com/ahoma/microserve/pkg/di"
	)

	func main() {
		ctx := context.Background()

		app, err := di.NewApplicationWithConfig(ctx, "/etc/microserve/config.yaml")
		if err != nil {
			log.Fatal(err)
		}

		// Start operator (blocks until shutdown)
		if err := app.Start(ctx); err != nil {
			log.Fatal(err)
		}
	}

Advanced usage with custom services:

	container := di.NewContainer()
	container.Provide(NewCustomService)

	container.Invoke(func(svc *CustomService) error {
		return svc.Start()
	})

# Dependency Graph

	Configuration (config.yaml + MICROSERVE_* env)
	  ↓
	Logger (from config)
	  ↓
	├─ AnnotationParser
	├─ MetricsCollector
	├─ Renderer
	├─ Bindings Resolver (catalog file or static)
	├─ RateLimiter
	│
	└─ Operator (manager, controller, webhooks, status server)

Fail fast: all dependency errors are caught before the operator starts.

# Related Packages

  - internal/config: Configuration loading and management
  - pkg/operator: Main operator orchestration
  - pkg/controllers: Microservice reconciler
  - pkg/webhook: Admission webhooks
  - pkg/logging: Structured logging
*/
package di
