/*
Package controllers implements Kubernetes reconciliation for Microservices.

The controllers package turns a Microservice object into a running workload:
a Deployment, a Service, optionally an Ingress and an environment ConfigMap,
all owned by the Microservice so deletion cascades through the API server's
garbage collector. When the Microservice names a target Deployment instead of
an image, the reconciler switches to injection mode and patches the target in
place without taking ownership of it.

# Core Components

MicroserviceReconciler drives the reconciliation loop:
  - Validates the spec and rejects invalid objects terminally
  - Resolves service bindings into environment configuration
  - Probes image metadata for health-endpoint capabilities
  - Renders the desired child set and diffs it against live state
  - Creates, updates and deletes children to converge, one write per
    diverged child and zero writes when already converged
  - Reports phase, conditions and the managed child list in status

ControllerManager registers the reconciler with the controller-runtime
manager and carries shared configuration such as concurrency limits.

# Usage

Setting up controllers with dependency injection:

	import (
		"github.com/ahoma/microserve/pkg/controllers"
		"github.com/ahoma/microserve/pkg/di"
	)

	container.Provide(controllers.NewMicroserviceReconciler)
	container.Provide(controllers.NewControllerManager)

	container.Invoke(func(cm *controllers.ControllerManager) {
		cm.SetupControllers()
	})

# Operational Annotations

Reconciliation can be tuned per object with annotations:

	apiVersion: microserve.io/v1alpha1
	kind: Microservice
	metadata:
	  annotations:
	    microserve.io/paused: "true"       # suspend reconciliation
	    microserve.io/requeue-after: "30s" # override resync interval

# Error Handling

API failures are classified before deciding the retry policy:
  - Validation failures are terminal until the spec changes
  - Conflicts and transient server errors retry with exponential backoff
  - Quota exhaustion retries with a longer delay
  - Unresolved bindings keep the object Converging while the Service
    child still converges

# Metrics

Controllers expose Prometheus metrics:
  - microserve_reconciliations_total: Total reconciliation passes
  - microserve_reconciliation_duration_seconds: Reconciliation latency
  - microserve_child_operations_total: Child create/update/delete counts

See package metrics for full metrics documentation.

# Related Packages

  - pkg/render: Desired-state rendering and injection patches
  - pkg/bindings: Service binding resolution
  - pkg/imagemeta: Image capability probing
  - internal/annotations: Operational annotation parsing
  - pkg/apis/v1alpha1: Microservice types, validation and conditions
*/
package controllers
