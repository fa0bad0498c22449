/*
Package operator provides the main operator orchestration and lifecycle management.

The operator package assembles the Microservice controller, admission
webhooks, binding resolution and the status HTTP surface onto one
controller-runtime manager, and coordinates startup and graceful
shutdown.

# Core Components

Operator is the main orchestrator:
  - Runs the Microservice controller via controllers.ControllerManager
  - Registers the defaulting and validating admission webhooks (:9443)
  - Serves status endpoints with gin (:8080) and probes (:8081)
  - Uses controller-runtime's built-in lease-based leader election
  - Watches the binding catalog file and hot-reloads it

ResyncScheduler enqueues every Microservice on a cron schedule so drift
that produces no watch event is still reconciled. It runs only on the
elected leader.

KubernetesClientManager builds REST configs and clients, bootstraps the
operator's RBAC (namespace, service account, cluster role and binding)
and verifies the permissions the controller needs.

ShutdownManager handles graceful shutdown:
  - Catches SIGTERM/SIGINT signals
  - Fails readiness so traffic drains
  - Stops the manager within the graceful timeout
  - Runs registered pre- and post-shutdown hooks

# Usage

	operatorConfig := operator.ConfigFromConfiguration(loadedConfig)
	op, err := operator.NewOperator(operatorConfig)
	if err != nil {
		return err
	}

	shutdown := operator.NewShutdownManager(nil, op)
	go shutdown.Start(ctx)

	return op.Start(shutdown.ShutdownContext())

The status endpoints are:

	GET /healthz            liveness
	GET /readyz             readiness, including binding catalog state
	GET /metrics            Prometheus metrics
	GET /metrics/snapshot   JSON summary for dashboards
*/
package operator
