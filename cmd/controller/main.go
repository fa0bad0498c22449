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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/ahoma/microserve/pkg/di"
	"github.com/ahoma/microserve/pkg/operator"
)

var (
	// Build-time variables
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to the configuration file. Environment variables (MICROSERVE_*) override file values.")
		showVersion = flag.Bool("version", false, "Show version information and exit.")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("Microserve Controller\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Build Date: %s\n", buildDate)
		os.Exit(0)
	}

	ctx := context.Background()

	// The DI container loads configuration (defaults, file, environment),
	// wires the shared services and constructs the operator
	op, err := di.InitializeOperator(ctx, *configFile)
	if err != nil {
		// The logger is configured by the operator constructor; if that
		// failed, fall back to stderr
		fmt.Fprintf(os.Stderr, "failed to initialize operator: %v\n", err)
		os.Exit(1)
	}

	setupLog := ctrl.Log.WithName("setup")
	setupLog.Info("Starting Microserve controller",
		"version", version,
		"commit", commit,
		"buildDate", buildDate,
		"namespace", op.GetConfig().Namespace,
		"status-addr", op.GetConfig().StatusAddr,
		"probe-addr", op.GetConfig().ProbeAddr,
		"leader-election", op.GetConfig().LeaderElection,
		"webhook-enabled", op.GetConfig().EnableWebhook,
		"resync-schedule", op.GetConfig().ResyncSchedule,
	)

	// The shutdown manager owns the operator's run context: it cancels it
	// after SIGINT/SIGTERM once readiness has been failed, and force-stops
	// if the graceful window expires
	shutdown := operator.NewShutdownManager(nil, op)
	go func() {
		if err := shutdown.Start(ctx); err != nil {
			setupLog.Error(err, "shutdown did not complete cleanly")
		}
	}()

	setupLog.Info("Starting operator")
	if err := op.Start(shutdown.ShutdownContext()); err != nil {
		setupLog.Error(err, "failed to start operator")
		os.Exit(1)
	}

	setupLog.Info("Operator stopped")
}
