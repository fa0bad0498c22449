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
	"sync"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/event"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
)

// ResyncScheduler periodically enqueues every Microservice for
// reconciliation on a cron schedule. This catches drift that no watch
// event reports, such as binding catalog changes or out-of-band edits
// to child resources made with ownership checks disabled.
type ResyncScheduler struct {
	schedule string
	reader   client.Reader
	events   chan<- event.GenericEvent

	mu       sync.Mutex
	cron     *cron.Cron
	lastRun  int
	lastSeen int
}

// NewResyncScheduler creates a scheduler that lists Microservices with
// reader and emits one GenericEvent per object on events each time the
// schedule fires. The schedule accepts standard cron expressions and
// the @every descriptor.
func NewResyncScheduler(schedule string, reader client.Reader, events chan<- event.GenericEvent) (*ResyncScheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid resync schedule %q: %w", schedule, err)
	}

	return &ResyncScheduler{
		schedule: schedule,
		reader:   reader,
		events:   events,
	}, nil
}

// Start runs the scheduler until the context is cancelled. It
// implements manager.Runnable so the controller manager owns its
// lifecycle.
func (s *ResyncScheduler) Start(ctx context.Context) error {
	logger := ctrl.Log.WithName("resync-scheduler")

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		s.resyncAll(ctx, logger)
	}); err != nil {
		return fmt.Errorf("failed to schedule resync: %w", err)
	}

	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()

	logger.Info("Started resync scheduler", "schedule", s.schedule)
	c.Start()

	<-ctx.Done()
	stopCtx := c.Stop()
	// Let an in-flight resync finish before returning.
	<-stopCtx.Done()

	logger.Info("Stopped resync scheduler")
	return nil
}

// NeedLeaderElection restricts scheduled resyncs to the elected leader
// so replicas do not multiply the reconcile load.
func (s *ResyncScheduler) NeedLeaderElection() bool {
	return true
}

// resyncAll lists all Microservices and enqueues each one.
func (s *ResyncScheduler) resyncAll(ctx context.Context, logger logr.Logger) {
	list := &v1alpha1.MicroserviceList{}
	if err := s.reader.List(ctx, list); err != nil {
		logger.Error(err, "Failed to list microservices for resync")
		return
	}

	enqueued := 0
	for i := range list.Items {
		select {
		case s.events <- event.GenericEvent{Object: &list.Items[i]}:
			enqueued++
		case <-ctx.Done():
			logger.Info("Resync interrupted by shutdown", "enqueued", enqueued)
			return
		}
	}

	s.mu.Lock()
	s.lastRun++
	s.lastSeen = enqueued
	s.mu.Unlock()

	logger.V(1).Info("Resync pass complete", "microservices", enqueued)
}

// RunCount returns how many resync passes have completed.
func (s *ResyncScheduler) RunCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

// LastSeen returns the number of objects enqueued by the most recent
// pass.
func (s *ResyncScheduler) LastSeen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}
