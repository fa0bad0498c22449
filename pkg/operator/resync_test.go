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

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrlfake "sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/event"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
)

var _ = Describe("ResyncScheduler", func() {
	newScheme := func() *runtime.Scheme {
		scheme := runtime.NewScheme()
		Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
		Expect(v1alpha1.AddToScheme(scheme)).To(Succeed())
		return scheme
	}

	newMicroservice := func(namespace, name string) *v1alpha1.Microservice {
		return &v1alpha1.Microservice{
			ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
			Spec:       v1alpha1.MicroserviceSpec{Image: "localhost:5000/dsyer/demo"},
		}
	}

	Describe("NewResyncScheduler", func() {
		It("should accept cron expressions and @every descriptors", func() {
			events := make(chan event.GenericEvent)
			scheme := newScheme()
			reader := ctrlfake.NewClientBuilder().WithScheme(scheme).Build()

			for _, schedule := range []string{"@every 1h", "@hourly", "*/15 * * * *"} {
				_, err := NewResyncScheduler(schedule, reader, events)
				Expect(err).NotTo(HaveOccurred(), "schedule %q", schedule)
			}
		})

		It("should reject an invalid schedule", func() {
			events := make(chan event.GenericEvent)
			reader := ctrlfake.NewClientBuilder().WithScheme(newScheme()).Build()

			_, err := NewResyncScheduler("not a schedule", reader, events)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("invalid resync schedule"))
		})
	})

	Describe("resyncAll", func() {
		It("should enqueue one event per microservice", func() {
			scheme := newScheme()
			reader := ctrlfake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(
					newMicroservice("default", "one"),
					newMicroservice("default", "two"),
					newMicroservice("other", "three"),
				).
				Build()

			events := make(chan event.GenericEvent, 8)
			scheduler, err := NewResyncScheduler("@every 1h", reader, events)
			Expect(err).NotTo(HaveOccurred())

			scheduler.resyncAll(context.Background(), logr.Discard())

			Expect(events).To(HaveLen(3))
			Expect(scheduler.RunCount()).To(Equal(1))
			Expect(scheduler.LastSeen()).To(Equal(3))

			names := make([]string, 0, 3)
			for i := 0; i < 3; i++ {
				evt := <-events
				names = append(names, evt.Object.GetName())
			}
			Expect(names).To(ConsistOf("one", "two", "three"))
		})

		It("should stop enqueuing when the context is cancelled", func() {
			scheme := newScheme()
			reader := ctrlfake.NewClientBuilder().
				WithScheme(scheme).
				WithObjects(newMicroservice("default", "one"), newMicroservice("default", "two")).
				Build()

			// Unbuffered channel with no consumer: the first send must
			// bail out once the context is gone.
			events := make(chan event.GenericEvent)
			scheduler, err := NewResyncScheduler("@every 1h", reader, events)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			scheduler.resyncAll(ctx, logr.Discard())
			Expect(scheduler.RunCount()).To(BeZero())
		})
	})

	Describe("NeedLeaderElection", func() {
		It("should only run on the leader", func() {
			events := make(chan event.GenericEvent)
			reader := ctrlfake.NewClientBuilder().WithScheme(newScheme()).Build()
			scheduler, err := NewResyncScheduler("@every 1h", reader, events)
			Expect(err).NotTo(HaveOccurred())

			Expect(scheduler.NeedLeaderElection()).To(BeTrue())
		})
	})

	Describe("Start", func() {
		It("should stop when the context is cancelled", func() {
			events := make(chan event.GenericEvent, 1)
			reader := ctrlfake.NewClientBuilder().WithScheme(newScheme()).Build()
			scheduler, err := NewResyncScheduler("@every 1h", reader, events)
			Expect(err).NotTo(HaveOccurred())

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				done <- scheduler.Start(ctx)
			}()

			cancel()
			Eventually(done, 2).Should(Receive(BeNil()))
		})
	})
})
