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
	"syscall"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ShutdownManager", func() {
	var manager *ShutdownManager

	newTestConfig := func() *ShutdownConfig {
		config := DefaultShutdownConfig()
		config.PreShutdownDelay = 0
		config.GracefulTimeout = 2 * time.Second
		return config
	}

	Describe("DefaultShutdownConfig", func() {
		It("should return sensible defaults", func() {
			config := DefaultShutdownConfig()

			Expect(config.GracefulTimeout).To(Equal(30 * time.Second))
			Expect(config.ForceTimeout).To(Equal(60 * time.Second))
			Expect(config.PreShutdownDelay).To(Equal(2 * time.Second))
			Expect(config.ShutdownSignals).To(ConsistOf(syscall.SIGINT, syscall.SIGTERM))
			Expect(config.FailReadiness).To(BeTrue())
		})
	})

	Describe("NewShutdownManager", func() {
		It("should fall back to defaults for a nil config", func() {
			manager = NewShutdownManager(nil, nil)
			Expect(manager.config.GracefulTimeout).To(Equal(30 * time.Second))
			Expect(manager.ShutdownContext().Err()).To(BeNil())
		})
	})

	Describe("initiateShutdown", func() {
		BeforeEach(func() {
			manager = NewShutdownManager(newTestConfig(), nil)
		})

		It("should complete a graceful shutdown without an operator", func() {
			Expect(manager.initiateShutdown("test")).To(Succeed())

			status := manager.GetShutdownStatus()
			Expect(status.Started).To(BeTrue())
			Expect(status.Reason).To(Equal("test"))
			Expect(status.IsCompleted()).To(BeTrue())
			Expect(status.HasErrors()).To(BeFalse())
		})

		It("should cancel the shutdown context", func() {
			Expect(manager.initiateShutdown("test")).To(Succeed())
			Expect(manager.ShutdownContext().Err()).To(HaveOccurred())
		})

		It("should reject a second shutdown", func() {
			Expect(manager.initiateShutdown("first")).To(Succeed())
			Expect(manager.initiateShutdown("second")).To(HaveOccurred())
		})

		It("should run pre- and post-shutdown hooks in order", func() {
			var order []string
			config := newTestConfig()
			config.PreShutdownHooks = []ShutdownHook{
				func(ctx context.Context) error {
					order = append(order, "pre")
					return nil
				},
			}
			config.PostShutdownHooks = []ShutdownHook{
				func(ctx context.Context) error {
					order = append(order, "post")
					return nil
				},
			}
			manager = NewShutdownManager(config, nil)

			Expect(manager.initiateShutdown("test")).To(Succeed())
			Expect(order).To(Equal([]string{"pre", "post"}))
		})

		It("should record failed hooks without aborting shutdown", func() {
			config := newTestConfig()
			config.PreShutdownHooks = []ShutdownHook{
				func(ctx context.Context) error {
					return fmt.Errorf("hook exploded")
				},
			}
			manager = NewShutdownManager(config, nil)

			Expect(manager.initiateShutdown("test")).To(Succeed())

			status := manager.GetShutdownStatus()
			Expect(status.HasErrors()).To(BeTrue())
			Expect(status.ComponentStates).To(HaveKey("pre-shutdown-hook-0"))
			Expect(status.ComponentStates["pre-shutdown-hook-0"].State).To(Equal(ShutdownStateFailed))
		})
	})

	Describe("Start", func() {
		It("should initiate shutdown on context cancellation", func() {
			manager = NewShutdownManager(newTestConfig(), nil)
			ctx, cancel := context.WithCancel(context.Background())

			done := make(chan error, 1)
			go func() {
				done <- manager.Start(ctx)
			}()

			time.Sleep(50 * time.Millisecond)
			cancel()

			Eventually(done, 3*time.Second).Should(Receive(BeNil()))
			Expect(manager.GetShutdownStatus().Reason).To(Equal("context cancelled"))
		})
	})

	Describe("ShutdownStatus", func() {
		It("should report zero duration before shutdown starts", func() {
			manager = NewShutdownManager(newTestConfig(), nil)
			status := manager.GetShutdownStatus()

			Expect(status.IsCompleted()).To(BeFalse())
			Expect(status.GetDuration()).To(BeZero())
		})
	})

	Describe("ShutdownState", func() {
		It("should stringify states", func() {
			Expect(ShutdownStateStarted.String()).To(Equal("started"))
			Expect(ShutdownStateInProgress.String()).To(Equal("in_progress"))
			Expect(ShutdownStateCompleted.String()).To(Equal("completed"))
			Expect(ShutdownStateFailed.String()).To(Equal("failed"))
			Expect(ShutdownStateUnknown.String()).To(Equal("unknown"))
		})
	})
})
