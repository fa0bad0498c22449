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
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/ahoma/microserve/internal/config"
)

var _ = Describe("Operator configuration", func() {
	Describe("DefaultOperatorConfig", func() {
		It("should return production defaults", func() {
			operatorConfig := DefaultOperatorConfig()

			Expect(operatorConfig.StatusAddr).To(Equal(":8080"))
			Expect(operatorConfig.ProbeAddr).To(Equal(":8081"))
			Expect(operatorConfig.LeaderElection).To(BeTrue())
			Expect(operatorConfig.LeaderElectionID).To(Equal("microserve-controller-leader"))
			Expect(operatorConfig.Namespace).To(Equal("microserve-system"))
			Expect(operatorConfig.MaxConcurrentReconciles).To(Equal(10))
			Expect(operatorConfig.ResyncInterval).To(Equal(5 * time.Minute))
			Expect(operatorConfig.RetryInterval).To(Equal(15 * time.Second))
			Expect(operatorConfig.MaxFailures).To(Equal(5))
			Expect(operatorConfig.ResyncSchedule).To(Equal("@every 1h"))
			Expect(operatorConfig.EnableWebhook).To(BeTrue())
			Expect(operatorConfig.WebhookPort).To(Equal(9443))
		})
	})

	Describe("ConfigFromConfiguration", func() {
		It("should map a loaded configuration onto the runtime config", func() {
			cfg := config.DefaultConfiguration()
			cfg.Controller.Namespace = "staging"
			cfg.Controller.MaxConcurrentReconciles = 3
			cfg.Controller.MaxFailures = 2
			cfg.Bindings.File = "/etc/microserve/bindings.yaml"
			cfg.Bindings.Watch = false
			cfg.Resync.Schedule = "@every 30m"
			cfg.Webhook.Enabled = false
			cfg.LeaderElection.Enabled = false
			cfg.Kubernetes.QPS = 50
			cfg.Kubernetes.Burst = 100

			operatorConfig := ConfigFromConfiguration(cfg)

			Expect(operatorConfig.Namespace).To(Equal("staging"))
			Expect(operatorConfig.MaxConcurrentReconciles).To(Equal(3))
			Expect(operatorConfig.MaxFailures).To(Equal(2))
			Expect(operatorConfig.BindingsFile).To(Equal("/etc/microserve/bindings.yaml"))
			Expect(operatorConfig.WatchBindings).To(BeFalse())
			Expect(operatorConfig.ResyncSchedule).To(Equal("@every 30m"))
			Expect(operatorConfig.EnableWebhook).To(BeFalse())
			Expect(operatorConfig.LeaderElection).To(BeFalse())
			Expect(operatorConfig.APIQPSLimit).To(Equal(float32(50)))
			Expect(operatorConfig.APIBurstLimit).To(Equal(100))
		})

		It("should clear the resync schedule when resync is disabled", func() {
			cfg := config.DefaultConfiguration()
			cfg.Resync.Enabled = false
			cfg.Resync.Schedule = "@every 30m"

			operatorConfig := ConfigFromConfiguration(cfg)
			Expect(operatorConfig.ResyncSchedule).To(BeEmpty())
		})

		It("should fall back to defaults for a nil configuration", func() {
			operatorConfig := ConfigFromConfiguration(nil)
			Expect(operatorConfig.Namespace).To(Equal("microserve-system"))
		})
	})

	Describe("configFromEnv", func() {
		AfterEach(func() {
			for _, key := range []string{
				"STATUS_ADDR", "PROBE_ADDR", "NAMESPACE", "BINDINGS_FILE",
				"RESYNC_SCHEDULE", "LOG_LEVEL", "DISABLE_LEADER_ELECTION",
				"DISABLE_WEBHOOK", "DISABLE_IMAGE_PROBE",
			} {
				os.Unsetenv(key)
			}
		})

		It("should apply environment overrides", func() {
			os.Setenv("STATUS_ADDR", ":9090")
			os.Setenv("NAMESPACE", "custom-ns")
			os.Setenv("BINDINGS_FILE", "/tmp/bindings.yaml")
			os.Setenv("DISABLE_LEADER_ELECTION", "true")
			os.Setenv("DISABLE_WEBHOOK", "true")

			operatorConfig := DefaultOperatorConfig()
			Expect(configFromEnv(operatorConfig)).To(Succeed())

			Expect(operatorConfig.StatusAddr).To(Equal(":9090"))
			Expect(operatorConfig.Namespace).To(Equal("custom-ns"))
			Expect(operatorConfig.BindingsFile).To(Equal("/tmp/bindings.yaml"))
			Expect(operatorConfig.LeaderElection).To(BeFalse())
			Expect(operatorConfig.EnableWebhook).To(BeFalse())
		})

		It("should leave defaults untouched without overrides", func() {
			operatorConfig := DefaultOperatorConfig()
			Expect(configFromEnv(operatorConfig)).To(Succeed())
			Expect(operatorConfig.StatusAddr).To(Equal(":8080"))
			Expect(operatorConfig.LeaderElection).To(BeTrue())
		})
	})
})

var _ = Describe("statusServer", func() {
	It("should serve until the context is cancelled", func() {
		gin.SetMode(gin.TestMode)
		engine := gin.New()
		engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

		srv := &statusServer{
			addr:            "127.0.0.1:0",
			handler:         engine,
			shutdownTimeout: time.Second,
		}
		Expect(srv.NeedLeaderElection()).To(BeFalse())

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- srv.Start(ctx)
		}()

		time.Sleep(50 * time.Millisecond)
		cancel()

		Eventually(done, 2*time.Second).Should(Receive(BeNil()))
	})

	It("should report a bind failure", func() {
		srv := &statusServer{
			addr:            "256.256.256.256:80",
			handler:         gin.New(),
			shutdownTimeout: time.Second,
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		Expect(srv.Start(ctx)).To(HaveOccurred())
	})
})
