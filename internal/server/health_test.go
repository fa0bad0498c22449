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

package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

var _ = Describe("HealthChecker", func() {
	var (
		healthChecker *HealthChecker
		fakeClient    *fake.Clientset
		engine        *gin.Engine
	)

	BeforeEach(func() {
		fakeClient = fake.NewSimpleClientset(&corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{Name: "microserve-system"},
		})
		healthChecker = NewHealthChecker(nil, fakeClient, "microserve-system")
		engine = createTestEngine()
	})

	Describe("NewHealthChecker", func() {
		It("should create a new health checker with correct configuration", func() {
			checker := NewHealthChecker(nil, fakeClient, "test-namespace")
			Expect(checker).NotTo(BeNil())
			Expect(checker.namespace).To(Equal("test-namespace"))
			Expect(checker.startTime).To(BeTemporally("~", time.Now(), time.Second))
		})
	})

	Describe("HealthzHandler", func() {
		BeforeEach(func() {
			engine.GET("/healthz", healthChecker.HealthzHandler)
		})

		It("should report healthy when everything is up", func() {
			response := performRequest(engine, "GET", "/healthz")
			Expect(response.Code).To(Equal(http.StatusOK))

			var body map[string]interface{}
			Expect(parseJSONResponse(response, &body)).To(Succeed())
			Expect(body["status"]).To(Equal("healthy"))
		})

		It("should report unhealthy when manually flagged", func() {
			healthChecker.SetUnhealthy("maintenance")

			response := performRequest(engine, "GET", "/healthz")
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))

			var body map[string]interface{}
			Expect(parseJSONResponse(response, &body)).To(Succeed())
			Expect(body["reason"]).To(Equal("maintenance"))
		})

		It("should recover after clearing the unhealthy flag", func() {
			healthChecker.SetUnhealthy("maintenance")
			healthChecker.ClearUnhealthy()

			response := performRequest(engine, "GET", "/healthz")
			Expect(response.Code).To(Equal(http.StatusOK))
		})

		It("should report unhealthy when the API is marked down", func() {
			healthChecker.SetKubernetesUnavailable()

			response := performRequest(engine, "GET", "/healthz")
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))

			healthChecker.ClearKubernetesUnavailable()
			response = performRequest(engine, "GET", "/healthz")
			Expect(response.Code).To(Equal(http.StatusOK))
		})
	})

	Describe("ReadyzHandler", func() {
		BeforeEach(func() {
			engine.GET("/readyz", healthChecker.ReadyzHandler)
		})

		It("should report ready when checks pass", func() {
			response := performRequest(engine, "GET", "/readyz")
			Expect(response.Code).To(Equal(http.StatusOK))

			var body map[string]interface{}
			Expect(parseJSONResponse(response, &body)).To(Succeed())
			Expect(body["status"]).To(Equal("ready"))

			checks := body["checks"].(map[string]interface{})
			Expect(checks["kubernetes-api"]).To(Equal("ok"))
			Expect(checks["namespace-access"]).To(Equal("ok"))
		})

		It("should report not ready when manually flagged", func() {
			healthChecker.SetNotReady("cache warming")

			response := performRequest(engine, "GET", "/readyz")
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))

			var body map[string]interface{}
			Expect(parseJSONResponse(response, &body)).To(Succeed())
			Expect(body["status"]).To(Equal("not ready"))
		})

		It("should fail namespace access for a missing namespace", func() {
			checker := NewHealthChecker(nil, fake.NewSimpleClientset(), "missing-namespace")
			engine = createTestEngine()
			engine.GET("/readyz", checker.ReadyzHandler)

			response := performRequest(engine, "GET", "/readyz")
			Expect(response.Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("should surface a degraded binding catalog without failing readiness", func() {
			healthChecker.SetBindingsCheck(func() error {
				return fmt.Errorf("catalog unreadable")
			})

			response := performRequest(engine, "GET", "/readyz")
			Expect(response.Code).To(Equal(http.StatusOK))

			var body map[string]interface{}
			Expect(parseJSONResponse(response, &body)).To(Succeed())
			checks := body["checks"].(map[string]interface{})
			Expect(checks["bindings-catalog"]).To(ContainSubstring("degraded"))
		})

		It("should report a healthy binding catalog", func() {
			healthChecker.SetBindingsCheck(func() error { return nil })

			response := performRequest(engine, "GET", "/readyz")
			Expect(response.Code).To(Equal(http.StatusOK))

			var body map[string]interface{}
			Expect(parseJSONResponse(response, &body)).To(Succeed())
			checks := body["checks"].(map[string]interface{})
			Expect(checks["bindings-catalog"]).To(Equal("ok"))
		})
	})

	Describe("GetHealthzChecker", func() {
		It("should pass for a healthy controller", func() {
			checker := healthChecker.GetHealthzChecker()
			req := httptest.NewRequest("GET", "/healthz", http.NoBody)
			Expect(checker(req)).To(Succeed())
		})

		It("should fail when manually unhealthy", func() {
			healthChecker.SetUnhealthy("rollout")
			checker := healthChecker.GetHealthzChecker()
			req := httptest.NewRequest("GET", "/healthz", http.NoBody)
			Expect(checker(req)).NotTo(Succeed())
		})
	})

	Describe("GetReadyzChecker", func() {
		It("should pass for a ready controller", func() {
			checker := healthChecker.GetReadyzChecker()
			req := httptest.NewRequest("GET", "/readyz", http.NoBody)
			Expect(checker(req)).To(Succeed())
		})

		It("should fail when the namespace is not accessible", func() {
			checker := NewHealthChecker(nil, fake.NewSimpleClientset(), "missing-namespace")
			readyz := checker.GetReadyzChecker()
			req := httptest.NewRequest("GET", "/readyz", http.NoBody)
			Expect(readyz(req)).NotTo(Succeed())
		})
	})
})
