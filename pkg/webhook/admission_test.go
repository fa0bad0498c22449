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

package webhook

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admissionregistration/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"
)

var _ = Describe("AdmissionConfig", func() {
	Describe("DefaultAdmissionConfig", func() {
		It("should target Microservice resources", func() {
			config := DefaultAdmissionConfig()

			Expect(config.Enabled).To(BeTrue())
			Expect(config.Port).To(Equal(9443))
			Expect(config.WebhookName).To(Equal("microserve-webhook"))
			Expect(config.Rules).To(HaveLen(1))
			Expect(config.Rules[0].APIGroups).To(ConsistOf("microserve.io"))
			Expect(config.Rules[0].Resources).To(ConsistOf("microservices"))
			Expect(config.Rules[0].Operations).To(ConsistOf(
				admissionv1.Create, admissionv1.Update))
		})

		It("should fail closed by default", func() {
			config := DefaultAdmissionConfig()

			Expect(config.FailurePolicy).NotTo(BeNil())
			Expect(*config.FailurePolicy).To(Equal(admissionv1.Fail))
			Expect(config.TLSMinVersion).To(Equal("1.3"))
		})
	})

	Describe("TLS settings", func() {
		It("should map TLS version strings to constants", func() {
			controller := &AdmissionController{config: &AdmissionConfig{TLSMinVersion: "1.2"}}
			Expect(controller.getTLSVersion()).To(Equal(uint16(tls.VersionTLS12)))

			controller.config.TLSMinVersion = "bogus"
			Expect(controller.getTLSVersion()).To(Equal(uint16(tls.VersionTLS13)))
		})

		It("should resolve known cipher suite names", func() {
			controller := &AdmissionController{config: &AdmissionConfig{
				TLSCipherSuites: []string{
					"TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
					"not-a-suite",
				},
			}}

			suites := controller.getCipherSuites()
			Expect(suites).To(ConsistOf(uint16(tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384)))
		})

		It("should use default suites when none are configured", func() {
			controller := &AdmissionController{config: &AdmissionConfig{}}
			Expect(controller.getCipherSuites()).To(BeNil())
		})
	})

	Describe("certificate rotation", func() {
		It("should republish the rotated CA bundle to the registered configurations", func() {
			ctx := context.Background()

			tempDir, err := os.MkdirTemp("", "admission-rotation-test-*")
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { os.RemoveAll(tempDir) })

			config := DefaultAdmissionConfig()
			config.CertDir = tempDir
			config.CABundle = []byte("original-cert-pem")

			kubeClient := k8sfake.NewSimpleClientset()
			controller := &AdmissionController{config: config, kubeClient: kubeClient}

			Expect(controller.registerWebhookConfigurations(ctx)).To(Succeed())

			certPath := filepath.Join(tempDir, config.CertName)
			Expect(os.WriteFile(certPath, []byte("rotated-cert-pem"), 0o644)).To(Succeed())

			Expect(controller.refreshCABundle(ctx)).To(Succeed())

			mutating, err := kubeClient.AdmissionregistrationV1().
				MutatingWebhookConfigurations().
				Get(ctx, config.WebhookName+"-mutating-configuration", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(mutating.Webhooks[0].ClientConfig.CABundle).To(Equal([]byte("rotated-cert-pem")))

			validating, err := kubeClient.AdmissionregistrationV1().
				ValidatingWebhookConfigurations().
				Get(ctx, config.WebhookName+"-validating-configuration", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(validating.Webhooks[0].ClientConfig.CABundle).To(Equal([]byte("rotated-cert-pem")))
		})
	})
})
