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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	ctrlfake "sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
)

var _ = Describe("KubernetesClientManager", func() {
	var (
		ctx     context.Context
		manager *KubernetesClientManager
	)

	newScheme := func() *runtime.Scheme {
		scheme := runtime.NewScheme()
		Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
		Expect(v1alpha1.AddToScheme(scheme)).To(Succeed())
		return scheme
	}

	BeforeEach(func() {
		ctx = context.Background()
		scheme := newScheme()
		manager = &KubernetesClientManager{
			config:     DefaultKubernetesConfig(),
			scheme:     scheme,
			kubeClient: fake.NewSimpleClientset(),
			ctrlClient: ctrlfake.NewClientBuilder().WithScheme(scheme).Build(),
		}
	})

	Describe("DefaultKubernetesConfig", func() {
		It("should return microserve defaults", func() {
			config := DefaultKubernetesConfig()

			Expect(config.QPS).To(Equal(float32(20.0)))
			Expect(config.Burst).To(Equal(30))
			Expect(config.Timeout).To(Equal(30 * time.Second))
			Expect(config.UserAgent).To(Equal("microserve-controller/1.0"))
			Expect(config.ServiceAccount).To(Equal("microserve-controller"))
			Expect(config.Namespace).To(Equal("microserve-system"))
			Expect(config.ClusterRole).To(Equal("microserve-controller"))
			Expect(config.RoleBinding).To(Equal("microserve-controller"))
		})
	})

	Describe("EnsureRBAC", func() {
		It("should create the namespace, service account, role and binding", func() {
			Expect(manager.EnsureRBAC(ctx)).To(Succeed())

			ns, err := manager.kubeClient.CoreV1().Namespaces().Get(ctx, "microserve-system", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(ns.Labels).To(HaveKeyWithValue("app.kubernetes.io/name", "microserve"))

			_, err = manager.kubeClient.CoreV1().ServiceAccounts("microserve-system").Get(ctx, "microserve-controller", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())

			role, err := manager.kubeClient.RbacV1().ClusterRoles().Get(ctx, "microserve-controller", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())

			groups := make([]string, 0)
			for _, rule := range role.Rules {
				groups = append(groups, rule.APIGroups...)
			}
			Expect(groups).To(ContainElement("microserve.io"))
			Expect(groups).To(ContainElement("apps"))
			Expect(groups).To(ContainElement("networking.k8s.io"))
			Expect(groups).To(ContainElement("coordination.k8s.io"))

			binding, err := manager.kubeClient.RbacV1().ClusterRoleBindings().Get(ctx, "microserve-controller", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())
			Expect(binding.RoleRef.Name).To(Equal("microserve-controller"))
			Expect(binding.Subjects).To(HaveLen(1))
			Expect(binding.Subjects[0].Namespace).To(Equal("microserve-system"))
		})

		It("should be idempotent", func() {
			Expect(manager.EnsureRBAC(ctx)).To(Succeed())
			Expect(manager.EnsureRBAC(ctx)).To(Succeed())
		})

		It("should grant write access to all child kinds", func() {
			Expect(manager.EnsureRBAC(ctx)).To(Succeed())

			role, err := manager.kubeClient.RbacV1().ClusterRoles().Get(ctx, "microserve-controller", metav1.GetOptions{})
			Expect(err).NotTo(HaveOccurred())

			resourcesWithCreate := make([]string, 0)
			for _, rule := range role.Rules {
				for _, verb := range rule.Verbs {
					if verb == "create" {
						resourcesWithCreate = append(resourcesWithCreate, rule.Resources...)
					}
				}
			}
			Expect(resourcesWithCreate).To(ContainElement("deployments"))
			Expect(resourcesWithCreate).To(ContainElement("services"))
			Expect(resourcesWithCreate).To(ContainElement("configmaps"))
			Expect(resourcesWithCreate).To(ContainElement("ingresses"))
		})
	})

	Describe("ValidatePermissions", func() {
		It("should pass against fake clients", func() {
			Expect(manager.ValidatePermissions(ctx)).To(Succeed())
		})
	})

	Describe("GetClusterInfo", func() {
		It("should report microservice and namespace counts", func() {
			manager.restConfig = &rest.Config{Host: "https://cluster.example.com"}

			_, err := manager.kubeClient.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
				ObjectMeta: metav1.ObjectMeta{Name: "default"},
			}, metav1.CreateOptions{})
			Expect(err).NotTo(HaveOccurred())

			ms := &v1alpha1.Microservice{
				ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
				Spec:       v1alpha1.MicroserviceSpec{Image: "localhost:5000/dsyer/demo"},
			}
			Expect(manager.ctrlClient.Create(ctx, ms)).To(Succeed())

			info, err := manager.GetClusterInfo(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.NamespaceCount).To(Equal(1))
			Expect(info.MicroserviceCount).To(Equal(1))
		})
	})
})
