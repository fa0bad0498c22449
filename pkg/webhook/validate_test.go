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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
)

var _ = Describe("ValidationHandler", func() {
	var (
		handler *ValidationHandler
		metrics *recordingMetrics
	)

	BeforeEach(func() {
		handler = NewValidationHandler(newTestScheme())
		metrics = &recordingMetrics{}
		handler.SetMetrics(metrics)
	})

	It("should allow a valid expansion spec", func() {
		ms := &v1alpha1.Microservice{
			ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
			Spec:       v1alpha1.MicroserviceSpec{Image: "localhost:5000/dsyer/demo"},
		}

		resp := handler.Handle(context.Background(), newAdmissionRequest(ms, admissionv1.Create))
		Expect(resp.Allowed).To(BeTrue())
		Expect(metrics.calls).To(ConsistOf("CREATE/allowed"))
	})

	It("should deny a spec with neither image nor target", func() {
		ms := &v1alpha1.Microservice{
			ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
		}

		resp := handler.Handle(context.Background(), newAdmissionRequest(ms, admissionv1.Create))
		Expect(resp.Allowed).To(BeFalse())
		Expect(resp.Result.Message).To(ContainSubstring("spec.image"))
		Expect(metrics.calls).To(ConsistOf("CREATE/denied"))
	})

	It("should deny a spec with both image and target", func() {
		ms := &v1alpha1.Microservice{
			ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
			Spec: v1alpha1.MicroserviceSpec{
				Image:  "localhost:5000/dsyer/demo",
				Target: &v1alpha1.TargetReference{Kind: "Deployment", Name: "legacy"},
			},
		}

		resp := handler.Handle(context.Background(), newAdmissionRequest(ms, admissionv1.Update))
		Expect(resp.Allowed).To(BeFalse())
		Expect(metrics.calls).To(ConsistOf("UPDATE/denied"))
	})

	It("should deny an unsupported target kind", func() {
		ms := &v1alpha1.Microservice{
			ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
			Spec: v1alpha1.MicroserviceSpec{
				Target: &v1alpha1.TargetReference{Kind: "StatefulSet", Name: "legacy"},
			},
		}

		resp := handler.Handle(context.Background(), newAdmissionRequest(ms, admissionv1.Create))
		Expect(resp.Allowed).To(BeFalse())
		Expect(resp.Result.Message).To(ContainSubstring("spec.target.kind"))
	})

	It("should always allow deletions", func() {
		req := newAdmissionRequest(&v1alpha1.Microservice{
			ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
		}, admissionv1.Delete)
		req.Object.Raw = nil

		resp := handler.Handle(context.Background(), req)
		Expect(resp.Allowed).To(BeTrue())
		Expect(metrics.calls).To(ConsistOf("DELETE/allowed"))
	})
})
