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
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
)

// recordingMetrics captures webhook metric calls for assertions
type recordingMetrics struct {
	calls []string
}

func (r *recordingMetrics) RecordWebhookRequest(operation, result string) {
	r.calls = append(r.calls, operation+"/"+result)
}

func newTestScheme() *runtime.Scheme {
	scheme := runtime.NewScheme()
	Expect(v1alpha1.AddToScheme(scheme)).To(Succeed())
	return scheme
}

func newAdmissionRequest(ms *v1alpha1.Microservice, op admissionv1.Operation) admission.Request {
	raw, err := json.Marshal(ms)
	Expect(err).NotTo(HaveOccurred())

	return admission.Request{
		AdmissionRequest: admissionv1.AdmissionRequest{
			Operation: op,
			Namespace: ms.Namespace,
			Name:      ms.Name,
			Kind: metav1.GroupVersionKind{
				Group:   "microserve.io",
				Version: "v1alpha1",
				Kind:    "Microservice",
			},
			Object: runtime.RawExtension{Raw: raw},
		},
	}
}

var _ = Describe("DefaultingHandler", func() {
	var (
		handler *DefaultingHandler
		metrics *recordingMetrics
	)

	BeforeEach(func() {
		handler = NewDefaultingHandler(newTestScheme())
		metrics = &recordingMetrics{}
		handler.SetMetrics(metrics)
	})

	It("should default the container port in expansion mode", func() {
		ms := &v1alpha1.Microservice{
			ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
			Spec:       v1alpha1.MicroserviceSpec{Image: "localhost:5000/dsyer/demo"},
		}

		resp := handler.Handle(context.Background(), newAdmissionRequest(ms, admissionv1.Create))
		Expect(resp.Allowed).To(BeTrue())
		Expect(resp.Patches).NotTo(BeEmpty())

		patched := false
		for _, patch := range resp.Patches {
			if patch.Path == "/spec/port" {
				patched = true
			}
		}
		Expect(patched).To(BeTrue(), "expected a /spec/port patch")
		Expect(metrics.calls).To(ConsistOf("CREATE/defaulted"))
	})

	It("should not patch an already explicit spec", func() {
		port := int32(9000)
		ms := &v1alpha1.Microservice{
			ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
			Spec: v1alpha1.MicroserviceSpec{
				Image: "localhost:5000/dsyer/demo",
				Port:  &port,
			},
		}

		resp := handler.Handle(context.Background(), newAdmissionRequest(ms, admissionv1.Update))
		Expect(resp.Allowed).To(BeTrue())
		Expect(resp.Patches).To(BeEmpty())
		Expect(metrics.calls).To(ConsistOf("UPDATE/unchanged"))
	})

	It("should default the expose path", func() {
		ms := &v1alpha1.Microservice{
			ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
			Spec: v1alpha1.MicroserviceSpec{
				Image:  "localhost:5000/dsyer/demo",
				Expose: &v1alpha1.ExposeSpec{Host: "demo.example.com"},
			},
		}

		resp := handler.Handle(context.Background(), newAdmissionRequest(ms, admissionv1.Create))
		Expect(resp.Allowed).To(BeTrue())

		paths := make([]string, 0, len(resp.Patches))
		for _, patch := range resp.Patches {
			paths = append(paths, patch.Path)
		}
		Expect(paths).To(ContainElement("/spec/expose/path"))
	})

	It("should default the target kind in injection mode without touching the port", func() {
		ms := &v1alpha1.Microservice{
			ObjectMeta: metav1.ObjectMeta{Name: "demo", Namespace: "default"},
			Spec: v1alpha1.MicroserviceSpec{
				Target: &v1alpha1.TargetReference{Name: "legacy"},
			},
		}

		resp := handler.Handle(context.Background(), newAdmissionRequest(ms, admissionv1.Create))
		Expect(resp.Allowed).To(BeTrue())

		paths := make([]string, 0, len(resp.Patches))
		for _, patch := range resp.Patches {
			paths = append(paths, patch.Path)
		}
		Expect(paths).To(ContainElement("/spec/target/kind"))
		Expect(paths).NotTo(ContainElement("/spec/port"))
	})

	It("should reject an undecodable object", func() {
		req := admission.Request{
			AdmissionRequest: admissionv1.AdmissionRequest{
				Operation: admissionv1.Create,
				Kind: metav1.GroupVersionKind{
					Group:   "microserve.io",
					Version: "v1alpha1",
					Kind:    "Microservice",
				},
				Object: runtime.RawExtension{Raw: []byte(`{"spec": [1,2]}`)},
			},
		}

		resp := handler.Handle(context.Background(), req)
		Expect(resp.Allowed).To(BeFalse())
		Expect(metrics.calls).To(ConsistOf("CREATE/error"))
	})
})
