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
	"net/http"

	admissionv1 "k8s.io/api/admission/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
)

// ValidationHandler rejects invalid Microservice specs at admission time.
// The reconciler re-validates on every pass, so the webhook is a fast-fail
// convenience rather than the enforcement point.
type ValidationHandler struct {
	decoder *admission.Decoder
	metrics WebhookMetrics
}

// NewValidationHandler creates a validating handler for Microservice resources
func NewValidationHandler(scheme *runtime.Scheme) *ValidationHandler {
	return &ValidationHandler{
		decoder: admission.NewDecoder(scheme),
	}
}

// SetMetrics wires the webhook metrics recorder
func (h *ValidationHandler) SetMetrics(m WebhookMetrics) {
	h.metrics = m
}

// Handle validates the incoming Microservice spec
func (h *ValidationHandler) Handle(ctx context.Context, req admission.Request) admission.Response {
	logger := log.FromContext(ctx).WithValues(
		"namespace", req.Namespace,
		"name", req.Name,
		"operation", req.Operation,
	)

	// Deletion carries no object to validate
	if req.Operation == admissionv1.Delete {
		h.record(string(req.Operation), "allowed")
		return admission.Allowed("deletion is always allowed")
	}

	var ms v1alpha1.Microservice
	if err := h.decoder.Decode(req, &ms); err != nil {
		logger.Error(err, "Failed to decode Microservice")
		h.record(string(req.Operation), "error")
		return admission.Errored(http.StatusBadRequest, err)
	}

	if verr := ms.Validate(); verr != nil {
		logger.Info("Rejected invalid Microservice", "field", verr.Field, "reason", verr.Message)
		h.record(string(req.Operation), "denied")
		return admission.Denied(verr.Error())
	}

	h.record(string(req.Operation), "allowed")
	return admission.Allowed("spec is valid")
}

func (h *ValidationHandler) record(operation, result string) {
	if h.metrics != nil {
		h.metrics.RecordWebhookRequest(operation, result)
	}
}
