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
	"net/http"

	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
)

// WebhookMetrics records admission request outcomes.
type WebhookMetrics interface {
	RecordWebhookRequest(operation, result string)
}

// DefaultingHandler fills in omitted Microservice spec fields so the
// reconciler and every kubectl consumer see the same effective spec.
type DefaultingHandler struct {
	decoder *admission.Decoder
	metrics WebhookMetrics
}

// NewDefaultingHandler creates a defaulting handler for Microservice resources
func NewDefaultingHandler(scheme *runtime.Scheme) *DefaultingHandler {
	return &DefaultingHandler{
		decoder: admission.NewDecoder(scheme),
	}
}

// SetMetrics wires the webhook metrics recorder
func (h *DefaultingHandler) SetMetrics(m WebhookMetrics) {
	h.metrics = m
}

// Handle applies spec defaults and returns the resulting JSON patch
func (h *DefaultingHandler) Handle(ctx context.Context, req admission.Request) admission.Response {
	logger := log.FromContext(ctx).WithValues(
		"namespace", req.Namespace,
		"name", req.Name,
		"operation", req.Operation,
	)

	var ms v1alpha1.Microservice
	if err := h.decoder.Decode(req, &ms); err != nil {
		logger.Error(err, "Failed to decode Microservice")
		h.record(string(req.Operation), "error")
		return admission.Errored(http.StatusBadRequest, err)
	}

	changed := applyDefaults(&ms)
	if !changed {
		h.record(string(req.Operation), "unchanged")
		return admission.Allowed("no defaults needed")
	}

	marshaled, err := json.Marshal(&ms)
	if err != nil {
		logger.Error(err, "Failed to marshal defaulted Microservice")
		h.record(string(req.Operation), "error")
		return admission.Errored(http.StatusInternalServerError, err)
	}

	logger.V(1).Info("Applied Microservice defaults")
	h.record(string(req.Operation), "defaulted")
	return admission.PatchResponseFromRaw(req.Object.Raw, marshaled)
}

func (h *DefaultingHandler) record(operation, result string) {
	if h.metrics != nil {
		h.metrics.RecordWebhookRequest(operation, result)
	}
}

// applyDefaults mutates the spec in place and reports whether anything changed.
func applyDefaults(ms *v1alpha1.Microservice) bool {
	changed := false

	if ms.Spec.Port == nil && ms.Spec.Target == nil {
		port := v1alpha1.DefaultContainerPort
		ms.Spec.Port = &port
		changed = true
	}

	if ms.Spec.Expose != nil && ms.Spec.Expose.Path == "" {
		ms.Spec.Expose.Path = "/"
		changed = true
	}

	if ms.Spec.Target != nil && ms.Spec.Target.Kind == "" {
		ms.Spec.Target.Kind = "Deployment"
		changed = true
	}

	return changed
}
