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

package v1alpha1

import (
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Condition types published on Microservice status. They are merged by type:
// lastTransitionTime only moves when the condition status flips, never on
// every pass.
const (
	// ConditionValidated reports whether the spec passed validation.
	ConditionValidated = "Validated"

	// ConditionConverged reports whether all children match the render.
	ConditionConverged = "Converged"

	// ConditionReady is the summary condition external tools should poll.
	ConditionReady = "Ready"
)

// Condition reasons.
const (
	ReasonSpecValid          = "SpecValid"
	ReasonValidationFailed   = "ValidationFailed"
	ReasonChildrenConverged  = "ChildrenConverged"
	ReasonConvergencePending = "ConvergencePending"
	ReasonRetriesExhausted   = "RetriesExhausted"
	ReasonBindingUnresolved  = "BindingUnresolved"
	ReasonTargetPatched      = "TargetPatched"
	ReasonTargetMissing      = "TargetMissing"
	ReasonPaused             = "Paused"
)

// SetCondition merges a condition into the status, keyed by type. The merge
// is idempotent: an identical condition leaves lastTransitionTime untouched.
// Returns true when the stored conditions changed.
func (s *MicroserviceStatus) SetCondition(condType string, status metav1.ConditionStatus, reason, message string, generation int64) bool {
	return meta.SetStatusCondition(&s.Conditions, metav1.Condition{
		Type:               condType,
		Status:             status,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: generation,
	})
}

// GetCondition returns the condition of the given type, or nil.
func (s *MicroserviceStatus) GetCondition(condType string) *metav1.Condition {
	return meta.FindStatusCondition(s.Conditions, condType)
}

// IsReady reports whether the Ready condition is true.
func (s *MicroserviceStatus) IsReady() bool {
	return meta.IsStatusConditionTrue(s.Conditions, ConditionReady)
}
