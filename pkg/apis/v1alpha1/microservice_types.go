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
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// MicroserviceSpec defines the desired state of a Microservice.
// Exactly one of Image or Target must be set: Image selects expansion mode
// (the controller creates and owns a Deployment/Service set), Target selects
// injection mode (the controller patches a pre-existing workload it does not
// own).
type MicroserviceSpec struct {
	// Image is the container image reference for the generated Deployment.
	// Mutually exclusive with Target.
	// +optional
	Image string `json:"image,omitempty"`

	// Target references a pre-existing workload to patch instead of
	// generating a new Deployment. Mutually exclusive with Image.
	// +optional
	Target *TargetReference `json:"target,omitempty"`

	// Bindings is an ordered list of external service dependency references,
	// resolved to environment configuration by a binding resolver.
	// +optional
	Bindings []string `json:"bindings,omitempty"`

	// Template is a typed partial overlay merged onto the generated
	// Deployment. Fields present here win over rendered defaults for that
	// field path.
	// +optional
	Template *WorkloadOverlay `json:"template,omitempty"`

	// Expose requests an Ingress with the given host/path mapping. No
	// Ingress is rendered when absent.
	// +optional
	Expose *ExposeSpec `json:"expose,omitempty"`

	// Port is the container port the application listens on. Defaults to
	// 8080 when unset. The generated Service always maps port 80 to it.
	// +optional
	Port *int32 `json:"port,omitempty"`
}

// TargetReference identifies the workload patched in injection mode.
type TargetReference struct {
	// Kind of the target workload. Only "Deployment" is supported.
	Kind string `json:"kind"`

	// Name of the target workload in the Microservice's namespace.
	Name string `json:"name"`
}

// ExposeSpec describes the requested Ingress mapping.
type ExposeSpec struct {
	// Host is the ingress host name.
	Host string `json:"host"`

	// Path is the HTTP path prefix, must start with '/'. Defaults to "/".
	// +optional
	Path string `json:"path,omitempty"`
}

// WorkloadOverlay is a typed partial Deployment overlay. Merge semantics are
// last-writer-wins per field path: env entries merge by variable name, maps
// merge key-wise, scalars replace the default only when set.
type WorkloadOverlay struct {
	// Replicas overrides the generated replica count.
	// +optional
	Replicas *int32 `json:"replicas,omitempty"`

	// Labels are merged into the pod template labels.
	// +optional
	Labels map[string]string `json:"labels,omitempty"`

	// Annotations are merged into the pod template annotations.
	// +optional
	Annotations map[string]string `json:"annotations,omitempty"`

	// ServiceAccountName overrides the pod service account.
	// +optional
	ServiceAccountName string `json:"serviceAccountName,omitempty"`

	// NodeSelector entries are merged into the pod node selector.
	// +optional
	NodeSelector map[string]string `json:"nodeSelector,omitempty"`

	// Env entries are merged by name into the container environment,
	// winning over rendered defaults and binding-derived entries.
	// +optional
	Env []corev1.EnvVar `json:"env,omitempty"`

	// Resources overrides the container resource requirements.
	// +optional
	Resources *corev1.ResourceRequirements `json:"resources,omitempty"`
}

// MicroservicePhase is the coarse reconciliation state of a Microservice.
type MicroservicePhase string

const (
	// MicroservicePhasePending means the object has been observed but no
	// reconciliation pass has completed yet.
	MicroservicePhasePending MicroservicePhase = "Pending"

	// MicroservicePhaseRendering means the spec is being validated and
	// expanded into desired child manifests.
	MicroservicePhaseRendering MicroservicePhase = "Rendering"

	// MicroservicePhaseConverging means child operations are in flight or
	// being retried.
	MicroservicePhaseConverging MicroservicePhase = "Converging"

	// MicroservicePhaseReady means all children match the desired render.
	MicroservicePhaseReady MicroservicePhase = "Ready"

	// MicroservicePhaseFailed means validation failed or bounded retries
	// were exhausted; the loop re-enters Rendering on the next event.
	MicroservicePhaseFailed MicroservicePhase = "Failed"
)

// ChildStatus is a compact reference to a child resource the controller
// created for this Microservice.
type ChildStatus struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// MicroserviceStatus defines the observed state of a Microservice. It is
// owned exclusively by the controller and is the sole surface external tools
// may poll for reconciliation outcome.
type MicroserviceStatus struct {
	// Phase is the coarse reconciliation state.
	// +optional
	Phase MicroservicePhase `json:"phase,omitempty"`

	// ObservedGeneration is the spec generation last expanded into child
	// manifests. Status-only writes never advance it.
	// +optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions describe the reconciliation outcome, merged idempotently
	// by condition type.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`

	// Children lists the child resources created for this Microservice.
	// Empty in injection mode.
	// +optional
	Children []ChildStatus `json:"children,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Image",type=string,JSONPath=`.spec.image`

// Microservice captures deployment intent at a higher abstraction than raw
// Deployment/Service objects.
type Microservice struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   MicroserviceSpec   `json:"spec,omitempty"`
	Status MicroserviceStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// MicroserviceList contains a list of Microservice
type MicroserviceList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []Microservice `json:"items"`
}

func init() {
	SchemeBuilder.Register(&Microservice{}, &MicroserviceList{})
}

// InjectionMode reports whether the spec selects injection mode (a target
// workload is patched rather than a new Deployment owned).
func (m *Microservice) InjectionMode() bool {
	return m.Spec.Target != nil
}

// ContainerPort returns the declared container port, defaulting to 8080.
func (m *Microservice) ContainerPort() int32 {
	if m.Spec.Port != nil {
		return *m.Spec.Port
	}
	return DefaultContainerPort
}

const (
	// DefaultContainerPort is assumed when the spec declares no port.
	DefaultContainerPort int32 = 8080

	// DefaultServicePort is the port the generated Service always exposes.
	DefaultServicePort int32 = 80
)
