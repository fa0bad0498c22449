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

// Package render expands a Microservice spec into the set of desired child
// manifests. Rendering is a pure function of the spec and its resolved
// inputs: the same spec always yields the same children, which is what makes
// convergence detectable and reconciliation idempotent.
package render

import (
	"fmt"
	"sort"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
	"github.com/ahoma/microserve/pkg/imagemeta"
)

// Well-known labels stamped on rendered children.
const (
	NameLabel      = "app.kubernetes.io/name"
	ManagedByLabel = "app.kubernetes.io/managed-by"
	ManagedByValue = "microserve"
)

// EnvConfigSuffix is appended to the Microservice name to form the binding
// ConfigMap name.
const EnvConfigSuffix = "-env-config"

// Inputs carries the externally resolved data a render pass consumes. Both
// fields are plain values so rendering stays side-effect free.
type Inputs struct {
	// BindingData maps binding reference -> resolved key/value pairs, in
	// spec order. Later bindings win on key conflicts.
	BindingData map[string]map[string]string

	// Capabilities is the image capability descriptor. The zero value
	// disables all probe injection.
	Capabilities imagemeta.Capabilities
}

// ChildSet is the desired child manifests for one Microservice.
type ChildSet struct {
	Deployment *appsv1.Deployment
	Service    *corev1.Service
	Ingress    *networkingv1.Ingress
	ConfigMaps []*corev1.ConfigMap
}

// Objects returns all non-nil children as client objects, in a stable order.
func (c *ChildSet) Objects() []client.Object {
	objs := make([]client.Object, 0, 3+len(c.ConfigMaps))
	for _, cm := range c.ConfigMaps {
		objs = append(objs, cm)
	}
	if c.Deployment != nil {
		objs = append(objs, c.Deployment)
	}
	if c.Service != nil {
		objs = append(objs, c.Service)
	}
	if c.Ingress != nil {
		objs = append(objs, c.Ingress)
	}
	return objs
}

// Renderer maps Microservice specs to desired children.
type Renderer struct{}

// NewRenderer creates a renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render produces the desired child set for an expansion-mode Microservice.
// It must not be called in injection mode; RenderInjectionPatch covers that.
func (r *Renderer) Render(ms *v1alpha1.Microservice, in Inputs) (*ChildSet, error) {
	if ms.InjectionMode() {
		return nil, fmt.Errorf("microservice %s/%s selects injection mode, nothing to render", ms.Namespace, ms.Name)
	}

	set := &ChildSet{}

	envConfig := renderEnvConfig(ms, in.BindingData)
	if envConfig != nil {
		set.ConfigMaps = append(set.ConfigMaps, envConfig)
	}

	set.Deployment = renderDeployment(ms, in.Capabilities, envConfig)
	set.Service = renderService(ms)
	if ms.Spec.Expose != nil {
		set.Ingress = renderIngress(ms)
	}

	return set, nil
}

// selectorLabels are the immutable pod selector labels.
func selectorLabels(ms *v1alpha1.Microservice) map[string]string {
	return map[string]string{NameLabel: ms.Name}
}

// childLabels are the labels stamped on every rendered child.
func childLabels(ms *v1alpha1.Microservice) map[string]string {
	return map[string]string{
		NameLabel:      ms.Name,
		ManagedByLabel: ManagedByValue,
	}
}

func renderDeployment(ms *v1alpha1.Microservice, caps imagemeta.Capabilities, envConfig *corev1.ConfigMap) *appsv1.Deployment {
	port := ms.ContainerPort()

	container := corev1.Container{
		Name:  ms.Name,
		Image: ms.Spec.Image,
		Ports: []corev1.ContainerPort{{
			Name:          "http",
			ContainerPort: port,
			Protocol:      corev1.ProtocolTCP,
		}},
		Env: []corev1.EnvVar{{
			Name:  "SERVER_PORT",
			Value: strconv.Itoa(int(port)),
		}},
	}

	if envConfig != nil {
		container.EnvFrom = []corev1.EnvFromSource{{
			ConfigMapRef: &corev1.ConfigMapEnvSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: envConfig.Name},
			},
		}}
	}

	// Probes only when the image declared a health endpoint. No metadata
	// means no probes: the renderer holds no implicit opinions.
	if caps.HasHealthEndpoint {
		healthPort := port
		if caps.HealthPort != 0 {
			healthPort = caps.HealthPort
		}
		probe := &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: caps.HealthPath,
					Port: intstr.FromInt32(healthPort),
				},
			},
		}
		container.LivenessProbe = probe.DeepCopy()
		container.ReadinessProbe = probe.DeepCopy()
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ms.Name,
			Namespace: ms.Namespace,
			Labels:    childLabels(ms),
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(1)),
			Selector: &metav1.LabelSelector{MatchLabels: selectorLabels(ms)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: selectorLabels(ms),
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}

	applyOverlay(deployment, ms.Spec.Template)
	return deployment
}

func renderService(ms *v1alpha1.Microservice) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ms.Name,
			Namespace: ms.Namespace,
			Labels:    childLabels(ms),
		},
		Spec: corev1.ServiceSpec{
			Selector: selectorLabels(ms),
			Ports: []corev1.ServicePort{{
				Name:       "http",
				Port:       v1alpha1.DefaultServicePort,
				TargetPort: intstr.FromInt32(ms.ContainerPort()),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}
}

func renderIngress(ms *v1alpha1.Microservice) *networkingv1.Ingress {
	path := ms.Spec.Expose.Path
	if path == "" {
		path = "/"
	}
	pathType := networkingv1.PathTypePrefix

	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ms.Name,
			Namespace: ms.Namespace,
			Labels:    childLabels(ms),
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{{
				Host: ms.Spec.Expose.Host,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     path,
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: ms.Name,
									Port: networkingv1.ServiceBackendPort{
										Number: v1alpha1.DefaultServicePort,
									},
								},
							},
						}},
					},
				},
			}},
		},
	}
}

// renderEnvConfig flattens resolved binding data into a single ConfigMap in
// spec order, later bindings winning on key conflicts. Returns nil when no
// binding produced data so that no empty ConfigMap is ever owned.
func renderEnvConfig(ms *v1alpha1.Microservice, data map[string]map[string]string) *corev1.ConfigMap {
	merged := map[string]string{}
	for _, binding := range ms.Spec.Bindings {
		for k, v := range data[binding] {
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}

	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ms.Name + EnvConfigSuffix,
			Namespace: ms.Namespace,
			Labels:    childLabels(ms),
		},
		Data: merged,
	}
}

// BindingEnv flattens binding data into a deterministic, name-sorted env var
// list. Used in injection mode where the target container gets plain env
// entries instead of an owned ConfigMap.
func BindingEnv(ms *v1alpha1.Microservice, data map[string]map[string]string) []corev1.EnvVar {
	merged := map[string]string{}
	for _, binding := range ms.Spec.Bindings {
		for k, v := range data[binding] {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: merged[k]})
	}
	return env
}
