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

package render

import (
	"fmt"
	"strings"

	"gomodules.xyz/jsonpatch/v2"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
	"github.com/ahoma/microserve/pkg/imagemeta"
)

// ManagedLabel marks a pod template the controller has injected into. It is
// the only trace left on a target the controller does not own.
const ManagedLabel = "microserve.io/managed"

// RenderInjectionPatch computes the JSON patch that brings a pre-existing
// target Deployment up to the Microservice's intent: probes from the image
// capability descriptor, binding-derived env entries, and the managed label.
// The patch is computed against the live target, so an already-injected
// target yields zero operations — applying the patch is idempotent. Owner
// references are never part of the patch: the controller must not adopt, and
// must never delete, a resource it did not create.
func RenderInjectionPatch(ms *v1alpha1.Microservice, target *appsv1.Deployment, caps imagemeta.Capabilities, bindingEnv []corev1.EnvVar) ([]jsonpatch.Operation, error) {
	if len(target.Spec.Template.Spec.Containers) == 0 {
		return nil, fmt.Errorf("target deployment %s/%s has no containers", target.Namespace, target.Name)
	}

	var ops []jsonpatch.Operation

	// Managed label on the pod template.
	labels := target.Spec.Template.Labels
	if labels == nil {
		ops = append(ops, jsonpatch.NewOperation("add", "/spec/template/metadata/labels",
			map[string]string{ManagedLabel: "true"}))
	} else if labels[ManagedLabel] != "true" {
		ops = append(ops, jsonpatch.NewOperation("add",
			"/spec/template/metadata/labels/"+escapePointer(ManagedLabel), "true"))
	}

	container := target.Spec.Template.Spec.Containers[0]
	containerPath := "/spec/template/spec/containers/0"

	// Probes, only when the image declared a health endpoint and the
	// target does not already carry one (existing probes are someone
	// else's opinion and are left alone).
	if caps.HasHealthEndpoint {
		healthPort := caps.HealthPort
		if healthPort == 0 {
			healthPort = ms.ContainerPort()
		}
		probe := corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: caps.HealthPath,
					Port: intstr.FromInt32(healthPort),
				},
			},
		}
		if container.LivenessProbe == nil {
			ops = append(ops, jsonpatch.NewOperation("add", containerPath+"/livenessProbe", probe))
		}
		if container.ReadinessProbe == nil {
			ops = append(ops, jsonpatch.NewOperation("add", containerPath+"/readinessProbe", probe))
		}
	}

	// Binding env entries missing from the target container.
	missing := missingEnv(container.Env, bindingEnv)
	if len(missing) > 0 {
		if len(container.Env) == 0 {
			ops = append(ops, jsonpatch.NewOperation("add", containerPath+"/env", missing))
		} else {
			for _, e := range missing {
				ops = append(ops, jsonpatch.NewOperation("add", containerPath+"/env/-", e))
			}
		}
	}

	return ops, nil
}

// missingEnv returns the desired entries absent from current, by name.
// Entries present under the same name are never rewritten: the target's
// value wins, since the controller does not own the resource.
func missingEnv(current, desired []corev1.EnvVar) []corev1.EnvVar {
	present := make(map[string]bool, len(current))
	for _, e := range current {
		present[e.Name] = true
	}
	var missing []corev1.EnvVar
	for _, e := range desired {
		if !present[e.Name] {
			missing = append(missing, e)
		}
	}
	return missing
}

// escapePointer escapes a map key for use in a JSON pointer path.
func escapePointer(key string) string {
	key = strings.ReplaceAll(key, "~", "~0")
	return strings.ReplaceAll(key, "/", "~1")
}
