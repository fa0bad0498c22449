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
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
)

// applyOverlay merges the typed template overlay onto a rendered Deployment.
// Precedence is last-writer-wins per field path: scalars replace only when
// set, maps merge key-wise with overlay keys winning, env entries merge by
// variable name with overlay entries winning. The selector is never touched;
// it must stay immutable across spec edits.
func applyOverlay(deployment *appsv1.Deployment, overlay *v1alpha1.WorkloadOverlay) {
	if overlay == nil {
		return
	}

	if overlay.Replicas != nil {
		deployment.Spec.Replicas = overlay.Replicas
	}

	pod := &deployment.Spec.Template
	pod.Labels = mergeStringMap(pod.Labels, overlay.Labels)
	pod.Annotations = mergeStringMap(pod.Annotations, overlay.Annotations)

	if overlay.ServiceAccountName != "" {
		pod.Spec.ServiceAccountName = overlay.ServiceAccountName
	}
	pod.Spec.NodeSelector = mergeStringMap(pod.Spec.NodeSelector, overlay.NodeSelector)

	container := &pod.Spec.Containers[0]
	container.Env = MergeEnv(container.Env, overlay.Env)
	if overlay.Resources != nil {
		container.Resources = *overlay.Resources.DeepCopy()
	}
}

// mergeStringMap merges overlay keys onto base, overlay winning. The base
// map is not mutated; nil is returned only when both sides are empty.
func mergeStringMap(base, overlay map[string]string) map[string]string {
	if len(overlay) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

// MergeEnv merges overlay env entries onto base by variable name. Base order
// is preserved for overridden entries; new overlay entries are appended in
// overlay order so the result is deterministic.
func MergeEnv(base, overlay []corev1.EnvVar) []corev1.EnvVar {
	if len(overlay) == 0 {
		return base
	}

	overlayByName := make(map[string]corev1.EnvVar, len(overlay))
	for _, e := range overlay {
		overlayByName[e.Name] = e
	}

	merged := make([]corev1.EnvVar, 0, len(base)+len(overlay))
	seen := make(map[string]bool, len(base))
	for _, e := range base {
		if o, ok := overlayByName[e.Name]; ok {
			merged = append(merged, o)
		} else {
			merged = append(merged, e)
		}
		seen[e.Name] = true
	}
	for _, e := range overlay {
		if !seen[e.Name] {
			merged = append(merged, e)
		}
	}
	return merged
}
