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

package controllers

import (
	"context"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
	"github.com/ahoma/microserve/pkg/render"
)

// childKey identifies a child resource within the owner's namespace.
type childKey struct {
	Kind string
	Name string
}

func (k childKey) String() string {
	return fmt.Sprintf("%s/%s", k.Kind, k.Name)
}

// observedChildren lists the live child resources controlled by the given
// owner. It reads through the API reader rather than the cache so that the
// diff against desired state never acts on stale data.
func observedChildren(ctx context.Context, reader client.Reader, ms *v1alpha1.Microservice) (map[childKey]client.Object, error) {
	observed := make(map[childKey]client.Object)

	selector := client.MatchingLabels{
		render.NameLabel:      ms.Name,
		render.ManagedByLabel: render.ManagedByValue,
	}
	inNamespace := client.InNamespace(ms.Namespace)

	var deployments appsv1.DeploymentList
	if err := reader.List(ctx, &deployments, inNamespace, selector); err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	for i := range deployments.Items {
		addIfControlled(observed, &deployments.Items[i], "Deployment", ms)
	}

	var services corev1.ServiceList
	if err := reader.List(ctx, &services, inNamespace, selector); err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}
	for i := range services.Items {
		addIfControlled(observed, &services.Items[i], "Service", ms)
	}

	var ingresses networkingv1.IngressList
	if err := reader.List(ctx, &ingresses, inNamespace, selector); err != nil {
		return nil, fmt.Errorf("listing ingresses: %w", err)
	}
	for i := range ingresses.Items {
		addIfControlled(observed, &ingresses.Items[i], "Ingress", ms)
	}

	var configMaps corev1.ConfigMapList
	if err := reader.List(ctx, &configMaps, inNamespace, selector); err != nil {
		return nil, fmt.Errorf("listing configmaps: %w", err)
	}
	for i := range configMaps.Items {
		addIfControlled(observed, &configMaps.Items[i], "ConfigMap", ms)
	}

	// The selector misses an owned child whose labels were stripped or
	// rewritten out-of-band. Child names are deterministic, so look those up
	// directly; ownership is still decided by the controller reference. A
	// child found this way is re-adopted and its managed fields (labels
	// included) restored by the normal update path.
	lookups := []struct {
		kind string
		name string
		obj  client.Object
	}{
		{"Deployment", ms.Name, &appsv1.Deployment{}},
		{"Service", ms.Name, &corev1.Service{}},
		{"Ingress", ms.Name, &networkingv1.Ingress{}},
		{"ConfigMap", ms.Name + render.EnvConfigSuffix, &corev1.ConfigMap{}},
	}
	for _, l := range lookups {
		if _, ok := observed[childKey{Kind: l.kind, Name: l.name}]; ok {
			continue
		}
		key := types.NamespacedName{Namespace: ms.Namespace, Name: l.name}
		if err := reader.Get(ctx, key, l.obj); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("reading %s %s: %w", l.kind, l.name, err)
		}
		addIfControlled(observed, l.obj, l.kind, ms)
	}

	return observed, nil
}

// addIfControlled records the object only when the owner actually controls
// it. Label selectors are forgeable; the controller owner reference is not.
func addIfControlled(observed map[childKey]client.Object, obj client.Object, kind string, ms *v1alpha1.Microservice) {
	owner := metav1.GetControllerOf(obj)
	if owner == nil || owner.UID != ms.UID {
		return
	}
	observed[childKey{Kind: kind, Name: obj.GetName()}] = obj
}

// extraChildren returns the observed children absent from the desired set,
// sorted for deterministic deletion order.
func extraChildren(desired *render.ChildSet, observed map[childKey]client.Object) []client.Object {
	desiredKeys := mapset.NewThreadUnsafeSet[childKey]()
	for _, obj := range desired.Objects() {
		desiredKeys.Add(childKey{Kind: kindOf(obj), Name: obj.GetName()})
	}

	observedKeys := mapset.NewThreadUnsafeSet[childKey]()
	for key := range observed {
		observedKeys.Add(key)
	}

	extras := observedKeys.Difference(desiredKeys).ToSlice()
	sort.Slice(extras, func(i, j int) bool {
		return extras[i].String() < extras[j].String()
	})

	out := make([]client.Object, 0, len(extras))
	for _, key := range extras {
		out = append(out, observed[key])
	}
	return out
}

func kindOf(obj client.Object) string {
	switch obj.(type) {
	case *appsv1.Deployment:
		return "Deployment"
	case *corev1.Service:
		return "Service"
	case *networkingv1.Ingress:
		return "Ingress"
	case *corev1.ConfigMap:
		return "ConfigMap"
	default:
		return obj.GetObjectKind().GroupVersionKind().Kind
	}
}
