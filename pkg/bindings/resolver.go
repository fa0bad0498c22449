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

// Package bindings resolves external service dependency references into
// environment configuration. Resolution failure is always retryable: the
// backing system converges on its own schedule, so the reconciler keeps the
// object Converging and tries again rather than failing it.
package bindings

import (
	"context"
	"fmt"
)

// Resolver maps a binding reference to key/value connection configuration.
type Resolver interface {
	// Resolve returns the configuration for the given binding reference.
	// An unknown reference yields a *ResolutionError.
	Resolve(ctx context.Context, ref string) (map[string]string, error)
}

// ResolutionError reports a binding reference that could not be resolved.
// It is retryable by contract.
type ResolutionError struct {
	Ref    string
	Reason string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("binding %q unresolved: %s", e.Ref, e.Reason)
}

// StaticResolver resolves from a fixed in-memory map. Used in tests and as
// the zero-configuration default (every reference unresolved).
type StaticResolver struct {
	Bindings map[string]map[string]string
}

// Resolve returns the configured data or a ResolutionError.
func (r StaticResolver) Resolve(_ context.Context, ref string) (map[string]string, error) {
	data, ok := r.Bindings[ref]
	if !ok {
		return nil, &ResolutionError{Ref: ref, Reason: "no such binding"}
	}
	return data, nil
}

// ResolveAll resolves every reference in order, returning data keyed by
// reference. The first failure aborts: binding data is all-or-nothing input
// to a render pass.
func ResolveAll(ctx context.Context, resolver Resolver, refs []string) (map[string]map[string]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	out := make(map[string]map[string]string, len(refs))
	for _, ref := range refs {
		data, err := resolver.Resolve(ctx, ref)
		if err != nil {
			return nil, err
		}
		out[ref] = data
	}
	return out, nil
}
