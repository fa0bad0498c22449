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
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/validation"
)

// ValidationErrorKind classifies why a Microservice spec was rejected.
type ValidationErrorKind string

const (
	// ValidationMissingField means a required field is absent.
	ValidationMissingField ValidationErrorKind = "MissingField"

	// ValidationConflict means two fields are mutually exclusive.
	ValidationConflict ValidationErrorKind = "Conflict"

	// ValidationInvalidReference means a field value is not a usable
	// reference (bad name, bad path, unsupported kind).
	ValidationInvalidReference ValidationErrorKind = "InvalidReference"
)

// ValidationError describes a spec violation. Validation failures are
// surfaced as a Failed status condition, never as a controller crash.
type ValidationError struct {
	Kind    ValidationErrorKind
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid spec: %s: %s (%s)", e.Field, e.Message, e.Kind)
}

// Validate checks the Microservice spec before rendering. It returns the
// first violation found, in declaration order, so failure reasons are stable
// across passes.
func (m *Microservice) Validate() *ValidationError {
	if m.Spec.Image == "" && m.Spec.Target == nil {
		return &ValidationError{
			Kind:    ValidationMissingField,
			Field:   "spec.image",
			Message: "one of image or target must be set",
		}
	}
	if m.Spec.Image != "" && m.Spec.Target != nil {
		return &ValidationError{
			Kind:    ValidationConflict,
			Field:   "spec.target",
			Message: "image and target are mutually exclusive",
		}
	}

	if errs := validation.IsDNS1123Subdomain(m.Name); len(errs) > 0 {
		return &ValidationError{
			Kind:    ValidationInvalidReference,
			Field:   "metadata.name",
			Message: errs[0],
		}
	}

	if m.Spec.Target != nil {
		if m.Spec.Target.Kind != "Deployment" {
			return &ValidationError{
				Kind:    ValidationInvalidReference,
				Field:   "spec.target.kind",
				Message: fmt.Sprintf("unsupported target kind %q, only Deployment is supported", m.Spec.Target.Kind),
			}
		}
		if m.Spec.Target.Name == "" {
			return &ValidationError{
				Kind:    ValidationMissingField,
				Field:   "spec.target.name",
				Message: "target name must be set",
			}
		}
	}

	for i, binding := range m.Spec.Bindings {
		if binding == "" {
			return &ValidationError{
				Kind:    ValidationMissingField,
				Field:   fmt.Sprintf("spec.bindings[%d]", i),
				Message: "binding reference must not be empty",
			}
		}
		if errs := validation.IsDNS1123Subdomain(binding); len(errs) > 0 {
			return &ValidationError{
				Kind:    ValidationInvalidReference,
				Field:   fmt.Sprintf("spec.bindings[%d]", i),
				Message: errs[0],
			}
		}
	}

	if m.Spec.Expose != nil {
		if m.Spec.Expose.Host == "" {
			return &ValidationError{
				Kind:    ValidationMissingField,
				Field:   "spec.expose.host",
				Message: "expose host must be set",
			}
		}
		if m.Spec.Expose.Path != "" && !strings.HasPrefix(m.Spec.Expose.Path, "/") {
			return &ValidationError{
				Kind:    ValidationInvalidReference,
				Field:   "spec.expose.path",
				Message: "path must start with '/'",
			}
		}
	}

	if m.Spec.Port != nil && (*m.Spec.Port < 1 || *m.Spec.Port > 65535) {
		return &ValidationError{
			Kind:    ValidationInvalidReference,
			Field:   "spec.port",
			Message: "port must be between 1 and 65535",
		}
	}

	return nil
}
