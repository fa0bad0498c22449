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

// Package annotations provides parsing and validation of Microserve-specific
// Kubernetes annotations for operational control of reconciliation.
package annotations

import (
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	// PausedAnnotation suspends reconciliation for the object while present
	// and set to "true". Existing children are left untouched.
	PausedAnnotation = "microserve.io/paused"

	// RequeueAfterAnnotation overrides the steady-state resync interval for
	// the object. The value is a Go duration string, e.g. "30s" or "5m".
	RequeueAfterAnnotation = "microserve.io/requeue-after"

	// BooleanTrue represents the string "true" for annotation values
	BooleanTrue = "true"
)

// AnnotationParser provides methods for parsing Microserve annotations
type AnnotationParser struct{}

// NewAnnotationParser creates a new annotation parser
func NewAnnotationParser() *AnnotationParser {
	return &AnnotationParser{}
}

// IsPaused reports whether reconciliation is suspended for the object.
func (p *AnnotationParser) IsPaused(obj metav1.Object) bool {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		return false
	}
	return annotations[PausedAnnotation] == BooleanTrue
}

// RequeueAfter returns the per-object resync interval override, or zero when
// none is set. A malformed duration is an error so the controller can surface
// it instead of silently ignoring the annotation.
func (p *AnnotationParser) RequeueAfter(obj metav1.Object) (time.Duration, error) {
	annotations := obj.GetAnnotations()
	if annotations == nil {
		return 0, nil
	}

	raw, exists := annotations[RequeueAfterAnnotation]
	if !exists || raw == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s annotation %q: %w", RequeueAfterAnnotation, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s annotation %q: must be positive", RequeueAfterAnnotation, raw)
	}
	return d, nil
}
