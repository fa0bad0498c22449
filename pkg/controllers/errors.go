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
	"errors"
	"fmt"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
	"github.com/ahoma/microserve/pkg/bindings"
)

// ConflictError reports a write that lost an optimistic-concurrency race.
// Retryable: the next pass re-reads and re-renders.
type ConflictError struct {
	Child string
	Err   error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict writing %s: %v", e.Child, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// TransientAPIError reports an API server failure expected to clear on its
// own (timeouts, 5xx, unreachable). Retryable with backoff.
type TransientAPIError struct {
	Child string
	Err   error
}

func (e *TransientAPIError) Error() string {
	return fmt.Sprintf("transient API error writing %s: %v", e.Child, e.Err)
}

func (e *TransientAPIError) Unwrap() error { return e.Err }

// QuotaExceededError reports a create rejected by namespace resource quota.
// Retryable, but only once quota frees up, so it carries a longer backoff.
type QuotaExceededError struct {
	Child string
	Err   error
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded creating %s: %v", e.Child, e.Err)
}

func (e *QuotaExceededError) Unwrap() error { return e.Err }

// classifyAPIError wraps an API server error into the reconciler's error
// taxonomy. The child name gives the wrapped error enough context to be
// reported per child in conditions and events.
func classifyAPIError(child string, err error) error {
	switch {
	case apierrors.IsConflict(err):
		return &ConflictError{Child: child, Err: err}
	case apierrors.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota"):
		return &QuotaExceededError{Child: child, Err: err}
	case apierrors.IsTooManyRequests(err),
		apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err),
		apierrors.IsUnexpectedServerError(err):
		return &TransientAPIError{Child: child, Err: err}
	default:
		// Unknown API failures are treated as transient rather than
		// terminal: a retry is cheap and the alternative is a stuck object.
		return &TransientAPIError{Child: child, Err: err}
	}
}

// IsRetryable reports whether the reconciler should requeue after the error.
// Validation failures are the only terminal class: they cannot succeed until
// the spec changes, and a spec change triggers its own event.
func IsRetryable(err error) bool {
	var validationErr *v1alpha1.ValidationError
	return !errors.As(err, &validationErr)
}

// IsBindingUnresolved reports whether the error is a binding resolution
// failure, which degrades the reconciliation rather than failing it.
func IsBindingUnresolved(err error) bool {
	var resErr *bindings.ResolutionError
	return errors.As(err, &resErr)
}
