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
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"gomodules.xyz/jsonpatch/v2"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apiequality "k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlbuilder "sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/source"

	"github.com/ahoma/microserve/internal/annotations"
	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
	"github.com/ahoma/microserve/pkg/bindings"
	"github.com/ahoma/microserve/pkg/imagemeta"
	"github.com/ahoma/microserve/pkg/render"
	"github.com/ahoma/microserve/pkg/utils"
)

// MetricsRecorder interface for recording reconciliation metrics
type MetricsRecorder interface {
	RecordReconciliation(namespace, name, mode string, duration time.Duration, err error)
	RecordChildOperation(kind, action string, err error)
	SetManaged(namespace, name string, managed bool)
}

// MicroserviceReconciler reconciles Microservice objects into their child
// Deployment, Service, Ingress and ConfigMap resources, or patches a
// pre-existing target Deployment when a target reference is set.
type MicroserviceReconciler struct {
	client.Client
	// APIReader bypasses the cache for child state reads so convergence
	// decisions never act on stale data.
	APIReader client.Reader
	Scheme    *runtime.Scheme

	Renderer         *render.Renderer
	Resolver         bindings.Resolver
	Probe            imagemeta.Probe
	Recorder         record.EventRecorder
	AnnotationParser *annotations.AnnotationParser
	MetricsCollector MetricsRecorder
	RateLimiter      *utils.RateLimiter

	// ResyncInterval is the steady-state requeue period once converged.
	ResyncInterval time.Duration
	// RetryInterval is the requeue period while converging or degraded.
	RetryInterval time.Duration
	// MaxFailures bounds consecutive failed passes before the object is
	// marked Failed instead of retrying forever.
	MaxFailures         int
	MaxConcurrentRecons int

	// ResyncEvents, when set, feeds externally scheduled reconcile
	// requests (periodic catalog resyncs) into the work queue.
	ResyncEvents <-chan event.GenericEvent

	// Consecutive failure count per object, reset on success.
	failureCounts sync.Map // map[string]int

	reconcileCount atomic.Int64
	errorCount     atomic.Int64
}

// NewMicroserviceReconciler creates a reconciler with default timings.
func NewMicroserviceReconciler(c client.Client, reader client.Reader, scheme *runtime.Scheme) *MicroserviceReconciler {
	return &MicroserviceReconciler{
		Client:              c,
		APIReader:           reader,
		Scheme:              scheme,
		Renderer:            render.NewRenderer(),
		Resolver:            bindings.StaticResolver{},
		Probe:               imagemeta.NoopProbe{},
		AnnotationParser:    annotations.NewAnnotationParser(),
		ResyncInterval:      5 * time.Minute,
		RetryInterval:       15 * time.Second,
		MaxFailures:         5,
		MaxConcurrentRecons: 10,
	}
}

//+kubebuilder:rbac:groups=microserve.io,resources=microservices,verbs=get;list;watch
//+kubebuilder:rbac:groups=microserve.io,resources=microservices/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=apps,resources=deployments,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups="",resources=services;configmaps,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=networking.k8s.io,resources=ingresses,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile drives one Microservice toward its desired state.
func (r *MicroserviceReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	r.reconcileCount.Add(1)
	start := time.Now()

	logger := NewControllerLogger(ctx, "microservice-controller", req, "Microservice")
	logger.V(2).Info("Starting reconciliation")

	var ms v1alpha1.Microservice
	if err := r.Get(ctx, req.NamespacedName, &ms); err != nil {
		if apierrors.IsNotFound(err) {
			// Children are garbage collected through owner references;
			// nothing to do here beyond dropping local tracking state.
			r.failureCounts.Delete(req.String())
			if r.MetricsCollector != nil {
				r.MetricsCollector.SetManaged(req.Namespace, req.Name, false)
			}
			logger.V(1).Info("Microservice not found, cleaning up tracking state")
			return ctrl.Result{}, nil
		}
		r.errorCount.Add(1)
		logger.ReconcileFailed(err, "Failed to get Microservice")
		return ctrl.Result{}, err
	}

	if !ms.DeletionTimestamp.IsZero() {
		logger.V(1).Info("Microservice is being deleted, children follow via garbage collection")
		return ctrl.Result{}, nil
	}

	if r.AnnotationParser.IsPaused(&ms) {
		logger.Info("Reconciliation paused by annotation")
		r.event(&ms, corev1.EventTypeNormal, v1alpha1.ReasonPaused, "Reconciliation paused by %s annotation", annotations.PausedAnnotation)
		return ctrl.Result{}, r.patchStatus(ctx, &ms, func(status *v1alpha1.MicroserviceStatus) {
			status.SetCondition(v1alpha1.ConditionReady, metav1.ConditionFalse,
				v1alpha1.ReasonPaused, "reconciliation paused", ms.Generation)
		})
	}

	if r.MetricsCollector != nil {
		r.MetricsCollector.SetManaged(ms.Namespace, ms.Name, true)
	}

	if err := ms.Validate(); err != nil {
		logger.ValidationRejected(err)
		r.event(&ms, corev1.EventTypeWarning, v1alpha1.ReasonValidationFailed, "%v", err)
		// Terminal until the spec changes, so no requeue.
		return ctrl.Result{}, r.patchStatus(ctx, &ms, func(status *v1alpha1.MicroserviceStatus) {
			status.Phase = v1alpha1.MicroservicePhaseFailed
			status.ObservedGeneration = ms.Generation
			status.SetCondition(v1alpha1.ConditionValidated, metav1.ConditionFalse,
				v1alpha1.ReasonValidationFailed, err.Error(), ms.Generation)
			status.SetCondition(v1alpha1.ConditionReady, metav1.ConditionFalse,
				v1alpha1.ReasonValidationFailed, "spec failed validation", ms.Generation)
		})
	}

	mode := "expansion"
	if ms.InjectionMode() {
		mode = "injection"
	}

	var passErr error
	if ms.InjectionMode() {
		passErr = r.reconcileInjection(ctx, &ms, logger)
	} else {
		passErr = r.reconcileChildren(ctx, &ms, logger)
	}

	if r.MetricsCollector != nil {
		r.MetricsCollector.RecordReconciliation(ms.Namespace, ms.Name, mode, time.Since(start), passErr)
	}

	return r.finishPass(ctx, &ms, logger, passErr)
}

// reconcileChildren converges the rendered child set for an expansion-mode
// Microservice: create missing children, update diverged ones, delete extras.
func (r *MicroserviceReconciler) reconcileChildren(ctx context.Context, ms *v1alpha1.Microservice, logger *ControllerLogger) error {
	in := render.Inputs{}

	bindingData, bindingErr := bindings.ResolveAll(ctx, r.Resolver, ms.Spec.Bindings)
	if bindingErr != nil {
		// Degraded pass: the Service and Ingress carry no binding data and
		// still converge, but the Deployment and ConfigMap wait for
		// resolution.
		logger.Info("Binding resolution failed, converging binding-independent children", "error", bindingErr.Error())
		r.event(ms, corev1.EventTypeWarning, v1alpha1.ReasonBindingUnresolved, "%v", bindingErr)
	} else {
		in.BindingData = bindingData
	}

	caps, err := r.Probe.Inspect(ctx, ms.Spec.Image)
	if err != nil {
		// Image metadata only enriches the render; probe failures fall
		// back to a probeless Deployment rather than blocking.
		logger.V(1).Info("Image metadata probe failed", "image", ms.Spec.Image, "error", err.Error())
	} else {
		in.Capabilities = caps
	}

	desired, err := r.Renderer.Render(ms, in)
	if err != nil {
		return err
	}

	observed, err := observedChildren(ctx, r.reader(), ms)
	if err != nil {
		return classifyAPIError("children", err)
	}

	// Converge each child independently so one failure does not block the
	// siblings. Errors are joined and classified for the requeue decision.
	var childErrs []error
	for _, obj := range desired.Objects() {
		if bindingErr != nil && consumesBindings(kindOf(obj)) {
			continue
		}
		if err := r.ensureChild(ctx, ms, obj, observed, logger); err != nil {
			childErrs = append(childErrs, err)
		}
	}

	if bindingErr == nil {
		for _, extra := range extraChildren(desired, observed) {
			kind := kindOf(extra)
			err := r.Delete(ctx, extra)
			if err != nil && !apierrors.IsNotFound(err) {
				childErrs = append(childErrs, classifyAPIError(kind+"/"+extra.GetName(), err))
				continue
			}
			logger.ChildConverged(kind, extra.GetName(), "delete")
			if r.MetricsCollector != nil {
				r.MetricsCollector.RecordChildOperation(kind, "delete", err)
			}
		}
	}

	if bindingErr != nil {
		childErrs = append(childErrs, bindingErr)
	}
	return errors.Join(childErrs...)
}

// ensureChild creates the child if absent, or updates it when its managed
// fields diverge from the render. A converged child produces no write.
func (r *MicroserviceReconciler) ensureChild(ctx context.Context, ms *v1alpha1.Microservice, desired client.Object, observed map[childKey]client.Object, logger *ControllerLogger) error {
	kind := kindOf(desired)
	name := desired.GetName()
	childID := kind + "/" + name

	if err := controllerutil.SetControllerReference(ms, desired, r.Scheme); err != nil {
		return fmt.Errorf("setting owner reference on %s: %w", childID, err)
	}

	existing, exists := observed[childKey{Kind: kind, Name: name}]
	if !exists {
		if err := r.waitForWriteBudget(ctx, kind); err != nil {
			return err
		}
		if err := r.Create(ctx, desired); err != nil {
			if r.MetricsCollector != nil {
				r.MetricsCollector.RecordChildOperation(kind, "create", err)
			}
			// Another pass may have created it between list and create.
			if apierrors.IsAlreadyExists(err) {
				return &ConflictError{Child: childID, Err: err}
			}
			return classifyAPIError(childID, err)
		}
		logger.ChildConverged(kind, name, "create")
		if r.MetricsCollector != nil {
			r.MetricsCollector.RecordChildOperation(kind, "create", nil)
		}
		return nil
	}

	if !childDiverged(desired, existing) {
		logger.V(2).Info("Child already converged", "child", childID)
		return nil
	}

	patched := existing.DeepCopyObject().(client.Object)
	copyManagedFields(desired, patched)

	if err := r.waitForWriteBudget(ctx, kind); err != nil {
		return err
	}
	// The optimistic lock turns a write racing a concurrent edit into a 409
	// instead of silently overwriting it; the conflict path retries with a
	// fresh read.
	err := r.Patch(ctx, patched, client.MergeFromWithOptions(existing, client.MergeFromWithOptimisticLock{}))
	if r.MetricsCollector != nil {
		r.MetricsCollector.RecordChildOperation(kind, "update", err)
	}
	if err != nil {
		return classifyAPIError(childID, err)
	}
	logger.ChildConverged(kind, name, "update")
	return nil
}

// reconcileInjection patches the referenced Deployment in place. The target
// is never owned and never deleted; only additive fields are written.
func (r *MicroserviceReconciler) reconcileInjection(ctx context.Context, ms *v1alpha1.Microservice, logger *ControllerLogger) error {
	var target appsv1.Deployment
	key := types.NamespacedName{Namespace: ms.Namespace, Name: ms.Spec.Target.Name}
	if err := r.reader().Get(ctx, key, &target); err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("Injection target not found", "target", key.Name)
			r.event(ms, corev1.EventTypeWarning, v1alpha1.ReasonTargetMissing, "target Deployment %q not found", key.Name)
			return &TransientAPIError{Child: "Deployment/" + key.Name, Err: err}
		}
		return classifyAPIError("Deployment/"+key.Name, err)
	}

	bindingData, err := bindings.ResolveAll(ctx, r.Resolver, ms.Spec.Bindings)
	if err != nil {
		r.event(ms, corev1.EventTypeWarning, v1alpha1.ReasonBindingUnresolved, "%v", err)
		return err
	}
	bindingEnv := render.BindingEnv(ms, bindingData)

	// Probe the target's actual image: in injection mode the Microservice
	// spec carries no image of its own.
	caps := imagemeta.Capabilities{}
	if len(target.Spec.Template.Spec.Containers) > 0 {
		image := target.Spec.Template.Spec.Containers[0].Image
		if probed, probeErr := r.Probe.Inspect(ctx, image); probeErr == nil {
			caps = probed
		} else {
			logger.V(1).Info("Image metadata probe failed", "image", image, "error", probeErr.Error())
		}
	}

	ops, err := render.RenderInjectionPatch(ms, &target, caps, bindingEnv)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		logger.V(2).Info("Injection target already converged", "target", key.Name)
		return nil
	}

	// The test op rejects the patch when the target moved between the read
	// and the write, so a concurrent edit is retried instead of clobbered.
	ops = append([]jsonpatch.Operation{
		jsonpatch.NewOperation("test", "/metadata/resourceVersion", target.ResourceVersion),
	}, ops...)

	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("marshalling injection patch: %w", err)
	}

	if err := r.waitForWriteBudget(ctx, "Deployment"); err != nil {
		return err
	}
	err = r.Patch(ctx, &target, client.RawPatch(types.JSONPatchType, payload))
	if r.MetricsCollector != nil {
		r.MetricsCollector.RecordChildOperation("Deployment", "inject", err)
	}
	if err != nil {
		return classifyAPIError("Deployment/"+key.Name, err)
	}

	logger.ChildConverged("Deployment", key.Name, "inject")
	r.event(ms, corev1.EventTypeNormal, v1alpha1.ReasonTargetPatched, "patched target Deployment %q", key.Name)
	return nil
}

// finishPass folds the pass outcome into status and decides the requeue.
func (r *MicroserviceReconciler) finishPass(ctx context.Context, ms *v1alpha1.Microservice, logger *ControllerLogger, passErr error) (ctrl.Result, error) {
	objKey := client.ObjectKeyFromObject(ms).String()

	if passErr == nil {
		r.failureCounts.Delete(objKey)

		if err := r.patchStatus(ctx, ms, func(status *v1alpha1.MicroserviceStatus) {
			status.Phase = v1alpha1.MicroservicePhaseReady
			status.ObservedGeneration = ms.Generation
			status.Children = r.childStatuses(ms)
			status.SetCondition(v1alpha1.ConditionValidated, metav1.ConditionTrue,
				v1alpha1.ReasonSpecValid, "spec passed validation", ms.Generation)
			convergedReason := v1alpha1.ReasonChildrenConverged
			if ms.InjectionMode() {
				convergedReason = v1alpha1.ReasonTargetPatched
			}
			status.SetCondition(v1alpha1.ConditionConverged, metav1.ConditionTrue,
				convergedReason, "all managed resources match the desired state", ms.Generation)
			status.SetCondition(v1alpha1.ConditionReady, metav1.ConditionTrue,
				convergedReason, "reconciliation complete", ms.Generation)
		}); err != nil {
			return ctrl.Result{}, err
		}

		requeueAfter := r.ResyncInterval
		if override, err := r.AnnotationParser.RequeueAfter(ms); err != nil {
			logger.Info("Ignoring malformed requeue-after annotation", "error", err.Error())
		} else if override > 0 {
			requeueAfter = override
		}
		logger.ReconcileCompleted("Reconciliation completed successfully", false, requeueAfter)
		return ctrl.Result{RequeueAfter: requeueAfter}, nil
	}

	r.errorCount.Add(1)

	failures := 1
	if prev, ok := r.failureCounts.Load(objKey); ok {
		failures = prev.(int) + 1
	}
	r.failureCounts.Store(objKey, failures)

	convergedReason := v1alpha1.ReasonConvergencePending
	if IsBindingUnresolved(passErr) {
		convergedReason = v1alpha1.ReasonBindingUnresolved
	}

	exhausted := failures >= r.MaxFailures
	if err := r.patchStatus(ctx, ms, func(status *v1alpha1.MicroserviceStatus) {
		status.ObservedGeneration = ms.Generation
		status.Children = r.childStatuses(ms)
		status.SetCondition(v1alpha1.ConditionValidated, metav1.ConditionTrue,
			v1alpha1.ReasonSpecValid, "spec passed validation", ms.Generation)
		if exhausted {
			status.Phase = v1alpha1.MicroservicePhaseFailed
			status.SetCondition(v1alpha1.ConditionConverged, metav1.ConditionFalse,
				v1alpha1.ReasonRetriesExhausted, passErr.Error(), ms.Generation)
			status.SetCondition(v1alpha1.ConditionReady, metav1.ConditionFalse,
				v1alpha1.ReasonRetriesExhausted, fmt.Sprintf("giving up after %d failed passes", failures), ms.Generation)
		} else {
			status.Phase = v1alpha1.MicroservicePhaseConverging
			status.SetCondition(v1alpha1.ConditionConverged, metav1.ConditionFalse,
				convergedReason, passErr.Error(), ms.Generation)
			status.SetCondition(v1alpha1.ConditionReady, metav1.ConditionFalse,
				convergedReason, "waiting for children to converge", ms.Generation)
		}
	}); err != nil {
		return ctrl.Result{}, err
	}

	if exhausted {
		logger.ReconcileFailed(passErr, "Retries exhausted, marking Failed")
		r.event(ms, corev1.EventTypeWarning, v1alpha1.ReasonRetriesExhausted, "%v", passErr)
		// A spec edit bumps the generation and starts a fresh attempt;
		// until then retrying would only repeat the same failure.
		r.failureCounts.Delete(objKey)
		return ctrl.Result{}, nil
	}
	if !IsRetryable(passErr) {
		logger.ReconcileFailed(passErr, "Non-retryable reconciliation error")
		return ctrl.Result{}, nil
	}

	logger.ReconcileFailed(passErr, "Reconciliation pass failed, will retry")
	return ctrl.Result{RequeueAfter: r.retryInterval(passErr, failures)}, nil
}

// retryInterval picks the backoff for a failed pass. Quota exhaustion gets a
// longer delay since retrying quickly cannot help.
func (r *MicroserviceReconciler) retryInterval(err error, failures int) time.Duration {
	base := r.RetryInterval
	var quotaErr *QuotaExceededError
	if errors.As(err, &quotaErr) {
		base = 4 * r.RetryInterval
	}

	backoff := base
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= 5*time.Minute {
			return 5 * time.Minute
		}
	}
	return backoff
}

// childStatuses reports the set of managed child identities for status.
func (r *MicroserviceReconciler) childStatuses(ms *v1alpha1.Microservice) []v1alpha1.ChildStatus {
	if ms.InjectionMode() {
		return []v1alpha1.ChildStatus{{Kind: "Deployment", Name: ms.Spec.Target.Name}}
	}

	children := []v1alpha1.ChildStatus{
		{Kind: "Deployment", Name: ms.Name},
		{Kind: "Service", Name: ms.Name},
	}
	if len(ms.Spec.Bindings) > 0 {
		children = append(children, v1alpha1.ChildStatus{Kind: "ConfigMap", Name: ms.Name + render.EnvConfigSuffix})
	}
	if ms.Spec.Expose != nil {
		children = append(children, v1alpha1.ChildStatus{Kind: "Ingress", Name: ms.Name})
	}
	return children
}

// patchStatus applies a status mutation, skipping the write entirely when
// nothing changed so converged objects produce zero API traffic.
func (r *MicroserviceReconciler) patchStatus(ctx context.Context, ms *v1alpha1.Microservice, mutate func(*v1alpha1.MicroserviceStatus)) error {
	updated := ms.DeepCopy()
	mutate(&updated.Status)

	if apiequality.Semantic.DeepEqual(ms.Status, updated.Status) {
		return nil
	}
	if err := r.Status().Update(ctx, updated); err != nil {
		if apierrors.IsConflict(err) {
			// Lost a status race; the enqueued event retries with a
			// fresh read.
			return &ConflictError{Child: "status", Err: err}
		}
		return classifyAPIError("status", err)
	}
	updated.Status.DeepCopyInto(&ms.Status)
	return nil
}

func (r *MicroserviceReconciler) reader() client.Reader {
	if r.APIReader != nil {
		return r.APIReader
	}
	return r.Client
}

func (r *MicroserviceReconciler) event(ms *v1alpha1.Microservice, eventType, reason, format string, args ...any) {
	if r.Recorder == nil {
		return
	}
	r.Recorder.Eventf(ms, eventType, reason, format, args...)
}

// waitForWriteBudget blocks until the shared rate limiter allows another
// write against the given resource kind.
func (r *MicroserviceReconciler) waitForWriteBudget(ctx context.Context, kind string) error {
	if r.RateLimiter == nil {
		return nil
	}
	if err := r.RateLimiter.WaitForResource(ctx, kind); err != nil {
		return &TransientAPIError{Child: kind, Err: err}
	}
	return nil
}

// consumesBindings reports whether a child kind embeds binding data and must
// therefore wait out a resolution failure.
func consumesBindings(kind string) bool {
	return kind == "Deployment" || kind == "ConfigMap"
}

// childDiverged reports whether the live child no longer matches the render
// on the fields this controller manages. DeepDerivative ignores fields the
// render leaves empty, so server-side defaulting does not read as drift.
func childDiverged(desired, existing client.Object) bool {
	if labelsDiverged(desired, existing) {
		return true
	}

	switch d := desired.(type) {
	case *appsv1.Deployment:
		e := existing.(*appsv1.Deployment)
		return !apiequality.Semantic.DeepDerivative(d.Spec, e.Spec)
	case *corev1.Service:
		e := existing.(*corev1.Service)
		return !apiequality.Semantic.DeepDerivative(d.Spec, e.Spec)
	case *networkingv1.Ingress:
		e := existing.(*networkingv1.Ingress)
		return !apiequality.Semantic.DeepDerivative(d.Spec, e.Spec)
	case *corev1.ConfigMap:
		e := existing.(*corev1.ConfigMap)
		// Stale keys must be pruned, so the comparison is exact.
		return !apiequality.Semantic.DeepEqual(d.Data, e.Data)
	default:
		return true
	}
}

// labelsDiverged reports whether a managed label is missing or rewritten on
// the live object. Labels added by others are not drift.
func labelsDiverged(desired, existing client.Object) bool {
	have := existing.GetLabels()
	for k, v := range desired.GetLabels() {
		if have[k] != v {
			return true
		}
	}
	return false
}

// copyManagedFields writes the rendered fields onto the live object, keeping
// server-populated metadata intact for the merge patch. Managed labels are
// merged in rather than replacing the label set, matching labelsDiverged.
func copyManagedFields(desired, onto client.Object) {
	labels := onto.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	for k, v := range desired.GetLabels() {
		labels[k] = v
	}
	onto.SetLabels(labels)

	switch d := desired.(type) {
	case *appsv1.Deployment:
		d.Spec.DeepCopyInto(&onto.(*appsv1.Deployment).Spec)
	case *corev1.Service:
		o := onto.(*corev1.Service)
		// ClusterIP and allocation fields are immutable and server-owned.
		clusterIP := o.Spec.ClusterIP
		clusterIPs := o.Spec.ClusterIPs
		d.Spec.DeepCopyInto(&o.Spec)
		o.Spec.ClusterIP = clusterIP
		o.Spec.ClusterIPs = clusterIPs
	case *networkingv1.Ingress:
		d.Spec.DeepCopyInto(&onto.(*networkingv1.Ingress).Spec)
	case *corev1.ConfigMap:
		o := onto.(*corev1.ConfigMap)
		o.Data = map[string]string{}
		for k, v := range d.Data {
			o.Data[k] = v
		}
	}
}

// GetReconcileCount returns the total number of reconciliations performed
func (r *MicroserviceReconciler) GetReconcileCount() int64 {
	return r.reconcileCount.Load()
}

// GetErrorCount returns the total number of reconciliation errors
func (r *MicroserviceReconciler) GetErrorCount() int64 {
	return r.errorCount.Load()
}

// microservicePredicates filters Microservice events so that status-only
// writes do not re-trigger rendering for the same generation: only spec
// edits (generation bumps) and annotation changes reach the queue. Child
// events and the periodic resync still drive full passes.
func microservicePredicates() predicate.Predicate {
	return predicate.Or(
		predicate.GenerationChangedPredicate{},
		predicate.AnnotationChangedPredicate{},
	)
}

// SetupWithManager sets up the controller with the Manager
func (r *MicroserviceReconciler) SetupWithManager(mgr ctrl.Manager) error {
	opts := controller.Options{
		MaxConcurrentReconciles: r.MaxConcurrentRecons,
	}
	if r.RateLimiter != nil {
		opts.RateLimiter = r.RateLimiter.GetWorkqueueRateLimiter()
	}

	bldr := ctrl.NewControllerManagedBy(mgr).
		For(&v1alpha1.Microservice{}, ctrlbuilder.WithPredicates(microservicePredicates())).
		Owns(&appsv1.Deployment{}).
		Owns(&corev1.Service{}).
		Owns(&networkingv1.Ingress{}).
		Owns(&corev1.ConfigMap{}).
		WithOptions(opts)

	if r.ResyncEvents != nil {
		bldr = bldr.WatchesRawSource(
			&source.Channel{Source: r.ResyncEvents},
			&handler.EnqueueRequestForObject{})
	}

	return bldr.Complete(r)
}
