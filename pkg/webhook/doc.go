/*
Package webhook implements admission webhooks for Microservice resources.

Two handlers are served by the manager's webhook server:

DefaultingHandler fills in omitted spec fields on CREATE and UPDATE:
  - spec.port defaults to 8080 in expansion mode
  - spec.expose.path defaults to "/"
  - spec.target.kind defaults to "Deployment"

ValidationHandler rejects specs the reconciler would mark Failed anyway,
so authors get the violation at kubectl apply time instead of in status:
  - exactly one of spec.image / spec.target must be set
  - binding references and names must be DNS-1123 subdomains
  - injection targets must be Deployments

AdmissionController owns the TLS material and registers the
MutatingWebhookConfiguration and ValidatingWebhookConfiguration with the
API server. While running it watches the certificate pair with a
CertificateWatcher and republishes the CA bundle to both configurations
when cert-manager rotates it, without restarting the controller.

# Usage

	defaulter := webhook.NewDefaultingHandler(mgr.GetScheme())
	validator := webhook.NewValidationHandler(mgr.GetScheme())

	admissionController, err := webhook.NewAdmissionController(
		webhook.DefaultAdmissionConfig(), kubeClient, mgr, defaulter, validator)
	if err != nil {
		return err
	}
	if err := admissionController.Start(ctx); err != nil {
		return err
	}

Both handlers re-use the same Validate and default rules the reconciler
applies, so admission and reconciliation can never disagree about what a
valid spec looks like.
*/
package webhook
