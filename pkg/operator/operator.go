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

package operator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"
	ctrlwebhook "sigs.k8s.io/controller-runtime/pkg/webhook"

	"github.com/ahoma/microserve/internal/config"
	"github.com/ahoma/microserve/internal/server"
	"github.com/ahoma/microserve/pkg/apis/v1alpha1"
	"github.com/ahoma/microserve/pkg/bindings"
	"github.com/ahoma/microserve/pkg/controllers"
	"github.com/ahoma/microserve/pkg/imagemeta"
	"github.com/ahoma/microserve/pkg/logging"
	"github.com/ahoma/microserve/pkg/metrics"
	"github.com/ahoma/microserve/pkg/utils"
	mswebhook "github.com/ahoma/microserve/pkg/webhook"
)

const (
	logLevelDebug = "debug"
	envValueTrue  = "true"
)

// Operator wires the Microservice controller, admission webhooks,
// binding resolution and the status HTTP surface onto a single
// controller-runtime manager.
type Operator struct {
	manager.Manager

	config    *Config
	namespace string

	// Core services
	resolver         bindings.Resolver
	fileResolver     *bindings.FileResolver
	probe            imagemeta.Probe
	metricsCollector *metrics.Collector
	rateLimiter      *utils.RateLimiter

	// Controllers
	controllerManager *controllers.ControllerManager
	resyncScheduler   *ResyncScheduler
	resyncEvents      chan event.GenericEvent

	// Admission webhooks
	defaultingHandler   *mswebhook.DefaultingHandler
	validationHandler   *mswebhook.ValidationHandler
	admissionController *mswebhook.AdmissionController

	// HTTP status surface
	ginEngine     *gin.Engine
	healthChecker *server.HealthChecker
	metricsServer *server.MetricsServer

	kubeClient kubernetes.Interface

	started bool
}

// Config contains the runtime configuration of the operator.
type Config struct {
	// Addresses
	StatusAddr string
	ProbeAddr  string

	// Leader election
	LeaderElection   bool
	LeaderElectionID string

	// Namespace the operator runs in
	Namespace string

	// Controller tuning
	MaxConcurrentReconciles int
	ResyncInterval          time.Duration
	RetryInterval           time.Duration
	MaxFailures             int

	// Binding catalog
	BindingsFile  string
	WatchBindings bool

	// Scheduled full resync; empty disables it
	ResyncSchedule string

	// Image metadata probing
	EnableImageProbe bool

	// Webhook configuration
	EnableWebhook   bool
	RegisterWebhook bool
	WebhookPort     int
	WebhookCertDir  string
	WebhookCertName string
	WebhookKeyName  string

	// Operational configuration
	LogLevel                string
	GracefulShutdownTimeout time.Duration

	// API throttling toward the cluster
	APIQPSLimit   float32
	APIBurstLimit int
}

// DefaultOperatorConfig creates a default configuration.
func DefaultOperatorConfig() *Config {
	return &Config{
		StatusAddr:              ":8080",
		ProbeAddr:               ":8081",
		LeaderElection:          true,
		LeaderElectionID:        "microserve-controller-leader",
		Namespace:               "microserve-system",
		MaxConcurrentReconciles: 10,
		ResyncInterval:          5 * time.Minute,
		RetryInterval:           15 * time.Second,
		MaxFailures:             5,
		WatchBindings:           true,
		ResyncSchedule:          "@every 1h",
		EnableImageProbe:        true,
		EnableWebhook:           true,
		RegisterWebhook:         true,
		WebhookPort:             9443,
		WebhookCertDir:          "/tmp/k8s-webhook-server/serving-certs",
		WebhookCertName:         "tls.crt",
		WebhookKeyName:          "tls.key",
		LogLevel:                "info",
		GracefulShutdownTimeout: 30 * time.Second,
		APIQPSLimit:             20.0,
		APIBurstLimit:           30,
	}
}

// ConfigFromConfiguration maps a loaded configuration file onto the
// operator's runtime config.
func ConfigFromConfiguration(cfg *config.Configuration) *Config {
	operatorConfig := DefaultOperatorConfig()
	if cfg == nil {
		return operatorConfig
	}

	operatorConfig.StatusAddr = cfg.Metrics.BindAddress
	operatorConfig.ProbeAddr = cfg.Metrics.HealthBindAddress
	operatorConfig.Namespace = cfg.Controller.Namespace
	operatorConfig.MaxConcurrentReconciles = cfg.Controller.MaxConcurrentReconciles
	operatorConfig.ResyncInterval = cfg.Controller.ResyncInterval
	operatorConfig.RetryInterval = cfg.Controller.RetryInterval
	operatorConfig.MaxFailures = cfg.Controller.MaxFailures
	operatorConfig.GracefulShutdownTimeout = cfg.Controller.GracefulShutdownTimeout
	operatorConfig.BindingsFile = cfg.Bindings.File
	operatorConfig.WatchBindings = cfg.Bindings.Watch
	if cfg.Resync.Enabled {
		operatorConfig.ResyncSchedule = cfg.Resync.Schedule
	} else {
		operatorConfig.ResyncSchedule = ""
	}
	operatorConfig.EnableWebhook = cfg.Webhook.Enabled
	operatorConfig.WebhookPort = cfg.Webhook.Port
	if cfg.Webhook.CertDir != "" {
		operatorConfig.WebhookCertDir = cfg.Webhook.CertDir
	}
	operatorConfig.WebhookCertName = cfg.Webhook.CertName
	operatorConfig.WebhookKeyName = cfg.Webhook.KeyName
	operatorConfig.LeaderElection = cfg.LeaderElection.Enabled
	operatorConfig.LeaderElectionID = cfg.LeaderElection.ID
	operatorConfig.LogLevel = cfg.Logging.Level
	operatorConfig.APIQPSLimit = cfg.Kubernetes.QPS
	operatorConfig.APIBurstLimit = cfg.Kubernetes.Burst

	return operatorConfig
}

// NewOperator creates a new Microserve operator instance.
func NewOperator(operatorConfig *Config) (*Operator, error) {
	if operatorConfig == nil {
		operatorConfig = DefaultOperatorConfig()
	}

	if err := configFromEnv(operatorConfig); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add client-go scheme: %w", err)
	}
	if err := v1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to add microserve scheme: %w", err)
	}

	setupLogger(operatorConfig.LogLevel)

	managerOptions := ctrl.Options{
		Scheme: scheme,
		Metrics: metricsserver.Options{
			// The gin status server serves /metrics; disable the
			// manager's own endpoint so the address is bound once.
			BindAddress: "0",
		},
		HealthProbeBindAddress:  operatorConfig.ProbeAddr,
		LeaderElection:          operatorConfig.LeaderElection,
		LeaderElectionID:        operatorConfig.LeaderElectionID,
		LeaderElectionNamespace: operatorConfig.Namespace,
		GracefulShutdownTimeout: &operatorConfig.GracefulShutdownTimeout,
	}
	if operatorConfig.EnableWebhook {
		managerOptions.WebhookServer = ctrlwebhook.NewServer(ctrlwebhook.Options{
			Port:     operatorConfig.WebhookPort,
			CertDir:  operatorConfig.WebhookCertDir,
			CertName: operatorConfig.WebhookCertName,
			KeyName:  operatorConfig.WebhookKeyName,
		})
	}

	restConfig := ctrl.GetConfigOrDie()
	restConfig.QPS = operatorConfig.APIQPSLimit
	restConfig.Burst = operatorConfig.APIBurstLimit

	mgr, err := ctrl.NewManager(restConfig, managerOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	kubeClient, err := kubernetes.NewForConfig(mgr.GetConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	operator := &Operator{
		Manager:    mgr,
		config:     operatorConfig,
		namespace:  operatorConfig.Namespace,
		kubeClient: kubeClient,
	}

	if err := operator.initializeCoreServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize core services: %w", err)
	}

	if err := operator.initializeHTTPServer(); err != nil {
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	if err := operator.setupControllers(); err != nil {
		return nil, fmt.Errorf("failed to setup controllers: %w", err)
	}

	if operatorConfig.EnableWebhook {
		if err := operator.setupWebhooks(); err != nil {
			return nil, fmt.Errorf("failed to setup webhooks: %w", err)
		}
	}

	operator.setupHealthChecks()

	return operator, nil
}

// Start starts the operator and blocks until the context is cancelled.
func (o *Operator) Start(ctx context.Context) error {
	if o.started {
		return fmt.Errorf("operator already started")
	}

	setupLog := ctrl.Log.WithName("setup")
	setupLog.Info("Starting Microserve operator",
		"namespace", o.namespace,
		"webhook-enabled", o.config.EnableWebhook,
		"leader-election", o.config.LeaderElection,
		"bindings-file", o.config.BindingsFile,
		"resync-schedule", o.config.ResyncSchedule,
	)

	o.started = true
	return o.Manager.Start(ctx)
}

// IsReady returns true once the operator is started and, when leader
// election is enabled, elected.
func (o *Operator) IsReady() bool {
	if !o.started {
		return false
	}

	if o.Manager == nil {
		return o.started
	}

	if o.config.LeaderElection {
		select {
		case <-o.Elected():
			return true
		default:
			return false
		}
	}

	return o.started
}

// GetConfig returns the operator configuration.
func (o *Operator) GetConfig() *Config {
	return o.config
}

// GetGinEngine returns the status HTTP engine.
func (o *Operator) GetGinEngine() *gin.Engine {
	return o.ginEngine
}

// GetHealthChecker returns the health checker.
func (o *Operator) GetHealthChecker() *server.HealthChecker {
	return o.healthChecker
}

// GetMetricsServer returns the metrics server.
func (o *Operator) GetMetricsServer() *server.MetricsServer {
	return o.metricsServer
}

// GetMetricsCollector returns the metrics collector.
func (o *Operator) GetMetricsCollector() *metrics.Collector {
	return o.metricsCollector
}

// GetResolver returns the binding resolver in use.
func (o *Operator) GetResolver() bindings.Resolver {
	return o.resolver
}

// GetControllerManager returns the controller manager.
func (o *Operator) GetControllerManager() *controllers.ControllerManager {
	return o.controllerManager
}

// CloseProbe releases the image metadata probe's client connection, if
// one was opened.
func (o *Operator) CloseProbe() error {
	if probe, ok := o.probe.(*imagemeta.DockerProbe); ok {
		return probe.Close()
	}
	return nil
}

// initializeCoreServices initializes the domain services shared by the
// controllers and webhooks.
func (o *Operator) initializeCoreServices() error {
	setupLog := ctrl.Log.WithName("setup")

	// Binding resolution
	if o.config.BindingsFile != "" {
		o.fileResolver = bindings.NewFileResolver(o.config.BindingsFile)
		o.resolver = o.fileResolver
	} else {
		o.resolver = bindings.StaticResolver{}
	}

	// Image metadata probing
	o.probe = imagemeta.NoopProbe{}
	if o.config.EnableImageProbe {
		probe, err := imagemeta.NewDockerProbe()
		if err != nil {
			setupLog.Error(err, "Docker probe unavailable, image metadata disabled")
		} else {
			o.probe = probe
		}
	}

	// Metrics
	o.metricsCollector = metrics.NewCollector()

	// Child write throttling
	rateLimiterConfig := utils.DefaultRateLimiterConfig()
	rateLimiterConfig.QPS = float64(o.config.APIQPSLimit)
	rateLimiterConfig.Burst = o.config.APIBurstLimit
	o.rateLimiter = utils.NewRateLimiter(rateLimiterConfig)

	return nil
}

// initializeHTTPServer initializes the status HTTP surface.
func (o *Operator) initializeHTTPServer() error {
	gin.SetMode(gin.ReleaseMode)
	o.ginEngine = gin.New()
	o.ginEngine.Use(gin.Recovery())

	o.healthChecker = server.NewHealthChecker(o.Manager, o.kubeClient, o.namespace)
	if o.fileResolver != nil {
		o.healthChecker.SetBindingsCheck(o.fileResolver.Healthy)
	}

	o.metricsServer = server.NewMetricsServer(o.metricsCollector)

	o.setupHTTPRoutes()

	// Serve the routes for the lifetime of the manager.
	return o.Add(&statusServer{
		addr:            o.config.StatusAddr,
		handler:         o.ginEngine,
		shutdownTimeout: o.config.GracefulShutdownTimeout,
	})
}

// setupHTTPRoutes configures the HTTP routes.
func (o *Operator) setupHTTPRoutes() {
	o.ginEngine.GET("/healthz", o.healthChecker.HealthzHandler)
	o.ginEngine.GET("/readyz", o.healthChecker.ReadyzHandler)

	o.ginEngine.GET("/metrics", o.metricsServer.MetricsHandler)
	o.ginEngine.GET("/metrics/snapshot", o.metricsServer.SnapshotHandler)
}

// setupControllers sets up the Microservice controller and its
// auxiliary runnables.
func (o *Operator) setupControllers() error {
	managerConfig := controllers.DefaultManagerConfig()
	managerConfig.MaxConcurrentReconciles = o.config.MaxConcurrentReconciles
	managerConfig.ResyncInterval = o.config.ResyncInterval
	managerConfig.RetryInterval = o.config.RetryInterval
	managerConfig.MaxFailures = o.config.MaxFailures
	managerConfig.LeaderElection = o.config.LeaderElection

	o.controllerManager = controllers.NewControllerManager(
		o.Manager,
		managerConfig,
		o.resolver,
		o.probe,
		o.metricsCollector,
		o.rateLimiter,
	)

	if o.config.ResyncSchedule != "" {
		o.resyncEvents = make(chan event.GenericEvent)
		scheduler, err := NewResyncScheduler(o.config.ResyncSchedule, o.GetClient(), o.resyncEvents)
		if err != nil {
			return err
		}
		o.resyncScheduler = scheduler
		o.controllerManager.SetResyncChannel(o.resyncEvents)
		if err := o.Add(scheduler); err != nil {
			return fmt.Errorf("failed to add resync scheduler: %w", err)
		}
	}

	if err := o.controllerManager.SetupControllers(); err != nil {
		return err
	}

	if o.fileResolver != nil && o.config.WatchBindings {
		watcher := o.fileResolver
		if err := o.Add(manager.RunnableFunc(func(ctx context.Context) error {
			return watcher.Watch(ctx)
		})); err != nil {
			return fmt.Errorf("failed to add bindings watcher: %w", err)
		}
	}

	return nil
}

// setupWebhooks registers the defaulting and validating admission
// handlers and, when enabled, the webhook configurations.
func (o *Operator) setupWebhooks() error {
	o.defaultingHandler = mswebhook.NewDefaultingHandler(o.GetScheme())
	o.defaultingHandler.SetMetrics(o.metricsCollector)
	o.validationHandler = mswebhook.NewValidationHandler(o.GetScheme())
	o.validationHandler.SetMetrics(o.metricsCollector)

	admissionConfig := mswebhook.DefaultAdmissionConfig()
	admissionConfig.Port = o.config.WebhookPort
	admissionConfig.CertDir = o.config.WebhookCertDir
	admissionConfig.CertName = o.config.WebhookCertName
	admissionConfig.KeyName = o.config.WebhookKeyName
	admissionConfig.ServiceNamespace = o.namespace

	admissionController, err := mswebhook.NewAdmissionController(
		admissionConfig,
		o.kubeClient,
		o.Manager,
		o.defaultingHandler,
		o.validationHandler,
	)
	if err != nil {
		return err
	}
	o.admissionController = admissionController

	// Registration of the webhook configurations against the API
	// server happens once the manager starts.
	if o.config.RegisterWebhook {
		if err := o.Add(admissionController); err != nil {
			return fmt.Errorf("failed to add admission controller: %w", err)
		}
	}

	return nil
}

// setupHealthChecks configures health and readiness checks on the
// manager's probe endpoint.
func (o *Operator) setupHealthChecks() {
	if err := o.AddHealthzCheck("healthz", o.healthChecker.GetHealthzChecker()); err != nil {
		ctrl.Log.Error(err, "failed to add healthz check")
	}

	if err := o.AddReadyzCheck("readyz", o.healthChecker.GetReadyzChecker()); err != nil {
		ctrl.Log.Error(err, "failed to add readyz check")
	}
}

// statusServer serves the gin status routes as a manager runnable so
// startup and shutdown follow the manager lifecycle.
type statusServer struct {
	addr            string
	handler         http.Handler
	shutdownTimeout time.Duration
}

func (s *statusServer) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("status server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// NeedLeaderElection keeps the status endpoints serving on every
// replica, elected or not.
func (s *statusServer) NeedLeaderElection() bool {
	return false
}

// setupLogger configures the controller-runtime logger from the
// structured logging package, falling back to zap development mode.
func setupLogger(level string) {
	logger, err := logging.GetLoggerFromEnv()
	if err != nil {
		ctrl.SetLogger(zap.New(zap.UseDevMode(level == logLevelDebug)))
		return
	}
	ctrl.SetLogger(logger.Logger)
}

// configFromEnv loads overrides from environment variables.
func configFromEnv(operatorConfig *Config) error {
	if addr := os.Getenv("STATUS_ADDR"); addr != "" {
		operatorConfig.StatusAddr = addr
	}
	if addr := os.Getenv("PROBE_ADDR"); addr != "" {
		operatorConfig.ProbeAddr = addr
	}
	if ns := os.Getenv("NAMESPACE"); ns != "" {
		operatorConfig.Namespace = ns
	}
	if file := os.Getenv("BINDINGS_FILE"); file != "" {
		operatorConfig.BindingsFile = file
	}
	if schedule := os.Getenv("RESYNC_SCHEDULE"); schedule != "" {
		operatorConfig.ResyncSchedule = schedule
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		operatorConfig.LogLevel = level
	}
	if os.Getenv("DISABLE_LEADER_ELECTION") == envValueTrue {
		operatorConfig.LeaderElection = false
	}
	if os.Getenv("DISABLE_WEBHOOK") == envValueTrue {
		operatorConfig.EnableWebhook = false
	}
	if os.Getenv("DISABLE_IMAGE_PROBE") == envValueTrue {
		operatorConfig.EnableImageProbe = false
	}

	return nil
}
