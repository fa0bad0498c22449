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

// Package config loads the operator configuration from YAML files and
// environment variables, with environment variables taking precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Configuration represents the complete Microserve operator configuration
type Configuration struct {
	// Controller configuration
	Controller ControllerConfig `yaml:"controller" json:"controller"`

	// Binding catalog configuration
	Bindings BindingsConfig `yaml:"bindings" json:"bindings"`

	// Scheduled full resync configuration
	Resync ResyncConfig `yaml:"resync" json:"resync"`

	// Webhook configuration
	Webhook WebhookConfig `yaml:"webhook" json:"webhook"`

	// Kubernetes client configuration
	Kubernetes KubernetesConfig `yaml:"kubernetes" json:"kubernetes"`

	// Leader election configuration
	LeaderElection LeaderElectionConfig `yaml:"leaderElection" json:"leaderElection"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Metrics and health endpoint configuration
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Rate limiting for child resource writes
	RateLimit RateLimitConfig `yaml:"rateLimit" json:"rateLimit"`
}

// ControllerConfig contains reconciliation loop settings
type ControllerConfig struct {
	Namespace               string        `yaml:"namespace" json:"namespace"`
	MaxConcurrentReconciles int           `yaml:"maxConcurrentReconciles" json:"maxConcurrentReconciles"`
	ResyncInterval          time.Duration `yaml:"resyncInterval" json:"resyncInterval"`
	RetryInterval           time.Duration `yaml:"retryInterval" json:"retryInterval"`
	MaxFailures             int           `yaml:"maxFailures" json:"maxFailures"`
	GracefulShutdownTimeout time.Duration `yaml:"gracefulShutdownTimeout" json:"gracefulShutdownTimeout"`
}

// BindingsConfig points at the service binding catalog consumed by the
// bindings resolver.
type BindingsConfig struct {
	// File is the path to the YAML binding catalog. Empty disables
	// file-backed resolution and every binding reference fails to resolve.
	File string `yaml:"file" json:"file"`

	// Watch enables hot reload of the catalog on file changes.
	Watch bool `yaml:"watch" json:"watch"`
}

// ResyncConfig controls the cron-scheduled full resync sweep
type ResyncConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Schedule string `yaml:"schedule" json:"schedule"`
}

// WebhookConfig contains admission webhook settings
type WebhookConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Port     int    `yaml:"port" json:"port"`
	CertDir  string `yaml:"certDir" json:"certDir"`
	CertName string `yaml:"certName" json:"certName"`
	KeyName  string `yaml:"keyName" json:"keyName"`
}

// KubernetesConfig contains Kubernetes client settings
type KubernetesConfig struct {
	Kubeconfig string        `yaml:"kubeconfig" json:"kubeconfig"`
	QPS        float32       `yaml:"qps" json:"qps"`
	Burst      int           `yaml:"burst" json:"burst"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// LeaderElectionConfig contains leader election settings
type LeaderElectionConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	ID            string        `yaml:"id" json:"id"`
	LeaseDuration time.Duration `yaml:"leaseDuration" json:"leaseDuration"`
	RenewDeadline time.Duration `yaml:"renewDeadline" json:"renewDeadline"`
	RetryPeriod   time.Duration `yaml:"retryPeriod" json:"retryPeriod"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// MetricsConfig contains metrics and health endpoint settings
type MetricsConfig struct {
	BindAddress       string `yaml:"bindAddress" json:"bindAddress"`
	HealthBindAddress string `yaml:"healthBindAddress" json:"healthBindAddress"`
}

// RateLimitConfig contains write budget settings for child resources
type RateLimitConfig struct {
	QPS                  float64 `yaml:"qps" json:"qps"`
	Burst                int     `yaml:"burst" json:"burst"`
	EnableCircuitBreaker bool    `yaml:"enableCircuitBreaker" json:"enableCircuitBreaker"`
}

// DefaultConfiguration returns the default configuration
func DefaultConfiguration() *Configuration {
	return &Configuration{
		Controller: ControllerConfig{
			Namespace:               "microserve-system",
			MaxConcurrentReconciles: 10,
			ResyncInterval:          5 * time.Minute,
			RetryInterval:           15 * time.Second,
			MaxFailures:             5,
			GracefulShutdownTimeout: 30 * time.Second,
		},
		Bindings: BindingsConfig{
			File:  "",
			Watch: true,
		},
		Resync: ResyncConfig{
			Enabled:  true,
			Schedule: "@every 1h",
		},
		Webhook: WebhookConfig{
			Enabled:  true,
			Port:     9443,
			CertDir:  "/tmp/k8s-webhook-server/serving-certs",
			CertName: "tls.crt",
			KeyName:  "tls.key",
		},
		Kubernetes: KubernetesConfig{
			QPS:     20.0,
			Burst:   30,
			Timeout: 30 * time.Second,
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:       true,
			ID:            "microserve-controller-leader",
			LeaseDuration: 15 * time.Second,
			RenewDeadline: 10 * time.Second,
			RetryPeriod:   2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			BindAddress:       ":8080",
			HealthBindAddress: ":8081",
		},
		RateLimit: RateLimitConfig{
			QPS:                  20.0,
			Burst:                30,
			EnableCircuitBreaker: true,
		},
	}
}

// ConfigurationLoader handles loading configuration from multiple sources
type ConfigurationLoader struct {
	config *Configuration
}

// NewConfigurationLoader creates a new configuration loader
func NewConfigurationLoader() *ConfigurationLoader {
	return &ConfigurationLoader{
		config: DefaultConfiguration(),
	}
}

// LoadFromFile loads configuration from a YAML file
func (cl *ConfigurationLoader) LoadFromFile(path string) error {
	if path == "" {
		return nil // No file specified, use defaults
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("configuration file not found: %s", path)
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is validated configuration file
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	if err := yaml.Unmarshal(data, cl.config); err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}

	return nil
}

// LoadFromEnvironment loads configuration from environment variables
func (cl *ConfigurationLoader) LoadFromEnvironment() error {
	envMappings := map[string]func(string) error{
		// Controller configuration
		"MICROSERVE_NAMESPACE":                 cl.setControllerNamespace,
		"MICROSERVE_MAX_CONCURRENT_RECONCILES": cl.setMaxConcurrentReconciles,
		"MICROSERVE_RESYNC_INTERVAL":           cl.setResyncInterval,
		"MICROSERVE_RETRY_INTERVAL":            cl.setRetryInterval,
		"MICROSERVE_MAX_FAILURES":              cl.setMaxFailures,
		"MICROSERVE_GRACEFUL_SHUTDOWN_TIMEOUT": cl.setGracefulShutdownTimeout,

		// Binding catalog configuration
		"MICROSERVE_BINDINGS_FILE":  cl.setBindingsFile,
		"MICROSERVE_BINDINGS_WATCH": cl.setBindingsWatch,

		// Resync configuration
		"MICROSERVE_RESYNC_ENABLED":  cl.setResyncEnabled,
		"MICROSERVE_RESYNC_SCHEDULE": cl.setResyncSchedule,

		// Webhook configuration
		"MICROSERVE_WEBHOOK_ENABLED":   cl.setWebhookEnabled,
		"MICROSERVE_WEBHOOK_PORT":      cl.setWebhookPort,
		"MICROSERVE_WEBHOOK_CERT_DIR":  cl.setWebhookCertDir,
		"MICROSERVE_WEBHOOK_CERT_NAME": cl.setWebhookCertName,
		"MICROSERVE_WEBHOOK_KEY_NAME":  cl.setWebhookKeyName,

		// Kubernetes configuration
		"KUBECONFIG":              cl.setKubeconfig,
		"MICROSERVE_KUBE_QPS":     cl.setKubeQPS,
		"MICROSERVE_KUBE_BURST":   cl.setKubeBurst,
		"MICROSERVE_KUBE_TIMEOUT": cl.setKubeTimeout,

		// Leader election configuration
		"MICROSERVE_LEADER_ELECTION_ENABLED":        cl.setLeaderElectionEnabled,
		"MICROSERVE_LEADER_ELECTION_ID":             cl.setLeaderElectionID,
		"MICROSERVE_LEADER_ELECTION_LEASE_DURATION": cl.setLeaderElectionLeaseDuration,
		"MICROSERVE_LEADER_ELECTION_RENEW_DEADLINE": cl.setLeaderElectionRenewDeadline,
		"MICROSERVE_LEADER_ELECTION_RETRY_PERIOD":   cl.setLeaderElectionRetryPeriod,

		// Logging configuration
		"MICROSERVE_LOG_LEVEL":  cl.setLogLevel,
		"MICROSERVE_LOG_FORMAT": cl.setLogFormat,

		// Metrics configuration
		"MICROSERVE_METRICS_BIND_ADDRESS": cl.setMetricsBindAddress,
		"MICROSERVE_HEALTH_BIND_ADDRESS":  cl.setHealthBindAddress,

		// Rate limit configuration
		"MICROSERVE_RATE_LIMIT_QPS":   cl.setRateLimitQPS,
		"MICROSERVE_RATE_LIMIT_BURST": cl.setRateLimitBurst,
	}

	for envVar, setter := range envMappings {
		if value := os.Getenv(envVar); value != "" {
			if err := setter(value); err != nil {
				return fmt.Errorf("failed to set %s=%s: %w", envVar, value, err)
			}
		}
	}

	return nil
}

// LoadConfiguration loads configuration from file and environment variables
func (cl *ConfigurationLoader) LoadConfiguration(configFile string) (*Configuration, error) {
	// Start with defaults
	cl.config = DefaultConfiguration()

	if configFile != "" {
		if err := cl.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load configuration from file: %w", err)
		}
	}

	// Environment overrides file values
	if err := cl.LoadFromEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}

	if err := cl.ValidateConfiguration(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cl.config, nil
}

// ValidateConfiguration validates the loaded configuration
func (cl *ConfigurationLoader) ValidateConfiguration() error {
	if cl.config.Controller.MaxConcurrentReconciles <= 0 {
		return fmt.Errorf("controller.maxConcurrentReconciles must be positive")
	}
	if cl.config.Controller.ResyncInterval <= 0 {
		return fmt.Errorf("controller.resyncInterval must be positive")
	}
	if cl.config.Controller.RetryInterval <= 0 {
		return fmt.Errorf("controller.retryInterval must be positive")
	}
	if cl.config.Controller.MaxFailures <= 0 {
		return fmt.Errorf("controller.maxFailures must be positive")
	}

	if cl.config.Resync.Enabled {
		if _, err := cron.ParseStandard(cl.config.Resync.Schedule); err != nil {
			return fmt.Errorf("resync.schedule is not a valid cron expression: %w", err)
		}
	}

	if cl.config.Webhook.Enabled {
		if cl.config.Webhook.Port <= 0 || cl.config.Webhook.Port > 65535 {
			return fmt.Errorf("webhook.port must be between 1 and 65535")
		}
		if cl.config.Webhook.CertDir == "" {
			return fmt.Errorf("webhook.certDir is required when webhook is enabled")
		}
	}

	if cl.config.Kubernetes.QPS <= 0 {
		return fmt.Errorf("kubernetes.qps must be positive")
	}
	if cl.config.Kubernetes.Burst <= 0 {
		return fmt.Errorf("kubernetes.burst must be positive")
	}

	if cl.config.LeaderElection.Enabled {
		if cl.config.LeaderElection.LeaseDuration <= 0 {
			return fmt.Errorf("leaderElection.leaseDuration must be positive")
		}
		if cl.config.LeaderElection.RenewDeadline <= 0 {
			return fmt.Errorf("leaderElection.renewDeadline must be positive")
		}
		if cl.config.LeaderElection.RetryPeriod <= 0 {
			return fmt.Errorf("leaderElection.retryPeriod must be positive")
		}
	}

	if cl.config.RateLimit.QPS <= 0 {
		return fmt.Errorf("rateLimit.qps must be positive")
	}
	if cl.config.RateLimit.Burst <= 0 {
		return fmt.Errorf("rateLimit.burst must be positive")
	}

	return nil
}

// SaveToFile saves the current configuration to a YAML file
func (cl *ConfigurationLoader) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(cl.config)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	return nil
}

// GetConfiguration returns the currently loaded configuration
func (cl *ConfigurationLoader) GetConfiguration() *Configuration {
	return cl.config
}

// Helper functions for setting configuration values from environment variables

func (cl *ConfigurationLoader) setControllerNamespace(value string) error {
	cl.config.Controller.Namespace = value
	return nil
}

func (cl *ConfigurationLoader) setMaxConcurrentReconciles(value string) error {
	val, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	cl.config.Controller.MaxConcurrentReconciles = val
	return nil
}

func (cl *ConfigurationLoader) setResyncInterval(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	cl.config.Controller.ResyncInterval = val
	return nil
}

func (cl *ConfigurationLoader) setRetryInterval(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	cl.config.Controller.RetryInterval = val
	return nil
}

func (cl *ConfigurationLoader) setMaxFailures(value string) error {
	val, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	cl.config.Controller.MaxFailures = val
	return nil
}

func (cl *ConfigurationLoader) setGracefulShutdownTimeout(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	cl.config.Controller.GracefulShutdownTimeout = val
	return nil
}

func (cl *ConfigurationLoader) setBindingsFile(value string) error {
	cl.config.Bindings.File = value
	return nil
}

func (cl *ConfigurationLoader) setBindingsWatch(value string) error {
	val, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	cl.config.Bindings.Watch = val
	return nil
}

func (cl *ConfigurationLoader) setResyncEnabled(value string) error {
	val, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	cl.config.Resync.Enabled = val
	return nil
}

func (cl *ConfigurationLoader) setResyncSchedule(value string) error {
	cl.config.Resync.Schedule = value
	return nil
}

func (cl *ConfigurationLoader) setWebhookEnabled(value string) error {
	val, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	cl.config.Webhook.Enabled = val
	return nil
}

func (cl *ConfigurationLoader) setWebhookPort(value string) error {
	val, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	cl.config.Webhook.Port = val
	return nil
}

func (cl *ConfigurationLoader) setWebhookCertDir(value string) error {
	cl.config.Webhook.CertDir = value
	return nil
}

func (cl *ConfigurationLoader) setWebhookCertName(value string) error {
	cl.config.Webhook.CertName = value
	return nil
}

func (cl *ConfigurationLoader) setWebhookKeyName(value string) error {
	cl.config.Webhook.KeyName = value
	return nil
}

func (cl *ConfigurationLoader) setKubeconfig(value string) error {
	cl.config.Kubernetes.Kubeconfig = value
	return nil
}

func (cl *ConfigurationLoader) setKubeQPS(value string) error {
	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return err
	}
	cl.config.Kubernetes.QPS = float32(val)
	return nil
}

func (cl *ConfigurationLoader) setKubeBurst(value string) error {
	val, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	cl.config.Kubernetes.Burst = val
	return nil
}

func (cl *ConfigurationLoader) setKubeTimeout(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	cl.config.Kubernetes.Timeout = val
	return nil
}

func (cl *ConfigurationLoader) setLeaderElectionEnabled(value string) error {
	val, err := strconv.ParseBool(value)
	if err != nil {
		return err
	}
	cl.config.LeaderElection.Enabled = val
	return nil
}

func (cl *ConfigurationLoader) setLeaderElectionID(value string) error {
	cl.config.LeaderElection.ID = value
	return nil
}

func (cl *ConfigurationLoader) setLeaderElectionLeaseDuration(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	cl.config.LeaderElection.LeaseDuration = val
	return nil
}

func (cl *ConfigurationLoader) setLeaderElectionRenewDeadline(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	cl.config.LeaderElection.RenewDeadline = val
	return nil
}

func (cl *ConfigurationLoader) setLeaderElectionRetryPeriod(value string) error {
	val, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	cl.config.LeaderElection.RetryPeriod = val
	return nil
}

func (cl *ConfigurationLoader) setLogLevel(value string) error {
	cl.config.Logging.Level = value
	return nil
}

func (cl *ConfigurationLoader) setLogFormat(value string) error {
	cl.config.Logging.Format = value
	return nil
}

func (cl *ConfigurationLoader) setMetricsBindAddress(value string) error {
	cl.config.Metrics.BindAddress = value
	return nil
}

func (cl *ConfigurationLoader) setHealthBindAddress(value string) error {
	cl.config.Metrics.HealthBindAddress = value
	return nil
}

func (cl *ConfigurationLoader) setRateLimitQPS(value string) error {
	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}
	cl.config.RateLimit.QPS = val
	return nil
}

func (cl *ConfigurationLoader) setRateLimitBurst(value string) error {
	val, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	cl.config.RateLimit.Burst = val
	return nil
}
