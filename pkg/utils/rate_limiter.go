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

// Package utils provides rate limiting shared by the Microserve controllers:
// a token-bucket budget for child writes, a circuit breaker for persistent
// API failures, and the workqueue backoff used for requeues.
package utils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"
)

// RateLimiterConfig contains configuration for rate limiting
type RateLimiterConfig struct {
	// Basic rate limiting
	QPS   float64
	Burst int

	// Backoff configuration for requeued reconciliations
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Per-kind rate limiting, keyed by child resource kind
	PerKindQPS   map[string]float64
	PerKindBurst map[string]int

	// Circuit breaker configuration
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int

	EnableCircuitBreaker bool
}

// DefaultRateLimiterConfig returns default rate limiter configuration
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		QPS:                  20.0,
		Burst:                30,
		BaseDelay:            1 * time.Second,
		MaxDelay:             60 * time.Second,
		PerKindQPS:           make(map[string]float64),
		PerKindBurst:         make(map[string]int),
		FailureThreshold:     5,
		RecoveryTimeout:      30 * time.Second,
		HalfOpenRequests:     3,
		EnableCircuitBreaker: true,
	}
}

// RateLimiter provides rate limiting and circuit breaking for child writes
type RateLimiter struct {
	config *RateLimiterConfig

	globalLimiter *rate.Limiter

	kindLimiters map[string]*rate.Limiter
	limiterMutex sync.RWMutex

	circuitBreaker *CircuitBreaker

	workqueueLimiter workqueue.RateLimiter
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}

	rl := &RateLimiter{
		config:        config,
		globalLimiter: rate.NewLimiter(rate.Limit(config.QPS), config.Burst),
		kindLimiters:  make(map[string]*rate.Limiter),
	}

	if config.EnableCircuitBreaker {
		rl.circuitBreaker = NewCircuitBreaker(CircuitBreakerConfig{
			FailureThreshold: config.FailureThreshold,
			RecoveryTimeout:  config.RecoveryTimeout,
			HalfOpenRequests: config.HalfOpenRequests,
		})
	}

	rl.workqueueLimiter = workqueue.NewItemExponentialFailureRateLimiter(
		config.BaseDelay,
		config.MaxDelay,
	)

	return rl
}

// Wait waits until the rate limiter allows a request
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.WaitForResource(ctx, "")
}

// WaitForResource waits until the rate limiter allows a write against the
// given child resource kind.
func (rl *RateLimiter) WaitForResource(ctx context.Context, kind string) error {
	if rl.circuitBreaker != nil && !rl.circuitBreaker.CanExecute() {
		return fmt.Errorf("circuit breaker is open for resource: %s", kind)
	}

	return rl.getLimiterForKind(kind).Wait(ctx)
}

// Allow checks if a request is allowed without waiting
func (rl *RateLimiter) Allow() bool {
	return rl.AllowForResource("")
}

// AllowForResource checks if a write against the given kind is allowed
// without waiting.
func (rl *RateLimiter) AllowForResource(kind string) bool {
	if rl.circuitBreaker != nil && !rl.circuitBreaker.CanExecute() {
		return false
	}
	return rl.getLimiterForKind(kind).Allow()
}

// RecordSuccess records a successful operation for the circuit breaker
func (rl *RateLimiter) RecordSuccess() {
	if rl.circuitBreaker != nil {
		rl.circuitBreaker.RecordSuccess()
	}
}

// RecordFailure records a failed operation for the circuit breaker
func (rl *RateLimiter) RecordFailure() {
	if rl.circuitBreaker != nil {
		rl.circuitBreaker.RecordFailure()
	}
}

// GetWorkqueueRateLimiter returns a workqueue-compatible rate limiter for
// controller requeue backoff.
func (rl *RateLimiter) GetWorkqueueRateLimiter() workqueue.RateLimiter {
	return rl.workqueueLimiter
}

// getLimiterForKind gets the rate limiter for a specific child kind
func (rl *RateLimiter) getLimiterForKind(kind string) *rate.Limiter {
	if kind == "" {
		return rl.globalLimiter
	}

	rl.limiterMutex.RLock()
	if limiter, exists := rl.kindLimiters[kind]; exists {
		rl.limiterMutex.RUnlock()
		return limiter
	}
	rl.limiterMutex.RUnlock()

	rl.limiterMutex.Lock()
	defer rl.limiterMutex.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.kindLimiters[kind]; exists {
		return limiter
	}

	qps := rl.config.QPS
	burst := rl.config.Burst
	if kindQPS, exists := rl.config.PerKindQPS[kind]; exists {
		qps = kindQPS
	}
	if kindBurst, exists := rl.config.PerKindBurst[kind]; exists {
		burst = kindBurst
	}

	limiter := rate.NewLimiter(rate.Limit(qps), burst)
	rl.kindLimiters[kind] = limiter
	return limiter
}

// GetCircuitBreakerState returns the current circuit breaker state
func (rl *RateLimiter) GetCircuitBreakerState() CircuitBreakerState {
	if rl.circuitBreaker == nil {
		return CircuitBreakerStateClosed
	}
	return rl.circuitBreaker.GetState()
}

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int

const (
	CircuitBreakerStateClosed CircuitBreakerState = iota
	CircuitBreakerStateOpen
	CircuitBreakerStateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerStateClosed:
		return "closed"
	case CircuitBreakerStateOpen:
		return "open"
	case CircuitBreakerStateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig contains configuration for circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int
}

// CircuitBreaker implements a circuit breaker pattern
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state            CircuitBreakerState
	failures         int
	lastFailureTime  time.Time
	halfOpenRequests int

	mutex sync.RWMutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		config: config,
		state:  CircuitBreakerStateClosed,
	}
}

// CanExecute checks if a request can be executed
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case CircuitBreakerStateClosed:
		return true
	case CircuitBreakerStateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.state = CircuitBreakerStateHalfOpen
			cb.halfOpenRequests = 0
			return true
		}
		return false
	case CircuitBreakerStateHalfOpen:
		return cb.halfOpenRequests < cb.config.HalfOpenRequests
	default:
		return false
	}
}

// RecordSuccess records a successful operation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case CircuitBreakerStateHalfOpen:
		cb.halfOpenRequests++
		if cb.halfOpenRequests >= cb.config.HalfOpenRequests {
			cb.state = CircuitBreakerStateClosed
			cb.failures = 0
		}
	case CircuitBreakerStateClosed:
		cb.failures = 0
	}
}

// RecordFailure records a failed operation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failures++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case CircuitBreakerStateClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitBreakerStateOpen
		}
	case CircuitBreakerStateHalfOpen:
		cb.state = CircuitBreakerStateOpen
	}
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}
