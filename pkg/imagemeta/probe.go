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

// Package imagemeta inspects container image references and reports small
// capability descriptors used to decide which opinions the renderer may
// apply. When no probe is available the renderer adds no probes at all:
// absence of metadata disables opinionated defaults rather than guessing.
package imagemeta

import (
	"context"
	"fmt"
	"strconv"
)

// Image config labels recognized by the probes.
const (
	// HealthPathLabel declares the HTTP path of the application's health
	// endpoint, e.g. "/actuator/health".
	HealthPathLabel = "io.microserve.health-path"

	// HealthPortLabel optionally declares the port serving the health
	// endpoint when it differs from the main container port.
	HealthPortLabel = "io.microserve.health-port"
)

// Capabilities describes what an image declared about itself.
type Capabilities struct {
	// HasHealthEndpoint is true when the image declared a health endpoint.
	HasHealthEndpoint bool

	// HealthPath is the HTTP path of the health endpoint.
	HealthPath string

	// HealthPort is the port serving the health endpoint; zero means the
	// main container port.
	HealthPort int32
}

// Probe inspects an image reference. Implementations must treat inspection
// failure as their own failure, never by inventing capabilities.
type Probe interface {
	// Inspect returns the capability descriptor for the given image
	// reference. A retryable error is returned when the backing registry
	// or daemon is unreachable.
	Inspect(ctx context.Context, imageRef string) (Capabilities, error)
}

// NoopProbe is the default Probe: it reports no capabilities and never
// fails, making the renderer's behavior under "no metadata available" total
// and explicit.
type NoopProbe struct{}

// Inspect always returns empty capabilities.
func (NoopProbe) Inspect(_ context.Context, _ string) (Capabilities, error) {
	return Capabilities{}, nil
}

// StaticProbe serves capabilities from a fixed map, keyed by image
// reference. Used in tests and air-gapped setups where metadata is declared
// out of band.
type StaticProbe struct {
	Images map[string]Capabilities
}

// Inspect returns the configured capabilities, or none for unknown images.
func (p StaticProbe) Inspect(_ context.Context, imageRef string) (Capabilities, error) {
	if p.Images == nil {
		return Capabilities{}, nil
	}
	return p.Images[imageRef], nil
}

// capabilitiesFromLabels builds a descriptor from image config labels.
// Shared by the label-reading probe implementations.
func capabilitiesFromLabels(labels map[string]string) (Capabilities, error) {
	path, ok := labels[HealthPathLabel]
	if !ok || path == "" {
		return Capabilities{}, nil
	}

	caps := Capabilities{
		HasHealthEndpoint: true,
		HealthPath:        path,
	}

	if raw, ok := labels[HealthPortLabel]; ok && raw != "" {
		port, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return Capabilities{}, fmt.Errorf("parsing %s label %q: %w", HealthPortLabel, raw, err)
		}
		caps.HealthPort = int32(port)
	}

	return caps, nil
}
