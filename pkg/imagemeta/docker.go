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

package imagemeta

import (
	"context"
	"fmt"

	"github.com/distribution/reference"
	"github.com/docker/docker/client"
)

// DockerProbe reads capability labels from image config through a Docker
// Engine API. The daemon must already hold the image (the probe never
// pulls); a missing image yields empty capabilities rather than an error so
// that probe injection degrades to explicit-opinions-only.
type DockerProbe struct {
	cli *client.Client
}

// NewDockerProbe initializes the probe from environment variables
// (DOCKER_HOST etc.) with API version negotiation.
func NewDockerProbe() (*DockerProbe, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerProbe{cli: cli}, nil
}

// Inspect normalizes the reference and reads the image config labels.
func (p *DockerProbe) Inspect(ctx context.Context, imageRef string) (Capabilities, error) {
	named, err := reference.ParseNormalizedNamed(imageRef)
	if err != nil {
		return Capabilities{}, fmt.Errorf("parsing image reference %q: %w", imageRef, err)
	}

	inspect, _, err := p.cli.ImageInspectWithRaw(ctx, reference.FamiliarString(named))
	if err != nil {
		if client.IsErrNotFound(err) {
			return Capabilities{}, nil
		}
		return Capabilities{}, fmt.Errorf("inspecting image %q: %w", imageRef, err)
	}

	if inspect.Config == nil {
		return Capabilities{}, nil
	}
	return capabilitiesFromLabels(inspect.Config.Labels)
}

// Close releases the underlying client connection.
func (p *DockerProbe) Close() error {
	return p.cli.Close()
}
