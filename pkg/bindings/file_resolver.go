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

package bindings

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	ctrl "sigs.k8s.io/controller-runtime"
	"gopkg.in/yaml.v3"
)

// FileResolver resolves bindings from a YAML file mapping binding name to
// key/value pairs:
//
//	mysql:
//	  DATABASE_URL: mysql://db:3306/demo
//	redis:
//	  REDIS_URL: redis://cache:6379
//
// The file is typically a mounted ConfigMap; Watch reloads it on change so
// binding updates land on the next reconciliation pass without a restart.
type FileResolver struct {
	path string

	mu       sync.RWMutex
	bindings map[string]map[string]string
	loadErr  error
}

// NewFileResolver creates a resolver for the given file and performs the
// initial load. A missing or malformed file is not fatal: every Resolve
// call reports a retryable ResolutionError until a valid file appears.
func NewFileResolver(path string) *FileResolver {
	r := &FileResolver{path: path}
	r.reload()
	return r
}

// Resolve returns the configuration for the given binding reference.
func (r *FileResolver) Resolve(_ context.Context, ref string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.loadErr != nil {
		return nil, &ResolutionError{Ref: ref, Reason: r.loadErr.Error()}
	}
	data, ok := r.bindings[ref]
	if !ok {
		return nil, &ResolutionError{Ref: ref, Reason: fmt.Sprintf("not declared in %s", r.path)}
	}
	return data, nil
}

// Healthy reports whether the last catalog load succeeded.
func (r *FileResolver) Healthy() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadErr
}

// Watch reloads the bindings file when it changes, until the context is
// cancelled. Reload failures keep the previous data unavailable through
// ResolutionError rather than crashing the watcher.
func (r *FileResolver) Watch(ctx context.Context) error {
	log := ctrl.Log.WithName("bindings-watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: ConfigMap mounts replace the file atomically,
	// which surfaces as Create/Rename events on the parent directory.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	log.Info("Started bindings watcher", "path", r.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != r.path && filepath.Dir(event.Name) != filepath.Dir(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				// Small delay so the write is complete before reading.
				time.Sleep(100 * time.Millisecond)
				r.reload()
				log.Info("Reloaded bindings file", "path", r.path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error(err, "Bindings watcher error")

		case <-ctx.Done():
			return watcher.Close()
		}
	}
}

// reload reads and parses the file, replacing the in-memory table.
func (r *FileResolver) reload() {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		r.setError(fmt.Errorf("reading bindings file: %w", err))
		return
	}

	var parsed map[string]map[string]string
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		r.setError(fmt.Errorf("parsing bindings file: %w", err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = parsed
	r.loadErr = nil
}

func (r *FileResolver) setError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadErr = err
}
