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

package webhook

import (
	"context"
	"crypto/tls"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("CertificateWatcher", func() {
	var (
		ctx         context.Context
		cancel      context.CancelFunc
		tempDir     string
		certPath    string
		keyPath     string
		watcher     *CertificateWatcher
		reloadCount int
	)

	reloadCallback := func(cert tls.Certificate) {
		reloadCount++
		_ = cert
	}

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		reloadCount = 0

		var err error
		tempDir, err = os.MkdirTemp("", "cert-watcher-test-*")
		Expect(err).NotTo(HaveOccurred())

		certPath = filepath.Join(tempDir, "tls.crt")
		keyPath = filepath.Join(tempDir, "tls.key")

		Expect(writePlaceholderCertificates(certPath, keyPath)).To(Succeed())
	})

	AfterEach(func() {
		if cancel != nil {
			cancel()
		}
		if tempDir != "" {
			os.RemoveAll(tempDir)
		}
	})

	Describe("NewCertificateWatcher", func() {
		It("should create a new certificate watcher", func() {
			watcher = NewCertificateWatcher(certPath, keyPath, reloadCallback)

			Expect(watcher).NotTo(BeNil())
			Expect(watcher.certPath).To(Equal(certPath))
			Expect(watcher.keyPath).To(Equal(keyPath))
			Expect(watcher.onReload).NotTo(BeNil())
			Expect(watcher.watcher).To(BeNil()) // Not started yet
		})

		It("should handle a nil callback", func() {
			watcher = NewCertificateWatcher(certPath, keyPath, nil)

			Expect(watcher).NotTo(BeNil())
			Expect(watcher.onReload).To(BeNil())
		})
	})

	Describe("Start", func() {
		BeforeEach(func() {
			watcher = NewCertificateWatcher(certPath, keyPath, reloadCallback)
		})

		It("should stop when the context is cancelled", func() {
			done := make(chan error, 1)
			go func() {
				done <- watcher.Start(ctx)
			}()

			time.Sleep(50 * time.Millisecond)
			cancel()

			Eventually(done, 2*time.Second).Should(Receive(BeNil()))
		})

		It("should return an error for a non-existent directory", func() {
			invalidPath := filepath.Join(tempDir, "nonexistent", "cert.pem")
			watcher = NewCertificateWatcher(invalidPath, keyPath, reloadCallback)

			Expect(watcher.Start(ctx)).To(HaveOccurred())
		})
	})

	Describe("reloadCertificate", func() {
		BeforeEach(func() {
			watcher = NewCertificateWatcher(certPath, keyPath, reloadCallback)
		})

		It("should fail for missing certificate files", func() {
			os.Remove(certPath)

			Expect(watcher.reloadCertificate()).To(HaveOccurred())
			Expect(reloadCount).To(Equal(0))
		})

		It("should fail for invalid certificate content", func() {
			Expect(os.WriteFile(certPath, []byte("invalid cert"), 0o644)).To(Succeed())

			Expect(watcher.reloadCertificate()).To(HaveOccurred())
			Expect(reloadCount).To(Equal(0))
		})
	})
})

// writePlaceholderCertificates writes non-parseable placeholder files; tests
// that exercise reload success need real certificates, these only exercise
// the watch loop plumbing.
func writePlaceholderCertificates(certPath, keyPath string) error {
	if err := os.WriteFile(certPath, []byte("dummy cert content"), 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, []byte("dummy key content"), 0o600)
}
