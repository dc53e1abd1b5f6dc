package config_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/durableflow/internal/config"
	"github.com/jordigilh/durableflow/internal/obslog"
)

const initialYAML = `
httpAddr: ":8080"
pollingInterval: 50ms
leaseTTL: 30s
maxBatch: 1
store:
  backend: memory
`

const reloadedYAML = `
httpAddr: ":8080"
pollingInterval: 250ms
leaseTTL: 30s
maxBatch: 5
store:
  backend: memory
`

var _ = Describe("Watcher", func() {
	var (
		path string
		ctx  context.Context
		stop context.CancelFunc
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		path = filepath.Join(dir, "durableflowd.yaml")
		Expect(os.WriteFile(path, []byte(initialYAML), 0o644)).To(Succeed())
		ctx, stop = context.WithCancel(context.Background())
	})

	AfterEach(func() { stop() })

	It("picks up pollingInterval/leaseTTL/maxBatch changes from disk", func() {
		w, err := config.NewWatcher(path, obslog.Discard())
		Expect(err).ToNot(HaveOccurred())
		Expect(w.Current().MaxBatch).To(Equal(1))

		go w.Run(ctx)

		Expect(os.WriteFile(path, []byte(reloadedYAML), 0o644)).To(Succeed())

		Eventually(func() int {
			return w.Current().MaxBatch
		}, time.Second, 10*time.Millisecond).Should(Equal(5))
		Expect(w.Current().PollingInterval.Std()).To(Equal(250 * time.Millisecond))
	})

	It("keeps the previous config when a reload produces invalid YAML", func() {
		w, err := config.NewWatcher(path, obslog.Discard())
		Expect(err).ToNot(HaveOccurred())

		go w.Run(ctx)

		Expect(os.WriteFile(path, []byte("not: [valid"), 0o644)).To(Succeed())

		Consistently(func() int {
			return w.Current().MaxBatch
		}, 200*time.Millisecond, 10*time.Millisecond).Should(Equal(1))
	})
})
