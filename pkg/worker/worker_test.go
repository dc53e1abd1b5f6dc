package worker_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/durableflow/internal/obslog"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/executor"
	"github.com/jordigilh/durableflow/pkg/metrics"
	"github.com/jordigilh/durableflow/pkg/serializer"
	"github.com/jordigilh/durableflow/pkg/signalbus"
	"github.com/jordigilh/durableflow/pkg/store/memory"
	"github.com/jordigilh/durableflow/pkg/worker"
	"github.com/jordigilh/durableflow/pkg/workflow"
)

var _ = Describe("Worker.Run", func() {
	var (
		st   *memory.Store
		ser  serializer.Serializer
		reg  *executor.Registry
		bus  *signalbus.Bus
		ex   *executor.Executor
		ctx  context.Context
		stop context.CancelFunc
	)

	BeforeEach(func() {
		st = memory.New()
		ser = serializer.NewJSON()
		reg = executor.NewRegistry()
		bus = signalbus.New(st, ser, obslog.Discard())
		ex = executor.New(st, ser, reg, obslog.Discard(), nil)
		ctx, stop = context.WithCancel(context.Background())
	})

	AfterEach(func() { stop() })

	runWorker := func() *worker.Worker {
		w := worker.New(st, ex, bus, metrics.NoOp(), obslog.Discard(), worker.Config{
			OwnerID:         "w1",
			PollingInterval: 5 * time.Millisecond,
			LeaseTTL:        time.Second,
			MaxBatch:        2,
		})
		go func() { _ = w.Run(ctx) }()
		return w
	}

	It("drives a single-step task to completion", func() {
		reg.Register(executor.TaskDef{
			TaskID: "greet",
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				v, err := workflow.Step(wctx, "greeting", func() (string, error) { return "hello", nil })
				if err != nil {
					return nil, err
				}
				return ser.Encode(v)
			},
		})
		Expect(st.CreateExecution(ctx, "e1", "greet", nil)).To(Succeed())

		runWorker()

		Eventually(func() dflow.Status {
			e, err := st.LoadExecution(ctx, "e1")
			Expect(err).ToNot(HaveOccurred())
			return e.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(dflow.StatusCompleted))

		e, err := st.LoadExecution(ctx, "e1")
		Expect(err).ToNot(HaveOccurred())
		var v string
		Expect(ser.Decode(e.Result, &v)).To(Succeed())
		Expect(v).To(Equal("hello"))
	})

	It("resumes a sleeping execution once its timer comes due", func() {
		reg.Register(executor.TaskDef{
			TaskID: "napper",
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				if err := wctx.Sleep("nap", 20*time.Millisecond); err != nil {
					return nil, err
				}
				return ser.Encode("awake")
			},
		})
		Expect(st.CreateExecution(ctx, "e2", "napper", nil)).To(Succeed())

		runWorker()

		Eventually(func() dflow.Status {
			e, err := st.LoadExecution(ctx, "e2")
			Expect(err).ToNot(HaveOccurred())
			return e.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(dflow.StatusCompleted))
	})

	It("resumes a signal-waiting execution once the signal is posted", func() {
		reg.Register(executor.TaskDef{
			TaskID: "waiter",
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				out, err := wctx.WaitForSignal("approved", "wait", nil)
				if err != nil {
					return nil, err
				}
				return out.Data, nil
			},
		})
		Expect(st.CreateExecution(ctx, "e3", "waiter", nil)).To(Succeed())

		runWorker()

		Eventually(func() dflow.Status {
			e, err := st.LoadExecution(ctx, "e3")
			Expect(err).ToNot(HaveOccurred())
			return e.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(dflow.StatusWaitingForSignal))

		_, err := bus.Post(ctx, "approved", map[string]any{"ok": true})
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() dflow.Status {
			e, err := st.LoadExecution(ctx, "e3")
			Expect(err).ToNot(HaveOccurred())
			return e.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(dflow.StatusCompleted))
	})

	It("retries a failing task and eventually gives up", func() {
		reg.Register(executor.TaskDef{
			TaskID:      "flaky",
			RetryPolicy: dflow.RetryPolicy{MaxAttempts: 2, Backoff: dflow.BackoffExponential, BaseDelay: time.Millisecond, Factor: 2},
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				return workflow.Step(wctx, "boom", func() (string, error) { return "", errAlwaysFails })
			},
		})
		Expect(st.CreateExecution(ctx, "e4", "flaky", nil)).To(Succeed())

		runWorker()

		Eventually(func() dflow.Status {
			e, err := st.LoadExecution(ctx, "e4")
			Expect(err).ToNot(HaveOccurred())
			return e.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(dflow.StatusFailed))

		e, err := st.LoadExecution(ctx, "e4")
		Expect(err).ToNot(HaveOccurred())
		Expect(e.Attempt).To(BeNumerically(">=", 1))
	})
})

var errAlwaysFails = &staticErr{"kaboom"}

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }
