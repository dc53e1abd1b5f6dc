package service_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/durableflow/internal/obslog"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/executor"
	"github.com/jordigilh/durableflow/pkg/metrics"
	"github.com/jordigilh/durableflow/pkg/service"
	"github.com/jordigilh/durableflow/pkg/serializer"
	"github.com/jordigilh/durableflow/pkg/signalbus"
	"github.com/jordigilh/durableflow/pkg/store"
	"github.com/jordigilh/durableflow/pkg/store/memory"
	"github.com/jordigilh/durableflow/pkg/worker"
	"github.com/jordigilh/durableflow/pkg/workflow"
	"github.com/jordigilh/durableflow/pkg/workflow/describectx"
)

var _ = Describe("Service", func() {
	var (
		ctx  context.Context
		stop context.CancelFunc
		st   *memory.Store
		ser  serializer.Serializer
		reg  *executor.Registry
		bus  *signalbus.Bus
		svc  *service.Service
	)

	BeforeEach(func() {
		ctx, stop = context.WithCancel(context.Background())
		st = memory.New()
		ser = serializer.NewJSON()
		reg = executor.NewRegistry()
		bus = signalbus.New(st, ser, obslog.Discard())
		svc = service.New(st, bus, ser, obslog.Discard(), nil)
	})

	AfterEach(func() { stop() })

	startWorker := func() {
		ex := executor.New(st, ser, reg, obslog.Discard(), nil)
		w := worker.New(st, ex, bus, metrics.NoOp(), obslog.Discard(), worker.Config{
			OwnerID:         "svc-test",
			PollingInterval: 5 * time.Millisecond,
			LeaseTTL:        time.Second,
			MaxBatch:        2,
		})
		go func() { _ = w.Run(ctx) }()
	}

	It("starts and waits for a completed execution", func() {
		reg.Register(executor.TaskDef{
			TaskID: "greet",
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				v, err := workflow.Step(wctx, "greeting", func() (string, error) { return "hi", nil })
				if err != nil {
					return nil, err
				}
				return ser.Encode(v)
			},
		})
		startWorker()

		id, err := svc.Start(ctx, "greet", map[string]any{"name": "ada"})
		Expect(err).ToNot(HaveOccurred())
		Expect(id).ToNot(BeEmpty())

		result, err := svc.Wait(ctx, id, service.WaitOptions{Timeout: time.Second})
		Expect(err).ToNot(HaveOccurred())
		var v string
		Expect(ser.Decode(result, &v)).To(Succeed())
		Expect(v).To(Equal("hi"))
	})

	It("startAndWait composes start and wait into a single call", func() {
		reg.Register(executor.TaskDef{
			TaskID: "echo",
			Procedure: func(_ context.Context, wctx *workflow.Context, input []byte) ([]byte, error) {
				return workflow.Step(wctx, "echo", func() ([]byte, error) { return input, nil })
			},
		})
		startWorker()

		out, err := svc.StartAndWait(ctx, "echo", map[string]any{"x": 1}, service.WaitOptions{Timeout: time.Second})
		Expect(err).ToNot(HaveOccurred())
		Expect(out.ExecutionID).ToNot(BeEmpty())
		Expect(out.Data).ToNot(BeEmpty())
	})

	It("delivers a signal to the execution waiting on it", func() {
		reg.Register(executor.TaskDef{
			TaskID: "waiter",
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				out, err := wctx.WaitForSignal("ready", "wait", nil)
				if err != nil {
					return nil, err
				}
				return out.Data, nil
			},
		})
		startWorker()

		id, err := svc.Start(ctx, "waiter", nil)
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() dflow.Status {
			e, err := st.LoadExecution(ctx, id)
			Expect(err).ToNot(HaveOccurred())
			return e.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(dflow.StatusWaitingForSignal))

		Expect(svc.Signal(ctx, id, "ready", map[string]any{"go": true})).To(Succeed())

		_, err = svc.Wait(ctx, id, service.WaitOptions{Timeout: time.Second})
		Expect(err).ToNot(HaveOccurred())
	})

	It("reports an error when signaling an execution that isn't waiting", func() {
		err := svc.Signal(ctx, "nonexistent", "whatever", nil)
		Expect(err).To(HaveOccurred())
	})

	It("describes a task's registered step declarations without running them", func() {
		invoked := false
		svc.RegisterDescribe("greet", func(c *describectx.Context, _ []byte) {
			_, _ = describectx.Step(c, "greeting", func() (string, error) {
				invoked = true
				return "unused", nil
			})
			c.Note("audit")
		})

		steps, err := svc.Describe("greet", nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(invoked).To(BeFalse())
		Expect(steps).To(HaveLen(2))
		Expect(steps[0].StepID).To(Equal("greeting"))
		Expect(steps[1].Kind).To(Equal(dflow.StepKindNote))
	})

	It("lists executions narrowed by a jq filter", func() {
		reg.Register(executor.TaskDef{
			TaskID: "noop",
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				return workflow.Step(wctx, "s", func() (string, error) { return "ok", nil })
			},
		})
		startWorker()

		id1, err := svc.Start(ctx, "noop", nil)
		Expect(err).ToNot(HaveOccurred())
		_, err = svc.Start(ctx, "other", nil)
		Expect(err).ToNot(HaveOccurred())

		Eventually(func() dflow.Status {
			e, err := st.LoadExecution(ctx, id1)
			Expect(err).ToNot(HaveOccurred())
			return e.Status
		}, time.Second, 5*time.Millisecond).Should(Equal(dflow.StatusCompleted))

		execs, err := svc.ListExecutions(ctx, store.ListFilter{}, store.Paging{}, `.taskId == "noop"`)
		Expect(err).ToNot(HaveOccurred())
		Expect(execs).To(HaveLen(1))
		Expect(execs[0].ID).To(Equal(id1))
	})

	It("rejects purging a non-terminal execution", func() {
		reg.Register(executor.TaskDef{TaskID: "sleeper", Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
			return nil, wctx.Sleep("nap", time.Hour)
		}})
		id, err := svc.Start(ctx, "sleeper", nil)
		Expect(err).ToNot(HaveOccurred())

		err = svc.Purge(ctx, id)
		Expect(err).To(HaveOccurred())
	})
})
