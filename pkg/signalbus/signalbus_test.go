package signalbus_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/durableflow/internal/obslog"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/serializer"
	"github.com/jordigilh/durableflow/pkg/signalbus"
	"github.com/jordigilh/durableflow/pkg/store/memory"
	"github.com/jordigilh/durableflow/pkg/workflow"
)

var _ = Describe("SignalBus", func() {
	var (
		ctx context.Context
		st  *memory.Store
		ser serializer.Serializer
		bus *signalbus.Bus
	)

	BeforeEach(func() {
		ctx = context.Background()
		st = memory.New()
		ser = serializer.NewJSON()
		bus = signalbus.New(st, ser, obslog.Discard())
	})

	It("delivers to a waiting execution and wakes a local subscriber", func() {
		Expect(st.CreateExecution(ctx, "exec-1", "order", nil)).To(Succeed())
		waitResult, err := ser.Encode(map[string]any{"state": "waiting", "signalId": "paymentConfirmed"})
		Expect(err).ToNot(HaveOccurred())
		Expect(st.AppendStepResult(ctx, &dflow.StepResult{
			ExecutionID: "exec-1",
			StepID:      "awaitPaymentConfirmation",
			Kind:        dflow.StepKindSignalWait,
			Result:      waitResult,
		}, nil, &dflow.SignalWaiter{SignalID: "paymentConfirmed", ExecutionID: "exec-1", StepID: "awaitPaymentConfirmation", CreatedAt: time.Now()})).To(Succeed())

		wake, cancel := bus.Subscribe()
		defer cancel()

		affected, err := bus.Post(ctx, "paymentConfirmed", map[string]any{"transactionId": "txn_001"})
		Expect(err).ToNot(HaveOccurred())
		Expect(affected).To(ConsistOf("exec-1"))

		Eventually(wake).Should(Receive(Equal("exec-1")))

		rows, err := st.ListStepResults(ctx, "exec-1")
		Expect(err).ToNot(HaveOccurred())
		Expect(rows).To(HaveLen(1))
		Expect(rows[0].Waiting()).To(BeFalse())

		var decoded workflow.SignalFinalValue
		Expect(ser.Decode(rows[0].Result, &decoded)).To(Succeed())
		Expect(decoded.Kind).To(Equal("signal"))
	})

	It("is a no-op with no waiters and notifies nobody", func() {
		wake, cancel := bus.Subscribe()
		defer cancel()

		affected, err := bus.Post(ctx, "nobody-waiting", map[string]any{"x": 1})
		Expect(err).ToNot(HaveOccurred())
		Expect(affected).To(BeEmpty())
		Consistently(wake, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("fans a single post out to every subscriber", func() {
		Expect(st.CreateExecution(ctx, "exec-2", "order", nil)).To(Succeed())
		waitResult, _ := ser.Encode(map[string]any{"state": "waiting", "signalId": "s"})
		Expect(st.AppendStepResult(ctx, &dflow.StepResult{
			ExecutionID: "exec-2", StepID: "wait", Kind: dflow.StepKindSignalWait, Result: waitResult,
		}, nil, &dflow.SignalWaiter{SignalID: "s", ExecutionID: "exec-2", StepID: "wait", CreatedAt: time.Now()})).To(Succeed())

		wakeA, cancelA := bus.Subscribe()
		defer cancelA()
		wakeB, cancelB := bus.Subscribe()
		defer cancelB()

		_, err := bus.Post(ctx, "s", "payload")
		Expect(err).ToNot(HaveOccurred())

		Eventually(wakeA).Should(Receive(Equal("exec-2")))
		Eventually(wakeB).Should(Receive(Equal("exec-2")))
	})
})
