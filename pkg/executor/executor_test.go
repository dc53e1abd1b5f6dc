package executor_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/internal/obslog"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/executor"
	"github.com/jordigilh/durableflow/pkg/serializer"
	"github.com/jordigilh/durableflow/pkg/store/memory"
	"github.com/jordigilh/durableflow/pkg/workflow"
)

var _ = Describe("Executor.Advance", func() {
	var (
		ctx context.Context
		st  *memory.Store
		ser serializer.Serializer
		reg *executor.Registry
		ex  *executor.Executor
	)

	BeforeEach(func() {
		ctx = context.Background()
		st = memory.New()
		ser = serializer.NewJSON()
		reg = executor.NewRegistry()
		ex = executor.New(st, ser, reg, obslog.Discard(), nil)
	})

	createExec := func(id, taskID string) *dflow.Execution {
		Expect(st.CreateExecution(ctx, id, taskID, nil)).To(Succeed())
		e, err := st.LoadExecution(ctx, id)
		Expect(err).ToNot(HaveOccurred())
		return e
	}

	It("reports Completed when the procedure returns normally", func() {
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

		out := ex.Advance(ctx, createExec("e1", "greet"))
		Expect(out.Kind).To(Equal(executor.Completed))
		var v string
		Expect(ser.Decode(out.Result, &v)).To(Succeed())
		Expect(v).To(Equal("hello"))
	})

	It("reports Suspended when the procedure calls ctx.sleep", func() {
		reg.Register(executor.TaskDef{
			TaskID: "napper",
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				if err := wctx.Sleep("nap", 50*time.Millisecond); err != nil {
					return nil, err
				}
				return ser.Encode("awake")
			},
		})

		out := ex.Advance(ctx, createExec("e2", "napper"))
		Expect(out.Kind).To(Equal(executor.Suspended))
		Expect(out.Reason.Reason).To(Equal("sleep"))
	})

	It("gives up on the default retry policy after one user-step failure", func() {
		reg.Register(executor.TaskDef{
			TaskID: "fails",
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				return workflow.Step(wctx, "boom", func() (string, error) { return "", errors.New("kaboom") })
			},
		})

		out := ex.Advance(ctx, createExec("e3", "fails"))
		Expect(out.Kind).To(Equal(executor.Failed))
		Expect(out.Advice).To(Equal(dflow.GiveUp))
		Expect(apperrors.HasType(out.Err, apperrors.TypeUserStep)).To(BeTrue())
	})

	It("advises a retry with a computed delay when the policy allows more attempts", func() {
		reg.Register(executor.TaskDef{
			TaskID:      "retryable",
			RetryPolicy: dflow.RetryPolicy{MaxAttempts: 3, Backoff: dflow.BackoffExponential, BaseDelay: 10 * time.Millisecond, Factor: 2},
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				return workflow.Step(wctx, "boom", func() (string, error) { return "", errors.New("kaboom") })
			},
		})

		out := ex.Advance(ctx, createExec("e4", "retryable"))
		Expect(out.Kind).To(Equal(executor.Failed))
		Expect(out.Advice.Retry).To(BeTrue())
		Expect(out.Advice.Delay).To(BeNumerically(">", 0))
	})

	It("is fatal on non-determinism regardless of retry policy", func() {
		Expect(st.CreateExecution(ctx, "e5", "evolves", nil)).To(Succeed())
		Expect(st.AppendStepResult(ctx, &dflow.StepResult{ExecutionID: "e5", StepID: "x", Kind: dflow.StepKindStep, Result: []byte(`"v"`)}, nil, nil)).To(Succeed())
		e, err := st.LoadExecution(ctx, "e5")
		Expect(err).ToNot(HaveOccurred())

		reg.Register(executor.TaskDef{
			TaskID:      "evolves",
			RetryPolicy: dflow.RetryPolicy{MaxAttempts: 10, BaseDelay: time.Millisecond},
			Procedure: func(_ context.Context, wctx *workflow.Context, _ []byte) ([]byte, error) {
				return nil, wctx.Sleep("x", 10*time.Millisecond)
			},
		})

		out := ex.Advance(ctx, e)
		Expect(out.Kind).To(Equal(executor.Failed))
		Expect(out.Advice).To(Equal(dflow.GiveUp))
		Expect(apperrors.HasType(out.Err, apperrors.TypeNonDeterminism)).To(BeTrue())
	})

	It("fails fast when no procedure is registered for the task", func() {
		out := ex.Advance(ctx, createExec("e6", "missing"))
		Expect(out.Kind).To(Equal(executor.Failed))
		Expect(apperrors.HasType(out.Err, apperrors.TypeInternal)).To(BeTrue())
	})
})
