package memory_test

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/store"
	"github.com/jordigilh/durableflow/pkg/store/memory"
)

func TestMemoryStore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Memory Store Suite")
}

var _ = Describe("Memory Store", func() {
	var (
		ctx context.Context
		s   *memory.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		s = memory.New()
	})

	Describe("execution lifecycle", func() {
		It("creates an execution in pending status", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "order.process", []byte(`{}`))).To(Succeed())

			exec, err := s.LoadExecution(ctx, "exec-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(exec.Status).To(Equal(dflow.StatusPending))
			Expect(exec.Attempt).To(Equal(0))
			Expect(exec.Lease).To(BeNil())
		})

		It("rejects creating the same execution id twice", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(HaveOccurred())
		})
	})

	Describe("Claim (I1: at most one non-expired lease per execution)", func() {
		It("claims a pending execution and sets status to running", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())

			claimed, err := s.Claim(ctx, "worker-a", store.ClaimOptions{LeaseTTL: 30 * time.Second})
			Expect(err).ToNot(HaveOccurred())
			Expect(claimed).ToNot(BeNil())
			Expect(claimed.Execution.ID).To(Equal("exec-1"))
			Expect(claimed.Execution.Status).To(Equal(dflow.StatusRunning))
			Expect(claimed.LeaseID).ToNot(BeEmpty())
		})

		It("does not reclaim an execution whose lease has not expired", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			_, err := s.Claim(ctx, "worker-a", store.ClaimOptions{LeaseTTL: 30 * time.Second})
			Expect(err).ToNot(HaveOccurred())

			claimed, err := s.Claim(ctx, "worker-b", store.ClaimOptions{LeaseTTL: 30 * time.Second})
			Expect(err).ToNot(HaveOccurred())
			Expect(claimed).To(BeNil())
		})

		It("allows reclaiming an execution whose lease has expired", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			_, err := s.Claim(ctx, "worker-a", store.ClaimOptions{LeaseTTL: -time.Second})
			Expect(err).ToNot(HaveOccurred())

			claimed, err := s.Claim(ctx, "worker-b", store.ClaimOptions{LeaseTTL: 30 * time.Second})
			Expect(err).ToNot(HaveOccurred())
			Expect(claimed).ToNot(BeNil())
		})

		It("returns nil, nil when nothing is claimable", func() {
			claimed, err := s.Claim(ctx, "worker-a", store.ClaimOptions{LeaseTTL: 30 * time.Second})
			Expect(err).ToNot(HaveOccurred())
			Expect(claimed).To(BeNil())
		})

		It("prioritizes due timers before plain pending executions", func() {
			Expect(s.CreateExecution(ctx, "sleeper-1", "t", nil)).To(Succeed())
			Expect(s.CreateExecution(ctx, "zzz-pending", "t", nil)).To(Succeed())

			claimedSleeper, err := s.Claim(ctx, "w", store.ClaimOptions{LeaseTTL: 30 * time.Second})
			Expect(err).ToNot(HaveOccurred())
			Expect(claimedSleeper.Execution.ID).To(Equal("sleeper-1"))

			wake := time.Now().Add(-time.Millisecond)
			ok, err := s.UpdateExecutionStatus(ctx, "sleeper-1", dflow.StatusRunning, dflow.StatusSleeping, store.StatusPatch{WakeAt: &wake})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			claimed2, err := s.Claim(ctx, "w", store.ClaimOptions{LeaseTTL: 30 * time.Second})
			Expect(err).ToNot(HaveOccurred())
			Expect(claimed2.Execution.ID).To(Equal("sleeper-1"))
		})
	})

	Describe("RenewLease / ReleaseLease", func() {
		It("renews a lease currently held by the caller", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			claimed, _ := s.Claim(ctx, "worker-a", store.ClaimOptions{LeaseTTL: time.Second})

			ok, err := s.RenewLease(ctx, "exec-1", claimed.LeaseID, 30*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("fails to renew a lease owned by someone else", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			s.Claim(ctx, "worker-a", store.ClaimOptions{LeaseTTL: time.Second})

			ok, err := s.RenewLease(ctx, "exec-1", "not-the-real-lease-id", 30*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("releases a lease, making the execution reclaimable", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			claimed, _ := s.Claim(ctx, "worker-a", store.ClaimOptions{LeaseTTL: 30 * time.Second})
			s.UpdateExecutionStatus(ctx, "exec-1", dflow.StatusRunning, dflow.StatusRetrying, store.StatusPatch{})
			Expect(s.ReleaseLease(ctx, "exec-1", claimed.LeaseID)).To(Succeed())

			exec, _ := s.LoadExecution(ctx, "exec-1")
			Expect(exec.Lease).To(BeNil())
		})
	})

	Describe("AppendStepResult (I7: at most one journaled entry per key)", func() {
		It("journals a completed step result", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			now := time.Now()

			err := s.AppendStepResult(ctx, &dflow.StepResult{
				ExecutionID: "exec-1",
				StepID:      "step-a",
				Kind:        dflow.StepKindStep,
				Result:      []byte(`"ok"`),
				CompletedAt: &now,
			}, nil, nil)
			Expect(err).ToNot(HaveOccurred())

			results, err := s.ListStepResults(ctx, "exec-1")
			Expect(err).ToNot(HaveOccurred())
			Expect(results).To(HaveLen(1))
		})

		It("rejects a duplicate stepId with DuplicateStepIdError", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			now := time.Now()
			result := &dflow.StepResult{ExecutionID: "exec-1", StepID: "step-a", Kind: dflow.StepKindStep, CompletedAt: &now}

			Expect(s.AppendStepResult(ctx, result, nil, nil)).To(Succeed())
			Expect(s.AppendStepResult(ctx, result, nil, nil)).To(HaveOccurred())
		})

		It("atomically writes a timer alongside a waiting sleep step", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			wakeAt := time.Now().Add(time.Hour)

			err := s.AppendStepResult(ctx,
				&dflow.StepResult{ExecutionID: "exec-1", StepID: "sleep-1", Kind: dflow.StepKindSleep},
				&dflow.Timer{ExecutionID: "exec-1", StepID: "sleep-1", WakeAt: wakeAt, Reason: dflow.TimerReasonSleep},
				nil,
			)
			Expect(err).ToNot(HaveOccurred())

			due, err := s.DueTimers(ctx, time.Now())
			Expect(err).ToNot(HaveOccurred())
			Expect(due).To(BeEmpty())

			due, err = s.DueTimers(ctx, wakeAt.Add(time.Minute))
			Expect(err).ToNot(HaveOccurred())
			Expect(due).To(HaveLen(1))
		})
	})

	Describe("PromoteWaitingStep", func() {
		It("promotes a waiting step and removes its timer", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			wakeAt := time.Now().Add(-time.Millisecond)

			s.AppendStepResult(ctx,
				&dflow.StepResult{ExecutionID: "exec-1", StepID: "sleep-1", Kind: dflow.StepKindSleep},
				&dflow.Timer{ExecutionID: "exec-1", StepID: "sleep-1", WakeAt: wakeAt, Reason: dflow.TimerReasonSleep},
				nil,
			)

			Expect(s.PromoteWaitingStep(ctx, "exec-1", "sleep-1", []byte(`{}`), time.Now())).To(Succeed())

			due, _ := s.DueTimers(ctx, time.Now())
			Expect(due).To(BeEmpty())

			results, _ := s.ListStepResults(ctx, "exec-1")
			Expect(results[0].Waiting()).To(BeFalse())
		})
	})

	Describe("SignalReady (atomicity group d)", func() {
		It("delivers the payload to every waiter and cancels their timers", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			deadline := time.Now().Add(time.Hour)

			s.AppendStepResult(ctx,
				&dflow.StepResult{ExecutionID: "exec-1", StepID: "wait-1", Kind: dflow.StepKindSignalWait},
				&dflow.Timer{ExecutionID: "exec-1", StepID: "wait-1", WakeAt: deadline, Reason: dflow.TimerReasonSignalTimeout},
				&dflow.SignalWaiter{SignalID: "paymentConfirmed", ExecutionID: "exec-1", StepID: "wait-1", CreatedAt: time.Now(), Deadline: &deadline},
			)

			affected, err := s.SignalReady(ctx, "paymentConfirmed", []byte(`{"transactionId":"txn_001"}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(affected).To(ConsistOf("exec-1"))

			results, _ := s.ListStepResults(ctx, "exec-1")
			Expect(results[0].Waiting()).To(BeFalse())

			due, _ := s.DueTimers(ctx, deadline.Add(time.Minute))
			Expect(due).To(BeEmpty())
		})

		It("is a no-op for a signal id with no waiters", func() {
			affected, err := s.SignalReady(ctx, "nobody-waiting", []byte(`{}`))
			Expect(err).ToNot(HaveOccurred())
			Expect(affected).To(BeEmpty())
		})
	})

	Describe("UpdateExecutionStatus (CAS semantics)", func() {
		It("applies the transition only if the current status matches", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			s.Claim(ctx, "w", store.ClaimOptions{LeaseTTL: 30 * time.Second})

			ok, err := s.UpdateExecutionStatus(ctx, "exec-1", dflow.StatusPending, dflow.StatusCompleted, store.StatusPatch{})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())

			ok, err = s.UpdateExecutionStatus(ctx, "exec-1", dflow.StatusRunning, dflow.StatusCompleted, store.StatusPatch{})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("clears the lease once a terminal status is reached (I5)", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			s.Claim(ctx, "w", store.ClaimOptions{LeaseTTL: 30 * time.Second})
			s.UpdateExecutionStatus(ctx, "exec-1", dflow.StatusRunning, dflow.StatusCompleted, store.StatusPatch{})

			exec, _ := s.LoadExecution(ctx, "exec-1")
			Expect(exec.Lease).To(BeNil())
		})
	})

	Describe("PurgeExecution", func() {
		It("refuses to purge a non-terminal execution", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			Expect(s.PurgeExecution(ctx, "exec-1")).To(HaveOccurred())
		})

		It("purges a terminal execution and its journal", func() {
			Expect(s.CreateExecution(ctx, "exec-1", "t", nil)).To(Succeed())
			s.Claim(ctx, "w", store.ClaimOptions{LeaseTTL: 30 * time.Second})
			s.UpdateExecutionStatus(ctx, "exec-1", dflow.StatusRunning, dflow.StatusCompleted, store.StatusPatch{})

			Expect(s.PurgeExecution(ctx, "exec-1")).To(Succeed())
			_, err := s.LoadExecution(ctx, "exec-1")
			Expect(err).To(HaveOccurred())
		})
	})
})
