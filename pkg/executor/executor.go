// Package executor implements the Executor (C2): running one attempt of
// a claimed execution's procedure and deciding Completed / Suspended /
// Failed / Cancelled, per spec.md §4.2.
package executor

import (
	"context"
	"math"
	"time"

	"github.com/go-logr/logr"
	goerrors "github.com/go-faster/errors"
	"github.com/sethvargo/go-retry"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/internal/obslog"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/serializer"
	"github.com/jordigilh/durableflow/pkg/store"
	"github.com/jordigilh/durableflow/pkg/workflow"
)

// Procedure is the user-supplied workflow body (§6's "async (input,
// dependencies, {ctx}) → result", minus the dependencies parameter: the
// surrounding DI/task framework that would supply it is explicitly out
// of this engine's scope per §1). input and the returned result are the
// opaque serialized bytes the Store persists; the procedure is
// responsible for decoding/encoding its own domain values.
type Procedure func(ctx context.Context, wctx *workflow.Context, input []byte) ([]byte, error)

// TaskDef binds a taskId to its Procedure and retry policy (§4.2).
type TaskDef struct {
	TaskID      string
	Procedure   Procedure
	RetryPolicy dflow.RetryPolicy
}

// Registry is the external procedure-definition lookup the Algorithm in
// §4.2 loads from by taskId. A fresh Registry is empty; callers Register
// every task before starting a Worker against it.
type Registry struct {
	tasks map[string]TaskDef
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]TaskDef)}
}

// Register adds or replaces a task definition.
func (r *Registry) Register(def TaskDef) {
	r.tasks[def.TaskID] = def
}

// Lookup returns the task definition for taskID, if registered.
func (r *Registry) Lookup(taskID string) (TaskDef, bool) {
	def, ok := r.tasks[taskID]
	return def, ok
}

// OutcomeKind is the result shape of one Advance call (§4.2).
type OutcomeKind string

const (
	Completed OutcomeKind = "completed"
	Suspended OutcomeKind = "suspended"
	Failed    OutcomeKind = "failed"
	Cancelled OutcomeKind = "cancelled"
)

// Outcome is what Advance reports to the Worker.
type Outcome struct {
	Kind   OutcomeKind
	Result []byte                // set iff Kind == Completed
	Reason dflow.SuspendReason   // set iff Kind == Suspended
	Err    *apperrors.AppError   // set iff Kind == Failed
	Advice dflow.RetryAdvice     // set iff Kind == Failed
}

// Executor runs one attempt of a claimed execution's procedure.
type Executor struct {
	store      store.Store
	serializer serializer.Serializer
	registry   *Registry
	logger     logr.Logger
	now        func() time.Time
}

// New constructs an Executor. now defaults to time.Now when nil, letting
// tests inject a deterministic clock.
func New(st store.Store, ser serializer.Serializer, reg *Registry, logger logr.Logger, now func() time.Time) *Executor {
	if now == nil {
		now = time.Now
	}
	return &Executor{store: st, serializer: ser, registry: reg, logger: logger, now: now}
}

// Advance runs one attempt of exec's procedure against a freshly loaded
// journal, per the Algorithm in §4.2.
func (e *Executor) Advance(ctx context.Context, exec *dflow.Execution) Outcome {
	fields := obslog.NewFields().Component("executor").Operation("advance").Execution(exec.ID).Attempt(exec.Attempt)

	task, ok := e.registry.Lookup(exec.TaskID)
	if !ok {
		err := apperrors.New(apperrors.TypeInternal, "no procedure registered for task").WithDetails(exec.TaskID)
		return Outcome{Kind: Failed, Err: err, Advice: dflow.GiveUp}
	}

	journal, err := e.store.ListStepResults(ctx, exec.ID)
	if err != nil {
		storeErr := apperrors.WrapStore(err, "listStepResults")
		return Outcome{Kind: Failed, Err: storeErr, Advice: e.retryAdvice(task.RetryPolicy, exec.Attempt, storeErr)}
	}

	wctx := workflow.New(ctx, e.store, e.serializer, exec.ID, exec.Attempt, journal, e.now, e.logger)

	e.logger.V(1).Info("advancing execution", fields.KV()...)
	result, err := task.Procedure(ctx, wctx, exec.Input)
	if err == nil {
		return Outcome{Kind: Completed, Result: result}
	}

	if suspend, ok := dflow.AsSuspend(err); ok {
		return Outcome{Kind: Suspended, Reason: suspend.SuspendReason}
	}

	appErr := toAppError(err)
	if appErr.Type == apperrors.TypeNonDeterminism || appErr.Type == apperrors.TypeDuplicateStep {
		// §4.1/§7: always fatal, retry policy is not consulted.
		e.logger.Error(appErr, "execution failed with a fatal journal error", fields.KV()...)
		return Outcome{Kind: Failed, Err: appErr, Advice: dflow.GiveUp}
	}

	advice := e.retryAdvice(task.RetryPolicy, exec.Attempt, err)
	return Outcome{Kind: Failed, Err: appErr, Advice: advice}
}

func toAppError(err error) *apperrors.AppError {
	var ae *apperrors.AppError
	if goerrors.As(err, &ae) {
		return ae
	}
	return apperrors.Wrap(err, apperrors.TypeUserStep, "procedure failed")
}

// retryAdvice applies policy to attempt (0-indexed, the attempt that just
// failed), per §4.2's retry policy.
func (e *Executor) retryAdvice(policy dflow.RetryPolicy, attempt int, _ error) dflow.RetryAdvice {
	if policy.MaxAttempts == 0 {
		policy = dflow.DefaultRetryPolicy()
	}
	if policy.GivesUp(attempt) {
		return dflow.GiveUp
	}
	return dflow.RetryAdvice{Retry: true, Delay: backoffDelay(policy, attempt)}
}

// backoffDelay computes the retry delay for attempt — base*factor^attempt
// for exponential backoff, base*factor*(attempt+1) for linear backoff (the
// zero value), then min(cap, delay) when Cap is set and ±jitter when
// Jitter is set — using
// go-retry's composable Cap/Jitter decorators around a core sequence that
// carries the policy's configurable Factor. go-retry's own
// NewExponential/NewConstant constructors fix the growth factor at 2 (or
// 1), so they cannot express an arbitrary per-policy Factor; the core
// growth curve is computed directly and handed to go-retry as a
// retry.BackoffFunc purely so WithCappedDuration/WithJitterPercent (the
// parts of the formula that are just decoration, not domain-specific
// math) come from the library rather than being reimplemented.
func backoffDelay(policy dflow.RetryPolicy, attempt int) time.Duration {
	base := policy.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	factor := policy.Factor
	if factor <= 0 {
		factor = 2
	}

	core := retry.BackoffFunc(func() (time.Duration, bool) {
		var d time.Duration
		switch policy.Backoff {
		case dflow.BackoffExponential:
			d = time.Duration(float64(base) * math.Pow(factor, float64(attempt)))
		default: // linear (including the zero value)
			d = time.Duration(float64(base) * factor * float64(attempt+1))
		}
		return d, false
	})

	var b retry.Backoff = core
	if policy.Cap > 0 {
		b = retry.WithCappedDuration(policy.Cap, b)
	}
	if policy.Jitter > 0 {
		pct := uint64(policy.Jitter * 100)
		if pct > 0 {
			b = retry.WithJitterPercent(pct, b)
		}
	}

	delay, _ := b.Next()
	return delay
}
