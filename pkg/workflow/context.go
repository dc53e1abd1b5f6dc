// Package workflow implements WorkflowContext (C1): the API exposed to a
// user procedure for journaling progress — step, sleep, waitForSignal,
// switch, note — per spec.md §4.1/§6. Every operation consults the
// journal loaded for the current attempt before touching the Store, so a
// replay after a crash short-circuits whatever was already committed.
package workflow

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/internal/obslog"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/serializer"
	"github.com/jordigilh/durableflow/pkg/store"
)

// Context is the handle a user procedure receives to journal its
// progress. It is built fresh for every attempt by the Executor, seeded
// with the journal rows already persisted from prior attempts.
type Context struct {
	ctx        context.Context
	store      store.Store
	serializer serializer.Serializer
	execID     string
	attempt    int
	journal    map[string]*dflow.StepResult
	now        func() time.Time
	logger     logr.Logger
}

// New constructs a Context for one attempt of execID. journal is the full
// set of StepResult rows persisted for this execution so far (§4.1: "if a
// StepResult exists and is in a final state, return its deserialized
// result").
func New(ctx context.Context, st store.Store, ser serializer.Serializer, execID string, attempt int, journal []*dflow.StepResult, now func() time.Time, logger logr.Logger) *Context {
	if now == nil {
		now = time.Now
	}
	j := make(map[string]*dflow.StepResult, len(journal))
	for _, r := range journal {
		j[r.StepID] = r
	}
	return &Context{
		ctx:        ctx,
		store:      st,
		serializer: ser,
		execID:     execID,
		attempt:    attempt,
		journal:    j,
		now:        now,
		logger:     logger,
	}
}

func (c *Context) fields(op, stepID string) obslog.Fields {
	return obslog.NewFields().Component("workflow").Operation(op).Execution(c.execID).Step(stepID).Attempt(c.attempt)
}

func nonDeterminism(stepID string, got, want dflow.StepKind) error {
	return apperrors.New(apperrors.TypeNonDeterminism, "replay disagrees with journaled step kind").
		WithDetails("stepId=" + stepID + " journaled=" + string(want) + " replayed=" + string(got))
}

// SignalOutcome is the tagged union WaitForSignal returns: either a
// delivered signal's payload or a timeout, per §6.
type SignalOutcome struct {
	Kind string // "signal" or "timeout"
	Data []byte
}

type sleepValue struct {
	WakeAt time.Time `json:"wakeAt"`
}

type signalWaitingValue struct {
	State    string     `json:"state"`
	SignalID string     `json:"signalId"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

// SignalFinalValue is the wire shape a signal_wait StepResult's Result
// holds once it leaves the waiting state (§3): either a delivered
// signal's payload or a timeout marker. SignalBus.Post builds this value
// before calling Store.SignalReady, since the Store treats its payload
// argument as opaque bytes to store verbatim.
type SignalFinalValue struct {
	Kind string `json:"kind"`
	Data []byte `json:"data,omitempty"`
}

type switchSelection struct {
	BranchID string `json:"branchId"`
}

// Step runs fn if (execID, stepId) has never been journaled, persisting
// its serialized return value atomically; on replay it returns the
// journaled value without invoking fn again (§4.1). Step is a
// package-level generic function (Go methods cannot be generic) rather
// than a method on *Context.
func Step[T any](c *Context, stepID string, fn func() (T, error)) (T, error) {
	var zero T

	if existing, ok := c.journal[stepID]; ok {
		if existing.Kind != dflow.StepKindStep && existing.Kind != dflow.StepKindSwitch {
			return zero, nonDeterminism(stepID, dflow.StepKindStep, existing.Kind)
		}
		var out T
		if err := c.serializer.Decode(existing.Result, &out); err != nil {
			return zero, apperrors.Wrap(err, apperrors.TypeInternal, "decode journaled step result").WithDetails(stepID)
		}
		return out, nil
	}

	c.logger.V(1).Info("running step", c.fields("step", stepID).KV()...)
	value, err := fn()
	if err != nil {
		// Per §4.2 edge cases: do not persist on failure; the Executor
		// applies the retry policy and the step re-runs from scratch.
		if _, suspended := dflow.AsSuspend(err); suspended {
			return zero, err
		}
		return zero, apperrors.Wrap(err, apperrors.TypeUserStep, "step function failed").WithDetails(stepID)
	}

	encoded, err := c.serializer.Encode(value)
	if err != nil {
		return zero, apperrors.Wrap(err, apperrors.TypeInternal, "encode step result").WithDetails(stepID)
	}
	now := c.now()
	result := &dflow.StepResult{
		ExecutionID: c.execID,
		StepID:      stepID,
		Kind:        dflow.StepKindStep,
		Result:      encoded,
		CompletedAt: &now,
	}
	if err := c.store.AppendStepResult(c.ctx, result, nil, nil); err != nil {
		return zero, err
	}
	c.journal[stepID] = result
	return value, nil
}

// Sleep suspends the workflow until now+durationMs has elapsed, per §4.1.
// On first encounter it journals a waiting StepResult plus a Timer and
// raises *dflow.Suspend. On a replay after the timer has fired it
// promotes the StepResult to final and returns; if woken early it
// suspends again.
func (c *Context) Sleep(stepID string, duration time.Duration) error {
	if existing, ok := c.journal[stepID]; ok {
		if existing.Kind != dflow.StepKindSleep {
			return nonDeterminism(stepID, dflow.StepKindSleep, existing.Kind)
		}
		var sv sleepValue
		if err := c.serializer.Decode(existing.Result, &sv); err != nil {
			return apperrors.Wrap(err, apperrors.TypeInternal, "decode journaled sleep").WithDetails(stepID)
		}
		if !existing.Waiting() {
			return nil
		}
		now := c.now()
		if now.Before(sv.WakeAt) {
			return &dflow.Suspend{SuspendReason: dflow.SuspendReason{Reason: "sleep", WakeAt: &sv.WakeAt}}
		}
		if err := c.store.PromoteWaitingStep(c.ctx, c.execID, stepID, existing.Result, now); err != nil {
			return err
		}
		existing.CompletedAt = &now
		return nil
	}

	now := c.now()
	wakeAt := now.Add(duration)
	encoded, err := c.serializer.Encode(sleepValue{WakeAt: wakeAt})
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "encode sleep wake time").WithDetails(stepID)
	}
	result := &dflow.StepResult{ExecutionID: c.execID, StepID: stepID, Kind: dflow.StepKindSleep, Result: encoded}
	timer := &dflow.Timer{ExecutionID: c.execID, StepID: stepID, WakeAt: wakeAt, Reason: dflow.TimerReasonSleep}
	if err := c.store.AppendStepResult(c.ctx, result, timer, nil); err != nil {
		return err
	}
	c.journal[stepID] = result
	return &dflow.Suspend{SuspendReason: dflow.SuspendReason{Reason: "sleep", WakeAt: &wakeAt}}
}

// WaitForSignal subscribes to signalID and suspends until it is delivered
// or timeoutMs elapses, per §4.1/§6. Delivery is performed entirely by
// SignalBus/Store.SignalReady, which promotes the StepResult to its final
// {kind:"signal"} value directly; WaitForSignal only needs to read that
// value back on replay. A timeout is promoted here, the first time a
// replay observes the deadline has passed with no signal delivered.
func (c *Context) WaitForSignal(signalID, stepID string, timeout *time.Duration) (SignalOutcome, error) {
	if existing, ok := c.journal[stepID]; ok {
		if existing.Kind != dflow.StepKindSignalWait {
			return SignalOutcome{}, nonDeterminism(stepID, dflow.StepKindSignalWait, existing.Kind)
		}
		if !existing.Waiting() {
			var fv SignalFinalValue
			if err := c.serializer.Decode(existing.Result, &fv); err != nil {
				return SignalOutcome{}, apperrors.Wrap(err, apperrors.TypeInternal, "decode journaled signal result").WithDetails(stepID)
			}
			return SignalOutcome{Kind: fv.Kind, Data: fv.Data}, nil
		}
		var wv signalWaitingValue
		if err := c.serializer.Decode(existing.Result, &wv); err != nil {
			return SignalOutcome{}, apperrors.Wrap(err, apperrors.TypeInternal, "decode journaled signal wait").WithDetails(stepID)
		}
		now := c.now()
		if wv.Deadline != nil && !now.Before(*wv.Deadline) {
			encoded, err := c.serializer.Encode(SignalFinalValue{Kind: "timeout"})
			if err != nil {
				return SignalOutcome{}, apperrors.Wrap(err, apperrors.TypeInternal, "encode signal timeout").WithDetails(stepID)
			}
			if err := c.store.PromoteWaitingStep(c.ctx, c.execID, stepID, encoded, now); err != nil {
				return SignalOutcome{}, err
			}
			existing.Result = encoded
			existing.CompletedAt = &now
			return SignalOutcome{Kind: "timeout"}, nil
		}
		return SignalOutcome{}, &dflow.Suspend{SuspendReason: dflow.SuspendReason{Reason: "signal", SignalID: wv.SignalID, Deadline: wv.Deadline}}
	}

	now := c.now()
	var deadline *time.Time
	if timeout != nil {
		d := now.Add(*timeout)
		deadline = &d
	}
	encoded, err := c.serializer.Encode(signalWaitingValue{State: "waiting", SignalID: signalID, Deadline: deadline})
	if err != nil {
		return SignalOutcome{}, apperrors.Wrap(err, apperrors.TypeInternal, "encode signal wait").WithDetails(stepID)
	}
	result := &dflow.StepResult{ExecutionID: c.execID, StepID: stepID, Kind: dflow.StepKindSignalWait, Result: encoded}
	waiter := &dflow.SignalWaiter{SignalID: signalID, ExecutionID: c.execID, StepID: stepID, CreatedAt: now, Deadline: deadline}
	var timer *dflow.Timer
	if deadline != nil {
		timer = &dflow.Timer{ExecutionID: c.execID, StepID: stepID, WakeAt: *deadline, Reason: dflow.TimerReasonSignalTimeout}
	}
	if err := c.store.AppendStepResult(c.ctx, result, timer, waiter); err != nil {
		return SignalOutcome{}, err
	}
	c.journal[stepID] = result
	return SignalOutcome{}, &dflow.Suspend{SuspendReason: dflow.SuspendReason{Reason: "signal", SignalID: signalID, Deadline: deadline}}
}

// Branch is one arm of a Switch, per §4.1/§6: Match decides selection
// against the discriminator, Run executes the branch's own sequence of
// nested ctx.* calls.
type Branch[T any] struct {
	ID    string
	Match func(discriminator any) bool
	Run   func() (T, error)
}

// Switch selects the first matching branch, journals the choice, then
// journals the branch's own outcome under stepID+"/"+branchID (§4.1). On
// replay the recorded branchID is reused without re-evaluating Match.
func Switch[T any](c *Context, stepID string, discriminator any, branches []Branch[T]) (T, error) {
	var zero T

	var branchID string
	if existing, ok := c.journal[stepID]; ok {
		if existing.Kind != dflow.StepKindSwitch {
			return zero, nonDeterminism(stepID, dflow.StepKindSwitch, existing.Kind)
		}
		var sel switchSelection
		if err := c.serializer.Decode(existing.Result, &sel); err != nil {
			return zero, apperrors.Wrap(err, apperrors.TypeInternal, "decode journaled switch selection").WithDetails(stepID)
		}
		branchID = sel.BranchID
	} else {
		for _, b := range branches {
			if b.Match(discriminator) {
				branchID = b.ID
				break
			}
		}
		if branchID == "" {
			return zero, apperrors.New(apperrors.TypeUserStep, "switch: no branch matched discriminator").WithDetails(stepID)
		}
		encoded, err := c.serializer.Encode(switchSelection{BranchID: branchID})
		if err != nil {
			return zero, apperrors.Wrap(err, apperrors.TypeInternal, "encode switch selection").WithDetails(stepID)
		}
		now := c.now()
		result := &dflow.StepResult{ExecutionID: c.execID, StepID: stepID, Kind: dflow.StepKindSwitch, Result: encoded, CompletedAt: &now}
		if err := c.store.AppendStepResult(c.ctx, result, nil, nil); err != nil {
			return zero, err
		}
		c.journal[stepID] = result
	}

	var chosen *Branch[T]
	for i := range branches {
		if branches[i].ID == branchID {
			chosen = &branches[i]
			break
		}
	}
	if chosen == nil {
		return zero, apperrors.New(apperrors.TypeNonDeterminism, "switch: journaled branch id no longer declared").WithDetails(stepID + ":" + branchID)
	}

	return Step(c, stepID+"/"+branchID, chosen.Run)
}

// Note appends an informational audit entry (§4.1): not keyed for
// replay, so every attempt that reaches this call site appends a fresh
// row rather than short-circuiting, per SPEC_FULL's structured audit
// trail supplement.
func (c *Context) Note(message string) error {
	encoded, err := c.serializer.Encode(message)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeInternal, "encode note")
	}
	now := c.now()
	result := &dflow.StepResult{
		ExecutionID: c.execID,
		StepID:      "note:" + uuid.NewString(),
		Kind:        dflow.StepKindNote,
		Result:      encoded,
		CompletedAt: &now,
	}
	return c.store.AppendStepResult(c.ctx, result, nil, nil)
}

// ExecutionID returns the id of the execution this Context is bound to.
func (c *Context) ExecutionID() string { return c.execID }

// Attempt returns the current attempt number.
func (c *Context) Attempt() int { return c.attempt }
