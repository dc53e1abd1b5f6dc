// Package service implements the Service API (C6): the external surface
// clients use instead of talking to the Store and SignalBus directly —
// start/wait/signal/startAndWait/describe plus introspection, per
// spec.md §4.6.
package service

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/internal/obslog"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/serializer"
	"github.com/jordigilh/durableflow/pkg/signalbus"
	"github.com/jordigilh/durableflow/pkg/store"
	"github.com/jordigilh/durableflow/pkg/workflow/describectx"
)

// DescribeFunc mirrors a task's step/branch declarations without its
// business logic, so describe() can report an accurate structural map
// without the Go-generics obstacle documented in
// pkg/workflow/describectx (see DESIGN.md).
type DescribeFunc func(c *describectx.Context, defaultInput []byte)

// WaitOptions configures Wait's client-side poll loop (§4.6).
type WaitOptions struct {
	Timeout      time.Duration // 0 means wait forever
	PollInterval time.Duration // default 20ms
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = 20 * time.Millisecond
	}
	return o
}

// StartAndWaitResult is startAndWait's return shape (§4.6):
// {data, durable:{executionId}}.
type StartAndWaitResult struct {
	Data        []byte
	ExecutionID string
}

// Service is the C6 external surface. It owns no workflow logic of its
// own — every call is a thin, documented translation onto Store and
// SignalBus operations a Worker elsewhere is advancing concurrently.
type Service struct {
	store      store.Store
	bus        *signalbus.Bus
	serializer serializer.Serializer
	logger     logr.Logger
	now        func() time.Time

	describers map[string]DescribeFunc
}

// New constructs a Service. now defaults to time.Now when nil.
func New(st store.Store, bus *signalbus.Bus, ser serializer.Serializer, logger logr.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:      st,
		bus:        bus,
		serializer: ser,
		logger:     logger,
		now:        now,
		describers: make(map[string]DescribeFunc),
	}
}

// RegisterDescribe associates taskID with the structural declaration used
// by Describe. Describe returns a TypeValidation error for a task with no
// registered DescribeFunc; start/wait do not need one.
func (s *Service) RegisterDescribe(taskID string, fn DescribeFunc) {
	s.describers[taskID] = fn
}

// Start creates a new execution and returns its id, per §4.6's
// `start(task, input) → executionId`. The Worker elsewhere picks it up on
// its next poll tick: Start publishes no wake notification, since a new
// pending execution is found by Claim's plain-pending bucket regardless.
func (s *Service) Start(ctx context.Context, taskID string, input any) (string, error) {
	data, err := s.serializer.Encode(input)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.TypeInternal, "encode start input").WithDetails(taskID)
	}

	id := uuid.NewString()
	if err := s.store.CreateExecution(ctx, id, taskID, data); err != nil {
		return "", err
	}

	fields := obslog.NewFields().Component("service").Operation("start").Resource("task", taskID).Execution(id)
	s.logger.V(1).Info("started execution", fields.KV()...)
	return id, nil
}

// Wait polls loadExecution until the execution reaches a terminal status,
// per §4.6: it returns the result on success, and throws (returns a
// typed *apperrors.AppError) the persisted error on failure, a
// TypeCancellation error on cancellation, or a TypeTimeout error once
// opts.Timeout elapses.
func (s *Service) Wait(ctx context.Context, executionID string, opts WaitOptions) ([]byte, error) {
	opts = opts.withDefaults()
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = s.now().Add(opts.Timeout)
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		exec, err := s.store.LoadExecution(ctx, executionID)
		if err != nil {
			return nil, apperrors.WrapStore(err, "loadExecution").WithDetails(executionID)
		}

		switch exec.Status {
		case dflow.StatusCompleted:
			return exec.Result, nil
		case dflow.StatusFailed:
			msg := "execution failed"
			if exec.Error != nil {
				msg = exec.Error.Message
			}
			return nil, apperrors.New(apperrors.TypeUserStep, msg).WithDetails(executionID)
		case dflow.StatusCancelled:
			return nil, apperrors.New(apperrors.TypeCancellation, "execution was cancelled").WithDetails(executionID)
		}

		if !deadline.IsZero() && !s.now().Before(deadline) {
			return nil, apperrors.New(apperrors.TypeTimeout, "wait timed out before the execution finished").WithDetails(executionID)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StartAndWait composes Start and Wait, per §4.6's
// `startAndWait(task, input, opts) → {data, durable:{executionId}}`.
func (s *Service) StartAndWait(ctx context.Context, taskID string, input any, opts WaitOptions) (StartAndWaitResult, error) {
	id, err := s.Start(ctx, taskID, input)
	if err != nil {
		return StartAndWaitResult{}, err
	}
	data, err := s.Wait(ctx, id, opts)
	if err != nil {
		return StartAndWaitResult{ExecutionID: id}, err
	}
	return StartAndWaitResult{Data: data, ExecutionID: id}, nil
}

// Signal delivers payload to signalID and reports whether executionID was
// among the waiters it reached, per §4.6's "shorthand for SignalBus.post
// with a filter": the underlying Post is a broadcast to every current
// waiter on signalID, and Signal narrows that to a single caller-relevant
// answer instead of making every caller inspect the affected list itself.
func (s *Service) Signal(ctx context.Context, executionID, signalID string, payload any) error {
	affected, err := s.bus.Post(ctx, signalID, payload)
	if err != nil {
		return err
	}
	for _, id := range affected {
		if id == executionID {
			return nil
		}
	}
	return apperrors.New(apperrors.TypeValidation, "execution was not waiting on this signal").WithDetails(executionID)
}

// Describe returns a static structural description of taskID's declared
// steps and branches, per §4.6, by running its registered DescribeFunc
// against a dry-run describectx.Context that never invokes step
// callbacks. defaultInput feeds the (default-path-only) branch
// exploration described in pkg/workflow/describectx.
func (s *Service) Describe(taskID string, defaultInput []byte) ([]describectx.StepDescriptor, error) {
	fn, ok := s.describers[taskID]
	if !ok {
		return nil, apperrors.New(apperrors.TypeValidation, "no describe declaration registered for task").WithDetails(taskID)
	}
	c := describectx.New()
	fn(c, defaultInput)
	return c.Steps(), nil
}

// ListExecutions returns executions matching filter/paging, narrowed
// further by an optional jq expression (see filter.go), per §4.6's
// introspection surface and §4.3's ListFilter doc comment.
func (s *Service) ListExecutions(ctx context.Context, filter store.ListFilter, paging store.Paging, jqExpr string) ([]*dflow.Execution, error) {
	execs, err := s.store.ListExecutions(ctx, filter, paging)
	if err != nil {
		return nil, err
	}
	if jqExpr == "" {
		return execs, nil
	}
	return filterExecutions(execs, jqExpr)
}

// GetExecution loads a single execution, per §4.6's introspection surface.
func (s *Service) GetExecution(ctx context.Context, executionID string) (*dflow.Execution, error) {
	return s.store.LoadExecution(ctx, executionID)
}

// ListStepResults returns an execution's full journal, including `note`
// entries, per SPEC_FULL §4's structured audit trail supplement.
func (s *Service) ListStepResults(ctx context.Context, executionID string) ([]*dflow.StepResult, error) {
	return s.store.ListStepResults(ctx, executionID)
}

// Purge deletes a terminal execution and its journal, per SPEC_FULL §4's
// admin purge supplement (Store.PurgeExecution rejects non-terminal ones).
func (s *Service) Purge(ctx context.Context, executionID string) error {
	return s.store.PurgeExecution(ctx, executionID)
}
