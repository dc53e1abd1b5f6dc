// Package store defines the Store interface (C3): the persistence
// abstraction every backend (memory, Postgres, Redis, ...) implements for
// executions, step results, timers, signal waiters, and leases. This
// interface's shape is the wire protocol between the engine and any
// conforming backend, per §6.
package store

import (
	"context"
	"time"

	"github.com/jordigilh/durableflow/pkg/dflow"
)

// ClaimOptions configures a single Claim call.
type ClaimOptions struct {
	LeaseTTL time.Duration
}

// ClaimedExecution is the result of a successful Claim: the execution
// (now status=running) and the lease token the caller must present to
// RenewLease/ReleaseLease.
type ClaimedExecution struct {
	Execution *dflow.Execution
	LeaseID   string
}

// ListFilter narrows ListExecutions. Zero values are unconstrained. It
// holds only structural fields, keeping backends simple and indexable; an
// optional jq-style expression is a separate argument of
// Service.ListExecutions (see pkg/service), evaluated by the caller, not
// the store.
type ListFilter struct {
	TaskID string
	Status dflow.Status
}

// Paging bounds a ListExecutions call.
type Paging struct {
	Limit  int
	Offset int
}

// StatusPatch carries the fields UpdateExecutionStatus may set alongside
// the status transition itself.
type StatusPatch struct {
	Result          []byte
	Error           *dflow.ExecError
	CompletedAt     *time.Time
	WakeAt          *time.Time
	PendingSignalID *string // pointer-to-pointer-ish: nil means "leave unchanged", empty string means "clear"
	IncrementAttempt bool
}

// Store is the persistence abstraction described in §4.3. All operations
// are logically asynchronous (context-bound) and fail with a wrapped
// *apperrors.AppError of type TypeStore on persistence failure. The
// atomicity groups (a)-(d) from §4.3 are non-negotiable requirements on
// every conforming implementation:
//
//	(a) AppendStepResult + any Timer/SignalWaiter writes it implies.
//	(b) PromoteWaitingStep + Timer/SignalWaiter deletions.
//	(c) Claim (status change + lease write).
//	(d) SignalReady (waiter deletion + StepResult payload write + timer cancel).
type Store interface {
	CreateExecution(ctx context.Context, id, taskID string, input []byte) error
	LoadExecution(ctx context.Context, id string) (*dflow.Execution, error)
	ListExecutions(ctx context.Context, filter ListFilter, paging Paging) ([]*dflow.Execution, error)

	// Claim selects and locks one claimable execution per the priority
	// order in §4.3, or returns (nil, nil) if nothing is claimable.
	Claim(ctx context.Context, ownerID string, opts ClaimOptions) (*ClaimedExecution, error)
	RenewLease(ctx context.Context, execID, leaseID string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, execID, leaseID string) error

	// AppendStepResult journals a step result in its final state (kind
	// step/switch/note) or in the waiting state (kind sleep/signal_wait).
	// waitTimer/waitSignal are optional and written atomically with the
	// step result when non-nil (atomicity group (a)).
	AppendStepResult(ctx context.Context, result *dflow.StepResult, waitTimer *dflow.Timer, waitSignal *dflow.SignalWaiter) error
	// PromoteWaitingStep replaces a waiting StepResult with its final
	// value, atomically removing any associated Timer/SignalWaiter rows
	// (atomicity group (b)).
	PromoteWaitingStep(ctx context.Context, execID, stepID string, value []byte, completedAt time.Time) error
	ListStepResults(ctx context.Context, execID string) ([]*dflow.StepResult, error)

	DueTimers(ctx context.Context, now time.Time) ([]*dflow.Timer, error)
	CancelTimer(ctx context.Context, execID, stepID string) error

	// SignalReady flips every waiter on signalID to ready, writes payload
	// into each waiter's pending StepResult, cancels any paired
	// signal_timeout timer, and returns the affected execution ids
	// (atomicity group (d)).
	SignalReady(ctx context.Context, signalID string, payload []byte) ([]string, error)

	// UpdateExecutionStatus performs a compare-and-swap on status: it only
	// applies if the execution's current status equals from, returning
	// false (not an error) on CAS failure.
	UpdateExecutionStatus(ctx context.Context, execID string, from, to dflow.Status, patch StatusPatch) (bool, error)

	// PurgeExecution deletes a terminal execution and all of its journal,
	// timer, and waiter rows. It is the external admin operation referred
	// to by §3's StepResult lifecycle note and is rejected for
	// non-terminal executions.
	PurgeExecution(ctx context.Context, execID string) error
}
