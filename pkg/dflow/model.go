// Package dflow holds the durable execution data model shared by every
// other package in the module: the Execution/StepResult/Timer/
// SignalWaiter/Lease rows a Store persists, and the Suspend sentinel a
// WorkflowContext raises to unwind a user procedure back to the Executor.
//
// Nothing in this package talks to a store, a network, or a clock; it is
// the vocabulary every other package shares.
package dflow

import "time"

// Status is the lifecycle state of an Execution, per the data model's
// status enumeration.
type Status string

const (
	StatusPending           Status = "pending"
	StatusRunning           Status = "running"
	StatusSleeping          Status = "sleeping"
	StatusWaitingForSignal  Status = "waiting_for_signal"
	StatusRetrying          Status = "retrying"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
)

// Terminal reports whether s is one of the absorbing terminal statuses
// (I5): completed, failed, or cancelled.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ExecError is the persisted shape of a failed execution's error (§3).
type ExecError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Lease grants a single worker exclusive advancement rights over an
// execution, per the lease model in §3: (resource, lockId, owner,
// expiresAt) where resource is implicit ("execution:"+ExecutionID) and
// Token is the lockId returned to the claimer as its leaseId.
type Lease struct {
	Token     string    `json:"token"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lease has passed its TTL as of now.
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// Execution is the unit of durable work (§3).
type Execution struct {
	ID              string      `json:"id"`
	TaskID          string      `json:"taskId"`
	Input           []byte      `json:"input,omitempty"`
	Status          Status      `json:"status"`
	Attempt         int         `json:"attempt"`
	Result          []byte      `json:"result,omitempty"`
	Error           *ExecError  `json:"error,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
	CompletedAt     *time.Time  `json:"completedAt,omitempty"`
	Lease           *Lease      `json:"lease,omitempty"`
	WakeAt          *time.Time  `json:"wakeAt,omitempty"`
	PendingSignalID string      `json:"pendingSignalId,omitempty"`
}

// StepKind is the kind of WorkflowContext call a StepResult journals.
type StepKind string

const (
	StepKindStep        StepKind = "step"
	StepKindSleep       StepKind = "sleep"
	StepKindSignalWait  StepKind = "signal_wait"
	StepKindSwitch      StepKind = "switch"
	StepKindNote        StepKind = "note"
)

// StepResult is the journaled outcome of one ctx.* call (§3). Result holds
// an opaque serialized payload whose shape depends on Kind:
//   - step: the serialized return value of the user function.
//   - switch: {"branchId": ...} naming the chosen branch; the branch's own
//     return value is journaled as a step under stepId+"/"+branchId.
//   - sleep: {"wakeAt": <RFC 3339 timestamp>} while waiting, then the same once final.
//   - signal_wait: {"state":"waiting",...} while waiting, then either
//     {"kind":"signal","data":...} or {"kind":"timeout"}.
//   - note: the message text.
type StepResult struct {
	ExecutionID string      `json:"executionId"`
	StepID      string      `json:"stepId"`
	Kind        StepKind    `json:"kind"`
	Result      []byte      `json:"result,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"` // nil while in the "waiting" state
}

// Waiting reports whether this StepResult has not yet reached a final
// value (I2 only applies once this is false).
func (r *StepResult) Waiting() bool {
	return r.CompletedAt == nil
}

// TimerReason distinguishes a sleep wake from a signal-wait deadline.
type TimerReason string

const (
	TimerReasonSleep         TimerReason = "sleep"
	TimerReasonSignalTimeout TimerReason = "signal_timeout"
)

// Timer is a pending wake event, redundant with its StepResult's waiting
// state and kept only as a cheap "due now" index (§3).
type Timer struct {
	ExecutionID string      `json:"executionId"`
	StepID      string      `json:"stepId"`
	WakeAt      time.Time   `json:"wakeAt"`
	Reason      TimerReason `json:"reason"`
}

// SignalWaiter is a subscription row: one execution's interest in one
// signal id (§3).
type SignalWaiter struct {
	SignalID    string      `json:"signalId"`
	ExecutionID string      `json:"executionId"`
	StepID      string      `json:"stepId"`
	CreatedAt   time.Time   `json:"createdAt"`
	Deadline    *time.Time  `json:"deadline,omitempty"`
}
