package dflow

import (
	"errors"
	"time"
)

// SuspendReason describes why a workflow attempt cannot make further
// progress without an external event, per §4.1/§4.2.
type SuspendReason struct {
	Reason   string // "sleep" or "signal"
	WakeAt   *time.Time
	SignalID string
	Deadline *time.Time
}

// Suspend is the internal control-flow sentinel raised from inside
// WorkflowContext.sleep / WorkflowContext.waitForSignal to unwind the
// user procedure back to the Executor (§9 design notes: suspension via
// control flow). It is not a failure: the Executor treats it as a
// distinct Suspended outcome, never as Failed.
type Suspend struct {
	SuspendReason
}

func (s *Suspend) Error() string {
	return "workflow suspended: " + s.Reason
}

// AsSuspend reports whether err is a *Suspend, unwrapping if necessary.
func AsSuspend(err error) (*Suspend, bool) {
	var s *Suspend
	ok := errors.As(err, &s)
	return s, ok
}
