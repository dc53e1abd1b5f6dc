// Package describectx implements the dry-run WorkflowContext used by
// Service.describe (C6, SPEC_FULL §4): a second context implementation
// that records declared step/branch names without ever invoking a user
// callback, so describe() never performs a real side effect.
//
// Open Question decision (spec.md §9, recorded in full in DESIGN.md):
// task definitions register an optional DescribeFunc alongside their
// real Procedure. DescribeFunc mirrors only the procedure's step/branch
// declarations against this package's Context, never the business logic
// itself — Go has no generic method sets, so a single Procedure cannot
// be polymorphic over both the real *workflow.Context and this
// recording Context without the caller's closures committing to one
// concrete receiver type. Describing by re-running the same Procedure
// value was judged impractical for that reason; a parallel declarative
// description is the documented, implementable alternative. describe()
// explores the default path only: Switch below selects a branch using
// whatever discriminator the caller supplies (falling back to the first
// declared branch when none is given or none match) and does not
// explore sibling branches.
package describectx

import "github.com/jordigilh/durableflow/pkg/dflow"

// StepDescriptor is one recorded step/branch/sleep/signal-wait
// declaration, in the order Describe observed it.
type StepDescriptor struct {
	StepID string
	Kind   dflow.StepKind
	Branch string // set only for the chosen arm of a Switch
}

// Context records the structural shape of a procedure's declarations.
type Context struct {
	steps []StepDescriptor
}

// New constructs an empty describe Context.
func New() *Context {
	return &Context{}
}

// Steps returns the recorded declarations in call order.
func (c *Context) Steps() []StepDescriptor {
	out := make([]StepDescriptor, len(c.steps))
	copy(out, c.steps)
	return out
}

// Step records stepID's declaration. fn is never invoked.
func Step[T any](c *Context, stepID string, _ func() (T, error)) (T, error) {
	c.steps = append(c.steps, StepDescriptor{StepID: stepID, Kind: dflow.StepKindStep})
	var zero T
	return zero, nil
}

// Sleep records stepID's declaration; no suspension occurs in describe
// mode.
func (c *Context) Sleep(stepID string) {
	c.steps = append(c.steps, StepDescriptor{StepID: stepID, Kind: dflow.StepKindSleep})
}

// WaitForSignal records stepID's declaration; no suspension occurs in
// describe mode.
func (c *Context) WaitForSignal(stepID string) {
	c.steps = append(c.steps, StepDescriptor{StepID: stepID, Kind: dflow.StepKindSignalWait})
}

// Note records an audit declaration.
func (c *Context) Note(stepID string) {
	c.steps = append(c.steps, StepDescriptor{StepID: stepID, Kind: dflow.StepKindNote})
}

// Branch is a describe-mode switch arm: only ID and Match are consulted,
// Run is never invoked (describe never executes user callbacks).
type Branch[T any] struct {
	ID    string
	Match func(discriminator any) bool
}

// Switch records stepID's declaration and the chosen branch: the first
// branch whose Match reports true against discriminator, or the first
// declared branch if none match or discriminator is nil — per this
// package's default-path-only decision.
func Switch[T any](c *Context, stepID string, discriminator any, branches []Branch[T]) (T, error) {
	var zero T
	if len(branches) == 0 {
		c.steps = append(c.steps, StepDescriptor{StepID: stepID, Kind: dflow.StepKindSwitch})
		return zero, nil
	}

	chosenID := branches[0].ID
	if discriminator != nil {
		for _, b := range branches {
			if b.Match != nil && b.Match(discriminator) {
				chosenID = b.ID
				break
			}
		}
	}
	c.steps = append(c.steps, StepDescriptor{StepID: stepID, Kind: dflow.StepKindSwitch, Branch: chosenID})
	return zero, nil
}
