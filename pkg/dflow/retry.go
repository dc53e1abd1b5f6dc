package dflow

import "time"

// BackoffKind selects the delay curve for a RetryPolicy, per §4.2.
type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy is attached to a procedure definition (and/or overridden per
// execution) to control what happens when a non-suspend error escapes the
// user procedure. The zero value is the default policy: give up on the
// first failure.
type RetryPolicy struct {
	MaxAttempts int         `yaml:"maxAttempts" validate:"gte=0"`
	Backoff     BackoffKind `yaml:"backoff" validate:"omitempty,oneof=linear exponential"`
	BaseDelay   time.Duration `yaml:"baseDelay" validate:"gte=0"`
	Factor      float64     `yaml:"factor" validate:"omitempty,gt=0"`
	Cap         time.Duration `yaml:"cap" validate:"gte=0"`
	Jitter      float64     `yaml:"jitter" validate:"gte=0,lte=1"`
}

// DefaultRetryPolicy is "give up on the first error" (§4.2).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// GivesUp reports whether attempt (0-indexed, about to become attempt+1)
// has exhausted the policy's retry budget.
func (p RetryPolicy) GivesUp(attempt int) bool {
	if p.MaxAttempts <= 0 {
		return true
	}
	return attempt+1 >= p.MaxAttempts
}

// RetryAdvice is the Executor's verdict on a failed attempt (§4.2).
type RetryAdvice struct {
	Retry bool
	Delay time.Duration
}

// GiveUp is the zero-value, non-retrying advice.
var GiveUp = RetryAdvice{}
