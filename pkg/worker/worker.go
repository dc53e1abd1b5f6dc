// Package worker implements the Worker (C4): the poll → claim → advance
// → persist → release loop described in spec.md §4.4.
package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/internal/obslog"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/executor"
	"github.com/jordigilh/durableflow/pkg/metrics"
	"github.com/jordigilh/durableflow/pkg/obstrace"
	"github.com/jordigilh/durableflow/pkg/signalbus"
	"github.com/jordigilh/durableflow/pkg/store"
)

// Config tunes one Worker's poll loop, per §4.4 and §5.
type Config struct {
	OwnerID         string        // identifies this worker to Claim/RenewLease
	PollingInterval time.Duration // default 10-100ms, per §4.4
	LeaseTTL        time.Duration // default 30s, per §5
	MaxBatch        int           // claims per tick; 0 means 1 (pin to one-at-a-time)
}

func (c Config) withDefaults() Config {
	if c.PollingInterval <= 0 {
		c.PollingInterval = 50 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 1
	}
	return c
}

// Worker drives the Store → Executor → Store loop for one owner id.
// Multiple Workers (in one process or many) may share a Store;
// correctness relies solely on the lease (§5).
type Worker struct {
	store    store.Store
	executor *executor.Executor
	bus      *signalbus.Bus
	metrics  *metrics.Metrics
	logger   logr.Logger
	cfg      Config
	breaker  *gobreaker.CircuitBreaker
}

// New constructs a Worker. metrics may be nil (use metrics.NoOp() to get
// a harmless default instead of nil-checking at every call site).
func New(st store.Store, ex *executor.Executor, bus *signalbus.Bus, m *metrics.Metrics, logger logr.Logger, cfg Config) *Worker {
	cfg = cfg.withDefaults()
	if m == nil {
		m = metrics.NoOp()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "durableflow-store-" + cfg.OwnerID,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// §4.3 failure semantics: store failures are transient until
			// they persist; trip after a short run of consecutive
			// failures rather than any single blip.
			return counts.ConsecutiveFailures > 5
		},
	})
	return &Worker{store: st, executor: ex, bus: bus, metrics: m, logger: logger, cfg: cfg, breaker: breaker}
}

// Run blocks, polling until ctx is cancelled. It wakes early whenever the
// SignalBus publishes a local notification, per §4.5/§9's "timer
// granularity" note.
func (w *Worker) Run(ctx context.Context) error {
	wake, cancel := w.bus.Subscribe()
	defer cancel()

	ticker := time.NewTicker(w.cfg.PollingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.pollOnce(ctx)
		case <-wake:
			w.pollOnce(ctx)
		}
	}
}

// pollOnce claims up to MaxBatch executions and advances each in its own
// goroutine, bounded by errgroup's concurrency limit (§4.4 step 2/§SPEC_FULL
// Worker row: golang.org/x/sync/errgroup bounds in-flight advances).
func (w *Worker) pollOnce(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxBatch)

	for i := 0; i < w.cfg.MaxBatch; i++ {
		claimed, err := w.claim(ctx)
		if err != nil {
			w.logger.Error(err, "claim failed", obslog.NewFields().Component("worker").Operation("claim").KV()...)
			break
		}
		if claimed == nil {
			w.metrics.ClaimEmpty.Inc()
			break
		}
		w.metrics.Claims.Inc()

		ce := claimed
		g.Go(func() error {
			w.handle(gctx, ce)
			return nil
		})
	}

	_ = g.Wait()
}

func (w *Worker) claim(ctx context.Context) (*store.ClaimedExecution, error) {
	spanCtx, span := obstrace.StartSpan(ctx, "worker", "claim")
	defer span.End()

	res, err := w.breaker.Execute(func() (interface{}, error) {
		return w.store.Claim(spanCtx, w.cfg.OwnerID, store.ClaimOptions{LeaseTTL: w.cfg.LeaseTTL})
	})
	if err != nil {
		return nil, err
	}
	ce, _ := res.(*store.ClaimedExecution)
	return ce, nil
}

// handle runs a lease-renewal companion alongside one Executor.advance
// call and applies the resulting outcome, per §4.4 steps 3-5.
func (w *Worker) handle(ctx context.Context, ce *store.ClaimedExecution) {
	fields := obslog.NewFields().Component("worker").Operation("handle").Execution(ce.Execution.ID)

	renewCtx, cancelRenew := context.WithCancel(ctx)
	leaseLost := make(chan struct{}, 1)
	renewDone := make(chan struct{})
	go w.renewLoop(renewCtx, ce, leaseLost, renewDone)

	defer func() {
		cancelRenew()
		<-renewDone
		if err := w.store.ReleaseLease(context.Background(), ce.Execution.ID, ce.LeaseID); err != nil {
			w.logger.Error(err, "release lease failed", fields.KV()...)
		}
	}()

	spanCtx, span := obstrace.StartSpan(ctx, "executor", "advance")
	start := time.Now()
	outcome := w.executor.Advance(spanCtx, ce.Execution)
	span.End()

	w.metrics.Advances.WithLabelValues(string(outcome.Kind)).Inc()
	w.metrics.AdvanceDuration.Observe(time.Since(start).Seconds())

	select {
	case <-leaseLost:
		// §4.4 step 4/§9: the lease expired mid-advance; another worker
		// may already be advancing this execution. Drop the outcome
		// silently rather than racing a CAS we know is stale.
		w.logger.Info("lease lost mid-advance, dropping outcome", fields.KV()...)
		return
	default:
	}

	w.applyOutcome(ctx, ce, outcome)
}

// renewLoop calls RenewLease at TTL/3 intervals until ctx is cancelled
// (the advance completed) or renewal is lost, per §4.4 step 3. Each
// renewal attempt is retried with backoff (cenkalti/backoff/v5) against
// transient Store errors; a clean "lease no longer owned" result is not
// retried, it ends the loop immediately.
func (w *Worker) renewLoop(ctx context.Context, ce *store.ClaimedExecution, leaseLost chan<- struct{}, done chan<- struct{}) {
	defer close(done)

	interval := w.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := w.renewWithBackoff(ctx, ce)
			if err != nil {
				w.logger.Error(err, "lease renewal exhausted its retry budget", "execution_id", ce.Execution.ID)
				w.metrics.LeaseRenewals.WithLabelValues("error").Inc()
				select {
				case leaseLost <- struct{}{}:
				default:
				}
				return
			}
			if !ok {
				w.metrics.LeaseRenewals.WithLabelValues("lost").Inc()
				select {
				case leaseLost <- struct{}{}:
				default:
				}
				return
			}
			w.metrics.LeaseRenewals.WithLabelValues("ok").Inc()
		}
	}
}

func (w *Worker) renewWithBackoff(ctx context.Context, ce *store.ClaimedExecution) (bool, error) {
	return backoff.Retry(ctx, func() (bool, error) {
		ok, err := w.store.RenewLease(ctx, ce.Execution.ID, ce.LeaseID, w.cfg.LeaseTTL)
		if err != nil {
			return false, err
		}
		return ok, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
}

// applyOutcome translates an Outcome into the Store transition the state
// machine in §4.4 describes, CAS'd from StatusRunning.
func (w *Worker) applyOutcome(ctx context.Context, ce *store.ClaimedExecution, outcome executor.Outcome) {
	exec := ce.Execution
	now := time.Now()
	var to dflow.Status
	patch := store.StatusPatch{}

	switch outcome.Kind {
	case executor.Completed:
		to = dflow.StatusCompleted
		patch.Result = outcome.Result
		patch.CompletedAt = &now

	case executor.Suspended:
		switch outcome.Reason.Reason {
		case "sleep":
			to = dflow.StatusSleeping
			patch.WakeAt = outcome.Reason.WakeAt
		case "signal":
			to = dflow.StatusWaitingForSignal
			signalID := outcome.Reason.SignalID
			patch.PendingSignalID = &signalID
			patch.WakeAt = outcome.Reason.Deadline
		default:
			to = dflow.StatusFailed
			patch.CompletedAt = &now
			patch.Error = &dflow.ExecError{Message: "unknown suspend reason: " + outcome.Reason.Reason}
		}

	case executor.Failed:
		if outcome.Advice.Retry {
			to = dflow.StatusRetrying
			wakeAt := now.Add(outcome.Advice.Delay)
			patch.WakeAt = &wakeAt
			patch.IncrementAttempt = true
			w.metrics.Retries.Inc()
		} else {
			to = dflow.StatusFailed
			patch.CompletedAt = &now
		}
		if outcome.Err != nil {
			patch.Error = &dflow.ExecError{Message: outcome.Err.Error()}
		}

	case executor.Cancelled:
		to = dflow.StatusCancelled
		patch.CompletedAt = &now

	default:
		to = dflow.StatusFailed
		patch.CompletedAt = &now
		patch.Error = &dflow.ExecError{Message: "worker: unrecognized outcome kind"}
	}

	fields := obslog.NewFields().Component("worker").Operation("applyOutcome").Execution(exec.ID)
	ok, err := w.store.UpdateExecutionStatus(ctx, exec.ID, dflow.StatusRunning, to, patch)
	if err != nil {
		w.logger.Error(apperrors.WrapStore(err, "updateExecutionStatus"), "apply outcome failed", fields.KV()...)
		return
	}
	if !ok {
		// §4.4 step 4: another worker's CAS (or a concurrent cancel) won
		// the race; this attempt's outcome is silently dropped.
		w.logger.V(1).Info("status CAS from running lost, outcome dropped", fields.KV()...)
	}
}
