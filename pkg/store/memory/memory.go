// Package memory is the reference Store implementation described in
// §4.3: "a reference memory implementation achieves [atomicity] with a
// single mutex". It is the store the end-to-end test suite (§8) runs
// against, and the one embeddable callers reach for when they don't need
// a durable backend across process restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/store"
)

type stepKey struct {
	execID string
	stepID string
}

// Store is an in-process, mutex-guarded implementation of store.Store.
// Every exported method takes the single mutex for its entire body, which
// is what gives the atomicity groups in §4.3 their guarantee here: two
// goroutines can never observe an interleaved half-applied write.
type Store struct {
	mu sync.Mutex

	executions map[string]*dflow.Execution
	steps      map[stepKey]*dflow.StepResult
	timers     map[stepKey]*dflow.Timer
	waiters    map[string][]*dflow.SignalWaiter // signalID -> waiters
	waiterKey  map[stepKey]string               // (execID,stepID) -> signalID, for cancellation
	readyQueue []string                         // execution ids made ready by SignalReady, FIFO, arrival order
	ready      map[string]bool
}

// New constructs an empty memory store.
func New() *Store {
	return &Store{
		executions: make(map[string]*dflow.Execution),
		steps:      make(map[stepKey]*dflow.StepResult),
		timers:     make(map[stepKey]*dflow.Timer),
		waiters:    make(map[string][]*dflow.SignalWaiter),
		waiterKey:  make(map[stepKey]string),
		ready:      make(map[string]bool),
	}
}

func cloneExecution(e *dflow.Execution) *dflow.Execution {
	cp := *e
	if e.Lease != nil {
		l := *e.Lease
		cp.Lease = &l
	}
	if e.Error != nil {
		er := *e.Error
		cp.Error = &er
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	if e.WakeAt != nil {
		t := *e.WakeAt
		cp.WakeAt = &t
	}
	if e.Input != nil {
		cp.Input = append([]byte(nil), e.Input...)
	}
	if e.Result != nil {
		cp.Result = append([]byte(nil), e.Result...)
	}
	return &cp
}

func cloneStepResult(r *dflow.StepResult) *dflow.StepResult {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	if r.Result != nil {
		cp.Result = append([]byte(nil), r.Result...)
	}
	return &cp
}

func (s *Store) CreateExecution(_ context.Context, id, taskID string, input []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[id]; exists {
		return apperrors.WrapStore(apperrors.New(apperrors.TypeStore, "execution already exists"), "createExecution")
	}

	now := time.Now()
	s.executions[id] = &dflow.Execution{
		ID:        id,
		TaskID:    taskID,
		Input:     append([]byte(nil), input...),
		Status:    dflow.StatusPending,
		Attempt:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return nil
}

func (s *Store) LoadExecution(_ context.Context, id string) (*dflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[id]
	if !ok {
		return nil, apperrors.New(apperrors.TypeStore, "execution not found").WithDetails(id)
	}
	return cloneExecution(e), nil
}

func (s *Store) ListExecutions(_ context.Context, filter store.ListFilter, paging store.Paging) ([]*dflow.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*dflow.Execution
	for _, e := range s.executions {
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, cloneExecution(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if paging.Offset > 0 {
		if paging.Offset >= len(out) {
			return nil, nil
		}
		out = out[paging.Offset:]
	}
	if paging.Limit > 0 && len(out) > paging.Limit {
		out = out[:paging.Limit]
	}
	return out, nil
}

// claimCandidate is an internal scoring record used to order executions
// by the §4.3 priority list.
type claimCandidate struct {
	exec     *dflow.Execution
	bucket   int
	sortTime time.Time
}

func (s *Store) Claim(_ context.Context, ownerID string, opts store.ClaimOptions) (*store.ClaimedExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates []claimCandidate

	for _, e := range s.executions {
		switch e.Status {
		case dflow.StatusPending, dflow.StatusRetrying:
			if e.WakeAt != nil {
				if !e.WakeAt.After(now) {
					candidates = append(candidates, claimCandidate{exec: e, bucket: 1, sortTime: *e.WakeAt})
				}
				continue
			}
			candidates = append(candidates, claimCandidate{exec: e, bucket: 3, sortTime: e.CreatedAt})
		case dflow.StatusSleeping:
			if e.WakeAt != nil && !e.WakeAt.After(now) {
				candidates = append(candidates, claimCandidate{exec: e, bucket: 1, sortTime: *e.WakeAt})
			}
		case dflow.StatusWaitingForSignal:
			if e.WakeAt != nil && !e.WakeAt.After(now) {
				candidates = append(candidates, claimCandidate{exec: e, bucket: 1, sortTime: *e.WakeAt})
			} else if s.ready[e.ID] {
				candidates = append(candidates, claimCandidate{exec: e, bucket: 2})
			}
		case dflow.StatusRunning:
			if e.Lease.Expired(now) {
				candidates = append(candidates, claimCandidate{exec: e, bucket: 4, sortTime: e.UpdatedAt})
			}
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	readyOrder := make(map[string]int, len(s.readyQueue))
	for i, id := range s.readyQueue {
		readyOrder[id] = i
	}

	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if ci.bucket != cj.bucket {
			return ci.bucket < cj.bucket
		}
		switch ci.bucket {
		case 2:
			oi, oj := readyOrder[ci.exec.ID], readyOrder[cj.exec.ID]
			if oi != oj {
				return oi < oj
			}
		case 1, 3, 4:
			if !ci.sortTime.Equal(cj.sortTime) {
				return ci.sortTime.Before(cj.sortTime)
			}
		}
		return ci.exec.ID < cj.exec.ID
	})

	chosen := candidates[0].exec
	leaseID := uuid.NewString()
	chosen.Status = dflow.StatusRunning
	chosen.UpdatedAt = now
	chosen.Lease = &dflow.Lease{Token: leaseID, Owner: ownerID, ExpiresAt: now.Add(opts.LeaseTTL)}

	delete(s.ready, chosen.ID)
	s.removeFromReadyQueue(chosen.ID)

	return &store.ClaimedExecution{Execution: cloneExecution(chosen), LeaseID: leaseID}, nil
}

func (s *Store) removeFromReadyQueue(execID string) {
	for i, id := range s.readyQueue {
		if id == execID {
			s.readyQueue = append(s.readyQueue[:i], s.readyQueue[i+1:]...)
			return
		}
	}
}

func (s *Store) RenewLease(_ context.Context, execID, leaseID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[execID]
	if !ok || e.Lease == nil || e.Lease.Token != leaseID {
		return false, nil
	}
	if e.Lease.Expired(time.Now()) {
		return false, nil
	}
	e.Lease.ExpiresAt = time.Now().Add(ttl)
	return true, nil
}

func (s *Store) ReleaseLease(_ context.Context, execID, leaseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[execID]
	if !ok || e.Lease == nil || e.Lease.Token != leaseID {
		return nil
	}
	e.Lease = nil
	return nil
}

func (s *Store) AppendStepResult(_ context.Context, result *dflow.StepResult, waitTimer *dflow.Timer, waitSignal *dflow.SignalWaiter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey{result.ExecutionID, result.StepID}
	if _, exists := s.steps[key]; exists {
		return apperrors.New(apperrors.TypeDuplicateStep, "step result already journaled").WithDetails(result.StepID)
	}

	s.steps[key] = cloneStepResult(result)

	if waitTimer != nil {
		s.timers[key] = &dflow.Timer{
			ExecutionID: waitTimer.ExecutionID,
			StepID:      waitTimer.StepID,
			WakeAt:      waitTimer.WakeAt,
			Reason:      waitTimer.Reason,
		}
	}
	if waitSignal != nil {
		s.waiters[waitSignal.SignalID] = append(s.waiters[waitSignal.SignalID], &dflow.SignalWaiter{
			SignalID:    waitSignal.SignalID,
			ExecutionID: waitSignal.ExecutionID,
			StepID:      waitSignal.StepID,
			CreatedAt:   waitSignal.CreatedAt,
			Deadline:    waitSignal.Deadline,
		})
		s.waiterKey[key] = waitSignal.SignalID
	}
	return nil
}

func (s *Store) PromoteWaitingStep(_ context.Context, execID, stepID string, value []byte, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stepKey{execID, stepID}
	r, ok := s.steps[key]
	if !ok {
		return apperrors.New(apperrors.TypeStore, "step result not found").WithDetails(stepID)
	}
	if !r.Waiting() {
		return apperrors.New(apperrors.TypeStore, "step result already final, cannot promote").WithDetails(stepID)
	}

	r.Result = append([]byte(nil), value...)
	t := completedAt
	r.CompletedAt = &t

	delete(s.timers, key)
	s.removeWaiterFor(key)

	return nil
}

func (s *Store) removeWaiterFor(key stepKey) {
	signalID, ok := s.waiterKey[key]
	if !ok {
		return
	}
	delete(s.waiterKey, key)
	list := s.waiters[signalID]
	for i, w := range list {
		if w.ExecutionID == key.execID && w.StepID == key.stepID {
			s.waiters[signalID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(s.waiters[signalID]) == 0 {
		delete(s.waiters, signalID)
	}
}

func (s *Store) ListStepResults(_ context.Context, execID string) ([]*dflow.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*dflow.StepResult
	for k, r := range s.steps {
		if k.execID == execID {
			out = append(out, cloneStepResult(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (s *Store) DueTimers(_ context.Context, now time.Time) ([]*dflow.Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*dflow.Timer
	for _, t := range s.timers {
		if !t.WakeAt.After(now) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WakeAt.Before(out[j].WakeAt) })
	return out, nil
}

func (s *Store) CancelTimer(_ context.Context, execID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.timers, stepKey{execID, stepID})
	return nil
}

func (s *Store) SignalReady(_ context.Context, signalID string, payload []byte) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	waiters := s.waiters[signalID]
	if len(waiters) == 0 {
		return nil, nil
	}

	var affected []string
	for _, w := range waiters {
		key := stepKey{w.ExecutionID, w.StepID}
		r, ok := s.steps[key]
		if !ok || !r.Waiting() {
			continue
		}
		r.Result = append([]byte(nil), payload...)
		now := time.Now()
		r.CompletedAt = &now

		delete(s.timers, key)
		delete(s.waiterKey, key)

		if !s.ready[w.ExecutionID] {
			s.ready[w.ExecutionID] = true
			s.readyQueue = append(s.readyQueue, w.ExecutionID)
		}
		affected = append(affected, w.ExecutionID)
	}

	delete(s.waiters, signalID)
	return affected, nil
}

func (s *Store) UpdateExecutionStatus(_ context.Context, execID string, from, to dflow.Status, patch store.StatusPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[execID]
	if !ok {
		return false, apperrors.New(apperrors.TypeStore, "execution not found").WithDetails(execID)
	}
	if e.Status != from {
		return false, nil
	}

	e.Status = to
	e.UpdatedAt = time.Now()
	if patch.IncrementAttempt {
		e.Attempt++
	}
	if patch.Result != nil {
		e.Result = append([]byte(nil), patch.Result...)
	}
	if patch.Error != nil {
		er := *patch.Error
		e.Error = &er
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		e.CompletedAt = &t
	}
	e.WakeAt = patch.WakeAt
	if patch.PendingSignalID != nil {
		e.PendingSignalID = *patch.PendingSignalID
	}
	if to.Terminal() {
		e.Lease = nil
	}
	return true, nil
}

func (s *Store) PurgeExecution(_ context.Context, execID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.executions[execID]
	if !ok {
		return nil
	}
	if !e.Status.Terminal() {
		return apperrors.New(apperrors.TypeValidation, "cannot purge a non-terminal execution").WithDetails(string(e.Status))
	}

	delete(s.executions, execID)
	for k := range s.steps {
		if k.execID == execID {
			delete(s.steps, k)
			delete(s.timers, k)
			s.removeWaiterFor(k)
		}
	}
	delete(s.ready, execID)
	s.removeFromReadyQueue(execID)
	return nil
}

var _ store.Store = (*Store)(nil)
