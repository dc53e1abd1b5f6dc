// Package redis is a conforming Store backend (§1) over redis/go-redis/v9.
// Executions are JSON string values keyed by id; timers and the
// signal-ready queue are sorted sets / lists so Claim's priority order
// falls out of native Redis operations instead of an in-process scan.
// Claim, SignalReady, lease renewal/release, and the status CAS are Lua
// scripts run with EVAL, since Redis only guarantees atomicity within a
// single script execution (or a WATCH/MULTI transaction, which is a worse
// fit for the conditional logic Claim and SignalReady need);
// AppendStepResult, PromoteWaitingStep, CancelTimer, and PurgeExecution
// queue their writes in a MULTI/EXEC pipeline.
package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/store"
)

const (
	keyExecPrefix    = "dflow:exec:"      // + id -> JSON-encoded execution
	keyStepPrefix    = "dflow:steps:"     // + execID -> hash stepID -> JSON step result
	keyTimerZSet     = "dflow:timers"     // sorted set, member "execID:stepID", score = wakeAt unix ms
	keyTimerMeta     = "dflow:timermeta:" // + execID:stepID -> JSON timer (for reason/lookup)
	keyWaiterPrefix  = "dflow:waiters:"   // + signalID -> set of "execID:stepID"
	keyWaiterMeta    = "dflow:waitermeta:"
	keyPendingZSet   = "dflow:pending" // sorted set, member execID, score = createdAt unix ns, for plain-pending claim order
	keyReadyList     = "dflow:ready"   // list of execution ids made ready by SignalReady, FIFO
	keyTaskIndexBase = "dflow:task:"   // + taskID -> set of execution ids
	keyLeaseZSet     = "dflow:leases"  // sorted set, member execID, score = lease expiresAt unix ms; mirrors the running executions' leases for bucket-4 recovery scans
)

// Store is the Redis-backed Store implementation.
type Store struct {
	rdb *goredis.Client
}

// New wraps an already-connected go-redis client.
func New(rdb *goredis.Client) *Store {
	return &Store{rdb: rdb}
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.WrapStore(&apperrors.OperationError{Operation: op, Component: "redis", Cause: err}, op)
}

func (s *Store) execKey(id string) string  { return keyExecPrefix + id }
func (s *Store) stepsKey(id string) string { return keyStepPrefix + id }

func (s *Store) saveExecution(ctx context.Context, e *dflow.Execution) error {
	data, err := json.Marshal(e)
	if err != nil {
		return wrapErr("marshalExecution", err)
	}
	return wrapErr("saveExecution", s.rdb.Set(ctx, s.execKey(e.ID), data, 0).Err())
}

func (s *Store) loadExecutionRaw(ctx context.Context, id string) (*dflow.Execution, error) {
	data, err := s.rdb.Get(ctx, s.execKey(id)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("loadExecution", err)
	}
	var e dflow.Execution
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, wrapErr("loadExecution", err)
	}
	return &e, nil
}

func (s *Store) CreateExecution(ctx context.Context, id, taskID string, input []byte) error {
	now := time.Now()
	e := &dflow.Execution{
		ID: id, TaskID: taskID, Input: input, Status: dflow.StatusPending,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.saveExecution(ctx, e); err != nil {
		return err
	}
	if err := s.rdb.ZAdd(ctx, keyPendingZSet, goredis.Z{Score: float64(now.UnixNano()), Member: id}).Err(); err != nil {
		return wrapErr("createExecution", err)
	}
	return wrapErr("createExecution", s.rdb.SAdd(ctx, keyTaskIndexBase+taskID, id).Err())
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*dflow.Execution, error) {
	e, err := s.loadExecutionRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, apperrors.New(apperrors.TypeStore, "execution not found").WithDetails(id)
	}
	return e, nil
}

func (s *Store) ListExecutions(ctx context.Context, filter store.ListFilter, paging store.Paging) ([]*dflow.Execution, error) {
	var ids []string
	var err error
	if filter.TaskID != "" {
		ids, err = s.rdb.SMembers(ctx, keyTaskIndexBase+filter.TaskID).Result()
	} else {
		ids, err = s.rdb.ZRange(ctx, keyPendingZSet, 0, -1).Result()
		// keyPendingZSet only tracks still-pending ids; fall back to a full
		// scan for the "no filter" case since executions move out of it.
		if err == nil {
			var keys []string
			keys, err = s.rdb.Keys(ctx, keyExecPrefix+"*").Result()
			if err == nil {
				ids = ids[:0]
				for _, k := range keys {
					ids = append(ids, k[len(keyExecPrefix):])
				}
			}
		}
	}
	if err != nil {
		return nil, wrapErr("listExecutions", err)
	}

	var out []*dflow.Execution
	for _, id := range ids {
		e, err := s.loadExecutionRaw(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		out = append(out, e)
	}

	sortExecutions(out)

	if paging.Offset > 0 && paging.Offset < len(out) {
		out = out[paging.Offset:]
	} else if paging.Offset >= len(out) {
		out = nil
	}
	if paging.Limit > 0 && paging.Limit < len(out) {
		out = out[:paging.Limit]
	}
	return out, nil
}

func sortExecutions(execs []*dflow.Execution) {
	for i := 1; i < len(execs); i++ {
		for j := i; j > 0; j-- {
			a, b := execs[j-1], execs[j]
			if a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID <= b.ID) {
				break
			}
			execs[j-1], execs[j] = execs[j], execs[j-1]
		}
	}
}

// claimScript implements atomicity group (c) entirely inside Redis: find
// the highest-priority claimable execution (due timer, then ready signal,
// then plain pending, then expired lease), flip it to running, and write
// a fresh lease, all within one EVAL.
var claimScript = goredis.NewScript(`
local pendingZSet = KEYS[1]
local timerZSet = KEYS[2]
local readyList = KEYS[3]
local execPrefix = KEYS[4]
local leaseZSet = KEYS[5]
local now = tonumber(ARGV[1])
local owner = ARGV[2]
local leaseToken = ARGV[3]
local leaseExpiresAt = ARGV[4]
local leaseExpiresAtMs = tonumber(ARGV[6])

local function loadExec(id)
  local raw = redis.call('GET', execPrefix .. id)
  if not raw then return nil end
  return cjson.decode(raw)
end

local chosenID = nil

-- bucket 1: due timers, ascending wakeAt
local dueTimers = redis.call('ZRANGEBYSCORE', timerZSet, '-inf', now, 'LIMIT', 0, 50)
for _, member in ipairs(dueTimers) do
  local execID = string.match(member, '^(.-):')
  local e = loadExec(execID)
  if e and (e.status == 'pending' or e.status == 'retrying' or e.status == 'sleeping' or e.status == 'waiting_for_signal') then
    chosenID = execID
    break
  end
end

-- bucket 2: signal-ready queue, FIFO arrival order
if not chosenID then
  while true do
    local id = redis.call('LPOP', readyList)
    if not id then break end
    local e = loadExec(id)
    if e and (e.status == 'pending' or e.status == 'retrying' or e.status == 'sleeping' or e.status == 'waiting_for_signal') then
      chosenID = id
      break
    end
  end
end

-- bucket 3: plain pending by createdAt
if not chosenID then
  local candidates = redis.call('ZRANGE', pendingZSet, 0, 50)
  for _, id in ipairs(candidates) do
    local e = loadExec(id)
    if e and e.status == 'pending' then
      chosenID = id
      break
    end
  end
end

-- bucket 4: expired-lease recovery, via the lease-expiry index every
-- lease write maintains alongside the execution blob
if not chosenID then
  local expired = redis.call('ZRANGEBYSCORE', leaseZSet, '-inf', now, 'LIMIT', 0, 50)
  for _, id in ipairs(expired) do
    local e = loadExec(id)
    if e and e.status == 'running' then
      chosenID = id
      break
    end
  end
end

if not chosenID then
  return nil
end

local e = loadExec(chosenID)
e.status = 'running'
e.updatedAt = ARGV[5]
e.lease = { token = leaseToken, owner = owner, expiresAt = leaseExpiresAt }
redis.call('SET', execPrefix .. chosenID, cjson.encode(e))
redis.call('ZREM', pendingZSet, chosenID)
redis.call('ZADD', leaseZSet, leaseExpiresAtMs, chosenID)

return cjson.encode(e)
`)

func (s *Store) Claim(ctx context.Context, ownerID string, opts store.ClaimOptions) (*store.ClaimedExecution, error) {
	now := time.Now()
	leaseToken := uuid.NewString()
	expiresAt := now.Add(opts.LeaseTTL)

	res, err := claimScript.Run(ctx, s.rdb,
		[]string{keyPendingZSet, keyTimerZSet, keyReadyList, keyExecPrefix, keyLeaseZSet},
		now.UnixMilli(), ownerID, leaseToken, jsonTime(expiresAt), jsonTime(now), expiresAt.UnixMilli(),
	).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("claim", err)
	}
	if res == nil {
		return nil, nil
	}

	var e dflow.Execution
	if err := json.Unmarshal([]byte(res.(string)), &e); err != nil {
		return nil, wrapErr("claim", err)
	}
	return &store.ClaimedExecution{Execution: &e, LeaseID: leaseToken}, nil
}

// jsonTime renders t the same way encoding/json would inside a string
// value, but without the surrounding quotes - the Lua scripts assign it
// to a table field and let cjson.encode add the JSON string quoting.
func jsonTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

var renewScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local e = cjson.decode(raw)
if not e.lease or e.lease.token ~= ARGV[1] then return 0 end
e.lease.expiresAt = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(e))
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), e.id)
return 1
`)

func (s *Store) RenewLease(ctx context.Context, execID, leaseID string, ttl time.Duration) (bool, error) {
	newExpiry := time.Now().Add(ttl)
	res, err := renewScript.Run(ctx, s.rdb, []string{s.execKey(execID), keyLeaseZSet}, leaseID, jsonTime(newExpiry), newExpiry.UnixMilli()).Int()
	if err != nil {
		return false, wrapErr("renewLease", err)
	}
	return res == 1, nil
}

var releaseScript = goredis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local e = cjson.decode(raw)
if not e.lease or e.lease.token ~= ARGV[1] then return 0 end
e.lease = cjson.null
redis.call('SET', KEYS[1], cjson.encode(e))
redis.call('ZREM', KEYS[2], e.id)
return 1
`)

func (s *Store) ReleaseLease(ctx context.Context, execID, leaseID string) error {
	_, err := releaseScript.Run(ctx, s.rdb, []string{s.execKey(execID), keyLeaseZSet}, leaseID).Int()
	return wrapErr("releaseLease", err)
}

func (s *Store) AppendStepResult(ctx context.Context, result *dflow.StepResult, waitTimer *dflow.Timer, waitSignal *dflow.SignalWaiter) error {
	exists, err := s.rdb.HExists(ctx, s.stepsKey(result.ExecutionID), result.StepID).Result()
	if err != nil {
		return wrapErr("appendStepResult", err)
	}
	if exists {
		return apperrors.New(apperrors.TypeDuplicateStep, "step result already journaled").WithDetails(result.StepID)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return wrapErr("appendStepResult", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.stepsKey(result.ExecutionID), result.StepID, data)
	if waitTimer != nil {
		member := fmt.Sprintf("%s:%s", waitTimer.ExecutionID, waitTimer.StepID)
		pipe.ZAdd(ctx, keyTimerZSet, goredis.Z{Score: float64(waitTimer.WakeAt.UnixMilli()), Member: member})
		timerData, _ := json.Marshal(waitTimer)
		pipe.Set(ctx, keyTimerMeta+member, timerData, 0)
	}
	if waitSignal != nil {
		member := fmt.Sprintf("%s:%s", waitSignal.ExecutionID, waitSignal.StepID)
		pipe.SAdd(ctx, keyWaiterPrefix+waitSignal.SignalID, member)
		waiterData, _ := json.Marshal(waitSignal)
		pipe.Set(ctx, keyWaiterMeta+waitSignal.SignalID+":"+member, waiterData, 0)
	}
	_, err = pipe.Exec(ctx)
	return wrapErr("appendStepResult", err)
}

func (s *Store) PromoteWaitingStep(ctx context.Context, execID, stepID string, value []byte, completedAt time.Time) error {
	raw, err := s.rdb.HGet(ctx, s.stepsKey(execID), stepID).Bytes()
	if err == goredis.Nil {
		return apperrors.New(apperrors.TypeStore, "step result not found").WithDetails(stepID)
	}
	if err != nil {
		return wrapErr("promoteWaitingStep", err)
	}
	var r dflow.StepResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return wrapErr("promoteWaitingStep", err)
	}
	if !r.Waiting() {
		return apperrors.New(apperrors.TypeStore, "step result already final").WithDetails(stepID)
	}

	r.Result = value
	t := completedAt
	r.CompletedAt = &t
	data, err := json.Marshal(&r)
	if err != nil {
		return wrapErr("promoteWaitingStep", err)
	}

	member := fmt.Sprintf("%s:%s", execID, stepID)
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.stepsKey(execID), stepID, data)
	pipe.ZRem(ctx, keyTimerZSet, member)
	pipe.Del(ctx, keyTimerMeta+member)
	_, err = pipe.Exec(ctx)
	return wrapErr("promoteWaitingStep", err)
}

func (s *Store) ListStepResults(ctx context.Context, execID string) ([]*dflow.StepResult, error) {
	raw, err := s.rdb.HGetAll(ctx, s.stepsKey(execID)).Result()
	if err != nil {
		return nil, wrapErr("listStepResults", err)
	}
	ids := make([]string, 0, len(raw))
	for id := range raw {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	out := make([]*dflow.StepResult, 0, len(ids))
	for _, id := range ids {
		var r dflow.StepResult
		if err := json.Unmarshal([]byte(raw[id]), &r); err != nil {
			return nil, wrapErr("listStepResults", err)
		}
		out = append(out, &r)
	}
	return out, nil
}

func (s *Store) DueTimers(ctx context.Context, now time.Time) ([]*dflow.Timer, error) {
	members, err := s.rdb.ZRangeByScore(ctx, keyTimerZSet, &goredis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%d", now.UnixMilli())}).Result()
	if err != nil {
		return nil, wrapErr("dueTimers", err)
	}
	out := make([]*dflow.Timer, 0, len(members))
	for _, m := range members {
		raw, err := s.rdb.Get(ctx, keyTimerMeta+m).Bytes()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return nil, wrapErr("dueTimers", err)
		}
		var t dflow.Timer
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, wrapErr("dueTimers", err)
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *Store) CancelTimer(ctx context.Context, execID, stepID string) error {
	member := fmt.Sprintf("%s:%s", execID, stepID)
	pipe := s.rdb.TxPipeline()
	pipe.ZRem(ctx, keyTimerZSet, member)
	pipe.Del(ctx, keyTimerMeta+member)
	_, err := pipe.Exec(ctx)
	return wrapErr("cancelTimer", err)
}

// signalReadyScript implements atomicity group (d): for every waiter on
// signalID, write payload into its (still-waiting) step result, drop its
// timer, and collect the owning execution id — then clear the waiter set.
var signalReadyScript = goredis.NewScript(`
local waiterSet = KEYS[1]
local timerZSet = KEYS[2]
local readyList = KEYS[3]
local stepsPrefix = KEYS[4]
local timerMetaPrefix = KEYS[5]
local waiterMetaPrefix = KEYS[6]
local signalID = ARGV[1]
local payload = ARGV[2]

local members = redis.call('SMEMBERS', waiterSet)
local affected = {}
for _, member in ipairs(members) do
  local sep = string.find(member, ':')
  local execID = string.sub(member, 1, sep - 1)
  local stepID = string.sub(member, sep + 1)
  local raw = redis.call('HGET', stepsPrefix .. execID, stepID)
  if raw then
    local r = cjson.decode(raw)
    if not r.completedAt then
      r.result = payload
      r.completedAt = ARGV[3]
      redis.call('HSET', stepsPrefix .. execID, stepID, cjson.encode(r))
      redis.call('ZREM', timerZSet, member)
      redis.call('DEL', timerMetaPrefix .. member)
      redis.call('RPUSH', readyList, execID)
      table.insert(affected, execID)
    end
  end
  redis.call('DEL', waiterMetaPrefix .. signalID .. ':' .. member)
end
redis.call('DEL', waiterSet)
return affected
`)

func (s *Store) SignalReady(ctx context.Context, signalID string, payload []byte) ([]string, error) {
	now := time.Now()
	// payload is written straight into the StepResult's result field, so
	// it must carry the same base64 encoding encoding/json uses for a
	// []byte field.
	encodedPayload := base64.StdEncoding.EncodeToString(payload)
	res, err := signalReadyScript.Run(ctx, s.rdb,
		[]string{keyWaiterPrefix + signalID, keyTimerZSet, keyReadyList, keyStepPrefix, keyTimerMeta, keyWaiterMeta},
		signalID, encodedPayload, jsonTime(now),
	).Result()
	if err != nil {
		return nil, wrapErr("signalReady", err)
	}
	items, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// updateStatusScript performs the compare-and-swap transactionally: a
// plain load-modify-save from Go would race a concurrent Claim/Renew on
// the same key.
var updateStatusScript = goredis.NewScript(`
local execKey = KEYS[1]
local leaseZSet = KEYS[2]
local from = ARGV[1]
local to = ARGV[2]
local updatedAt = ARGV[3]
local patch = cjson.decode(ARGV[4])

local raw = redis.call('GET', execKey)
if not raw then return cjson.encode({found=false}) end
local e = cjson.decode(raw)
if e.status ~= from then return cjson.encode({found=true, ok=false}) end

e.status = to
e.updatedAt = updatedAt
if patch.incrementAttempt then
  e.attempt = e.attempt + 1
end
if patch.result ~= nil then
  e.result = patch.result
end
if patch.errorValue ~= nil then
  e.error = patch.errorValue
end
if patch.completedAt ~= nil then
  e.completedAt = patch.completedAt
end
e.wakeAt = patch.wakeAt
if patch.pendingSignalId ~= nil then
  e.pendingSignalId = patch.pendingSignalId
end
if patch.terminal then
  e.lease = cjson.null
  redis.call('ZREM', leaseZSet, e.id)
end

redis.call('SET', execKey, cjson.encode(e))
return cjson.encode({found=true, ok=true})
`)

type statusPatchWire struct {
	IncrementAttempt bool             `json:"incrementAttempt,omitempty"`
	Result           json.RawMessage  `json:"result,omitempty"`
	ErrorValue       *dflow.ExecError `json:"errorValue,omitempty"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
	WakeAt           *time.Time       `json:"wakeAt,omitempty"`
	PendingSignalID  *string          `json:"pendingSignalId,omitempty"`
	Terminal         bool             `json:"terminal,omitempty"`
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, execID string, from, to dflow.Status, patch store.StatusPatch) (bool, error) {
	wire := statusPatchWire{
		IncrementAttempt: patch.IncrementAttempt,
		ErrorValue:       patch.Error,
		CompletedAt:      patch.CompletedAt,
		WakeAt:           patch.WakeAt,
		PendingSignalID:  patch.PendingSignalID,
		Terminal:         to.Terminal(),
	}
	if patch.Result != nil {
		encoded, err := json.Marshal(patch.Result)
		if err != nil {
			return false, wrapErr("updateExecutionStatus", err)
		}
		wire.Result = encoded
	}
	patchJSON, err := json.Marshal(wire)
	if err != nil {
		return false, wrapErr("updateExecutionStatus", err)
	}

	res, err := updateStatusScript.Run(ctx, s.rdb,
		[]string{s.execKey(execID), keyLeaseZSet},
		string(from), string(to), jsonTime(time.Now()), string(patchJSON),
	).Text()
	if err != nil {
		return false, wrapErr("updateExecutionStatus", err)
	}

	var outcome struct {
		Found bool `json:"found"`
		OK    bool `json:"ok"`
	}
	if err := json.Unmarshal([]byte(res), &outcome); err != nil {
		return false, wrapErr("updateExecutionStatus", err)
	}
	if !outcome.Found {
		return false, apperrors.New(apperrors.TypeStore, "execution not found").WithDetails(execID)
	}
	return outcome.OK, nil
}

func (s *Store) PurgeExecution(ctx context.Context, execID string) error {
	e, err := s.loadExecutionRaw(ctx, execID)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	if !e.Status.Terminal() {
		return apperrors.New(apperrors.TypeValidation, "cannot purge a non-terminal execution").WithDetails(string(e.Status))
	}

	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.execKey(execID))
	pipe.Del(ctx, s.stepsKey(execID))
	pipe.ZRem(ctx, keyPendingZSet, execID)
	pipe.SRem(ctx, keyTaskIndexBase+e.TaskID, execID)
	_, err = pipe.Exec(ctx)
	return wrapErr("purgeExecution", err)
}

var _ store.Store = (*Store)(nil)
