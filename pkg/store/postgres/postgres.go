// Package postgres is a conforming SQL Store backend (§1: "SQL/Redis are
// conforming implementations of the store interface"). It uses pgx/v5's
// connection pool for the hot-path atomic operations (Claim,
// AppendStepResult, SignalReady, ...) inside explicit transactions, and
// sqlx over the database/sql driver for the read-only introspection
// queries (ListExecutions, ListStepResults) where named-parameter query
// building reads more naturally than pgx's positional placeholders.
// Schema migrations are embedded and applied with pressly/goose.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/jordigilh/durableflow/internal/apperrors"
	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the Postgres-backed Store implementation.
type Store struct {
	pool *pgxpool.Pool
	read *sqlx.DB
}

// Open connects to Postgres at dsn, runs pending goose migrations, and
// returns a ready-to-use Store. dsn is used twice: once to build the pgx
// pool for transactional writes, once (via lib/pq) to build the
// database/sql.DB goose needs for migrations and the sqlx reader uses for
// introspection queries.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, apperrors.Wrap(&apperrors.OperationError{Operation: "open pgx pool", Component: "postgres", Cause: err}, apperrors.TypeStore, "failed to open store")
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		pool.Close()
		return nil, apperrors.Wrap(&apperrors.OperationError{Operation: "open database/sql handle", Component: "postgres", Cause: err}, apperrors.TypeStore, "failed to open store")
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, apperrors.Wrap(err, apperrors.TypeStore, "failed to set goose dialect")
	}
	if err := goose.Up(sqlDB, "migrations"); err != nil {
		return nil, apperrors.Wrap(&apperrors.OperationError{Operation: "run migrations", Component: "postgres", Cause: err}, apperrors.TypeStore, "failed to migrate store")
	}

	return &Store{pool: pool, read: sqlx.NewDb(sqlDB, "postgres")}, nil
}

// Close releases the pool and the read handle.
func (s *Store) Close() {
	s.pool.Close()
	_ = s.read.Close()
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperrors.WrapStore(&apperrors.OperationError{Operation: op, Component: "postgres", Cause: err}, op)
}

func (s *Store) CreateExecution(ctx context.Context, id, taskID string, input []byte) error {
	now := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, task_id, input, status, attempt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $5)`,
		id, taskID, input, dflow.StatusPending, now)
	return wrapErr("createExecution", err)
}

func (s *Store) LoadExecution(ctx context.Context, id string) (*dflow.Execution, error) {
	row := s.pool.QueryRow(ctx, selectExecutionSQL+" WHERE id = $1", id)
	e, err := scanExecution(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.New(apperrors.TypeStore, "execution not found").WithDetails(id)
	}
	if err != nil {
		return nil, wrapErr("loadExecution", err)
	}
	return e, nil
}

const selectExecutionSQL = `
	SELECT id, task_id, input, status, attempt, result, error_message, error_stack,
	       created_at, updated_at, completed_at, lease_token, lease_owner, lease_expires_at,
	       wake_at, pending_signal_id
	FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*dflow.Execution, error) {
	var (
		e                                       dflow.Execution
		errMsg, errStack, leaseToken, leaseOwner sql.NullString
		leaseExpires, completedAt, wakeAt        sql.NullTime
		pendingSignalID                          sql.NullString
	)

	if err := row.Scan(&e.ID, &e.TaskID, &e.Input, &e.Status, &e.Attempt, &e.Result,
		&errMsg, &errStack, &e.CreatedAt, &e.UpdatedAt, &completedAt,
		&leaseToken, &leaseOwner, &leaseExpires, &wakeAt, &pendingSignalID); err != nil {
		return nil, err
	}

	if errMsg.Valid {
		e.Error = &dflow.ExecError{Message: errMsg.String, Stack: errStack.String}
	}
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	if wakeAt.Valid {
		t := wakeAt.Time
		e.WakeAt = &t
	}
	if pendingSignalID.Valid {
		e.PendingSignalID = pendingSignalID.String
	}
	if leaseToken.Valid && leaseExpires.Valid {
		e.Lease = &dflow.Lease{Token: leaseToken.String, Owner: leaseOwner.String, ExpiresAt: leaseExpires.Time}
	}
	return &e, nil
}

func (s *Store) ListExecutions(ctx context.Context, filter store.ListFilter, paging store.Paging) ([]*dflow.Execution, error) {
	query := `SELECT id, task_id, input, status, attempt, result, error_message, error_stack,
	                  created_at, updated_at, completed_at, lease_token, lease_owner, lease_expires_at,
	                  wake_at, pending_signal_id
	          FROM executions WHERE 1=1`
	args := map[string]any{}
	if filter.TaskID != "" {
		query += " AND task_id = :task_id"
		args["task_id"] = filter.TaskID
	}
	if filter.Status != "" {
		query += " AND status = :status"
		args["status"] = string(filter.Status)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if paging.Limit > 0 {
		query += " LIMIT :limit"
		args["limit"] = paging.Limit
	}
	if paging.Offset > 0 {
		query += " OFFSET :offset"
		args["offset"] = paging.Offset
	}

	stmt, stmtArgs, err := sqlx.Named(query, args)
	if err != nil {
		return nil, wrapErr("listExecutions", err)
	}
	stmt = s.read.Rebind(stmt)

	rows, err := s.read.QueryContext(ctx, stmt, stmtArgs...)
	if err != nil {
		return nil, wrapErr("listExecutions", err)
	}
	defer rows.Close()

	var out []*dflow.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, wrapErr("listExecutions", err)
		}
		out = append(out, e)
	}
	return out, wrapErr("listExecutions", rows.Err())
}

// Claim implements atomicity group (c): CAS the chosen execution's status
// to running and write its lease inside one transaction, using
// SELECT ... FOR UPDATE SKIP LOCKED so concurrent workers never pick the
// same row.
func (s *Store) Claim(ctx context.Context, ownerID string, opts store.ClaimOptions) (*store.ClaimedExecution, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, wrapErr("claim", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	row := tx.QueryRow(ctx, `
		SELECT id FROM executions
		WHERE
		  (status IN ('pending','retrying') AND (wake_at IS NULL OR wake_at <= $1))
		  OR (status = 'sleeping' AND wake_at <= $1)
		  OR (status = 'waiting_for_signal' AND wake_at <= $1)
		  OR (status = 'running' AND lease_expires_at <= $1)
		ORDER BY
		  (wake_at IS NULL) ASC, wake_at ASC, created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, now)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, wrapErr("claim", err)
	}

	leaseID := newToken()
	_, err = tx.Exec(ctx, `
		UPDATE executions
		SET status = 'running', updated_at = $1, lease_token = $2, lease_owner = $3, lease_expires_at = $4
		WHERE id = $5`,
		now, leaseID, ownerID, now.Add(opts.LeaseTTL), id)
	if err != nil {
		return nil, wrapErr("claim", err)
	}

	row = tx.QueryRow(ctx, selectExecutionSQL+" WHERE id = $1", id)
	exec, err := scanExecution(row)
	if err != nil {
		return nil, wrapErr("claim", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("claim", err)
	}

	return &store.ClaimedExecution{Execution: exec, LeaseID: leaseID}, nil
}

func (s *Store) RenewLease(ctx context.Context, execID, leaseID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET lease_expires_at = $1
		WHERE id = $2 AND lease_token = $3 AND lease_expires_at > $4`,
		now.Add(ttl), execID, leaseID, now)
	if err != nil {
		return false, wrapErr("renewLease", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ReleaseLease(ctx context.Context, execID, leaseID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE executions SET lease_token = NULL, lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_token = $2`, execID, leaseID)
	return wrapErr("releaseLease", err)
}

// AppendStepResult implements atomicity group (a).
func (s *Store) AppendStepResult(ctx context.Context, result *dflow.StepResult, waitTimer *dflow.Timer, waitSignal *dflow.SignalWaiter) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapErr("appendStepResult", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO step_results (execution_id, step_id, kind, result, completed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		result.ExecutionID, result.StepID, result.Kind, result.Result, result.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.New(apperrors.TypeDuplicateStep, "step result already journaled").WithDetails(result.StepID)
		}
		return wrapErr("appendStepResult", err)
	}

	if waitTimer != nil {
		_, err = tx.Exec(ctx, `INSERT INTO timers (execution_id, step_id, wake_at, reason) VALUES ($1, $2, $3, $4)`,
			waitTimer.ExecutionID, waitTimer.StepID, waitTimer.WakeAt, waitTimer.Reason)
		if err != nil {
			return wrapErr("appendStepResult", err)
		}
	}
	if waitSignal != nil {
		_, err = tx.Exec(ctx, `INSERT INTO signal_waiters (signal_id, execution_id, step_id, created_at, deadline) VALUES ($1, $2, $3, $4, $5)`,
			waitSignal.SignalID, waitSignal.ExecutionID, waitSignal.StepID, waitSignal.CreatedAt, waitSignal.Deadline)
		if err != nil {
			return wrapErr("appendStepResult", err)
		}
	}

	return wrapErr("appendStepResult", tx.Commit(ctx))
}

// PromoteWaitingStep implements atomicity group (b).
func (s *Store) PromoteWaitingStep(ctx context.Context, execID, stepID string, value []byte, completedAt time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapErr("promoteWaitingStep", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE step_results SET result = $1, completed_at = $2
		WHERE execution_id = $3 AND step_id = $4 AND completed_at IS NULL`,
		value, completedAt, execID, stepID)
	if err != nil {
		return wrapErr("promoteWaitingStep", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.New(apperrors.TypeStore, "step result not found or already final").WithDetails(stepID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM timers WHERE execution_id = $1 AND step_id = $2`, execID, stepID); err != nil {
		return wrapErr("promoteWaitingStep", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM signal_waiters WHERE execution_id = $1 AND step_id = $2`, execID, stepID); err != nil {
		return wrapErr("promoteWaitingStep", err)
	}

	return wrapErr("promoteWaitingStep", tx.Commit(ctx))
}

func (s *Store) ListStepResults(ctx context.Context, execID string) ([]*dflow.StepResult, error) {
	rows, err := s.read.QueryxContext(ctx, `
		SELECT execution_id, step_id, kind, result, completed_at
		FROM step_results WHERE execution_id = $1 ORDER BY step_id ASC`, execID)
	if err != nil {
		return nil, wrapErr("listStepResults", err)
	}
	defer rows.Close()

	var out []*dflow.StepResult
	for rows.Next() {
		var (
			r           dflow.StepResult
			completedAt sql.NullTime
		)
		if err := rows.Scan(&r.ExecutionID, &r.StepID, &r.Kind, &r.Result, &completedAt); err != nil {
			return nil, wrapErr("listStepResults", err)
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		out = append(out, &r)
	}
	return out, wrapErr("listStepResults", rows.Err())
}

func (s *Store) DueTimers(ctx context.Context, now time.Time) ([]*dflow.Timer, error) {
	rows, err := s.pool.Query(ctx, `SELECT execution_id, step_id, wake_at, reason FROM timers WHERE wake_at <= $1 ORDER BY wake_at ASC`, now)
	if err != nil {
		return nil, wrapErr("dueTimers", err)
	}
	defer rows.Close()

	var out []*dflow.Timer
	for rows.Next() {
		var t dflow.Timer
		if err := rows.Scan(&t.ExecutionID, &t.StepID, &t.WakeAt, &t.Reason); err != nil {
			return nil, wrapErr("dueTimers", err)
		}
		out = append(out, &t)
	}
	return out, wrapErr("dueTimers", rows.Err())
}

func (s *Store) CancelTimer(ctx context.Context, execID, stepID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM timers WHERE execution_id = $1 AND step_id = $2`, execID, stepID)
	return wrapErr("cancelTimer", err)
}

// SignalReady implements atomicity group (d).
func (s *Store) SignalReady(ctx context.Context, signalID string, payload []byte) ([]string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, wrapErr("signalReady", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT execution_id, step_id FROM signal_waiters WHERE signal_id = $1`, signalID)
	if err != nil {
		return nil, wrapErr("signalReady", err)
	}
	type key struct{ execID, stepID string }
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.execID, &k.stepID); err != nil {
			rows.Close()
			return nil, wrapErr("signalReady", err)
		}
		keys = append(keys, k)
	}
	rows.Close()

	var affected []string
	for _, k := range keys {
		tag, err := tx.Exec(ctx, `
			UPDATE step_results SET result = $1, completed_at = $2
			WHERE execution_id = $3 AND step_id = $4 AND completed_at IS NULL`,
			payload, time.Now(), k.execID, k.stepID)
		if err != nil {
			return nil, wrapErr("signalReady", err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}
		if _, err := tx.Exec(ctx, `DELETE FROM timers WHERE execution_id = $1 AND step_id = $2`, k.execID, k.stepID); err != nil {
			return nil, wrapErr("signalReady", err)
		}
		affected = append(affected, k.execID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM signal_waiters WHERE signal_id = $1`, signalID); err != nil {
		return nil, wrapErr("signalReady", err)
	}

	return affected, wrapErr("signalReady", tx.Commit(ctx))
}

func (s *Store) UpdateExecutionStatus(ctx context.Context, execID string, from, to dflow.Status, patch store.StatusPatch) (bool, error) {
	set := []string{"status = $1", "updated_at = $2"}
	args := []any{to, time.Now()}
	argN := 3

	add := func(col string, val any) {
		set = append(set, fmt.Sprintf("%s = $%d", col, argN))
		args = append(args, val)
		argN++
	}

	if patch.IncrementAttempt {
		set = append(set, "attempt = attempt + 1")
	}
	if patch.Result != nil {
		add("result", patch.Result)
	}
	if patch.Error != nil {
		add("error_message", patch.Error.Message)
		add("error_stack", patch.Error.Stack)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	add("wake_at", patch.WakeAt)
	if patch.PendingSignalID != nil {
		add("pending_signal_id", *patch.PendingSignalID)
	}
	if to.Terminal() {
		set = append(set, "lease_token = NULL", "lease_owner = NULL", "lease_expires_at = NULL")
	}

	query := fmt.Sprintf(`UPDATE executions SET %s WHERE id = $%d AND status = $%d`,
		joinComma(set), argN, argN+1)
	args = append(args, execID, from)

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, wrapErr("updateExecutionStatus", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) PurgeExecution(ctx context.Context, execID string) error {
	var status dflow.Status
	if err := s.pool.QueryRow(ctx, `SELECT status FROM executions WHERE id = $1`, execID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return wrapErr("purgeExecution", err)
	}
	if !status.Terminal() {
		return apperrors.New(apperrors.TypeValidation, "cannot purge a non-terminal execution").WithDetails(string(status))
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE id = $1`, execID)
	return wrapErr("purgeExecution", err)
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

func newToken() string {
	return fmt.Sprintf("%x", time.Now().UnixNano())
}

var _ store.Store = (*Store)(nil)
