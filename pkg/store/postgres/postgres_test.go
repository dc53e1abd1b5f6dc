package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/assert"

	"github.com/jordigilh/durableflow/pkg/dflow"
	"github.com/jordigilh/durableflow/pkg/store"
)

func TestPostgres(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "postgres store suite")
}

// The hot-path write methods (Claim, AppendStepResult, PromoteWaitingStep,
// SignalReady, UpdateExecutionStatus) run through pgx's native pool
// protocol rather than database/sql, so go-sqlmock - which intercepts at
// the database/sql driver boundary - cannot observe them. Their
// atomicity-group semantics are exercised instead by the Store interface
// contract shared with pkg/store/memory; here we cover the sqlx-backed
// read path and the pure helpers.
var _ = Describe("Store read path", func() {
	var (
		mockDB *sqlx.DB
		mock   sqlmock.Sqlmock
		s      *Store
	)

	BeforeEach(func() {
		db, m, err := sqlmock.New()
		Expect(err).ToNot(HaveOccurred())
		mockDB = sqlx.NewDb(db, "postgres")
		mock = m
		s = &Store{read: mockDB}
	})

	AfterEach(func() {
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("ListExecutions", func() {
		It("filters by task id and status and applies paging", func() {
			now := time.Now()
			rows := sqlmock.NewRows([]string{
				"id", "task_id", "input", "status", "attempt", "result", "error_message", "error_stack",
				"created_at", "updated_at", "completed_at", "lease_token", "lease_owner", "lease_expires_at",
				"wake_at", "pending_signal_id",
			}).AddRow("e1", "onboard", nil, dflow.StatusCompleted, 1, nil, nil, nil, now, now, nil, nil, nil, nil, nil, nil)

			mock.ExpectQuery(`SELECT .* FROM executions WHERE 1=1 AND task_id = \$1 AND status = \$2 ORDER BY created_at ASC, id ASC LIMIT \$3 OFFSET \$4`).
				WithArgs("onboard", string(dflow.StatusCompleted), 10, 5).
				WillReturnRows(rows)

			out, err := s.ListExecutions(context.Background(),
				store.ListFilter{TaskID: "onboard", Status: dflow.StatusCompleted},
				store.Paging{Limit: 10, Offset: 5})

			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(HaveLen(1))
			Expect(out[0].ID).To(Equal("e1"))
		})

		It("omits clauses that were not requested", func() {
			rows := sqlmock.NewRows([]string{
				"id", "task_id", "input", "status", "attempt", "result", "error_message", "error_stack",
				"created_at", "updated_at", "completed_at", "lease_token", "lease_owner", "lease_expires_at",
				"wake_at", "pending_signal_id",
			})
			mock.ExpectQuery(`SELECT .* FROM executions WHERE 1=1 ORDER BY created_at ASC, id ASC`).WillReturnRows(rows)

			out, err := s.ListExecutions(context.Background(), store.ListFilter{}, store.Paging{})
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(BeEmpty())
		})
	})

	Describe("ListStepResults", func() {
		It("scans journaled step results ordered by step id", func() {
			now := time.Now()
			rows := sqlmock.NewRows([]string{"execution_id", "step_id", "kind", "result", "completed_at"}).
				AddRow("e1", "charge", dflow.StepKindStep, []byte(`{"ok":true}`), now)

			mock.ExpectQuery(`SELECT execution_id, step_id, kind, result, completed_at\s+FROM step_results WHERE execution_id = \$1 ORDER BY step_id ASC`).
				WithArgs("e1").
				WillReturnRows(rows)

			out, err := s.ListStepResults(context.Background(), "e1")
			Expect(err).ToNot(HaveOccurred())
			Expect(out).To(HaveLen(1))
			Expect(out[0].StepID).To(Equal("charge"))
			Expect(out[0].CompletedAt).ToNot(BeNil())
		})
	})
})

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(assert.AnError))
}

func TestJoinComma(t *testing.T) {
	assert.Equal(t, "", joinComma(nil))
	assert.Equal(t, "a", joinComma([]string{"a"}))
	assert.Equal(t, "a, b, c", joinComma([]string{"a", "b", "c"}))
}

func TestNewTokenIsUnique(t *testing.T) {
	a := newToken()
	time.Sleep(time.Nanosecond)
	b := newToken()
	assert.NotEqual(t, a, b)
}
