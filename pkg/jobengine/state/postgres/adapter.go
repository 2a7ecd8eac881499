/*
Copyright 2026 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package postgres is the reference State Adapter implementation
// backed by PostgreSQL via jackc/pgx and jmoiron/sqlx. It is the one
// concrete back-end spec.md §2 asks for; every invariant named in
// spec.md §3-§4.1 is enforced here with SELECT ... FOR UPDATE row
// locks, never in memory.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
	"github.com/jordigilh/jobengine/pkg/jobengine/txctx"
	sharederrors "github.com/jordigilh/jobengine/pkg/shared/errors"
	"github.com/jordigilh/jobengine/pkg/shared/logging"
)

// Adapter is the Postgres-backed state.Adapter.
type Adapter struct {
	db      *sqlx.DB
	breaker *gobreaker.CircuitBreaker
	log     *logrus.Logger
}

// New wraps db as a state.Adapter. A gobreaker circuit breaker guards
// opening each transaction so a flapping database trips the breaker
// instead of piling up blocked attempts; a begin failure, an open
// circuit included, is returned as a transient error. Query errors
// inside the transaction go through classify, not the breaker.
func New(db *sqlx.DB, log *logrus.Logger) *Adapter {
	if log == nil {
		log = logrus.New()
	}
	st := gobreaker.Settings{
		Name:        "jobengine-postgres",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	}
	return &Adapter{db: db, breaker: gobreaker.NewCircuitBreaker(st), log: log}
}

var _ state.Adapter = (*Adapter)(nil)

func tx(ctx context.Context) *sqlx.Tx {
	t := txctx.MustFromContext(ctx)
	handle, ok := t.Handle.(*sqlx.Tx)
	if !ok {
		panic("jobengine/postgres: TxContext.Handle is not a *sqlx.Tx")
	}
	return handle
}

// RunInTransaction implements state.Adapter.
func (a *Adapter) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.db.BeginTxx(ctx, nil)
	})
	if err != nil {
		return jobengine.NewTransient("begin transaction", err)
	}
	sqlTx := result.(*sqlx.Tx)
	tc := &txctx.TxContext{Handle: sqlTx}
	txCtx := txctx.WithTx(ctx, tc)

	if err := fn(txCtx); err != nil {
		tc.Drop()
		if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			a.log.WithFields(logging.NewFields().Component("postgres").Operation("rollback").Error(rbErr).ToLogrus()).Error("rollback failed")
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		tc.Drop()
		return jobengine.NewTransient("commit transaction", err)
	}
	tc.Flush(ctx)
	return nil
}

func (a *Adapter) classify(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return jobengine.NewNotFound(operation)
	}
	var je *jobengine.Error
	if errors.As(err, &je) {
		return err
	}
	return jobengine.NewTransient(operation, sharederrors.DatabaseError(operation, err))
}

// CreateJobChain implements state.Adapter.
func (a *Adapter) CreateJobChain(ctx context.Context, in state.CreateChainInput) (state.CreateChainResult, error) {
	t := tx(ctx)

	if in.Dedup != nil && in.Dedup.Key != "" {
		if existing, ok, err := a.findDedupMatch(ctx, t, in.Dedup); err != nil {
			return state.CreateChainResult{}, a.classify("create job chain: dedup lookup", err)
		} else if ok {
			return state.CreateChainResult{ID: existing, Deduplicated: true}, nil
		}
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	rootChainID := in.RootChainID
	if rootChainID == "" {
		rootChainID = id
	}
	chainTypeName := in.ChainTypeName
	if chainTypeName == "" {
		chainTypeName = in.TypeName
	}
	scheduledAt := scheduleTime(in.Schedule)

	var dedupKey, dedupScope sql.NullString
	var dedupWindow sql.NullInt64
	if in.Dedup != nil && in.Dedup.Key != "" {
		dedupKey = sql.NullString{String: in.Dedup.Key, Valid: true}
		dedupScope = sql.NullString{String: string(in.Dedup.Scope), Valid: true}
		if in.Dedup.WindowMs != nil {
			dedupWindow = sql.NullInt64{Int64: *in.Dedup.WindowMs, Valid: true}
		}
	}

	var originID sql.NullString
	if in.OriginID != "" {
		originID = sql.NullString{String: in.OriginID, Valid: true}
	}

	_, err := t.ExecContext(ctx, `
		INSERT INTO jobs (
			id, type_name, chain_id, chain_type_name, root_chain_id, origin_id,
			status, input, attempt, scheduled_at, created_at,
			trace_context, dedup_key, dedup_scope, dedup_window_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, $9, now(), $10, $11, $12, $13)
	`, id, in.TypeName, id, chainTypeName, rootChainID, originID,
		string(jobengine.StatusPending), in.Input, scheduledAt,
		in.TraceContext, dedupKey, dedupScope, dedupWindow)
	if err != nil {
		return state.CreateChainResult{}, a.classify("create job chain", err)
	}
	return state.CreateChainResult{ID: id}, nil
}

func scheduleTime(s jobengine.Schedule) time.Time {
	if !s.At.IsZero() {
		return s.At
	}
	return state.Now().Add(time.Duration(s.DelayMs) * time.Millisecond)
}

func (a *Adapter) findDedupMatch(ctx context.Context, t *sqlx.Tx, d *jobengine.Dedup) (string, bool, error) {
	if d.WindowMs != nil && *d.WindowMs == 0 {
		// SPEC_FULL.md open question #2: an explicit windowMs of 0 means
		// "no match" (every call creates a new chain). WindowMs == nil
		// (omitted) instead falls through to an unbounded lookback below.
		return "", false, nil
	}
	query := `
		SELECT id FROM jobs
		WHERE chain_id = id AND dedup_key = $1 AND dedup_scope = $2`
	args := []interface{}{d.Key, string(d.Scope)}
	if d.WindowMs != nil && *d.WindowMs > 0 {
		query += fmt.Sprintf(" AND created_at >= now() - interval '%d milliseconds'", *d.WindowMs)
	}
	if d.Scope == jobengine.DedupScopeIncomplete {
		query += " AND status != 'completed'"
	}
	query += " ORDER BY created_at DESC LIMIT 1"

	var id string
	err := t.GetContext(ctx, &id, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// AddJobBlockers implements state.Adapter.
func (a *Adapter) AddJobBlockers(ctx context.Context, jobID string, chainIDs []string) error {
	t := tx(ctx)
	for i, chainID := range chainIDs {
		var headID string
		err := t.GetContext(ctx, &headID, `SELECT id FROM jobs WHERE chain_id = $1 AND id = $1`, chainID)
		if errors.Is(err, sql.ErrNoRows) {
			return jobengine.NewNotFound("add job blockers: blocker chain does not exist")
		}
		if err != nil {
			return a.classify("add job blockers", err)
		}

		var status string
		if err := t.GetContext(ctx, &status, `SELECT status FROM jobs WHERE chain_id = $1 ORDER BY created_at DESC LIMIT 1`, chainID); err != nil {
			return a.classify("add job blockers: read blocker status", err)
		}
		satisfied := status == string(jobengine.StatusCompleted)

		if _, err := t.ExecContext(ctx, `
			INSERT INTO job_blockers (blocked_job_id, blocker_chain_id, satisfied, ordinal)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (blocked_job_id, blocker_chain_id) DO NOTHING
		`, jobID, chainID, satisfied, i); err != nil {
			return a.classify("add job blockers: insert edge", err)
		}
	}

	var unsatisfied int
	if err := t.GetContext(ctx, &unsatisfied, `SELECT count(*) FROM job_blockers WHERE blocked_job_id = $1 AND NOT satisfied`, jobID); err != nil {
		return a.classify("add job blockers: count unsatisfied", err)
	}
	if unsatisfied > 0 {
		if _, err := t.ExecContext(ctx, `UPDATE jobs SET status = $1 WHERE id = $2`, string(jobengine.StatusBlocked), jobID); err != nil {
			return a.classify("add job blockers: set blocked", err)
		}
	}
	return nil
}

// AcquireJob implements state.Adapter.
func (a *Adapter) AcquireJob(ctx context.Context, typeNames []string, workerID string, initialLeaseMs int64) (*jobengine.Job, error) {
	t := tx(ctx)

	var id string
	err := t.GetContext(ctx, &id, `
		SELECT id FROM jobs
		WHERE status = 'pending' AND type_name = ANY($1) AND scheduled_at <= now()
		ORDER BY scheduled_at
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, pqArray(typeNames))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, a.classify("acquire job", err)
	}

	leaseExpiresAt := state.Now().Add(time.Duration(initialLeaseMs) * time.Millisecond)
	if _, err := t.ExecContext(ctx, `
		UPDATE jobs SET status = 'acquired', worker_id = $1, lease_expires_at = $2 WHERE id = $3
	`, workerID, leaseExpiresAt, id); err != nil {
		return nil, a.classify("acquire job: claim", err)
	}

	job, err := a.getJobByID(ctx, t, id)
	if err != nil {
		return nil, a.classify("acquire job: refetch", err)
	}
	return job, nil
}

func (a *Adapter) getJobByID(ctx context.Context, t *sqlx.Tx, id string) (*jobengine.Job, error) {
	var row jobRow
	if err := t.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1`, id); err != nil {
		return nil, err
	}
	job := row.toJob()
	return &job, nil
}

func (a *Adapter) checkOwnership(ctx context.Context, t *sqlx.Tx, jobID, workerID string, operation string) (*jobengine.Job, error) {
	job, err := a.getJobByID(ctx, t, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobengine.NewNotFound(operation)
	}
	if err != nil {
		return nil, a.classify(operation, err)
	}
	if job.Status == jobengine.StatusCompleted {
		return nil, jobengine.NewAlreadyCompleted(operation)
	}
	if job.WorkerID != workerID {
		return nil, jobengine.NewTakenByAnotherWorker(operation)
	}
	return job, nil
}

// RenewJobLease implements state.Adapter.
func (a *Adapter) RenewJobLease(ctx context.Context, jobID, workerID string, leaseMs int64) error {
	t := tx(ctx)
	if _, err := a.checkOwnership(ctx, t, jobID, workerID, "renew job lease"); err != nil {
		return err
	}
	leaseExpiresAt := state.Now().Add(time.Duration(leaseMs) * time.Millisecond)
	if _, err := t.ExecContext(ctx, `UPDATE jobs SET lease_expires_at = $1 WHERE id = $2`, leaseExpiresAt, jobID); err != nil {
		return a.classify("renew job lease", err)
	}
	return nil
}

// RefetchJobForUpdate implements state.Adapter.
func (a *Adapter) RefetchJobForUpdate(ctx context.Context, jobID, workerID string) (*jobengine.Job, error) {
	t := tx(ctx)
	job, err := a.getJobByIDForUpdate(ctx, t, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobengine.NewNotFound("refetch job for update")
	}
	if err != nil {
		return nil, a.classify("refetch job for update", err)
	}
	if job.Status == jobengine.StatusCompleted {
		return nil, jobengine.NewAlreadyCompleted("refetch job for update")
	}
	if job.WorkerID != workerID {
		return nil, jobengine.NewTakenByAnotherWorker("refetch job for update")
	}
	return job, nil
}

func (a *Adapter) getJobByIDForUpdate(ctx context.Context, t *sqlx.Tx, id string) (*jobengine.Job, error) {
	var row jobRow
	if err := t.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id = $1 FOR UPDATE`, id); err != nil {
		return nil, err
	}
	job := row.toJob()
	return &job, nil
}

// GetJobBlockers implements state.Adapter.
func (a *Adapter) GetJobBlockers(ctx context.Context, jobID string) ([]state.BlockerEdgeView, error) {
	t := tx(ctx)
	type row struct {
		BlockerChainID string `db:"blocker_chain_id"`
		Satisfied      bool   `db:"satisfied"`
		Status         string `db:"status"`
	}
	var rows []row
	err := t.SelectContext(ctx, &rows, `
		SELECT b.blocker_chain_id, b.satisfied, j.status
		FROM job_blockers b
		JOIN jobs j ON j.chain_id = b.blocker_chain_id AND j.id = b.blocker_chain_id
		WHERE b.blocked_job_id = $1
		ORDER BY b.ordinal
	`, jobID)
	if err != nil {
		return nil, a.classify("get job blockers", err)
	}
	out := make([]state.BlockerEdgeView, 0, len(rows))
	for _, r := range rows {
		out = append(out, state.BlockerEdgeView{
			Edge: jobengine.BlockerEdge{
				BlockedJobID:   jobID,
				BlockerChainID: r.BlockerChainID,
				Satisfied:      r.Satisfied,
			},
			BlockerHeadID: r.BlockerChainID,
			BlockerStatus: jobengine.Status(r.Status),
		})
	}
	return out, nil
}

// CompleteJob implements state.Adapter.
func (a *Adapter) CompleteJob(ctx context.Context, jobID string, output []byte, workerID string) error {
	t := tx(ctx)
	if _, err := a.checkOwnership(ctx, t, jobID, workerID, "complete job"); err != nil {
		return err
	}
	if _, err := t.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', output = $1, completed_at = now(), last_attempt_error = NULL
		WHERE id = $2
	`, output, jobID); err != nil {
		return a.classify("complete job", err)
	}
	return nil
}

// ContinueWithJob implements state.Adapter.
func (a *Adapter) ContinueWithJob(ctx context.Context, in state.ContinueInput, workerID string) (*jobengine.Job, error) {
	t := tx(ctx)
	pred, err := a.checkOwnership(ctx, t, in.FromJobID, workerID, "continue with job")
	if err != nil {
		return nil, err
	}
	if _, err := t.ExecContext(ctx, `
		UPDATE jobs SET status = 'completed', output = $1, completed_at = now(), last_attempt_error = NULL
		WHERE id = $2
	`, in.Output, in.FromJobID); err != nil {
		return nil, a.classify("continue with job: complete predecessor", err)
	}

	newID := uuid.NewString()
	scheduledAt := scheduleTime(in.Schedule)
	if _, err := t.ExecContext(ctx, `
		INSERT INTO jobs (
			id, type_name, chain_id, chain_type_name, root_chain_id, origin_id,
			status, input, attempt, scheduled_at, created_at, trace_context
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, 1, $8, now(), $9)
	`, newID, in.TypeName, pred.ChainID, pred.ChainTypeName, pred.RootChainID, in.FromJobID,
		in.Input, scheduledAt, pred.TraceContext); err != nil {
		return nil, a.classify("continue with job: insert successor", err)
	}

	job, err := a.getJobByID(ctx, t, newID)
	if err != nil {
		return nil, a.classify("continue with job: refetch successor", err)
	}
	return job, nil
}

// ScheduleBlockedJobs implements state.Adapter.
func (a *Adapter) ScheduleBlockedJobs(ctx context.Context, blockerChainID string) ([]string, error) {
	t := tx(ctx)
	if _, err := t.ExecContext(ctx, `
		UPDATE job_blockers SET satisfied = true WHERE blocker_chain_id = $1 AND NOT satisfied
	`, blockerChainID); err != nil {
		return nil, a.classify("schedule blocked jobs: satisfy edges", err)
	}

	var unblocked []struct {
		ID       string `db:"id"`
		TypeName string `db:"type_name"`
	}
	err := t.SelectContext(ctx, &unblocked, `
		SELECT j.id, j.type_name FROM jobs j
		WHERE j.status = 'blocked'
		AND NOT EXISTS (
			SELECT 1 FROM job_blockers b WHERE b.blocked_job_id = j.id AND NOT b.satisfied
		)
		AND EXISTS (
			SELECT 1 FROM job_blockers b WHERE b.blocked_job_id = j.id AND b.blocker_chain_id = $1
		)
	`, blockerChainID)
	if err != nil {
		return nil, a.classify("schedule blocked jobs: find unblocked", err)
	}
	if len(unblocked) == 0 {
		return nil, nil
	}

	unblockedIDs := make([]string, len(unblocked))
	seenTypes := make(map[string]bool, len(unblocked))
	var typeNames []string
	for i, u := range unblocked {
		unblockedIDs[i] = u.ID
		if !seenTypes[u.TypeName] {
			seenTypes[u.TypeName] = true
			typeNames = append(typeNames, u.TypeName)
		}
	}

	if _, err := t.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', scheduled_at = now() WHERE id = ANY($1)
	`, pqArray(unblockedIDs)); err != nil {
		return nil, a.classify("schedule blocked jobs: unblock", err)
	}
	return typeNames, nil
}

// RescheduleJob implements state.Adapter.
func (a *Adapter) RescheduleJob(ctx context.Context, jobID string, schedule jobengine.Schedule, errText string, workerID string) error {
	t := tx(ctx)
	if _, err := a.checkOwnership(ctx, t, jobID, workerID, "reschedule job"); err != nil {
		return err
	}
	scheduledAt := scheduleTime(schedule)
	if _, err := t.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', attempt = attempt + 1, last_attempt_error = $1,
			scheduled_at = $2, worker_id = NULL, lease_expires_at = NULL
		WHERE id = $3
	`, errText, scheduledAt, jobID); err != nil {
		return a.classify("reschedule job", err)
	}
	return nil
}

// GetNextJobAvailableInMs implements state.Adapter.
func (a *Adapter) GetNextJobAvailableInMs(ctx context.Context, typeNames []string, capMs int64) (int64, error) {
	ext := extFromContext(ctx, a.db)
	var nextAt sql.NullTime
	err := sqlx.GetContext(ctx, ext, &nextAt, `
		SELECT min(scheduled_at) FROM jobs WHERE status = 'pending' AND type_name = ANY($1)
	`, pqArray(typeNames))
	if err != nil {
		return 0, a.classify("get next job available", err)
	}
	if !nextAt.Valid {
		return capMs, nil
	}
	delta := nextAt.Time.Sub(state.Now()).Milliseconds()
	if delta < 0 {
		delta = 0
	}
	if delta > capMs {
		delta = capMs
	}
	return delta, nil
}

// extFromContext returns the active transaction if one is attached,
// otherwise the pool itself — GetNextJobAvailableInMs is read-only and
// may be called outside a transaction by the scheduler/executor.
func extFromContext(ctx context.Context, db *sqlx.DB) sqlx.ExtContext {
	if t, ok := txctx.FromContext(ctx); ok {
		if sqlTx, ok := t.Handle.(*sqlx.Tx); ok {
			return sqlTx
		}
	}
	return db
}

// ReapExpiredLeases implements state.Adapter.
func (a *Adapter) ReapExpiredLeases(ctx context.Context, typeNames []string) ([]string, error) {
	t := tx(ctx)
	var ids []string
	err := t.SelectContext(ctx, &ids, `
		SELECT id FROM jobs
		WHERE status = 'acquired' AND type_name = ANY($1) AND lease_expires_at < now()
		FOR UPDATE SKIP LOCKED
	`, pqArray(typeNames))
	if err != nil {
		return nil, a.classify("reap expired leases", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := t.ExecContext(ctx, `
		UPDATE jobs SET status = 'pending', attempt = attempt + 1, worker_id = NULL,
			lease_expires_at = NULL, scheduled_at = now()
		WHERE id = ANY($1)
	`, pqArray(ids)); err != nil {
		return nil, a.classify("reap expired leases: reset", err)
	}
	return ids, nil
}

// DeleteJobChains implements state.Adapter.
func (a *Adapter) DeleteJobChains(ctx context.Context, rootChainIDs []string) error {
	t := tx(ctx)

	for _, id := range rootChainIDs {
		var isRoot bool
		err := t.GetContext(ctx, &isRoot, `
			SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1 AND chain_id = $1 AND root_chain_id = $1)
		`, id)
		if err != nil {
			return a.classify("delete job chains: check root", err)
		}
		if !isRoot {
			return jobengine.NewMustDeleteFromRoot(id)
		}
	}

	var externalDependents int
	err := t.GetContext(ctx, &externalDependents, `
		SELECT count(*) FROM job_blockers b
		JOIN jobs blocked ON blocked.id = b.blocked_job_id
		JOIN jobs blocker ON blocker.chain_id = b.blocker_chain_id AND blocker.id = b.blocker_chain_id
		WHERE blocker.root_chain_id = ANY($1) AND blocked.root_chain_id != ALL($1)
	`, pqArray(rootChainIDs))
	if err != nil {
		return a.classify("delete job chains: check external dependents", err)
	}
	if externalDependents > 0 {
		return jobengine.NewExternalBlockerDependents(rootChainIDs[0])
	}

	if _, err := t.ExecContext(ctx, `DELETE FROM jobs WHERE root_chain_id = ANY($1)`, pqArray(rootChainIDs)); err != nil {
		return a.classify("delete job chains", err)
	}
	return nil
}

// GetJobChain implements state.Adapter.
func (a *Adapter) GetJobChain(ctx context.Context, id, typeName string) (*jobengine.Chain, error) {
	ext := extFromContext(ctx, a.db)

	var head jobRow
	err := sqlx.GetContext(ctx, ext, &head, `SELECT * FROM jobs WHERE chain_id = $1 AND id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, a.classify("get job chain: head", err)
	}
	if typeName != "" && head.ChainTypeName != typeName {
		return nil, nil
	}

	var current jobRow
	if err := sqlx.GetContext(ctx, ext, &current, `
		SELECT * FROM jobs WHERE chain_id = $1 ORDER BY created_at DESC LIMIT 1
	`, id); err != nil {
		return nil, a.classify("get job chain: current", err)
	}

	cj := current.toJob()
	return &jobengine.Chain{
		ID:          id,
		TypeName:    head.ChainTypeName,
		Current:     cj,
		Status:      cj.Status,
		Output:      cj.Output,
		CreatedAt:   head.toJob().CreatedAt,
		CompletedAt: cj.CompletedAt,
	}, nil
}

// pqArray adapts a []string for use with Postgres' ANY($1) so call
// sites don't each need to import lib/pq directly.
func pqArray(values []string) interface{} {
	return pq.Array(values)
}
