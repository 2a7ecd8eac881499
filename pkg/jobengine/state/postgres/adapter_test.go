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

package postgres

import (
	"context"
	"database/sql/driver"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/jobengine/pkg/jobengine"
	"github.com/jordigilh/jobengine/pkg/jobengine/state"
)

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock, *sqlx.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return New(sqlxDB, nil), mock, sqlxDB
}

var jobColumns = []string{
	"id", "type_name", "chain_id", "chain_type_name", "root_chain_id", "origin_id",
	"input", "output", "status", "attempt", "scheduled_at", "lease_expires_at",
	"worker_id", "last_attempt_error", "created_at", "completed_at", "trace_context",
	"dedup_key", "dedup_scope", "dedup_window_ms",
}

func jobRowValues(id, typeName, status, workerID string) []driver.Value {
	return []driver.Value{
		id, typeName, id, typeName, id, nil,
		[]byte(`{}`), nil, status, 1, time.Now(), nil,
		nullableString(workerID), nil, time.Now(), nil, nil,
		nil, nil, nil,
	}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func TestAdapter_AcquireJob_HappyPath(t *testing.T) {
	a, mock, sqlxDB := newMockAdapter(t)
	defer sqlxDB.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("job-1"))
	mock.ExpectExec(`UPDATE jobs SET status = 'acquired'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(jobRowValues("job-1", "send_email", "acquired", "worker-1")...))
	mock.ExpectCommit()

	var acquired *jobengine.Job
	err := a.RunInTransaction(ctx, func(ctx context.Context) error {
		j, err := a.AcquireJob(ctx, []string{"send_email"}, "worker-1", 30000)
		acquired = j
		return err
	})

	require.NoError(t, err)
	require.NotNil(t, acquired)
	require.Equal(t, "job-1", acquired.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_AcquireJob_NoneAvailable(t *testing.T) {
	a, mock, sqlxDB := newMockAdapter(t)
	defer sqlxDB.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM jobs`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	var acquired *jobengine.Job
	err := a.RunInTransaction(ctx, func(ctx context.Context) error {
		j, err := a.AcquireJob(ctx, []string{"send_email"}, "worker-1", 30000)
		acquired = j
		return err
	})

	require.NoError(t, err)
	require.Nil(t, acquired)
}

func TestAdapter_RenewJobLease_TakenByAnotherWorker(t *testing.T) {
	a, mock, sqlxDB := newMockAdapter(t)
	defer sqlxDB.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(jobRowValues("job-1", "send_email", "acquired", "worker-2")...))
	mock.ExpectRollback()

	err := a.RunInTransaction(ctx, func(ctx context.Context) error {
		return a.RenewJobLease(ctx, "job-1", "worker-1", 30000)
	})

	require.Error(t, err)
	require.True(t, jobengine.Is(err, jobengine.KindTakenByAnotherWorker))
}

func TestAdapter_RenewJobLease_AlreadyCompleted(t *testing.T) {
	a, mock, sqlxDB := newMockAdapter(t)
	defer sqlxDB.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(jobRowValues("job-1", "send_email", "completed", "worker-1")...))
	mock.ExpectRollback()

	err := a.RunInTransaction(ctx, func(ctx context.Context) error {
		return a.RenewJobLease(ctx, "job-1", "worker-1", 30000)
	})

	require.Error(t, err)
	require.True(t, jobengine.Is(err, jobengine.KindAlreadyCompleted))
}

func TestAdapter_RenewJobLease_NotFound(t *testing.T) {
	a, mock, sqlxDB := newMockAdapter(t)
	defer sqlxDB.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(jobColumns))
	mock.ExpectRollback()

	err := a.RunInTransaction(ctx, func(ctx context.Context) error {
		return a.RenewJobLease(ctx, "missing", "worker-1", 30000)
	})

	require.Error(t, err)
	require.True(t, jobengine.Is(err, jobengine.KindNotFound))
}

func TestAdapter_CompleteJob_HappyPath(t *testing.T) {
	a, mock, sqlxDB := newMockAdapter(t)
	defer sqlxDB.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM jobs WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(jobColumns).AddRow(jobRowValues("job-1", "send_email", "acquired", "worker-1")...))
	mock.ExpectExec(`UPDATE jobs SET status = 'completed'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := a.RunInTransaction(ctx, func(ctx context.Context) error {
		return a.CompleteJob(ctx, "job-1", []byte(`{"ok":true}`), "worker-1")
	})

	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_GetJobChain_NotFound(t *testing.T) {
	a, mock, sqlxDB := newMockAdapter(t)
	defer sqlxDB.Close()
	ctx := context.Background()

	mock.ExpectQuery(`SELECT \* FROM jobs WHERE chain_id = \$1 AND id = \$1`).
		WillReturnRows(sqlmock.NewRows(jobColumns))

	chain, err := a.GetJobChain(ctx, "missing-chain", "")
	require.NoError(t, err)
	require.Nil(t, chain)
}

func TestAdapter_CreateJobChain_DedupUnboundedWindowCollapses(t *testing.T) {
	a, mock, sqlxDB := newMockAdapter(t)
	defer sqlxDB.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM jobs\s+WHERE chain_id = id AND dedup_key = \$1 AND dedup_scope = \$2 AND status != 'completed' ORDER BY created_at DESC LIMIT 1`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("chain-1"))
	mock.ExpectCommit()

	var result state.CreateChainResult
	err := a.RunInTransaction(ctx, func(ctx context.Context) error {
		r, err := a.CreateJobChain(ctx, state.CreateChainInput{
			TypeName: "send_email",
			Dedup:    &jobengine.Dedup{Key: "order-1", Scope: jobengine.DedupScopeIncomplete},
		})
		result = r
		return err
	})

	require.NoError(t, err)
	require.True(t, result.Deduplicated)
	require.Equal(t, "chain-1", result.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_CreateJobChain_DedupZeroWindowNeverMatches(t *testing.T) {
	a, mock, sqlxDB := newMockAdapter(t)
	defer sqlxDB.Close()
	ctx := context.Background()

	// An explicit zero window short-circuits before any lookup query:
	// only the insert should run.
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var result state.CreateChainResult
	err := a.RunInTransaction(ctx, func(ctx context.Context) error {
		r, err := a.CreateJobChain(ctx, state.CreateChainInput{
			TypeName: "send_email",
			Dedup:    &jobengine.Dedup{Key: "order-1", Scope: jobengine.DedupScopeIncomplete, WindowMs: jobengine.DedupWindow(0)},
		})
		result = r
		return err
	})

	require.NoError(t, err)
	require.False(t, result.Deduplicated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_DeleteJobChains_RejectsNonRoot(t *testing.T) {
	a, mock, sqlxDB := newMockAdapter(t)
	defer sqlxDB.Close()
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := a.RunInTransaction(ctx, func(ctx context.Context) error {
		return a.DeleteJobChains(ctx, []string{"not-a-root"})
	})

	require.Error(t, err)
	var delErr *jobengine.DeleteError
	require.ErrorAs(t, err, &delErr)
	require.Equal(t, "not-a-root", delErr.ChainID)
}
