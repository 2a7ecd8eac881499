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
	"database/sql"
	"time"

	"github.com/jordigilh/jobengine/pkg/jobengine"
)

// jobRow is the sqlx scan target for the jobs table; nullable columns
// use the sql.Null* wrappers and are collapsed to jobengine.Job's
// empty-value conventions by toJob.
type jobRow struct {
	ID            string         `db:"id"`
	TypeName      string         `db:"type_name"`
	ChainID       string         `db:"chain_id"`
	ChainTypeName string         `db:"chain_type_name"`
	RootChainID   string         `db:"root_chain_id"`
	OriginID      sql.NullString `db:"origin_id"`

	Input  []byte `db:"input"`
	Output []byte `db:"output"`

	Status string `db:"status"`

	Attempt int `db:"attempt"`

	ScheduledAt    time.Time    `db:"scheduled_at"`
	LeaseExpiresAt sql.NullTime `db:"lease_expires_at"`
	WorkerID       sql.NullString `db:"worker_id"`
	LastAttemptErr sql.NullString `db:"last_attempt_error"`

	CreatedAt   time.Time    `db:"created_at"`
	CompletedAt sql.NullTime `db:"completed_at"`

	TraceContext []byte `db:"trace_context"`

	DedupKey      sql.NullString `db:"dedup_key"`
	DedupScope    sql.NullString `db:"dedup_scope"`
	DedupWindowMs sql.NullInt64  `db:"dedup_window_ms"`
}

func (r jobRow) toJob() jobengine.Job {
	j := jobengine.Job{
		ID:            r.ID,
		TypeName:      r.TypeName,
		ChainID:       r.ChainID,
		ChainTypeName: r.ChainTypeName,
		RootChainID:   r.RootChainID,
		OriginID:      r.OriginID.String,
		Input:         r.Input,
		Output:        r.Output,
		Status:        jobengine.Status(r.Status),
		Attempt:       r.Attempt,
		ScheduledAt:   r.ScheduledAt,
		WorkerID:      r.WorkerID.String,
		LastAttemptErr: r.LastAttemptErr.String,
		CreatedAt:     r.CreatedAt,
		TraceContext:  r.TraceContext,
		DedupKey:      r.DedupKey.String,
		DedupScope:    jobengine.DedupScope(r.DedupScope.String),
		DedupWindowMs: r.DedupWindowMs.Int64,
	}
	if r.LeaseExpiresAt.Valid {
		j.LeaseExpiresAt = r.LeaseExpiresAt.Time
	}
	if r.CompletedAt.Valid {
		j.CompletedAt = r.CompletedAt.Time
	}
	return j
}
