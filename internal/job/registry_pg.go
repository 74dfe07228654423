// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package job

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	gherr "ghosthands/pkg/errors"
)

// RegistryPg Postgres 实现：gh_worker_registry
type RegistryPg struct {
	pool *pgxpool.Pool
}

// NewRegistryPg 复用 StorePg 的连接池
func NewRegistryPg(store *StorePg) *RegistryPg {
	return &RegistryPg{pool: store.pool}
}

func (r *RegistryPg) Register(ctx context.Context, info *WorkerInfo) error {
	if info == nil || info.WorkerID == "" {
		return gherr.ErrInvalidArg
	}
	status := info.Status
	if status == "" {
		status = WorkerActive
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO gh_worker_registry (worker_id, status, current_job_id, started_at, last_heartbeat, metadata)
		 VALUES ($1, $2, $3, now(), now(), $4)
		 ON CONFLICT (worker_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     current_job_id = EXCLUDED.current_job_id,
		     started_at = now(),
		     last_heartbeat = now(),
		     metadata = EXCLUDED.metadata`,
		info.WorkerID, string(status), nullStr(info.CurrentJobID), info.Metadata)
	return err
}

func (r *RegistryPg) Heartbeat(ctx context.Context, workerID string, status WorkerStatus, currentJobID string) error {
	cmd, err := r.pool.Exec(ctx,
		`UPDATE gh_worker_registry SET status = $1, current_job_id = $2, last_heartbeat = now()
		 WHERE worker_id = $3`,
		string(status), nullStr(currentJobID), workerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return gherr.ErrNotFound
	}
	return nil
}

func (r *RegistryPg) Deregister(ctx context.Context, workerID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE gh_worker_registry SET status = $1, current_job_id = NULL, last_heartbeat = now()
		 WHERE worker_id = $2`,
		string(WorkerOffline), workerID)
	return err
}

func (r *RegistryPg) Get(ctx context.Context, workerID string) (*WorkerInfo, error) {
	var w WorkerInfo
	var status string
	var currentJobID *string
	var startedAt, lastHeartbeat time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT worker_id, status, current_job_id, started_at, last_heartbeat, metadata
		 FROM gh_worker_registry WHERE worker_id = $1`,
		workerID).Scan(&w.WorkerID, &status, &currentJobID, &startedAt, &lastHeartbeat, &w.Metadata)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gherr.ErrNotFound
		}
		return nil, err
	}
	w.Status = WorkerStatus(status)
	if currentJobID != nil {
		w.CurrentJobID = *currentJobID
	}
	w.StartedAt = startedAt
	w.LastHeartbeat = lastHeartbeat
	return &w, nil
}
