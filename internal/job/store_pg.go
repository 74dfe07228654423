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
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	gherr "ghosthands/pkg/errors"
)

// DefaultNotifyChannel Insert 后唤醒 Worker 的 LISTEN/NOTIFY 通道
const DefaultNotifyChannel = "gh_job_ready"

// status 与 Status 一致的列值
const (
	pgStatusPending   = 0
	pgStatusQueued    = 1
	pgStatusRunning   = 2
	pgStatusPaused    = 3
	pgStatusCompleted = 4
	pgStatusFailed    = 5
	pgStatusCancelled = 6
	pgStatusExpired   = 7
)

func statusToPg(s Status) int { return int(s) }

func pgToStatus(i int) Status {
	if i < int(StatusPending) || i > int(StatusExpired) {
		return StatusPending
	}
	return Status(i)
}

// StorePg Postgres 实现：gh_jobs / gh_job_events，供 API 与 Worker 共享
type StorePg struct {
	pool    *pgxpool.Pool
	channel string
}

// NewStorePg 创建基于 PostgreSQL 的 Store；channel 为空时用 DefaultNotifyChannel
func NewStorePg(ctx context.Context, dsn string, channel string) (*StorePg, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &StorePg{pool: pool, channel: channel}, nil
}

// Close 关闭连接池
func (s *StorePg) Close() {
	s.pool.Close()
}

// NotifyChannel 返回唤醒通道名，供 Dispatcher LISTEN
func (s *StorePg) NotifyChannel() string { return s.channel }

func nullStr(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStrs(v []string) interface{} {
	if len(v) == 0 {
		return nil
	}
	return v
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const jobColumns = `id, user_id, job_type, target_url, task_description, input_data, metadata,
	priority, status, worker_id, retry_count, max_retries, scheduled_at, timeout_seconds,
	started_at, completed_at, last_heartbeat, error_code, error_message, error_details,
	result_data, result_summary, screenshot_urls, action_count, total_tokens, cost_usd,
	callback_url, valet_task_id, tags, idempotency_key, interaction_data, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var status int
	var targetURL, taskDesc, workerID, errorCode, errorMessage, resultSummary *string
	var callbackURL, valetTaskID, idempotencyKey *string
	var scheduledAt, startedAt, completedAt, lastHeartbeat *time.Time
	err := row.Scan(
		&j.ID, &j.UserID, &j.JobType, &targetURL, &taskDesc, &j.InputData, &j.Metadata,
		&j.Priority, &status, &workerID, &j.RetryCount, &j.MaxRetries, &scheduledAt, &j.TimeoutSeconds,
		&startedAt, &completedAt, &lastHeartbeat, &errorCode, &errorMessage, &j.ErrorDetails,
		&j.ResultData, &resultSummary, &j.ScreenshotURLs, &j.ActionCount, &j.TotalTokens, &j.CostUSD,
		&callbackURL, &valetTaskID, &j.Tags, &idempotencyKey, &j.InteractionData, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Status = pgToStatus(status)
	setStr := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setStr(&j.TargetURL, targetURL)
	setStr(&j.TaskDescription, taskDesc)
	setStr(&j.WorkerID, workerID)
	setStr(&j.ErrorCode, errorCode)
	setStr(&j.ErrorMessage, errorMessage)
	setStr(&j.ResultSummary, resultSummary)
	setStr(&j.CallbackURL, callbackURL)
	setStr(&j.ValetTaskID, valetTaskID)
	setStr(&j.IdempotencyKey, idempotencyKey)
	setTime := func(dst *time.Time, src *time.Time) {
		if src != nil {
			*dst = *src
		}
	}
	setTime(&j.ScheduledAt, scheduledAt)
	setTime(&j.StartedAt, startedAt)
	setTime(&j.CompletedAt, completedAt)
	setTime(&j.LastHeartbeat, lastHeartbeat)
	return &j, nil
}

func (s *StorePg) Insert(ctx context.Context, j *Job) (*Job, bool, error) {
	if j == nil {
		return nil, false, gherr.ErrInvalidArg
	}
	id := j.ID
	if id == "" {
		id = NewID()
	}
	maxRetries := j.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	timeoutSeconds := j.TimeoutSeconds
	if timeoutSeconds <= 0 {
		timeoutSeconds = 900
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gh_jobs (id, user_id, job_type, target_url, task_description, input_data, metadata,
			priority, status, retry_count, max_retries, scheduled_at, timeout_seconds,
			callback_url, valet_task_id, tags, idempotency_key)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, $10, $11, $12, $13, $14, $15, $16)`,
		id, j.UserID, j.JobType, nullStr(j.TargetURL), nullStr(j.TaskDescription), j.InputData, j.Metadata,
		j.Priority, pgStatusPending, maxRetries, nullTime(j.ScheduledAt), timeoutSeconds,
		nullStr(j.CallbackURL), nullStr(j.ValetTaskID), nullStrs(j.Tags), nullStr(j.IdempotencyKey))
	if err != nil {
		if isUniqueViolation(err) && j.IdempotencyKey != "" {
			existing, gerr := s.getByIdempotencyKey(ctx, j.IdempotencyKey)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, true, nil
		}
		return nil, false, err
	}
	// 事件与唤醒通知都是尽力而为，不影响插入结果
	_ = s.AppendEvent(ctx, id, EventJobCreated, map[string]any{"job_type": j.JobType}, "api")
	_, _ = s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, s.channel, id)
	created, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return created, false, nil
}

func (s *StorePg) Get(ctx context.Context, jobID string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM gh_jobs WHERE id = $1`, jobID)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gherr.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *StorePg) getByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM gh_jobs WHERE idempotency_key = $1`, key)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, gherr.ErrNotFound
		}
		return nil, err
	}
	return j, nil
}

func (s *StorePg) ListByUser(ctx context.Context, userID string, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM gh_jobs WHERE user_id = $1 ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// ClaimNext 单语句原子取活：select-skip-locked + update，临界区下推到数据库
func (s *StorePg) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE gh_jobs SET status = $1, worker_id = $2, last_heartbeat = now(), updated_at = now()
		 WHERE id = (SELECT id FROM gh_jobs
		             WHERE status = $3 AND (scheduled_at IS NULL OR scheduled_at <= now())
		             ORDER BY priority DESC, created_at ASC
		             LIMIT 1 FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobColumns,
		pgStatusQueued, workerID, pgStatusPending)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return j, nil
}

func (s *StorePg) TransitionStatus(ctx context.Context, jobID string, from, to Status, patch Patch) (bool, error) {
	if !CanTransition(from, to) {
		return false, nil
	}
	set := []string{"updated_at = now()"}
	args := []interface{}{}
	add := func(col string, v interface{}) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("status", statusToPg(to))
	if patch.WorkerID != nil {
		add("worker_id", nullStr(*patch.WorkerID))
	} else if to.Terminal() {
		// 终态行不再被任何 Worker 持有
		set = append(set, "worker_id = NULL")
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	} else if to.Terminal() {
		set = append(set, "completed_at = COALESCE(completed_at, now())")
	}
	if patch.ScheduledAt != nil {
		add("scheduled_at", *patch.ScheduledAt)
	}
	if patch.LastHeartbeat != nil {
		add("last_heartbeat", *patch.LastHeartbeat)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.ErrorCode != nil {
		add("error_code", nullStr(*patch.ErrorCode))
	}
	if patch.ErrorMessage != nil {
		add("error_message", nullStr(*patch.ErrorMessage))
	}
	if patch.ErrorDetails != nil {
		add("error_details", patch.ErrorDetails)
	}
	if patch.ResultData != nil {
		add("result_data", patch.ResultData)
	}
	if patch.ResultSummary != nil {
		add("result_summary", nullStr(*patch.ResultSummary))
	}
	if patch.ScreenshotURLs != nil {
		add("screenshot_urls", patch.ScreenshotURLs)
	}
	if patch.ActionCount != nil {
		add("action_count", *patch.ActionCount)
	}
	if patch.TotalTokens != nil {
		add("total_tokens", *patch.TotalTokens)
	}
	if patch.CostUSD != nil {
		add("cost_usd", *patch.CostUSD)
	}
	if patch.InteractionData != nil {
		add("interaction_data", patch.InteractionData)
	}
	args = append(args, jobID, statusToPg(from))
	query := fmt.Sprintf(`UPDATE gh_jobs SET %s WHERE id = $%d AND status = $%d`,
		joinSet(set), len(args)-1, len(args))
	cmd, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func joinSet(set []string) string {
	out := ""
	for i, s := range set {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

func (s *StorePg) Heartbeat(ctx context.Context, jobID, workerID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE gh_jobs SET last_heartbeat = now(), updated_at = now() WHERE id = $1 AND worker_id = $2`,
		jobID, workerID)
	return err
}

func (s *StorePg) RecoverStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`WITH stale AS (
		     SELECT id, worker_id FROM gh_jobs
		     WHERE status IN ($1, $2) AND last_heartbeat IS NOT NULL AND last_heartbeat <= $3
		     FOR UPDATE SKIP LOCKED
		 )
		 UPDATE gh_jobs j SET status = $4, worker_id = NULL, updated_at = now()
		 FROM stale WHERE j.id = stale.id
		 RETURNING j.id, stale.worker_id`,
		pgStatusQueued, pgStatusRunning, olderThan, pgStatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	type rec struct {
		id         string
		prevWorker *string
	}
	var recs []rec
	for rows.Next() {
		var r rec
		if err := rows.Scan(&r.id, &r.prevWorker); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var ids []string
	for _, r := range recs {
		meta := map[string]any{"reason": ReasonStuckRecovery}
		if r.prevWorker != nil {
			meta["prev_worker"] = *r.prevWorker
		}
		_ = s.AppendEvent(ctx, r.id, EventJobRequeued, meta, "recovery")
		ids = append(ids, r.id)
	}
	return ids, nil
}

func (s *StorePg) ReleaseClaims(ctx context.Context, workerID string) (int, error) {
	// 强制退出时把本 Worker 仍持有的行全部交还：queued、running、paused 一视同仁
	cmd, err := s.pool.Exec(ctx,
		`UPDATE gh_jobs SET status = $1, worker_id = NULL, updated_at = now()
		 WHERE status IN ($2, $3, $4) AND worker_id = $5`,
		pgStatusPending, pgStatusQueued, pgStatusRunning, pgStatusPaused, workerID)
	if err != nil {
		return 0, err
	}
	return int(cmd.RowsAffected()), nil
}

func (s *StorePg) AppendEvent(ctx context.Context, jobID, eventType string, metadata map[string]any, actor string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gh_job_events (job_id, event_type, metadata, actor) VALUES ($1, $2, $3, $4)`,
		jobID, eventType, metadata, nullStr(actor))
	return err
}

func (s *StorePg) ListEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]JobEvent, error) {
	query := `SELECT id, job_id, event_type, metadata, actor, created_at
	          FROM gh_job_events WHERE job_id = $1 AND id > $2 ORDER BY id ASC`
	args := []interface{}{jobID, afterID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobEvent
	for rows.Next() {
		var e JobEvent
		var actor *string
		if err := rows.Scan(&e.ID, &e.JobID, &e.Type, &e.Metadata, &actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actor != nil {
			e.Actor = *actor
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *StorePg) Cancel(ctx context.Context, jobID string) (bool, error) {
	cmd, err := s.pool.Exec(ctx,
		`UPDATE gh_jobs SET status = $1, worker_id = NULL, completed_at = now(), updated_at = now()
		 WHERE id = $2 AND status IN ($3, $4, $5, $6)`,
		pgStatusCancelled, jobID, pgStatusPending, pgStatusQueued, pgStatusRunning, pgStatusPaused)
	if err != nil {
		return false, err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *StorePg) SubmitResolution(ctx context.Context, jobID, resolutionType string, data map[string]any, resolvedBy string) error {
	resolution := map[string]any{
		"resolution_type": resolutionType,
		"resolution_data": data,
		"resolved_by":     resolvedBy,
		"resolved_at":     time.Now().UTC().Format(time.RFC3339),
	}
	cmd, err := s.pool.Exec(ctx,
		`UPDATE gh_jobs SET interaction_data = COALESCE(interaction_data, '{}'::jsonb) || $1::jsonb, updated_at = now()
		 WHERE id = $2 AND status = $3`,
		resolution, jobID, pgStatusPaused)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		if _, err := s.Get(ctx, jobID); err != nil {
			return err
		}
		return gherr.ErrInvalidArg
	}
	return nil
}

// TakeResolution 服务端 jsonb 剥离，读取与清除在同一语句内完成
func (s *StorePg) TakeResolution(ctx context.Context, jobID string) (*Resolution, error) {
	var data map[string]any
	err := s.pool.QueryRow(ctx,
		`WITH cur AS (
		     SELECT id, interaction_data FROM gh_jobs
		     WHERE id = $1 AND interaction_data ? 'resolution_type'
		     FOR UPDATE
		 )
		 UPDATE gh_jobs j
		 SET interaction_data = j.interaction_data - 'resolution_type' - 'resolution_data' - 'resolved_by' - 'resolved_at',
		     updated_at = now()
		 FROM cur WHERE j.id = cur.id
		 RETURNING cur.interaction_data`,
		jobID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	res := &Resolution{}
	if rt, ok := data["resolution_type"].(string); ok {
		res.Type = rt
	}
	if d, ok := data["resolution_data"].(map[string]any); ok {
		res.Data = d
	}
	if by, ok := data["resolved_by"].(string); ok {
		res.ResolvedBy = by
	}
	if at, ok := data["resolved_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			res.ResolvedAt = t
		}
	}
	return res, nil
}
