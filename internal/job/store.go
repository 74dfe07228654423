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
	"time"
)

// Patch 随状态变迁一并写入的字段；nil 表示不变
type Patch struct {
	WorkerID        *string // 指向空串表示清空
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ScheduledAt     *time.Time
	LastHeartbeat   *time.Time
	RetryCount      *int
	ErrorCode       *string
	ErrorMessage    *string
	ErrorDetails    map[string]any
	ResultData      map[string]any
	ResultSummary   *string
	ScreenshotURLs  []string
	ActionCount     *int
	TotalTokens     *int64
	CostUSD         *float64
	InteractionData map[string]any
}

// Resolution 人工处理结果；从 interaction_data 原子取出后即被剥离，防止重放
type Resolution struct {
	Type       string // code_entry | credentials | skip | manual
	Data       map[string]any
	ResolvedBy string
	ResolvedAt time.Time
}

// Store 任务存储：插入、原子 Claim、条件状态变迁、心跳、回收、事件日志与 HITL resolution。
// Claim 使用 skip-locked 语义，并发调用绝不取到同一行；变迁被拒绝属正常控制流而非错误。
type Store interface {
	// Insert 以 pending 插入；idempotency_key 冲突时返回已有 Job 与 duplicate=true
	Insert(ctx context.Context, j *Job) (*Job, bool, error)
	// Get 按 ID 查询；不存在返回 pkg/errors.ErrNotFound
	Get(ctx context.Context, jobID string) (*Job, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*Job, error)
	// ClaimNext 原子取出一条可执行的 pending（scheduled_at 已到），置 queued 并盖章
	// worker_id 与 last_heartbeat；按 priority DESC, created_at ASC 排序；无则返回 nil, nil。
	// 这是唯一合法的取活路径。
	ClaimNext(ctx context.Context, workerID string) (*Job, error)
	// TransitionStatus 条件更新：仅当当前状态等于 from 时生效，返回是否生效
	TransitionStatus(ctx context.Context, jobID string, from, to Status, patch Patch) (bool, error)
	// Heartbeat 仅当 worker_id 匹配时刷新 last_heartbeat；幂等
	Heartbeat(ctx context.Context, jobID, workerID string) error
	// RecoverStale 将 queued/running 且 last_heartbeat < olderThan 的 Job 置回 pending、
	// 清空 worker_id，并写 reason=stuck_job_recovery 事件；不递增 retry_count。
	// 返回被回收的 Job ID。
	RecoverStale(ctx context.Context, olderThan time.Time) ([]string, error)
	// ReleaseClaims 强制释放某 Worker 名下 queued 的 Job（二段退出的第二信号）
	ReleaseClaims(ctx context.Context, workerID string) (int, error)
	// AppendEvent 追加审计事件；调用方应将写失败视为非致命
	AppendEvent(ctx context.Context, jobID, eventType string, metadata map[string]any, actor string) error
	// ListEvents 返回 id > afterID 的事件，按插入顺序；limit<=0 不限
	ListEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]JobEvent, error)
	// Cancel 非终态 → cancelled 的跨 actor 条件更新，返回是否生效
	Cancel(ctx context.Context, jobID string) (bool, error)
	// SubmitResolution 写入人工处理结果；仅 status=paused 时有效
	SubmitResolution(ctx context.Context, jobID, resolutionType string, data map[string]any, resolvedBy string) error
	// TakeResolution 原子读取并剥离 resolution；无则返回 nil, nil
	TakeResolution(ctx context.Context, jobID string) (*Resolution, error)
	Close()
}

// WatchEvents 轮询订阅某 Job 的事件流；ctx 取消时关闭返回的 channel。
// Mem 与 Pg 共用此实现，轮询间隔 500ms。
func WatchEvents(ctx context.Context, s Store, jobID string, afterID int64) <-chan JobEvent {
	ch := make(chan JobEvent, 16)
	go func() {
		defer close(ch)
		cursor := afterID
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			events, err := s.ListEvents(ctx, jobID, cursor, 100)
			if err == nil {
				for _, e := range events {
					select {
					case ch <- e:
						cursor = e.ID
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
