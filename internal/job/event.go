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

import "time"

// 事件类型；job_events 为 append-only 审计日志
const (
	EventJobCreated    = "job_created"
	EventJobQueued     = "job_queued"
	EventJobStarted    = "job_started"
	EventStepCompleted = "step_completed"
	EventProgress      = "progress_update"
	EventCostRecorded  = "cost_recorded"
	EventJobCompleted  = "job_completed"
	EventJobFailed     = "job_failed"
	EventJobCancelled  = "job_cancelled"
	EventJobRequeued   = "job_requeued"
	EventJobExpired    = "job_expired"
	EventModeSwitched  = "mode_switched"
	EventManualFound   = "manual_found"
	EventHumanNeeded   = "human_needed"
	EventHumanResolved = "human_resolved"
)

// ReasonStuckRecovery 心跳回收写入事件 metadata.reason 的固定值
const ReasonStuckRecovery = "stuck_job_recovery"

// JobEvent 单条审计事件；同一 Job 内按插入顺序严格有序
type JobEvent struct {
	ID        int64
	JobID     string
	Type      string
	Metadata  map[string]any
	Actor     string // worker id 或子系统标记
	CreatedAt time.Time
}
