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
	"time"

	"github.com/google/uuid"
)

// Status Job 状态
type Status int

const (
	StatusPending Status = iota
	StatusQueued
	StatusRunning
	StatusPaused
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusExpired
)

// String 返回状态的字符串表示
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Terminal 终态不再变迁
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Job 一次浏览器自动化任务
type Job struct {
	ID              string
	UserID          string
	JobType         string // 路由键，选择注册的 TaskHandler
	TargetURL       string
	TaskDescription string
	InputData       map[string]any
	Metadata        map[string]any
	Priority        int // 大者先执行
	Status          Status
	WorkerID        string // 非空 iff status ∈ {queued, running, paused}
	RetryCount      int
	MaxRetries      int
	ScheduledAt     time.Time // 最早可执行时间，零值立即可执行
	TimeoutSeconds  int
	StartedAt       time.Time
	CompletedAt     time.Time
	LastHeartbeat   time.Time
	ErrorCode       string
	ErrorMessage    string
	ErrorDetails    map[string]any
	ResultData      map[string]any
	ResultSummary   string
	ScreenshotURLs  []string
	ActionCount     int
	TotalTokens     int64
	CostUSD         float64
	CallbackURL     string
	ValetTaskID     string // 上游关联 ID
	Tags            []string
	IdempotencyKey  string
	InteractionData map[string]any // HITL 上下文与 resolution
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewID 生成 Job ID
func NewID() string {
	return "job-" + uuid.New().String()
}

// Tier 从 metadata 取用户 tier，缺省 free
func (j *Job) Tier() string {
	if j.Metadata != nil {
		if t, ok := j.Metadata["tier"].(string); ok && t != "" {
			return t
		}
	}
	return "free"
}

// Timeout 返回 wall-clock 超时时长，<=0 时使用默认 15 分钟
func (j *Job) Timeout() time.Duration {
	if j.TimeoutSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// Clone 深拷贝可变容器，避免调用方与存储共享底层 map
func (j *Job) Clone() *Job {
	cp := *j
	cp.InputData = cloneMap(j.InputData)
	cp.Metadata = cloneMap(j.Metadata)
	cp.ErrorDetails = cloneMap(j.ErrorDetails)
	cp.ResultData = cloneMap(j.ResultData)
	cp.InteractionData = cloneMap(j.InteractionData)
	if j.ScreenshotURLs != nil {
		cp.ScreenshotURLs = append([]string(nil), j.ScreenshotURLs...)
	}
	if j.Tags != nil {
		cp.Tags = append([]string(nil), j.Tags...)
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
