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

package api

import (
	"time"

	"ghosthands/internal/job"
)

// JobView Job 的出站表示。interaction_data 剥离 resolution 字段，
// 凭据类 resolution 绝不从查询面回流。
type JobView struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	JobType         string         `json:"job_type"`
	TargetURL       string         `json:"target_url,omitempty"`
	TaskDescription string         `json:"task_description,omitempty"`
	Status          string         `json:"status"`
	Priority        int            `json:"priority"`
	WorkerID        string         `json:"worker_id,omitempty"`
	RetryCount      int            `json:"retry_count"`
	MaxRetries      int            `json:"max_retries"`
	ScheduledAt     *time.Time     `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	TimeoutSeconds  int            `json:"timeout_seconds,omitempty"`
	ErrorCode       string         `json:"error_code,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ResultData      map[string]any `json:"result_data,omitempty"`
	ResultSummary   string         `json:"result_summary,omitempty"`
	ScreenshotURLs  []string       `json:"screenshot_urls,omitempty"`
	ActionCount     int            `json:"action_count"`
	TotalTokens     int64          `json:"total_tokens"`
	CostUSD         float64        `json:"cost_usd"`
	CallbackURL     string         `json:"callback_url,omitempty"`
	ValetTaskID     string         `json:"valet_task_id,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	InteractionData map[string]any `json:"interaction_data,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

var resolutionKeys = []string{"resolution_type", "resolution_data", "resolved_by", "resolved_at"}

func jobView(j *job.Job) *JobView {
	v := &JobView{
		ID:              j.ID,
		UserID:          j.UserID,
		JobType:         j.JobType,
		TargetURL:       j.TargetURL,
		TaskDescription: j.TaskDescription,
		Status:          j.Status.String(),
		Priority:        j.Priority,
		WorkerID:        j.WorkerID,
		RetryCount:      j.RetryCount,
		MaxRetries:      j.MaxRetries,
		TimeoutSeconds:  j.TimeoutSeconds,
		ErrorCode:       j.ErrorCode,
		ErrorMessage:    j.ErrorMessage,
		ResultData:      j.ResultData,
		ResultSummary:   j.ResultSummary,
		ScreenshotURLs:  j.ScreenshotURLs,
		ActionCount:     j.ActionCount,
		TotalTokens:     j.TotalTokens,
		CostUSD:         j.CostUSD,
		CallbackURL:     j.CallbackURL,
		ValetTaskID:     j.ValetTaskID,
		Tags:            j.Tags,
		InteractionData: stripResolution(j.InteractionData),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
	v.ScheduledAt = nonZero(j.ScheduledAt)
	v.StartedAt = nonZero(j.StartedAt)
	v.CompletedAt = nonZero(j.CompletedAt)
	return v
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func stripResolution(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, k := range resolutionKeys {
		delete(out, k)
	}
	return out
}
