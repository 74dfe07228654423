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

package callback

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"ghosthands/internal/cost"
	"ghosthands/internal/job"
	"ghosthands/pkg/log"
	"ghosthands/pkg/metrics"
)

// CostBlock 终态回调必带的成本块；没有消耗时为零值而非缺失
type CostBlock struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	ActionCount  int     `json:"action_count"`
	TotalTokens  int64   `json:"total_tokens"`
}

// Interaction HITL 回调携带的人工交互说明
type Interaction struct {
	Type           string `json:"type"`
	ScreenshotURL  string `json:"screenshot_url,omitempty"`
	PageURL        string `json:"page_url,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// Payload 出站回调载荷，形状按 status 区分
type Payload struct {
	JobID         string         `json:"job_id"`
	ValetTaskID   string         `json:"valet_task_id,omitempty"`
	Status        string         `json:"status"` // running | needs_human | resumed | completed | failed
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Cost          *CostBlock     `json:"cost,omitempty"`
	ErrorCode     string         `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ExecutionMode string         `json:"execution_mode,omitempty"`
	ResultSummary string         `json:"result_summary,omitempty"`
	ResultData    map[string]any `json:"result_data,omitempty"`
	Manual        map[string]any `json:"manual,omitempty"`
	ScreenshotURL string         `json:"screenshot_url,omitempty"`
	Interaction   *Interaction   `json:"interaction,omitempty"`
}

func costBlock(snap cost.Snapshot) *CostBlock {
	return &CostBlock{
		TotalCostUSD: snap.TotalCostUSD,
		ActionCount:  snap.ActionCount,
		TotalTokens:  snap.TotalTokens(),
	}
}

// RunningPayload 任务开始执行
func RunningPayload(j *job.Job) Payload {
	return Payload{JobID: j.ID, ValetTaskID: j.ValetTaskID, Status: "running"}
}

// CompletedPayload 成功终态，cost 恒为非空
func CompletedPayload(j *job.Job, snap cost.Snapshot) Payload {
	now := time.Now()
	p := Payload{
		JobID:         j.ID,
		ValetTaskID:   j.ValetTaskID,
		Status:        "completed",
		CompletedAt:   &now,
		Cost:          costBlock(snap),
		ExecutionMode: snap.Mode,
		ResultSummary: j.ResultSummary,
		ResultData:    j.ResultData,
	}
	if len(j.ScreenshotURLs) > 0 {
		p.ScreenshotURL = j.ScreenshotURLs[len(j.ScreenshotURLs)-1]
	}
	if m, ok := j.ResultData["manual"].(map[string]any); ok {
		p.Manual = m
	}
	return p
}

// FailedPayload 失败终态，cost 即使为零也恒为非空
func FailedPayload(j *job.Job, errorCode, errorMessage string, snap cost.Snapshot) Payload {
	now := time.Now()
	return Payload{
		JobID:        j.ID,
		ValetTaskID:  j.ValetTaskID,
		Status:       "failed",
		CompletedAt:  &now,
		Cost:         costBlock(snap),
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	}
}

// CancelledPayload 取消也按终态携带 cost
func CancelledPayload(j *job.Job, snap cost.Snapshot) Payload {
	now := time.Now()
	return Payload{
		JobID:       j.ID,
		ValetTaskID: j.ValetTaskID,
		Status:      "cancelled",
		CompletedAt: &now,
		Cost:        costBlock(snap),
	}
}

// NeedsHumanPayload 暂停等待人工
func NeedsHumanPayload(j *job.Job, interaction Interaction) Payload {
	return Payload{
		JobID:       j.ID,
		ValetTaskID: j.ValetTaskID,
		Status:      "needs_human",
		Interaction: &interaction,
	}
}

// ResumedPayload 人工处理完毕恢复执行
func ResumedPayload(j *job.Job) Payload {
	return Payload{JobID: j.ID, ValetTaskID: j.ValetTaskID, Status: "resumed"}
}

// 重试间隔；首发失败后最多再试 3 次
var retryDelays = []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}

// Notifier 出站 HTTP 回调。投递失败只记日志，绝不影响任务状态。
type Notifier struct {
	client *resty.Client
	logger *log.Logger
	delays []time.Duration
}

// NewNotifier timeout 为单次请求上限，<=0 时取 10s
func NewNotifier(timeout time.Duration, logger *log.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "ghosthands-callback/1.0")
	return &Notifier{client: client, logger: logger, delays: retryDelays}
}

// Notify 投递一次回调；url 为空直接返回 nil
func (n *Notifier) Notify(ctx context.Context, url string, p Payload) error {
	if url == "" {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt <= len(n.delays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(n.delays[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		resp, err := n.client.R().SetContext(ctx).SetBody(p).Post(url)
		if err == nil && resp.StatusCode() >= 200 && resp.StatusCode() < 300 {
			metrics.CallbackAttemptsTotal.WithLabelValues("ok").Inc()
			return nil
		}
		metrics.CallbackAttemptsTotal.WithLabelValues("fail").Inc()
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("callback returned %d", resp.StatusCode())
		}
	}
	metrics.CallbackFailTotal.Inc()
	if n.logger != nil {
		n.logger.Error("callback delivery failed after retries",
			"job_id", p.JobID, "status", p.Status, "url", url, "error", lastErr)
	}
	return lastErr
}
