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

package cost

import (
	"context"
	"time"

	"ghosthands/internal/job"
	"ghosthands/pkg/metrics"
)

// PreflightResult 预检结论
type PreflightResult struct {
	Allowed         bool
	RemainingBudget float64
	TaskBudget      float64
	Reason          string
}

// Control 跨任务的用户月度预算控制，背靠持久化用量行
type Control struct {
	usage job.UsageStore
	store job.Store
}

// NewControl 创建 Control；store 仅用于写 cost_recorded 事件
func NewControl(usage job.UsageStore, store job.Store) *Control {
	return &Control{usage: usage, store: store}
}

// Preflight 月度剩余预算不足以覆盖单任务预算时拒绝执行
func (c *Control) Preflight(ctx context.Context, userID, tier string, preset Preset) (PreflightResult, error) {
	period := job.CurrentPeriodStart(time.Now())
	u, err := c.usage.Get(ctx, userID, period)
	if err != nil {
		return PreflightResult{}, err
	}
	taskBudget := TaskBudget(preset)
	remaining := MonthlyBudget(tier) - u.TotalCostUSD
	if remaining < taskBudget {
		return PreflightResult{
			Allowed:         false,
			RemainingBudget: remaining,
			TaskBudget:      taskBudget,
			Reason:          "monthly budget exhausted",
		}, nil
	}
	return PreflightResult{Allowed: true, RemainingBudget: remaining, TaskBudget: taskBudget}, nil
}

// RecordJobCost 将一次执行的成本增量记入用户当期用量并写 cost_recorded 事件。
// 传增量而非总量；调用方保证每次终态变迁只调用一次。
func (c *Control) RecordJobCost(ctx context.Context, userID, jobID string, snap Snapshot) error {
	period := job.CurrentPeriodStart(time.Now())
	err := c.usage.Increment(ctx, userID, period, job.UsageDelta{
		CostUSD:      snap.TotalCostUSD,
		InputTokens:  snap.InputTokens,
		OutputTokens: snap.OutputTokens,
		Jobs:         1,
	})
	if err != nil {
		return err
	}
	metrics.CostRecordedUSD.Add(snap.TotalCostUSD)
	// 事件写失败不影响记账结果
	_ = c.store.AppendEvent(ctx, jobID, job.EventCostRecorded, map[string]any{
		"total_cost_usd": snap.TotalCostUSD,
		"action_count":   snap.ActionCount,
		"total_tokens":   snap.TotalTokens(),
		"mode":           snap.Mode,
	}, "cost")
	return nil
}
