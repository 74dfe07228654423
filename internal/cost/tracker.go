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
	"fmt"
	"sync"
)

// Role 记账角色，决定成本落入哪个子桶
type Role string

const (
	RoleReasoning Role = "reasoning"
	RoleImage     Role = "image"
)

// Snapshot 计数器的不可变视图；同一状态下重复调用得到完全相同的值。
// 超预算失败后依然可取，反映超额状态。
type Snapshot struct {
	InputTokens    int64
	OutputTokens   int64
	InputCost      float64
	OutputCost     float64
	ImageCost      float64
	ReasoningCost  float64
	ActionCount    int
	CookbookSteps  int
	MagnitudeSteps int
	Mode           string
	TotalCostUSD   float64
}

// TotalTokens 输入输出 token 合计
func (s Snapshot) TotalTokens() int64 {
	return s.InputTokens + s.OutputTokens
}

// BudgetExceededError 单任务预算超额；Snapshot 永远可用
type BudgetExceededError struct {
	JobID    string
	Budget   float64
	Snapshot Snapshot
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("job %s exceeded task budget $%.4f (spent $%.4f)", e.JobID, e.Budget, e.Snapshot.TotalCostUSD)
}

// ActionLimitExceededError 动作数超限
type ActionLimitExceededError struct {
	JobID string
	Count int
	Limit int
}

func (e *ActionLimitExceededError) Error() string {
	return fmt.Sprintf("job %s exceeded action limit %d (at %d)", e.JobID, e.Limit, e.Count)
}

// Tracker 单次执行的成本累加器。taskBudget 由质量档位决定，
// actionLimit 由 job_type 决定；超限时返回携带现场的错误并保留超额计数。
type Tracker struct {
	mu          sync.Mutex
	jobID       string
	taskBudget  float64
	actionLimit int

	inputTokens    int64
	outputTokens   int64
	inputCost      float64
	outputCost     float64
	imageCost      float64
	reasoningCost  float64
	actionCount    int
	cookbookSteps  int
	magnitudeSteps int
	mode           string
}

// NewTracker 创建 Tracker；budget/limit 取自 ResolvePreset 与 ActionLimit
func NewTracker(jobID string, taskBudget float64, actionLimit int) *Tracker {
	if actionLimit <= 0 {
		actionLimit = DefaultActionLimit
	}
	return &Tracker{
		jobID:       jobID,
		taskBudget:  taskBudget,
		actionLimit: actionLimit,
		mode:        "cookbook",
	}
}

// RecordTokenUsage 累加 token 与成本；累计超出 taskBudget 时返回 BudgetExceededError。
// role 为 image 时成本入图像桶，其余入推理桶。
func (t *Tracker) RecordTokenUsage(in, out int64, inCost, outCost float64, role Role) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inputTokens += in
	t.outputTokens += out
	t.inputCost += inCost
	t.outputCost += outCost
	switch role {
	case RoleImage:
		t.imageCost += inCost + outCost
	default:
		t.reasoningCost += inCost + outCost
	}
	if total := t.inputCost + t.outputCost; total > t.taskBudget {
		return &BudgetExceededError{JobID: t.jobID, Budget: t.taskBudget, Snapshot: t.snapshotLocked()}
	}
	return nil
}

// RecordAction 动作计数；超出 actionLimit 时返回 ActionLimitExceededError
func (t *Tracker) RecordAction() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actionCount++
	if t.actionCount > t.actionLimit {
		return &ActionLimitExceededError{JobID: t.jobID, Count: t.actionCount, Limit: t.actionLimit}
	}
	return nil
}

// RecordModeStep 按当前执行模式累加步数
func (t *Tracker) RecordModeStep(mode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if mode == "magnitude" {
		t.magnitudeSteps++
	} else {
		t.cookbookSteps++
	}
}

// SetMode 切换执行模式
func (t *Tracker) SetMode(mode string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
}

// Mode 当前执行模式
func (t *Tracker) Mode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Snapshot 取当前计数的不可变视图
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	return Snapshot{
		InputTokens:    t.inputTokens,
		OutputTokens:   t.outputTokens,
		InputCost:      t.inputCost,
		OutputCost:     t.outputCost,
		ImageCost:      t.imageCost,
		ReasoningCost:  t.reasoningCost,
		ActionCount:    t.actionCount,
		CookbookSteps:  t.cookbookSteps,
		MagnitudeSteps: t.magnitudeSteps,
		Mode:           t.mode,
		TotalCostUSD:   t.inputCost + t.outputCost,
	}
}
