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

package progress

import (
	"context"
	"strings"
	"sync"
	"time"

	"ghosthands/internal/job"
	"ghosthands/pkg/metrics"
)

// Steps 生命周期步骤，按序前进不可回退
var Steps = []string{
	"queued",
	"initializing",
	"navigating",
	"analyzing_page",
	"filling_form",
	"uploading_resume",
	"answering_questions",
	"reviewing",
	"submitting",
	"extracting_results",
	"awaiting_user_review",
	"completed",
}

// DefaultThrottle 相邻两次发出的最小间隔
const DefaultThrottle = 2000 * time.Millisecond

// Snapshot 一次进度快照，写事件日志并发布到进度流
type Snapshot struct {
	JobID       string    `json:"job_id"`
	Step        string    `json:"step"`
	StepIndex   int       `json:"step_index"`
	ActionIndex int       `json:"action_index"`
	Pct         int       `json:"pct"`
	ETASeconds  int       `json:"eta_seconds,omitempty"`
	Thought     string    `json:"thought,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Publisher 进度流发布端（Redis stream）；nil 时只写事件日志
type Publisher interface {
	Publish(ctx context.Context, jobID string, snap Snapshot) error
	// Seal 终态时设置流的存活期
	Seal(ctx context.Context, jobID string) error
}

// Tracker 节流的步骤/动作进度发射器。步骤与动作序号单调递增，
// 节流期内的快照暂存为 pending，由下一次未节流调用或 Flush 冲出。
type Tracker struct {
	mu        sync.Mutex
	jobID     string
	store     job.Store
	publisher Publisher

	stepIndex   int
	actionIndex int
	startedAt   time.Time
	estTotal    int
	throttle    time.Duration
	lastEmit    time.Time
	pending     *Snapshot
	thought     string

	now func() time.Time
}

// NewTracker estimatedTotalActions <=0 时按 20 估算
func NewTracker(jobID string, store job.Store, publisher Publisher, estimatedTotalActions int) *Tracker {
	if estimatedTotalActions <= 0 {
		estimatedTotalActions = 20
	}
	t := &Tracker{
		jobID:     jobID,
		store:     store,
		publisher: publisher,
		estTotal:  estimatedTotalActions,
		throttle:  DefaultThrottle,
		now:       time.Now,
	}
	t.startedAt = t.now()
	return t
}

// SetStep 只允许前进；未知或回退的步骤被忽略
func (t *Tracker) SetStep(ctx context.Context, step string) {
	t.mu.Lock()
	idx := stepIndex(step)
	if idx < 0 || idx <= t.stepIndex {
		t.mu.Unlock()
		return
	}
	t.stepIndex = idx
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.emit(ctx, snap, false)
}

// OnActionStarted 递增动作序号；从动作类型与 thought 推测候选步骤，仅前进
func (t *Tracker) OnActionStarted(ctx context.Context, variant, thought string) {
	t.mu.Lock()
	t.actionIndex++
	t.thought = thought
	if idx := inferStep(variant, thought); idx > t.stepIndex {
		t.stepIndex = idx
	}
	t.mu.Unlock()
}

// OnActionDone 节流发出当前进度
func (t *Tracker) OnActionDone(ctx context.Context, variant string) {
	t.mu.Lock()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.emit(ctx, snap, false)
}

// Flush 冲出 pending 快照并封流；终态变迁时调用
func (t *Tracker) Flush(ctx context.Context) {
	t.mu.Lock()
	snap := t.pending
	t.pending = nil
	t.mu.Unlock()
	if snap != nil {
		t.write(ctx, *snap)
	}
	if t.publisher != nil {
		_ = t.publisher.Seal(ctx, t.jobID)
	}
}

func (t *Tracker) emit(ctx context.Context, snap Snapshot, force bool) {
	t.mu.Lock()
	if !force && t.now().Sub(t.lastEmit) < t.throttle {
		t.pending = &snap
		t.mu.Unlock()
		return
	}
	t.lastEmit = t.now()
	t.pending = nil
	t.mu.Unlock()
	t.write(ctx, snap)
}

func (t *Tracker) write(ctx context.Context, snap Snapshot) {
	metrics.ProgressEmitTotal.Inc()
	// 事件写失败不阻断执行
	_ = t.store.AppendEvent(ctx, t.jobID, job.EventProgress, map[string]any{
		"step":         snap.Step,
		"step_index":   snap.StepIndex,
		"action_index": snap.ActionIndex,
		"pct":          snap.Pct,
		"eta_seconds":  snap.ETASeconds,
		"thought":      snap.Thought,
	}, "progress")
	if t.publisher != nil {
		_ = t.publisher.Publish(ctx, t.jobID, snap)
	}
}

func (t *Tracker) snapshotLocked() Snapshot {
	snap := Snapshot{
		JobID:       t.jobID,
		Step:        Steps[t.stepIndex],
		StepIndex:   t.stepIndex,
		ActionIndex: t.actionIndex,
		Thought:     t.thought,
		UpdatedAt:   t.now(),
	}
	snap.Pct = t.pctLocked()
	if t.actionIndex >= 2 && snap.Pct > 0 {
		elapsed := t.now().Sub(t.startedAt)
		snap.ETASeconds = int(float64(elapsed) / float64(snap.Pct) * float64(100-snap.Pct) / float64(time.Second))
	}
	return snap
}

// pctLocked 60% 步骤进度 + 40% 动作进度，完成前封顶 99
func (t *Tracker) pctLocked() int {
	stepPart := float64(t.stepIndex) / float64(len(Steps)-1)
	actionPart := float64(t.actionIndex) / float64(t.estTotal)
	if actionPart > 1 {
		actionPart = 1
	}
	pct := int(stepPart*60 + actionPart*40)
	if Steps[t.stepIndex] == "completed" {
		return 100
	}
	if pct > 99 {
		pct = 99
	}
	return pct
}

func stepIndex(step string) int {
	for i, s := range Steps {
		if s == step {
			return i
		}
	}
	return -1
}

// inferStep 动作类型 + thought 关键词到候选步骤的启发式映射
func inferStep(variant, thought string) int {
	v := strings.ToLower(variant)
	th := strings.ToLower(thought)
	switch {
	case strings.Contains(v, "navigate") || strings.Contains(v, "goto"):
		return stepIndex("navigating")
	case strings.Contains(v, "upload"):
		return stepIndex("uploading_resume")
	case strings.Contains(v, "extract") || strings.Contains(v, "scrape"):
		return stepIndex("extracting_results")
	case strings.Contains(th, "submit") || strings.Contains(v, "submit"):
		return stepIndex("submitting")
	case strings.Contains(v, "type") || strings.Contains(v, "fill") || strings.Contains(v, "select"):
		return stepIndex("filling_form")
	case strings.Contains(v, "click") && strings.Contains(th, "review"):
		return stepIndex("reviewing")
	case strings.Contains(v, "screenshot") || strings.Contains(v, "observe"):
		return stepIndex("analyzing_page")
	}
	return -1
}
