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

// Package executor 驱动单个已 Claim 的任务从 queued 走到终态：
// 预检、状态变迁、Handler 调度、错误分类、重试与 HITL，终了统一记账与回调。
package executor

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"ghosthands/internal/browser"
	"ghosthands/internal/callback"
	"ghosthands/internal/cost"
	"ghosthands/internal/hitl"
	"ghosthands/internal/job"
	"ghosthands/internal/progress"
	gherr "ghosthands/pkg/errors"
	"ghosthands/pkg/log"
	"ghosthands/pkg/metrics"
	"ghosthands/pkg/secrets"
	"ghosthands/pkg/tracing"
)

// DefaultHeartbeatInterval 执行期间的任务心跳间隔
const DefaultHeartbeatInterval = 30 * time.Second

// Deps Executor 的协作方；Sessions/Secrets/HITL/Publisher 可缺省
type Deps struct {
	Store     job.Store
	Control   *cost.Control
	Notifier  *callback.Notifier
	Registry  *Registry
	HITL      *hitl.Coordinator
	Sessions  browser.Factory
	Secrets   secrets.Store
	Publisher progress.Publisher
	Logger    *log.Logger
	// ActionLimits 按 job_type 的动作上限覆盖
	ActionLimits map[string]int
}

// Executor 每个 Worker 一个实例；同一时刻按约定只执行一个任务
type Executor struct {
	workerID  string
	deps      Deps
	heartbeat time.Duration
}

// NewExecutor 创建 Executor；缺省会话工厂为 NoopFactory
func NewExecutor(workerID string, deps Deps) *Executor {
	if deps.Sessions == nil {
		deps.Sessions = browser.NoopFactory{}
	}
	return &Executor{workerID: workerID, deps: deps, heartbeat: DefaultHeartbeatInterval}
}

// Execute 驱动一个 queued 任务到终态或重排。错误不向上传播，
// 全部在此分类落盘；调用方（Dispatcher）只关心执行结束。
func (e *Executor) Execute(ctx context.Context, claimed *job.Job) {
	j := claimed.Clone()
	start := time.Now()
	metrics.WorkerBusy.WithLabelValues(e.workerID).Inc()
	defer metrics.WorkerBusy.WithLabelValues(e.workerID).Dec()

	ctx, span := tracing.StartJobSpan(ctx, j.ID, j.JobType)
	defer span.End()

	preset := cost.ResolvePreset(j)
	tracker := cost.NewTracker(j.ID, cost.TaskBudget(preset), cost.ActionLimit(j.JobType, e.deps.ActionLimits))
	prog := progress.NewTracker(j.ID, e.deps.Store, e.deps.Publisher, 0)

	pre, err := e.deps.Control.Preflight(ctx, j.UserID, j.Tier(), preset)
	if err != nil {
		e.failFrom(ctx, j, job.StatusQueued, gherr.Classify(err), tracker, prog, nil, start)
		return
	}
	if !pre.Allowed {
		te := gherr.NewTaskError(gherr.CodeBudgetExceeded, pre.Reason)
		e.failFrom(ctx, j, job.StatusQueued, te, tracker, prog, nil, start)
		return
	}

	now := time.Now()
	ok, err := e.deps.Store.TransitionStatus(ctx, j.ID, job.StatusQueued, job.StatusRunning, job.Patch{
		StartedAt:     &now,
		LastHeartbeat: &now,
	})
	if err != nil {
		e.failFrom(ctx, j, job.StatusQueued, gherr.Classify(err), tracker, prog, nil, start)
		return
	}
	if !ok {
		// 多半是外部取消抢先落地
		e.finishObserved(ctx, j, tracker, prog, nil, start)
		return
	}
	j.Status = job.StatusRunning
	_ = e.deps.Store.AppendEvent(ctx, j.ID, job.EventJobStarted, map[string]any{
		"worker_id": e.workerID,
		"preset":    string(preset),
	}, e.workerID)
	prog.SetStep(ctx, "initializing")

	session, err := e.deps.Sessions.NewSession(ctx, j.ID)
	if err == nil {
		err = session.Open(ctx)
	}
	if err != nil {
		// 开会话失败与执行期崩溃同等对待：有剩余重试额度就回排
		te := gherr.Retryable(gherr.CodeBrowserCrashed, "open browser session", err)
		if j.RetryCount < j.MaxRetries {
			e.requeue(ctx, j, te, tracker, prog, nil)
			return
		}
		e.failFrom(ctx, j, job.StatusRunning, te, tracker, prog, nil, start)
		return
	}

	runCtx, cancelRun := context.WithTimeout(ctx, j.Timeout())
	defer cancelRun()
	var cancelled atomic.Bool
	stopHB := e.startHeartbeat(ctx, j.ID, &cancelled, cancelRun)

	tc := &TaskContext{
		Job:        j,
		Cost:       tracker,
		Progress:   prog,
		Session:    session,
		Credential: e.resolveCredential(ctx, j),
	}

	result, execErr := e.runHandler(ctx, runCtx, j, tc, session)

	close(stopHB)
	e.settle(ctx, j, result, execErr, &cancelled, tracker, prog, session, start)
}

// runHandler 调 Handler，人工介入在此循环内闭环后重入
func (e *Executor) runHandler(ctx, runCtx context.Context, j *job.Job, tc *TaskContext, session browser.Session) (*Result, error) {
	h, ok := e.deps.Registry.Get(j.JobType)
	if !ok {
		return nil, gherr.NewTaskError(gherr.CodeValidationError, "no handler registered for job_type "+j.JobType)
	}
	for {
		result, err := h.Execute(runCtx, tc)
		var iv *hitl.InterventionRequired
		if err == nil || !errors.As(err, &iv) || e.deps.HITL == nil {
			return result, err
		}
		// 暂停窗口有独立超时，不占任务 wall-clock，走外层 ctx
		res, herr := e.deps.HITL.RequestHuman(ctx, j, e.workerID, iv, session)
		if herr != nil {
			return nil, herr
		}
		if rerr := e.deps.HITL.Resume(ctx, j, e.workerID, res, session); rerr != nil {
			return nil, rerr
		}
	}
}

// startHeartbeat 心跳并在每个 tick 观察外部取消
func (e *Executor) startHeartbeat(ctx context.Context, jobID string, cancelled *atomic.Bool, cancelRun context.CancelFunc) chan struct{} {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := e.deps.Store.Heartbeat(ctx, jobID, e.workerID); err != nil && e.deps.Logger != nil {
					e.deps.Logger.Warn("heartbeat", "job_id", jobID, "error", err)
				}
				if cur, err := e.deps.Store.Get(ctx, jobID); err == nil && cur.Status == job.StatusCancelled {
					cancelled.Store(true)
					cancelRun()
					return
				}
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return stop
}

// settle 错误分类与终态落盘
func (e *Executor) settle(ctx context.Context, j *job.Job, result *Result, execErr error, cancelled *atomic.Bool, tracker *cost.Tracker, prog *progress.Tracker, session browser.Session, start time.Time) {
	if execErr == nil {
		e.succeed(ctx, j, result, tracker, prog, session, start)
		return
	}
	if cancelled.Load() || errors.Is(execErr, hitl.ErrCancelled) {
		e.finishObserved(ctx, j, tracker, prog, session, start)
		return
	}

	var be *cost.BudgetExceededError
	if errors.As(execErr, &be) {
		te := gherr.NewTaskError(gherr.CodeBudgetExceeded, be.Error())
		e.failFrom(ctx, j, job.StatusRunning, te, tracker, prog, session, start)
		return
	}
	var ae *cost.ActionLimitExceededError
	if errors.As(execErr, &ae) {
		te := gherr.NewTaskError(gherr.CodeActionLimitExceeded, ae.Error())
		e.failFrom(ctx, j, job.StatusRunning, te, tracker, prog, session, start)
		return
	}

	te := gherr.Classify(execErr)
	if te.Code == gherr.CodeHumanTimeout {
		// Coordinator 已把行置为 failed，这里只走收尾
		e.alwaysBlock(ctx, j, tracker, prog, session,
			callback.FailedPayload(j, string(te.Code), te.Message, tracker.Snapshot()))
		e.observeTerminal(j, "failed", string(te.Code), start)
		return
	}
	if te.Retryable && j.RetryCount < j.MaxRetries {
		e.requeue(ctx, j, te, tracker, prog, session)
		return
	}
	e.failFrom(ctx, j, job.StatusRunning, te, tracker, prog, session, start)
}

func (e *Executor) succeed(ctx context.Context, j *job.Job, result *Result, tracker *cost.Tracker, prog *progress.Tracker, session browser.Session, start time.Time) {
	if result == nil {
		result = &Result{}
	}
	prog.SetStep(ctx, "completed")
	snap := tracker.Snapshot()
	patch := costPatch(snap)
	patch.ResultData = result.Data
	patch.ResultSummary = &result.Summary
	patch.ScreenshotURLs = result.ScreenshotURLs
	ok, err := e.deps.Store.TransitionStatus(ctx, j.ID, job.StatusRunning, job.StatusCompleted, patch)
	if err != nil || !ok {
		// 竞态输给了取消或回收
		e.finishObserved(ctx, j, tracker, prog, session, start)
		return
	}
	j.Status = job.StatusCompleted
	j.ResultData = result.Data
	j.ResultSummary = result.Summary
	j.ScreenshotURLs = result.ScreenshotURLs
	_ = e.deps.Store.AppendEvent(ctx, j.ID, job.EventJobCompleted, map[string]any{
		"action_count":   snap.ActionCount,
		"total_cost_usd": snap.TotalCostUSD,
	}, e.workerID)
	e.alwaysBlock(ctx, j, tracker, prog, session, callback.CompletedPayload(j, snap))
	e.observeTerminal(j, "completed", "", start)
}

// failFrom 终态失败；from 为当前状态（queued 预检失败 / running 执行失败）
func (e *Executor) failFrom(ctx context.Context, j *job.Job, from job.Status, te *gherr.TaskError, tracker *cost.Tracker, prog *progress.Tracker, session browser.Session, start time.Time) {
	snap := tracker.Snapshot()
	code := string(te.Code)
	msg := te.Message
	patch := costPatch(snap)
	patch.ErrorCode = &code
	patch.ErrorMessage = &msg
	if te.Cause != nil {
		patch.ErrorDetails = map[string]any{"cause": te.Cause.Error()}
	}
	ok, err := e.deps.Store.TransitionStatus(ctx, j.ID, from, job.StatusFailed, patch)
	if err != nil || !ok {
		e.finishObserved(ctx, j, tracker, prog, session, start)
		return
	}
	j.Status = job.StatusFailed
	_ = e.deps.Store.AppendEvent(ctx, j.ID, job.EventJobFailed, map[string]any{
		"error_code":    code,
		"error_message": msg,
		"retry_count":   j.RetryCount,
	}, e.workerID)
	e.alwaysBlock(ctx, j, tracker, prog, session, callback.FailedPayload(j, code, msg, snap))
	e.observeTerminal(j, "failed", code, start)
}

// requeue 可重试错误：回 pending、清 worker、按 backoff 顺延 scheduled_at。
// 非终态，不发回调；已消耗的成本照常入账。
func (e *Executor) requeue(ctx context.Context, j *job.Job, te *gherr.TaskError, tracker *cost.Tracker, prog *progress.Tracker, session browser.Session) {
	noWorker := ""
	next := time.Now().Add(RetryBackoff(j.RetryCount))
	retries := j.RetryCount + 1
	patch := job.Patch{
		WorkerID:    &noWorker,
		ScheduledAt: &next,
		RetryCount:  &retries,
		ErrorDetails: map[string]any{
			"error_code": string(te.Code),
			"message":    te.Message,
			"attempt":    retries,
		},
	}
	ok, err := e.deps.Store.TransitionStatus(ctx, j.ID, job.StatusRunning, job.StatusPending, patch)
	if err != nil || !ok {
		e.finishObserved(ctx, j, tracker, prog, session, time.Now())
		return
	}
	_ = e.deps.Store.AppendEvent(ctx, j.ID, job.EventJobRequeued, map[string]any{
		"reason":       "retryable_error",
		"error_code":   string(te.Code),
		"retry_count":  retries,
		"scheduled_at": next.UTC().Format(time.RFC3339),
	}, e.workerID)
	snap := tracker.Snapshot()
	if err := e.deps.Control.RecordJobCost(ctx, j.UserID, j.ID, snap); err != nil && e.deps.Logger != nil {
		e.deps.Logger.Error("record job cost", "job_id", j.ID, "error", err)
	}
	prog.Flush(ctx)
	e.releaseSession(ctx, session)
}

// finishObserved 行已被外部推进到终态（通常是 cancelled），只做收尾
func (e *Executor) finishObserved(ctx context.Context, j *job.Job, tracker *cost.Tracker, prog *progress.Tracker, session browser.Session, start time.Time) {
	cur, err := e.deps.Store.Get(ctx, j.ID)
	if err != nil {
		cur = j
	}
	snap := tracker.Snapshot()
	switch cur.Status {
	case job.StatusCancelled:
		_ = e.deps.Store.AppendEvent(ctx, j.ID, job.EventJobCancelled, map[string]any{
			"observed_by": e.workerID,
		}, e.workerID)
		e.alwaysBlock(ctx, cur, tracker, prog, session, callback.CancelledPayload(cur, snap))
		e.observeTerminal(cur, "cancelled", "", start)
	case job.StatusFailed:
		e.alwaysBlock(ctx, cur, tracker, prog, session,
			callback.FailedPayload(cur, cur.ErrorCode, cur.ErrorMessage, snap))
		e.observeTerminal(cur, "failed", cur.ErrorCode, start)
	default:
		// 回收竞态等罕见情况：不再持有该行，但本次已消耗的成本照常入账
		if err := e.deps.Control.RecordJobCost(ctx, j.UserID, j.ID, snap); err != nil && e.deps.Logger != nil {
			e.deps.Logger.Error("record job cost", "job_id", j.ID, "error", err)
		}
		prog.Flush(ctx)
		e.releaseSession(ctx, session)
	}
}

// alwaysBlock 终态统一收尾：记账、回调、冲进度、释放浏览器
func (e *Executor) alwaysBlock(ctx context.Context, j *job.Job, tracker *cost.Tracker, prog *progress.Tracker, session browser.Session, payload callback.Payload) {
	snap := tracker.Snapshot()
	if err := e.deps.Control.RecordJobCost(ctx, j.UserID, j.ID, snap); err != nil && e.deps.Logger != nil {
		e.deps.Logger.Error("record job cost", "job_id", j.ID, "error", err)
	}
	if e.deps.Notifier != nil {
		_ = e.deps.Notifier.Notify(ctx, j.CallbackURL, payload)
	}
	prog.Flush(ctx)
	e.releaseSession(ctx, session)
}

func (e *Executor) releaseSession(ctx context.Context, session browser.Session) {
	if session == nil {
		return
	}
	if err := session.Close(ctx); err != nil && e.deps.Logger != nil {
		e.deps.Logger.Warn("close browser session", "error", err)
	}
}

func (e *Executor) observeTerminal(j *job.Job, status, errorCode string, start time.Time) {
	metrics.JobTotal.WithLabelValues(status).Inc()
	metrics.JobDuration.WithLabelValues(j.JobType).Observe(time.Since(start).Seconds())
	if errorCode != "" {
		metrics.JobFailTotal.WithLabelValues(errorCode).Inc()
	}
	if e.deps.Logger != nil {
		e.deps.Logger.Info("job finished",
			"job_id", j.ID, "job_type", j.JobType, "status", status,
			"error_code", errorCode, "duration", time.Since(start).String())
	}
}

// resolveCredential 按 user+platform 解析凭据；未配置平台或无记录时为空
func (e *Executor) resolveCredential(ctx context.Context, j *job.Job) string {
	if e.deps.Secrets == nil {
		return ""
	}
	platform := platformOf(j)
	if platform == "" {
		return ""
	}
	cred, err := e.deps.Secrets.Get(ctx, secrets.CredentialKey(j.UserID, platform))
	if err != nil {
		if !errors.Is(err, gherr.ErrNotFound) && e.deps.Logger != nil {
			e.deps.Logger.Warn("resolve credential", "job_id", j.ID, "platform", platform, "error", err)
		}
		return ""
	}
	return cred
}

// platformOf metadata.platform 优先，缺省回落到目标域名
func platformOf(j *job.Job) string {
	if j.Metadata != nil {
		if p, ok := j.Metadata["platform"].(string); ok && p != "" {
			return p
		}
	}
	if j.TargetURL == "" {
		return ""
	}
	u, err := url.Parse(j.TargetURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(u.Host, "www.")
}

// RetryBackoff 第 n 次重试前的等待：min(60s, 5·2^n)
func RetryBackoff(retryCount int) time.Duration {
	if retryCount > 4 {
		return 60 * time.Second
	}
	d := time.Duration(5*(1<<retryCount)) * time.Second
	if d > 60*time.Second {
		return 60 * time.Second
	}
	return d
}

func costPatch(snap cost.Snapshot) job.Patch {
	actions := snap.ActionCount
	tokens := snap.TotalTokens()
	costUSD := snap.TotalCostUSD
	return job.Patch{
		ActionCount: &actions,
		TotalTokens: &tokens,
		CostUSD:     &costUSD,
	}
}
