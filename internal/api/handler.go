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

// Package api 入站 HTTP 面：建 Job（幂等）、查询、取消与 HITL resolution 提交。
// 限流在建 Job 时执行，被拒绝的请求不消耗配额。
package api

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"ghosthands/internal/dispatch"
	"ghosthands/internal/job"
	"ghosthands/internal/ratelimit"
	gherr "ghosthands/pkg/errors"
	"ghosthands/pkg/log"
)

// maxTimeoutSeconds 单任务 wall-clock 超时上限（1 小时）
const maxTimeoutSeconds = 3600

// resolutionTypes SubmitResolution 接受的闭集
var resolutionTypes = map[string]bool{
	"code_entry":  true,
	"credentials": true,
	"skip":        true,
	"manual":      true,
}

// Handler API 处理器
type Handler struct {
	store      job.Store
	gateway    *ratelimit.Gateway
	wake       job.WakeupQueue
	queue      *dispatch.Queue
	queueTypes map[string]bool
	logger     *log.Logger
}

// NewHandler wake/queue 按派发模式二选一，均可为 nil
func NewHandler(store job.Store, gateway *ratelimit.Gateway, wake job.WakeupQueue, queue *dispatch.Queue, queueTypes []string, logger *log.Logger) *Handler {
	qt := make(map[string]bool, len(queueTypes))
	for _, t := range queueTypes {
		qt[t] = true
	}
	return &Handler{store: store, gateway: gateway, wake: wake, queue: queue, queueTypes: qt, logger: logger}
}

// CreateJobRequest POST /api/jobs 请求体
type CreateJobRequest struct {
	UserID          string         `json:"user_id"`
	JobType         string         `json:"job_type"`
	TargetURL       string         `json:"target_url"`
	TaskDescription string         `json:"task_description"`
	InputData       map[string]any `json:"input_data"`
	Metadata        map[string]any `json:"metadata"`
	Priority        int            `json:"priority"`
	MaxRetries      int            `json:"max_retries"`
	TimeoutSeconds  int            `json:"timeout_seconds"`
	ScheduledAt     *time.Time     `json:"scheduled_at"`
	IdempotencyKey  string         `json:"idempotency_key"`
	CallbackURL     string         `json:"callback_url"`
	ValetTaskID     string         `json:"valet_task_id"`
	Tags            []string       `json:"tags"`
}

func (r *CreateJobRequest) validate() string {
	if strings.TrimSpace(r.UserID) == "" {
		return "user_id is required"
	}
	if strings.TrimSpace(r.JobType) == "" {
		return "job_type is required"
	}
	if r.TimeoutSeconds < 0 || r.TimeoutSeconds > maxTimeoutSeconds {
		return "timeout_seconds out of range"
	}
	if r.MaxRetries < 0 || r.MaxRetries > 10 {
		return "max_retries out of range"
	}
	if r.TargetURL != "" {
		if u, err := url.Parse(r.TargetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "target_url must be an http(s) URL"
		}
	}
	if r.CallbackURL != "" {
		if u, err := url.Parse(r.CallbackURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return "callback_url must be an http(s) URL"
		}
	}
	return ""
}

// CreateJob POST /api/jobs；幂等键冲突返回 200 与既有 Job
func (h *Handler) CreateJob(ctx context.Context, c *app.RequestContext) {
	var req CreateJobRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	j := &job.Job{
		UserID:          req.UserID,
		JobType:         req.JobType,
		TargetURL:       req.TargetURL,
		TaskDescription: req.TaskDescription,
		InputData:       req.InputData,
		Metadata:        req.Metadata,
		Priority:        req.Priority,
		MaxRetries:      req.MaxRetries,
		TimeoutSeconds:  req.TimeoutSeconds,
		IdempotencyKey:  req.IdempotencyKey,
		CallbackURL:     req.CallbackURL,
		ValetTaskID:     req.ValetTaskID,
		Tags:            req.Tags,
	}
	if req.ScheduledAt != nil {
		j.ScheduledAt = *req.ScheduledAt
	}

	var decision ratelimit.Decision
	if h.gateway != nil {
		var err error
		decision, err = h.gateway.Check(ctx, j.UserID, j.Tier(), platformOf(j), time.Now())
		if err != nil {
			c.JSON(consts.StatusInternalServerError, map[string]string{"error": "rate limit check failed"})
			return
		}
		setRateHeaders(c, decision)
		if !decision.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter/time.Second)+1))
			c.JSON(consts.StatusTooManyRequests, map[string]string{
				"error": "rate limit exceeded",
				"scope": decision.Scope,
			})
			return
		}
	}

	created, duplicate, err := h.store.Insert(ctx, j)
	if err != nil {
		if h.gateway != nil {
			h.gateway.Release(ctx, decision)
		}
		if h.logger != nil {
			h.logger.Error("insert job", "error", err)
		}
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}
	if duplicate {
		// 幂等重放不消耗配额
		if h.gateway != nil {
			h.gateway.Release(ctx, decision)
		}
		c.JSON(consts.StatusOK, jobView(created))
		return
	}

	h.notify(ctx, created)
	c.JSON(consts.StatusCreated, jobView(created))
}

// notify 按派发模式发出唤醒或入队
func (h *Handler) notify(ctx context.Context, j *job.Job) {
	if h.queue != nil && h.queueTypes[j.JobType] {
		if err := h.queue.Enqueue(ctx, j.JobType, j.ID); err != nil && h.logger != nil {
			h.logger.Warn("enqueue job", "job_id", j.ID, "error", err)
		}
		return
	}
	if h.wake != nil {
		h.wake.Notify(j.ID)
	}
}

// GetJob GET /api/jobs/:id
func (h *Handler) GetJob(ctx context.Context, c *app.RequestContext) {
	id := strings.TrimSpace(c.Param("id"))
	j, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, gherr.ErrNotFound) {
			c.JSON(consts.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	c.JSON(consts.StatusOK, jobView(j))
}

// ListJobs GET /api/jobs?user_id=&limit=
func (h *Handler) ListJobs(ctx context.Context, c *app.RequestContext) {
	userID := string(c.Query("user_id"))
	if userID == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}
	limit := 50
	if v := string(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	jobs, err := h.store.ListByUser(ctx, userID, limit)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	views := make([]*JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobView(j))
	}
	c.JSON(consts.StatusOK, map[string]any{"jobs": views})
}

// ListEvents GET /api/jobs/:id/events?after_id=&limit=
func (h *Handler) ListEvents(ctx context.Context, c *app.RequestContext) {
	id := strings.TrimSpace(c.Param("id"))
	if _, err := h.store.Get(ctx, id); err != nil {
		c.JSON(consts.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	var afterID int64
	if v := string(c.Query("after_id")); v != "" {
		afterID, _ = strconv.ParseInt(v, 10, 64)
	}
	limit := 100
	if v := string(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := h.store.ListEvents(ctx, id, afterID, limit)
	if err != nil {
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"id":         e.ID,
			"event_type": e.Type,
			"metadata":   e.Metadata,
			"actor":      e.Actor,
			"created_at": e.CreatedAt,
		})
	}
	c.JSON(consts.StatusOK, map[string]any{"events": out})
}

// CancelJob POST /api/jobs/:id/cancel；仅非终态可取消
func (h *Handler) CancelJob(ctx context.Context, c *app.RequestContext) {
	id := strings.TrimSpace(c.Param("id"))
	ok, err := h.store.Cancel(ctx, id)
	if err != nil {
		if errors.Is(err, gherr.ErrNotFound) {
			c.JSON(consts.StatusNotFound, map[string]string{"error": "job not found"})
			return
		}
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "cancel failed"})
		return
	}
	if !ok {
		c.JSON(consts.StatusConflict, map[string]string{"error": "job already terminal"})
		return
	}
	_ = h.store.AppendEvent(ctx, id, job.EventJobCancelled, nil, "api")
	c.JSON(consts.StatusOK, map[string]string{"status": "cancelled"})
}

// ResolutionRequest POST /api/jobs/:id/resolution 请求体
type ResolutionRequest struct {
	ResolutionType string         `json:"resolution_type"`
	ResolutionData map[string]any `json:"resolution_data"`
	ResolvedBy     string         `json:"resolved_by"`
}

// SubmitResolution 仅 paused 任务接受 resolution
func (h *Handler) SubmitResolution(ctx context.Context, c *app.RequestContext) {
	id := strings.TrimSpace(c.Param("id"))
	var req ResolutionRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if !resolutionTypes[req.ResolutionType] {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "unknown resolution_type"})
		return
	}
	err := h.store.SubmitResolution(ctx, id, req.ResolutionType, req.ResolutionData, req.ResolvedBy)
	if err != nil {
		switch {
		case errors.Is(err, gherr.ErrNotFound):
			c.JSON(consts.StatusNotFound, map[string]string{"error": "job not found"})
		case errors.Is(err, gherr.ErrInvalidArg):
			c.JSON(consts.StatusConflict, map[string]string{"error": "job is not awaiting human input"})
		default:
			c.JSON(consts.StatusInternalServerError, map[string]string{"error": "submit failed"})
		}
		return
	}
	c.JSON(consts.StatusOK, map[string]string{"status": "accepted"})
}

// HealthCheck GET /api/health
func (h *Handler) HealthCheck(ctx context.Context, c *app.RequestContext) {
	c.JSON(consts.StatusOK, map[string]string{"status": "ok"})
}

func setRateHeaders(c *app.RequestContext, d ratelimit.Decision) {
	if d.Limit == ratelimit.Unlimited {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// platformOf 平台窗口键：metadata.platform 优先，缺省取目标域名
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
