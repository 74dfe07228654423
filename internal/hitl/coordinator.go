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

// Package hitl 协调人工介入：暂停执行、发布 needs_human、轮询 resolution、
// 恢复时按类型把人工结果注入浏览器会话。
package hitl

import (
	"context"
	"errors"
	"time"

	"ghosthands/internal/browser"
	"ghosthands/internal/callback"
	"ghosthands/internal/job"
	gherr "ghosthands/pkg/errors"
	"ghosthands/pkg/log"
	"ghosthands/pkg/metrics"
)

// InterventionRequired Handler 以 error 形式上抛的人工介入请求
type InterventionRequired struct {
	Type           string // captcha | login | two_factor | custom
	ScreenshotURL  string
	PageURL        string
	TimeoutSeconds int
}

func (e *InterventionRequired) Error() string {
	return "human intervention required: " + e.Type
}

// ErrCancelled 等待 resolution 期间任务被外部取消
var ErrCancelled = errors.New("job cancelled while awaiting human")

// ErrNotRunning 请求暂停时任务已不在 running（多半已被取消或回收）
var ErrNotRunning = errors.New("job no longer running")

// DefaultInteractionTimeout 人工介入窗口缺省时长
const DefaultInteractionTimeout = 5 * time.Minute

// DefaultPollInterval resolution 轮询间隔
const DefaultPollInterval = 2 * time.Second

// Coordinator 人工介入协调器。暂停窗口有独立的超时，与任务 wall-clock 超时无关。
type Coordinator struct {
	store    job.Store
	notifier *callback.Notifier
	logger   *log.Logger
	poll     time.Duration
}

// NewCoordinator 创建协调器
func NewCoordinator(store job.Store, notifier *callback.Notifier, logger *log.Logger) *Coordinator {
	return &Coordinator{store: store, notifier: notifier, logger: logger, poll: DefaultPollInterval}
}

// SetPollInterval 覆盖缺省的 resolution 轮询间隔
func (c *Coordinator) SetPollInterval(d time.Duration) {
	if d > 0 {
		c.poll = d
	}
}

// RequestHuman 把 running 任务转入 paused 并等待人工处理。
// 返回取出的 resolution；窗口超时时任务转入 failed/human_timeout 并返回对应错误；
// 等待期间被取消则返回 ErrCancelled。
func (c *Coordinator) RequestHuman(ctx context.Context, j *job.Job, workerID string, req *InterventionRequired, session browser.Session) (*job.Resolution, error) {
	timeout := DefaultInteractionTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	interaction := map[string]any{
		"type":            req.Type,
		"screenshot_url":  req.ScreenshotURL,
		"page_url":        req.PageURL,
		"timeout_seconds": int(timeout / time.Second),
		"requested_at":    time.Now().UTC().Format(time.RFC3339),
	}
	ok, err := c.store.TransitionStatus(ctx, j.ID, job.StatusRunning, job.StatusPaused, job.Patch{
		InteractionData: interaction,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotRunning
	}
	metrics.HITLPausedTotal.WithLabelValues(req.Type).Inc()
	_ = c.store.AppendEvent(ctx, j.ID, job.EventHumanNeeded, map[string]any{
		"type":            req.Type,
		"page_url":        req.PageURL,
		"timeout_seconds": int(timeout / time.Second),
	}, workerID)

	if session != nil {
		if err := session.Pause(ctx); err != nil && c.logger != nil {
			c.logger.Warn("pause browser session", "job_id", j.ID, "error", err)
		}
	}
	if c.notifier != nil {
		_ = c.notifier.Notify(ctx, j.CallbackURL, callback.NeedsHumanPayload(j, callback.Interaction{
			Type:           req.Type,
			ScreenshotURL:  req.ScreenshotURL,
			PageURL:        req.PageURL,
			TimeoutSeconds: int(timeout / time.Second),
		}))
	}
	return c.await(ctx, j, workerID, timeout)
}

// await 有界轮询 resolution；resolution 被原子取出并剥离，不会被重放
func (c *Coordinator) await(ctx context.Context, j *job.Job, workerID string, timeout time.Duration) (*job.Resolution, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		res, err := c.store.TakeResolution(ctx, j.ID)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
		cur, err := c.store.Get(ctx, j.ID)
		if err == nil && cur.Status == job.StatusCancelled {
			return nil, ErrCancelled
		}
		if time.Now().After(deadline) {
			return nil, c.timeoutLocked(ctx, j, workerID)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Coordinator) timeoutLocked(ctx context.Context, j *job.Job, workerID string) error {
	code := string(gherr.CodeHumanTimeout)
	msg := "no human resolution within window"
	_, err := c.store.TransitionStatus(ctx, j.ID, job.StatusPaused, job.StatusFailed, job.Patch{
		ErrorCode:    &code,
		ErrorMessage: &msg,
	})
	if err != nil && c.logger != nil {
		c.logger.Error("human timeout transition", "job_id", j.ID, "error", err)
	}
	_ = c.store.AppendEvent(ctx, j.ID, job.EventJobFailed, map[string]any{
		"error_code": code,
	}, workerID)
	return gherr.NewTaskError(gherr.CodeHumanTimeout, msg)
}

// Resume 按类型注入 resolution 并把任务转回 running；凭据与验证码注入后即焚
func (c *Coordinator) Resume(ctx context.Context, j *job.Job, workerID string, res *job.Resolution, session browser.Session) error {
	if session != nil {
		switch res.Type {
		case "code_entry":
			code, _ := res.Data["code"].(string)
			if err := session.FillCode(ctx, code); err != nil {
				return gherr.Wrap(err, "inject code")
			}
		case "credentials":
			username, _ := res.Data["username"].(string)
			password, _ := res.Data["password"].(string)
			if err := session.FillCredentials(ctx, username, password); err != nil {
				return gherr.Wrap(err, "inject credentials")
			}
		case "skip", "manual":
			// skip 无需注入；manual 表示人工已把页面推进到位
		}
	}
	ok, err := c.store.TransitionStatus(ctx, j.ID, job.StatusPaused, job.StatusRunning, job.Patch{})
	if err != nil {
		return err
	}
	if !ok {
		return ErrCancelled
	}
	_ = c.store.AppendEvent(ctx, j.ID, job.EventHumanResolved, map[string]any{
		"resolution_type": res.Type,
		"resolved_by":     res.ResolvedBy,
	}, workerID)
	if session != nil {
		if err := session.Resume(ctx); err != nil && c.logger != nil {
			c.logger.Warn("resume browser session", "job_id", j.ID, "error", err)
		}
	}
	if c.notifier != nil {
		_ = c.notifier.Notify(ctx, j.CallbackURL, callback.ResumedPayload(j))
	}
	return nil
}
