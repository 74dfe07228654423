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

package executor

import (
	"context"
	"sort"
	"sync"

	"ghosthands/internal/browser"
	"ghosthands/internal/cost"
	"ghosthands/internal/job"
	"ghosthands/internal/progress"
)

// TaskContext Handler 执行现场：任务、成本计数器、进度发射器、浏览器会话与已解析凭据。
// Handler 需人工介入时返回 *hitl.InterventionRequired 作为 error。
type TaskContext struct {
	Job      *job.Job
	Cost     *cost.Tracker
	Progress *progress.Tracker
	Session  browser.Session
	// Credential 按 user+platform 解析出的凭据原文；未配置时为空串
	Credential string
}

// Result Handler 成功返回的结果字段，原样写入终态行
type Result struct {
	Data           map[string]any
	Summary        string
	ScreenshotURLs []string
}

// TaskHandler 任务执行的扩展缝；按 job_type 注册而非继承
type TaskHandler interface {
	Execute(ctx context.Context, tc *TaskContext) (*Result, error)
}

// HandlerFunc 函数式 Handler 适配
type HandlerFunc func(ctx context.Context, tc *TaskContext) (*Result, error)

func (f HandlerFunc) Execute(ctx context.Context, tc *TaskContext) (*Result, error) {
	return f(ctx, tc)
}

// Registry job_type 到 TaskHandler 的并发安全注册表
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskHandler)}
}

// Register 注册或覆盖某 job_type 的 Handler
func (r *Registry) Register(jobType string, h TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

// Get 按 job_type 查找 Handler
func (r *Registry) Get(jobType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types 已注册的 job_type，字典序
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
