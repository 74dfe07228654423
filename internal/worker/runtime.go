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

// Package worker Worker 进程骨架：注册表登记、周期心跳、启动回收扫描、
// 二段式退出与状态 HTTP 端点。
package worker

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"ghosthands/internal/dispatch"
	"ghosthands/internal/job"
	gherr "ghosthands/pkg/errors"
	"ghosthands/pkg/log"
	"ghosthands/pkg/metrics"
)

// DefaultHeartbeatInterval 注册表心跳间隔
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultStuckThreshold 心跳过期回收阈值
const DefaultStuckThreshold = 120 * time.Second

// DefaultDrainGrace 首个退出信号后的排水宽限
const DefaultDrainGrace = 60 * time.Second

// registerRetries 启动登记的重试次数；仍失败则 Worker 不允许接活
const registerRetries = 3

// Dispatcher Runtime 驱动的取活端；LISTEN/NOTIFY 与队列两种实现都满足
type Dispatcher interface {
	Run(ctx context.Context)
	Drain()
	Active() int
}

// RuntimeConfig Runtime 配置；零值字段取默认
type RuntimeConfig struct {
	WorkerID          string
	HeartbeatInterval time.Duration
	StuckThreshold    time.Duration
	DrainGrace        time.Duration
}

// Runtime Worker 进程生命周期的所有权方
type Runtime struct {
	cfg      RuntimeConfig
	store    job.Store
	registry job.Registry
	disp     Dispatcher
	hook     LifecycleHook
	logger   *log.Logger

	startedAt    time.Time
	shuttingDown atomic.Bool
	currentJob   atomic.Value // string
}

// NewRuntime hook 可为 nil（NoopHook）
func NewRuntime(cfg RuntimeConfig, store job.Store, registry job.Registry, hook LifecycleHook, logger *log.Logger) *Runtime {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = DefaultStuckThreshold
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if hook == nil {
		hook = NoopHook{}
	}
	r := &Runtime{cfg: cfg, store: store, registry: registry, hook: hook, logger: logger, startedAt: time.Now()}
	r.currentJob.Store("")
	return r
}

// SetDispatcher 取活端在 Runner 包装完成后再挂接
func (r *Runtime) SetDispatcher(d Dispatcher) {
	r.disp = d
}

// WrapRunner 包装执行端，让注册表心跳能汇报 current_job_id
func (r *Runtime) WrapRunner(next dispatch.Runner) dispatch.Runner {
	return runnerFunc(func(ctx context.Context, j *job.Job) {
		r.currentJob.Store(j.ID)
		defer r.currentJob.Store("")
		next.Execute(ctx, j)
	})
}

type runnerFunc func(ctx context.Context, j *job.Job)

func (f runnerFunc) Execute(ctx context.Context, j *job.Job) { f(ctx, j) }

// CurrentJobID 正在执行的 Job ID，空闲为空串
func (r *Runtime) CurrentJobID() string {
	s, _ := r.currentJob.Load().(string)
	return s
}

// Draining 是否已进入排水
func (r *Runtime) Draining() bool {
	return r.shuttingDown.Load()
}

// Run 阻塞运行到退出。第一个信号进入排水：停接新活、等在途任务最多
// DrainGrace、注销并完成生命周期钩子；第二个信号强制释放名下 claim 立即退出。
func (r *Runtime) Run(ctx context.Context, signals <-chan os.Signal) error {
	if err := r.register(ctx); err != nil {
		return err
	}
	r.recoverSweep(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.heartbeatLoop(runCtx)
	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		r.disp.Run(runCtx)
	}()

	select {
	case <-ctx.Done():
	case <-signals:
	}
	r.shuttingDown.Store(true)
	r.disp.Drain()
	if r.logger != nil {
		r.logger.Info("draining", "worker_id", r.cfg.WorkerID, "active", r.disp.Active())
	}

	forced := r.drain(ctx, signals)
	cancel()
	<-dispDone

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if forced {
		n, err := r.store.ReleaseClaims(shutdownCtx, r.cfg.WorkerID)
		if err != nil && r.logger != nil {
			r.logger.Error("release claims", "worker_id", r.cfg.WorkerID, "error", err)
		} else if r.logger != nil {
			r.logger.Warn("forced shutdown released claims", "worker_id", r.cfg.WorkerID, "released", n)
		}
	}
	if err := r.registry.Deregister(shutdownCtx, r.cfg.WorkerID); err != nil && r.logger != nil {
		r.logger.Error("deregister", "worker_id", r.cfg.WorkerID, "error", err)
	}
	if err := r.hook.Complete(shutdownCtx, r.cfg.WorkerID); err != nil && r.logger != nil {
		r.logger.Error("lifecycle hook", "worker_id", r.cfg.WorkerID, "error", err)
	}
	return nil
}

// drain 等在途任务结束；返回是否收到第二个信号（强制退出）
func (r *Runtime) drain(ctx context.Context, signals <-chan os.Signal) bool {
	deadline := time.NewTimer(r.cfg.DrainGrace)
	defer deadline.Stop()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for r.disp.Active() > 0 {
		select {
		case <-signals:
			return true
		case <-deadline.C:
			return false
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
	return false
}

// register 登记重试 3 次；没有注册表行的 Worker 不允许接活
func (r *Runtime) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	info := &job.WorkerInfo{
		WorkerID: r.cfg.WorkerID,
		Status:   job.WorkerActive,
		Metadata: map[string]any{"hostname": hostname},
	}
	var err error
	for attempt := 1; attempt <= registerRetries; attempt++ {
		if err = r.registry.Register(ctx, info); err == nil {
			return nil
		}
		if r.logger != nil {
			r.logger.Warn("register worker", "attempt", attempt, "error", err)
		}
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return gherr.Wrap(err, "register worker")
}

// recoverSweep 启动时回收心跳过期的孤儿任务
func (r *Runtime) recoverSweep(ctx context.Context) {
	ids, err := r.store.RecoverStale(ctx, time.Now().Add(-r.cfg.StuckThreshold))
	if err != nil {
		if r.logger != nil {
			r.logger.Error("recover stale jobs", "error", err)
		}
		return
	}
	if len(ids) > 0 {
		metrics.JobsRecoveredTotal.Add(float64(len(ids)))
		if r.logger != nil {
			r.logger.Info("recovered stale jobs", "count", len(ids), "job_ids", ids)
		}
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			status := job.WorkerActive
			if r.shuttingDown.Load() {
				status = job.WorkerDraining
			}
			if err := r.registry.Heartbeat(ctx, r.cfg.WorkerID, status, r.CurrentJobID()); err != nil && r.logger != nil {
				r.logger.Warn("registry heartbeat", "worker_id", r.cfg.WorkerID, "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
