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

// Package dispatch 负责取活：唤醒通知 + 兜底轮询驱动 ClaimNext，
// 以及面向外部队列的 consumer 变体。两者前端同一个 Executor。
package dispatch

import (
	"context"
	"sync/atomic"
	"time"

	"ghosthands/internal/job"
	"ghosthands/pkg/log"
	"ghosthands/pkg/metrics"
)

// DefaultPollInterval 兜底轮询间隔，覆盖丢失的唤醒通知
const DefaultPollInterval = 5 * time.Second

// Runner 执行端；由 executor.Executor 实现
type Runner interface {
	Execute(ctx context.Context, j *job.Job)
}

// Config Dispatcher 配置
type Config struct {
	WorkerID      string
	PollInterval  time.Duration
	MaxConcurrent int
}

// Dispatcher 唤醒 + 轮询双信号取活。单槽 debounce 保证同一 Worker
// 不会并发发起 ClaimNext；执行结束后重新触发以吃满容量。
type Dispatcher struct {
	cfg    Config
	store  job.Store
	runner Runner
	wake   <-chan string
	logger *log.Logger

	active   atomic.Int32
	draining atomic.Bool
	kick     chan struct{}
}

// NewDispatcher wake 可为 nil（纯轮询）
func NewDispatcher(cfg Config, store job.Store, runner Runner, wake <-chan string, logger *log.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	return &Dispatcher{
		cfg:    cfg,
		store:  store,
		runner: runner,
		wake:   wake,
		logger: logger,
		kick:   make(chan struct{}, 1),
	}
}

// Run 阻塞运行直到 ctx 取消
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	d.kickPickup()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.kick:
		case <-d.wake:
		}
		d.tryClaim(ctx)
	}
}

// Drain 停止接新活；在途任务继续跑完
func (d *Dispatcher) Drain() {
	d.draining.Store(true)
}

// Draining 是否处于排水状态
func (d *Dispatcher) Draining() bool {
	return d.draining.Load()
}

// Active 在途任务数
func (d *Dispatcher) Active() int {
	return int(d.active.Load())
}

// kickPickup 单槽触发；已有待处理触发时直接丢弃
func (d *Dispatcher) kickPickup() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) tryClaim(ctx context.Context) {
	if d.draining.Load() || int(d.active.Load()) >= d.cfg.MaxConcurrent {
		return
	}
	start := time.Now()
	j, err := d.store.ClaimNext(ctx, d.cfg.WorkerID)
	metrics.ClaimLatencySeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("false").Inc()
		if d.logger != nil && ctx.Err() == nil {
			d.logger.Error("claim next", "worker_id", d.cfg.WorkerID, "error", err)
		}
		return
	}
	if j == nil {
		metrics.ClaimTotal.WithLabelValues("false").Inc()
		return
	}
	metrics.ClaimTotal.WithLabelValues("true").Inc()
	_ = d.store.AppendEvent(ctx, j.ID, job.EventJobQueued, map[string]any{
		"worker_id": d.cfg.WorkerID,
	}, d.cfg.WorkerID)

	d.active.Add(1)
	go func() {
		defer func() {
			d.active.Add(-1)
			d.kickPickup()
		}()
		d.runner.Execute(ctx, j)
	}()
	// 容量未满时继续取
	d.kickPickup()
}
