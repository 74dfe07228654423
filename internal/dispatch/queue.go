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

package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"ghosthands/internal/job"
	"ghosthands/pkg/log"
	"ghosthands/pkg/metrics"
)

const queueKeyPrefix = "gh:queue:"

// brpopTimeout 阻塞弹出的单次等待；到期空转一圈以观察 ctx 与排水
const brpopTimeout = 2 * time.Second

// Queue 按 job_type 分键的持久化任务队列（Redis list，at-least-once）
type Queue struct {
	client *redis.Client
}

// NewQueue 创建队列
func NewQueue(client *redis.Client) *Queue {
	return &Queue{client: client}
}

func queueKey(jobType string) string {
	return queueKeyPrefix + jobType
}

// Enqueue 投递 Job ID 到对应 job_type 的队列
func (q *Queue) Enqueue(ctx context.Context, jobType, jobID string) error {
	return q.client.LPush(ctx, queueKey(jobType), jobID).Err()
}

// Len 某 job_type 队列深度
func (q *Queue) Len(ctx context.Context, jobType string) (int64, error) {
	return q.client.LLen(ctx, queueKey(jobType)).Result()
}

// QueueConsumer 队列驱动的取活变体。队列是 at-least-once，消息可能重投，
// 因此消费侧仍以条件变迁 pending → queued 做幂等 Claim；CAS 失败即视为重复投递丢弃。
type QueueConsumer struct {
	queue    *Queue
	store    job.Store
	runner   Runner
	workerID string
	jobTypes []string
	logger   *log.Logger

	draining atomic.Bool
	active   atomic.Int32
}

// NewQueueConsumer jobTypes 为该 Worker 消费的队列集合
func NewQueueConsumer(queue *Queue, store job.Store, runner Runner, workerID string, jobTypes []string, logger *log.Logger) *QueueConsumer {
	return &QueueConsumer{
		queue:    queue,
		store:    store,
		runner:   runner,
		workerID: workerID,
		jobTypes: jobTypes,
		logger:   logger,
	}
}

// Drain 停止接新消息
func (c *QueueConsumer) Drain() {
	c.draining.Store(true)
}

// Active 正在执行的 Job 数（串行消费，0 或 1）
func (c *QueueConsumer) Active() int {
	return int(c.active.Load())
}

// Run 阻塞消费直到 ctx 取消或进入排水。单 goroutine 串行执行，
// 每 Worker 单任务的并发约定由此天然满足。
func (c *QueueConsumer) Run(ctx context.Context) {
	keys := make([]string, len(c.jobTypes))
	for i, jt := range c.jobTypes {
		keys[i] = queueKey(jt)
	}
	for ctx.Err() == nil && !c.draining.Load() {
		res, err := c.queue.client.BRPop(ctx, brpopTimeout, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			if c.logger != nil {
				c.logger.Warn("queue pop", "error", err)
			}
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
			continue
		}
		if len(res) < 2 {
			continue
		}
		c.consume(ctx, res[1])
	}
}

func (c *QueueConsumer) consume(ctx context.Context, jobID string) {
	now := time.Now()
	ok, err := c.store.TransitionStatus(ctx, jobID, job.StatusPending, job.StatusQueued, job.Patch{
		WorkerID:      &c.workerID,
		LastHeartbeat: &now,
	})
	if err != nil {
		metrics.ClaimTotal.WithLabelValues("false").Inc()
		if c.logger != nil {
			c.logger.Error("queue claim", "job_id", jobID, "error", err)
		}
		return
	}
	if !ok {
		// 重复投递或已被取消
		metrics.ClaimTotal.WithLabelValues("false").Inc()
		return
	}
	metrics.ClaimTotal.WithLabelValues("true").Inc()
	_ = c.store.AppendEvent(ctx, jobID, job.EventJobQueued, map[string]any{
		"worker_id": c.workerID,
		"source":    "queue",
	}, c.workerID)
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		if c.logger != nil {
			c.logger.Error("queue fetch claimed job", "job_id", jobID, "error", err)
		}
		return
	}
	c.active.Add(1)
	c.runner.Execute(ctx, j)
	c.active.Add(-1)
}
