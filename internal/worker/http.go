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

package worker

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"ghosthands/pkg/metrics"
)

// StatusSnapshot /worker/status 的响应体
type StatusSnapshot struct {
	WorkerID      string `json:"worker_id"`
	Status        string `json:"status"` // active | draining
	ActiveJobs    int    `json:"active_jobs"`
	CurrentJobID  string `json:"current_job_id,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Snapshot 当前 Worker 状态
func (r *Runtime) Snapshot() StatusSnapshot {
	status := "active"
	if r.shuttingDown.Load() {
		status = "draining"
	}
	active := 0
	if r.disp != nil {
		active = r.disp.Active()
	}
	return StatusSnapshot{
		WorkerID:      r.cfg.WorkerID,
		Status:        status,
		ActiveJobs:    active,
		CurrentJobID:  r.CurrentJobID(),
		UptimeSeconds: int64(time.Since(r.startedAt) / time.Second),
	}
}

// StatusServer 状态 HTTP 端点；health 约定：空闲 200，忙或排水 503
func (r *Runtime) StatusServer(port int) *server.Hertz {
	h := server.Default(server.WithHostPorts(fmt.Sprintf(":%d", port)))
	r.RegisterRoutes(h)
	return h
}

// RegisterRoutes 把 Worker 端点挂到给定 server 上
func (r *Runtime) RegisterRoutes(h *server.Hertz) {
	h.GET("/worker/status", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(consts.StatusOK, r.Snapshot())
	})
	h.GET("/worker/health", func(ctx context.Context, c *app.RequestContext) {
		snap := r.Snapshot()
		if snap.Status != "active" || snap.ActiveJobs > 0 {
			c.JSON(consts.StatusServiceUnavailable, snap)
			return
		}
		c.JSON(consts.StatusOK, snap)
	})
	h.POST("/worker/drain", func(ctx context.Context, c *app.RequestContext) {
		r.shuttingDown.Store(true)
		if r.disp != nil {
			r.disp.Drain()
		}
		c.JSON(consts.StatusOK, map[string]string{"status": "draining"})
	})
	h.GET("/metrics", func(ctx context.Context, c *app.RequestContext) {
		var buf bytes.Buffer
		if err := metrics.WritePrometheus(&buf); err != nil {
			c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
	})
}
