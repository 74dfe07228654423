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

package api

import (
	"bytes"
	"context"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"ghosthands/pkg/metrics"
)

// RouterOptions 路由装配开关
type RouterOptions struct {
	EnableCORS bool
	QPSLimit   int // <=0 不挂 QPS 闸门
}

// RegisterRoutes 把 API 路由挂到给定 server
func RegisterRoutes(h *server.Hertz, handler *Handler, opts RouterOptions) {
	if opts.EnableCORS {
		h.Use(CORS())
	}
	if opts.QPSLimit > 0 {
		h.Use(QPSGuard(opts.QPSLimit))
	}

	apiGroup := h.Group("/api")
	apiGroup.GET("/health", handler.HealthCheck)

	jobs := apiGroup.Group("/jobs")
	{
		jobs.POST("/", handler.CreateJob)
		jobs.POST("", handler.CreateJob)
		jobs.GET("", handler.ListJobs)
		jobs.GET("/:id", handler.GetJob)
		jobs.GET("/:id/events", handler.ListEvents)
		jobs.POST("/:id/cancel", handler.CancelJob)
		jobs.POST("/:id/resolution", handler.SubmitResolution)
	}

	h.GET("/metrics", func(ctx context.Context, c *app.RequestContext) {
		var buf bytes.Buffer
		if err := metrics.WritePrometheus(&buf); err != nil {
			c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		c.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
	})
}
