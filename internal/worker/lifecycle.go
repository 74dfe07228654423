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
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// LifecycleHook 平台生命周期钩子（如 ASG complete-lifecycle 的代理端点）。
// 排水完成后调用，失败只记日志不阻塞退出。
type LifecycleHook interface {
	Complete(ctx context.Context, workerID string) error
}

// NoopHook 未配置钩子时的空实现
type NoopHook struct{}

func (NoopHook) Complete(ctx context.Context, workerID string) error { return nil }

// HTTPHook POST 到固定地址的钩子实现
type HTTPHook struct {
	client *resty.Client
	url    string
}

// NewHTTPHook 创建 HTTP 钩子
func NewHTTPHook(url string) *HTTPHook {
	return &HTTPHook{
		client: resty.New().SetTimeout(10 * time.Second),
		url:    url,
	}
}

func (h *HTTPHook) Complete(ctx context.Context, workerID string) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"worker_id": workerID, "action": "complete"}).
		Post(h.url)
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("lifecycle hook returned %d", resp.StatusCode())
	}
	return nil
}
