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

// Package browser 定义浏览器会话的适配层。真实的自动化引擎在进程外，
// 核心只依赖这里的接口；每 Worker 同时只持有一个会话。
package browser

import (
	"context"
	"sync"
)

// Session 一次任务独占的浏览器会话
type Session interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
	// Pause 人工介入期间冻结页面交互
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	// FillCode 在可见的一次性验证码输入框填码并提交
	FillCode(ctx context.Context, code string) error
	// FillCredentials 填入账号密码并提交
	FillCredentials(ctx context.Context, username, password string) error
	// Screenshot 截图并返回可访问的 URL
	Screenshot(ctx context.Context) (string, error)
}

// Factory 为每个 Job 创建会话
type Factory interface {
	NewSession(ctx context.Context, jobID string) (Session, error)
}

// NoopFactory 无副作用实现，测试与干跑模式用
type NoopFactory struct{}

func (NoopFactory) NewSession(ctx context.Context, jobID string) (Session, error) {
	return &NoopSession{}, nil
}

// NoopSession 记录调用轨迹的空会话
type NoopSession struct {
	mu     sync.Mutex
	opened bool
	paused bool
	Calls  []string
}

func (s *NoopSession) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, call)
}

func (s *NoopSession) Open(ctx context.Context) error {
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	s.record("open")
	return nil
}

func (s *NoopSession) Close(ctx context.Context) error {
	s.mu.Lock()
	s.opened = false
	s.mu.Unlock()
	s.record("close")
	return nil
}

func (s *NoopSession) Navigate(ctx context.Context, url string) error {
	s.record("navigate:" + url)
	return nil
}

func (s *NoopSession) Pause(ctx context.Context) error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.record("pause")
	return nil
}

func (s *NoopSession) Resume(ctx context.Context) error {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.record("resume")
	return nil
}

func (s *NoopSession) FillCode(ctx context.Context, code string) error {
	s.record("fill_code:" + code)
	return nil
}

func (s *NoopSession) FillCredentials(ctx context.Context, username, password string) error {
	s.record("fill_credentials:" + username)
	return nil
}

func (s *NoopSession) Screenshot(ctx context.Context) (string, error) {
	s.record("screenshot")
	return "", nil
}

// Paused 当前是否处于人工介入冻结状态
func (s *NoopSession) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}
