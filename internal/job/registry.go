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

package job

import (
	"context"
	"sync"
	"time"

	gherr "ghosthands/pkg/errors"
)

// WorkerStatus Worker 注册状态
type WorkerStatus string

const (
	WorkerActive   WorkerStatus = "active"
	WorkerDraining WorkerStatus = "draining"
	WorkerOffline  WorkerStatus = "offline"
)

// WorkerInfo Worker 注册表一行
type WorkerInfo struct {
	WorkerID      string
	Status        WorkerStatus
	CurrentJobID  string
	StartedAt     time.Time
	LastHeartbeat time.Time
	Metadata      map[string]any
}

// Registry Worker 注册表；启动 upsert，之后每 30s 心跳刷新
type Registry interface {
	Register(ctx context.Context, info *WorkerInfo) error
	Heartbeat(ctx context.Context, workerID string, status WorkerStatus, currentJobID string) error
	Deregister(ctx context.Context, workerID string) error
	Get(ctx context.Context, workerID string) (*WorkerInfo, error)
}

// RegistryMem 内存实现
type RegistryMem struct {
	mu      sync.Mutex
	workers map[string]*WorkerInfo
}

// NewRegistryMem 创建内存 Registry
func NewRegistryMem() *RegistryMem {
	return &RegistryMem{workers: make(map[string]*WorkerInfo)}
}

func (r *RegistryMem) Register(ctx context.Context, info *WorkerInfo) error {
	if info == nil || info.WorkerID == "" {
		return gherr.ErrInvalidArg
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *info
	if cp.Status == "" {
		cp.Status = WorkerActive
	}
	now := time.Now()
	if cp.StartedAt.IsZero() {
		cp.StartedAt = now
	}
	cp.LastHeartbeat = now
	cp.Metadata = cloneMap(info.Metadata)
	r.workers[cp.WorkerID] = &cp
	return nil
}

func (r *RegistryMem) Heartbeat(ctx context.Context, workerID string, status WorkerStatus, currentJobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return gherr.ErrNotFound
	}
	w.Status = status
	w.CurrentJobID = currentJobID
	w.LastHeartbeat = time.Now()
	return nil
}

func (r *RegistryMem) Deregister(ctx context.Context, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil
	}
	w.Status = WorkerOffline
	w.CurrentJobID = ""
	w.LastHeartbeat = time.Now()
	return nil
}

func (r *RegistryMem) Get(ctx context.Context, workerID string) (*WorkerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return nil, gherr.ErrNotFound
	}
	cp := *w
	cp.Metadata = cloneMap(w.Metadata)
	return &cp, nil
}
