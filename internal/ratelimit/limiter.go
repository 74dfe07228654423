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

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Unlimited 限额哨兵值，跳过计数直接放行
const Unlimited = -1

// 两种窗口尺寸
const (
	WindowHourly = time.Hour
	WindowDaily  = 24 * time.Hour
)

// Result 单次窗口检查结果
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Store 滑动窗口计数存储；单进程用 MemStore，多 Worker 共享用 RedisStore
type Store interface {
	// CheckAndRecord 剪除窗口外的记录；达到 limit 则拒绝，否则记录 now 并放行
	CheckAndRecord(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (Result, error)
	// Rollback 弹出最近一条记录，用于撤销同一请求内先行的投机记录
	Rollback(ctx context.Context, key string) error
}

// MemStore 进程内实现：每 key 一个有界时间戳列表
type MemStore struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewMemStore 创建内存滑动窗口存储
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string][]time.Time)}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

func (s *MemStore) CheckAndRecord(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (Result, error) {
	if limit == Unlimited {
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	live := pruneBefore(s.entries[key], now.Add(-window))
	if len(live) >= limit {
		resetAt := live[0].Add(window)
		s.entries[key] = live
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}
	live = append(live, now)
	s.entries[key] = live
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - len(live),
		ResetAt:   live[0].Add(window),
	}, nil
}

func (s *MemStore) Rollback(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.entries[key]
	if len(ts) == 0 {
		return nil
	}
	s.entries[key] = ts[:len(ts)-1]
	return nil
}

// Sweep 清除没有存活记录的 key；定期调用防止 map 无界增长
func (s *MemStore) Sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-WindowDaily)
	for key, ts := range s.entries {
		live := pruneBefore(ts, cutoff)
		if len(live) == 0 {
			delete(s.entries, key)
		} else {
			s.entries[key] = live
		}
	}
}

// StartSweeper 后台清理循环，ctx 取消时退出
func (s *MemStore) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(time.Now())
			case <-ctx.Done():
				return
			}
		}
	}()
}
