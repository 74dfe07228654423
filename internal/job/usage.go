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
)

// UserUsage 用户当期用量累计行
type UserUsage struct {
	UserID            string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	Tier              string
	TotalCostUSD      float64
	TotalInputTokens  int64
	TotalOutputTokens int64
	JobCount          int
}

// UsageDelta 单次记账增量；永远传增量而非总量，并发完成时不会丢更新
type UsageDelta struct {
	CostUSD      float64
	InputTokens  int64
	OutputTokens int64
	Jobs         int
}

// UsageStore 用户用量存储；Increment 必须是服务端原子增量
type UsageStore interface {
	Increment(ctx context.Context, userID string, periodStart time.Time, delta UsageDelta) error
	// Get 无行时返回零值 UserUsage 而非错误
	Get(ctx context.Context, userID string, periodStart time.Time) (*UserUsage, error)
}

// CurrentPeriodStart 当前计费周期起点（自然月，UTC）
func CurrentPeriodStart(now time.Time) time.Time {
	y, m, _ := now.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// UsageStoreMem 内存实现
type UsageStoreMem struct {
	mu   sync.Mutex
	rows map[string]*UserUsage // userID|periodStart
}

// NewUsageStoreMem 创建内存 UsageStore
func NewUsageStoreMem() *UsageStoreMem {
	return &UsageStoreMem{rows: make(map[string]*UserUsage)}
}

func usageKey(userID string, periodStart time.Time) string {
	return userID + "|" + periodStart.UTC().Format("2006-01-02")
}

func (s *UsageStoreMem) Increment(ctx context.Context, userID string, periodStart time.Time, delta UsageDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := usageKey(userID, periodStart)
	row, ok := s.rows[key]
	if !ok {
		row = &UserUsage{
			UserID:      userID,
			PeriodStart: periodStart,
			PeriodEnd:   periodStart.AddDate(0, 1, 0),
		}
		s.rows[key] = row
	}
	row.TotalCostUSD += delta.CostUSD
	row.TotalInputTokens += delta.InputTokens
	row.TotalOutputTokens += delta.OutputTokens
	row.JobCount += delta.Jobs
	return nil
}

func (s *UsageStoreMem) Get(ctx context.Context, userID string, periodStart time.Time) (*UserUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[usageKey(userID, periodStart)]
	if !ok {
		return &UserUsage{UserID: userID, PeriodStart: periodStart}, nil
	}
	cp := *row
	return &cp, nil
}
