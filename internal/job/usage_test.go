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
	"testing"
	"time"
)

func TestUsageIncrementIsDelta(t *testing.T) {
	s := NewUsageStoreMem()
	ctx := context.Background()
	period := CurrentPeriodStart(time.Now())

	delta := UsageDelta{CostUSD: 0.03, InputTokens: 100, OutputTokens: 40, Jobs: 1}
	if err := s.Increment(ctx, "u1", period, delta); err != nil {
		t.Fatalf("increment: %v", err)
	}
	// 记账按增量累加，重复调用不去重
	if err := s.Increment(ctx, "u1", period, delta); err != nil {
		t.Fatalf("increment: %v", err)
	}

	u, err := s.Get(ctx, "u1", period)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.TotalCostUSD != 0.06 {
		t.Fatalf("cost %v, want 0.06", u.TotalCostUSD)
	}
	if u.JobCount != 2 || u.TotalInputTokens != 200 || u.TotalOutputTokens != 80 {
		t.Fatalf("counters %+v", u)
	}
}

func TestUsageConcurrentIncrement(t *testing.T) {
	s := NewUsageStoreMem()
	ctx := context.Background()
	period := CurrentPeriodStart(time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Increment(ctx, "u1", period, UsageDelta{Jobs: 1})
		}()
	}
	wg.Wait()

	u, _ := s.Get(ctx, "u1", period)
	if u.JobCount != 50 {
		t.Fatalf("job count %d, want 50", u.JobCount)
	}
}

func TestUsageGetMissingReturnsZero(t *testing.T) {
	s := NewUsageStoreMem()
	u, err := s.Get(context.Background(), "nobody", CurrentPeriodStart(time.Now()))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if u.TotalCostUSD != 0 || u.JobCount != 0 {
		t.Fatalf("missing row not zero-valued: %+v", u)
	}
}

func TestCurrentPeriodStart(t *testing.T) {
	now := time.Date(2026, 8, 26, 15, 4, 5, 0, time.UTC)
	got := CurrentPeriodStart(now)
	want := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("period start %v, want %v", got, want)
	}
}
