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
	"testing"
	"time"
)

func TestGatewayEnterpriseShortCircuit(t *testing.T) {
	g := NewGateway(NewMemStore(), nil)
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		d, err := g.Check(ctx, "u1", "enterprise", "linkedin", time.Now())
		if err != nil {
			t.Fatalf("check: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("enterprise denied at request %d", i)
		}
	}
}

func TestGatewayPlatformDenialRollsBackUserQuota(t *testing.T) {
	store := NewMemStore()
	tiers := map[string]TierLimits{
		"free": {Hourly: 100, Daily: 100, PlatformHourly: 1, PlatformDaily: 100},
	}
	g := NewGateway(store, tiers)
	ctx := context.Background()
	now := time.Now()

	d, err := g.Check(ctx, "u1", "free", "linkedin", now)
	if err != nil || !d.Allowed {
		t.Fatalf("first check: allowed=%v err=%v", d.Allowed, err)
	}

	// 平台窗口打满，用户配额不应被这次拒绝消耗
	d, err = g.Check(ctx, "u1", "free", "linkedin", now)
	if err != nil {
		t.Fatalf("second check: %v", err)
	}
	if d.Allowed {
		t.Fatalf("platform limit 1 allowed second request")
	}
	if d.Scope != "platform" {
		t.Fatalf("denial scope %q, want platform", d.Scope)
	}

	userRes, _ := store.CheckAndRecord(ctx, userKey("u1", WindowHourly), WindowHourly, 100, now)
	// 第一次放行记了 1 条，被拒的第二次已回滚，此次检查再记 1 条 → remaining 98
	if userRes.Remaining != 98 {
		t.Fatalf("user hourly remaining %d, want 98 (denied request consumed quota?)", userRes.Remaining)
	}
}

func TestGatewayMostRestrictiveHeaders(t *testing.T) {
	tiers := map[string]TierLimits{
		"free": {Hourly: 10, Daily: 2, PlatformHourly: 50, PlatformDaily: 50},
	}
	g := NewGateway(NewMemStore(), tiers)
	ctx := context.Background()

	d, err := g.Check(ctx, "u1", "free", "linkedin", time.Now())
	if err != nil || !d.Allowed {
		t.Fatalf("check: allowed=%v err=%v", d.Allowed, err)
	}
	// daily 限额 2 最严，响应头应反映它
	if d.Limit != 2 || d.Remaining != 1 {
		t.Fatalf("headers limit=%d remaining=%d, want 2/1", d.Limit, d.Remaining)
	}
}

func TestGatewayUnknownTierFallsBackToFree(t *testing.T) {
	g := NewGateway(NewMemStore(), nil)
	ctx := context.Background()
	now := time.Now()

	free := DefaultTiers["free"]
	for i := 0; i < free.Hourly; i++ {
		d, err := g.Check(ctx, "u1", "mystery", "", now)
		if err != nil || !d.Allowed {
			t.Fatalf("check %d: allowed=%v err=%v", i, d.Allowed, err)
		}
	}
	d, _ := g.Check(ctx, "u1", "mystery", "", now)
	if d.Allowed {
		t.Fatalf("unknown tier not bounded by free limits")
	}
}

func TestGatewayRelease(t *testing.T) {
	tiers := map[string]TierLimits{
		"free": {Hourly: 1, Daily: 10, PlatformHourly: 10, PlatformDaily: 10},
	}
	g := NewGateway(NewMemStore(), tiers)
	ctx := context.Background()
	now := time.Now()

	d, err := g.Check(ctx, "u1", "free", "", now)
	if err != nil || !d.Allowed {
		t.Fatalf("check: allowed=%v err=%v", d.Allowed, err)
	}
	// 下游失败后补偿，配额应回来
	g.Release(ctx, d)
	d, err = g.Check(ctx, "u1", "free", "", now)
	if err != nil || !d.Allowed {
		t.Fatalf("check after release: allowed=%v err=%v", d.Allowed, err)
	}
}
