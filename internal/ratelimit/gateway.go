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
	"fmt"
	"time"

	"ghosthands/pkg/metrics"
)

// TierLimits 单 tier 的窗口限额；Unlimited(-1) 表示不限
type TierLimits struct {
	Hourly         int
	Daily          int
	PlatformHourly int
	PlatformDaily  int
}

// DefaultTiers tier 限额缺省表；enterprise 直接放行
var DefaultTiers = map[string]TierLimits{
	"free":       {Hourly: 3, Daily: 10, PlatformHourly: 2, PlatformDaily: 5},
	"starter":    {Hourly: 10, Daily: 60, PlatformHourly: 5, PlatformDaily: 30},
	"pro":        {Hourly: 30, Daily: 200, PlatformHourly: 15, PlatformDaily: 100},
	"premium":    {Hourly: 60, Daily: 500, PlatformHourly: 30, PlatformDaily: 250},
	"enterprise": {Hourly: Unlimited, Daily: Unlimited, PlatformHourly: Unlimited, PlatformDaily: Unlimited},
}

// Decision 限流网关结论；Allowed=false 时 Scope 标记拒绝来源
type Decision struct {
	Allowed    bool
	Scope      string // user | platform
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// recorded 已写入的投机记录，供失败撤销
	recorded []string
}

// Gateway 请求级限流：先查用户 tier 两个窗口，再查平台两个窗口；
// 后续拒绝时回滚先行的投机记录，拒绝不消耗配额。
type Gateway struct {
	store Store
	tiers map[string]TierLimits
}

// NewGateway tiers 为 nil 时使用 DefaultTiers
func NewGateway(store Store, tiers map[string]TierLimits) *Gateway {
	if tiers == nil {
		tiers = DefaultTiers
	}
	return &Gateway{store: store, tiers: tiers}
}

func userKey(userID string, window time.Duration) string {
	return fmt.Sprintf("user:%s:%s", userID, windowName(window))
}

func platformKey(userID, platform string, window time.Duration) string {
	return fmt.Sprintf("platform:%s:%s:%s", userID, platform, windowName(window))
}

func windowName(window time.Duration) string {
	if window == WindowHourly {
		return "hourly"
	}
	return "daily"
}

// Check 依序执行四个窗口检查；platform 为空时跳过平台窗口
func (g *Gateway) Check(ctx context.Context, userID, tier, platform string, now time.Time) (Decision, error) {
	limits, ok := g.tiers[tier]
	if !ok {
		limits = g.tiers["free"]
	}
	// enterprise 短路放行
	if limits.Hourly == Unlimited && limits.Daily == Unlimited {
		return Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited}, nil
	}

	type check struct {
		key    string
		window time.Duration
		limit  int
		scope  string
	}
	checks := []check{
		{userKey(userID, WindowHourly), WindowHourly, limits.Hourly, "user"},
		{userKey(userID, WindowDaily), WindowDaily, limits.Daily, "user"},
	}
	if platform != "" {
		checks = append(checks,
			check{platformKey(userID, platform, WindowHourly), WindowHourly, limits.PlatformHourly, "platform"},
			check{platformKey(userID, platform, WindowDaily), WindowDaily, limits.PlatformDaily, "platform"},
		)
	}

	d := Decision{Allowed: true, Limit: Unlimited, Remaining: Unlimited}
	for _, c := range checks {
		res, err := g.store.CheckAndRecord(ctx, c.key, c.window, c.limit, now)
		if err != nil {
			g.rollback(ctx, d.recorded)
			return Decision{}, err
		}
		if !res.Allowed {
			g.rollback(ctx, d.recorded)
			metrics.RateLimitDeniedTotal.WithLabelValues(c.scope).Inc()
			return Decision{
				Allowed:    false,
				Scope:      c.scope,
				Limit:      res.Limit,
				Remaining:  0,
				ResetAt:    res.ResetAt,
				RetryAfter: res.RetryAfter,
			}, nil
		}
		if c.limit != Unlimited {
			d.recorded = append(d.recorded, c.key)
			// 响应头取最严的窗口
			if d.Remaining == Unlimited || res.Remaining < d.Remaining {
				d.Limit = res.Limit
				d.Remaining = res.Remaining
				d.ResetAt = res.ResetAt
			}
		}
	}
	return d, nil
}

// Release 撤销一次已放行决定消耗的配额，用于下游写入失败后的补偿
func (g *Gateway) Release(ctx context.Context, d Decision) {
	g.rollback(ctx, d.recorded)
}

func (g *Gateway) rollback(ctx context.Context, keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		_ = g.store.Rollback(ctx, keys[i])
	}
}
