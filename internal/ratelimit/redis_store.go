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
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore 共享实现：每 key 一个 sorted set，score 为时间戳。
// 多 Worker 部署时的公平性交换点。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 创建 Redis 滑动窗口存储
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "gh:rl:"}
}

func (s *RedisStore) CheckAndRecord(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (Result, error) {
	if limit == Unlimited {
		return Result{Allowed: true, Limit: Unlimited, Remaining: Unlimited}, nil
	}
	rkey := s.prefix + key
	cutoff := now.Add(-window)

	if err := s.client.ZRemRangeByScore(ctx, rkey, "0", formatScore(cutoff)).Err(); err != nil {
		return Result{}, err
	}
	count, err := s.client.ZCard(ctx, rkey).Result()
	if err != nil {
		return Result{}, err
	}
	if int(count) >= limit {
		oldest, err := s.client.ZRangeWithScores(ctx, rkey, 0, 0).Result()
		if err != nil {
			return Result{}, err
		}
		resetAt := now.Add(window)
		if len(oldest) > 0 {
			resetAt = scoreToTime(oldest[0].Score).Add(window)
		}
		return Result{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: resetAt.Sub(now),
		}, nil
	}

	member := uuid.New().String()
	if err := s.client.ZAdd(ctx, rkey, redis.Z{Score: float64(now.UnixMilli()), Member: member}).Err(); err != nil {
		return Result{}, err
	}
	// key 的存活期与最大窗口同步，空闲 key 自动过期
	s.client.Expire(ctx, rkey, window+time.Minute)

	oldest, err := s.client.ZRangeWithScores(ctx, rkey, 0, 0).Result()
	if err != nil {
		return Result{}, err
	}
	resetAt := now.Add(window)
	if len(oldest) > 0 {
		resetAt = scoreToTime(oldest[0].Score).Add(window)
	}
	return Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: limit - int(count) - 1,
		ResetAt:   resetAt,
	}, nil
}

func (s *RedisStore) Rollback(ctx context.Context, key string) error {
	return s.client.ZPopMax(ctx, s.prefix+key, 1).Err()
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func scoreToTime(score float64) time.Time {
	return time.UnixMilli(int64(score))
}
