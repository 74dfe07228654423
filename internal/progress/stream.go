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

package progress

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamMaxLen 单 Job 进度流的容量上限（近似裁剪）
const StreamMaxLen = 1000

// StreamTTL 进度流存活期
const StreamTTL = 24 * time.Hour

// RedisPublisher 把进度快照发布到每 Job 一条的 Redis stream
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher 创建进度流发布端
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func streamKey(jobID string) string {
	return "gh:progress:" + jobID
}

func (p *RedisPublisher) Publish(ctx context.Context, jobID string, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(jobID),
		MaxLen: StreamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"snapshot": payload},
	}).Err()
}

// Seal 终态时把流的 TTL 固定为 24h
func (p *RedisPublisher) Seal(ctx context.Context, jobID string) error {
	return p.client.Expire(ctx, streamKey(jobID), StreamTTL).Err()
}

// Read 读取某 Job 自 lastID 之后的进度快照；lastID 为空表示从头
func (p *RedisPublisher) Read(ctx context.Context, jobID, lastID string, count int64) ([]Snapshot, string, error) {
	if lastID == "" {
		lastID = "-"
	}
	msgs, err := p.client.XRangeN(ctx, streamKey(jobID), lastID, "+", count).Result()
	if err != nil {
		return nil, lastID, err
	}
	var out []Snapshot
	for _, m := range msgs {
		raw, ok := m.Values["snapshot"].(string)
		if !ok {
			continue
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			continue
		}
		out = append(out, snap)
		lastID = m.ID
	}
	return out, lastID, nil
}
