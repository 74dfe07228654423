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
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UsageStorePg Postgres 实现：gh_user_usage，upsert + 服务端增量
type UsageStorePg struct {
	pool *pgxpool.Pool
}

// NewUsageStorePg 复用 StorePg 的连接池
func NewUsageStorePg(store *StorePg) *UsageStorePg {
	return &UsageStorePg{pool: store.pool}
}

func (s *UsageStorePg) Increment(ctx context.Context, userID string, periodStart time.Time, delta UsageDelta) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO gh_user_usage (user_id, period_start, period_end, total_cost_usd, total_input_tokens, total_output_tokens, job_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, period_start) DO UPDATE SET
		     total_cost_usd      = gh_user_usage.total_cost_usd + EXCLUDED.total_cost_usd,
		     total_input_tokens  = gh_user_usage.total_input_tokens + EXCLUDED.total_input_tokens,
		     total_output_tokens = gh_user_usage.total_output_tokens + EXCLUDED.total_output_tokens,
		     job_count           = gh_user_usage.job_count + EXCLUDED.job_count,
		     updated_at          = now()`,
		userID, periodStart, periodStart.AddDate(0, 1, 0),
		delta.CostUSD, delta.InputTokens, delta.OutputTokens, delta.Jobs)
	return err
}

func (s *UsageStorePg) Get(ctx context.Context, userID string, periodStart time.Time) (*UserUsage, error) {
	var u UserUsage
	var periodEnd *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, period_start, period_end, tier, total_cost_usd, total_input_tokens, total_output_tokens, job_count
		 FROM gh_user_usage WHERE user_id = $1 AND period_start = $2`,
		userID, periodStart).Scan(&u.UserID, &u.PeriodStart, &periodEnd, &u.Tier,
		&u.TotalCostUSD, &u.TotalInputTokens, &u.TotalOutputTokens, &u.JobCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &UserUsage{UserID: userID, PeriodStart: periodStart}, nil
		}
		return nil, err
	}
	if periodEnd != nil {
		u.PeriodEnd = *periodEnd
	}
	return &u, nil
}
