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

package dispatch

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"ghosthands/pkg/log"
)

// reconnectDelay LISTEN 连接断开后的重连间隔
const reconnectDelay = 3 * time.Second

// PgListener 独占一条连接做 LISTEN 的唤醒源。
// 连接断开自动重连；丢通知无妨，兜底轮询会补上。
type PgListener struct {
	dsn     string
	channel string
	logger  *log.Logger
}

// NewPgListener channel 为 NOTIFY 通道名（如 job.DefaultNotifyChannel）
func NewPgListener(dsn, channel string, logger *log.Logger) *PgListener {
	return &PgListener{dsn: dsn, channel: channel, logger: logger}
}

// Listen 返回通知 payload（Job ID）流；ctx 取消时关闭
func (l *PgListener) Listen(ctx context.Context) <-chan string {
	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		for ctx.Err() == nil {
			if err := l.listenOnce(ctx, ch); err != nil && ctx.Err() == nil {
				if l.logger != nil {
					l.logger.Warn("listen connection lost", "channel", l.channel, "error", err)
				}
				select {
				case <-time.After(reconnectDelay):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch
}

func (l *PgListener) listenOnce(ctx context.Context, ch chan<- string) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		return err
	}
	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		select {
		case ch <- n.Payload:
		default:
			// 接收端积压时丢弃，轮询兜底
		}
	}
}
