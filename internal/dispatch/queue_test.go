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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"ghosthands/internal/job"
)

func testQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewQueue(client)
}

func TestQueueConsumerClaimsAndExecutes(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	q := testQueue(t)
	runner := &fakeRunner{}
	consumer := NewQueueConsumer(q, store, runner, "w1", []string{"apply"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	created, _, err := store.Insert(ctx, &job.Job{UserID: "u1", JobType: "apply"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := q.Enqueue(ctx, "apply", created.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	go consumer.Run(ctx)

	if !waitFor(t, 2*time.Second, func() bool { return runner.count() == 1 }) {
		t.Fatalf("queue message not consumed")
	}
	cur, _ := store.Get(ctx, created.ID)
	if cur.Status != job.StatusQueued || cur.WorkerID != "w1" {
		t.Fatalf("claim missing: %s worker %q", cur.Status, cur.WorkerID)
	}
	if cur.LastHeartbeat.IsZero() {
		t.Fatalf("heartbeat not stamped at claim")
	}
}

func TestQueueConsumerIgnoresRedelivery(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	q := testQueue(t)
	runner := &fakeRunner{}
	consumer := NewQueueConsumer(q, store, runner, "w1", []string{"apply"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	created, _, err := store.Insert(ctx, &job.Job{UserID: "u1", JobType: "apply"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	// at-least-once 队列重复投递同一条消息
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(ctx, "apply", created.ID); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	go consumer.Run(ctx)

	if !waitFor(t, 2*time.Second, func() bool { return runner.count() >= 1 }) {
		t.Fatalf("queue message not consumed")
	}
	time.Sleep(100 * time.Millisecond)
	if runner.count() != 1 {
		t.Fatalf("redelivered message executed %d times, want 1", runner.count())
	}
}

func TestQueueLen(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, "scrape", job.NewID()); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	n, err := q.Len(ctx, "scrape")
	if err != nil || n != 3 {
		t.Fatalf("len %d %v", n, err)
	}
}
