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
	"sync"
	"testing"
	"time"

	"ghosthands/internal/job"
)

type fakeRunner struct {
	mu       sync.Mutex
	executed []string
	inflight int
	peak     int
	block    chan struct{}
}

func (r *fakeRunner) Execute(ctx context.Context, j *job.Job) {
	r.mu.Lock()
	r.executed = append(r.executed, j.ID)
	r.inflight++
	if r.inflight > r.peak {
		r.peak = r.inflight
	}
	r.mu.Unlock()
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	r.inflight--
	r.mu.Unlock()
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestDispatcherPicksUpOnWake(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	wake := job.NewWakeupMem()
	runner := &fakeRunner{}
	d := NewDispatcher(Config{WorkerID: "w1", PollInterval: time.Hour}, store, runner, wake.C(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	time.Sleep(20 * time.Millisecond) // 启动 kick 空转完

	created, _, err := store.Insert(ctx, &job.Job{UserID: "u1", JobType: "apply"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	wake.Notify(created.ID)

	if !waitFor(t, 2*time.Second, func() bool { return runner.count() == 1 }) {
		t.Fatalf("wake did not trigger pickup")
	}
	cur, _ := store.Get(ctx, created.ID)
	if cur.Status != job.StatusQueued || cur.WorkerID != "w1" {
		t.Fatalf("claimed row %s worker %q", cur.Status, cur.WorkerID)
	}
}

func TestDispatcherFallbackPoll(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	runner := &fakeRunner{}
	d := NewDispatcher(Config{WorkerID: "w1", PollInterval: 20 * time.Millisecond}, store, runner, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	time.Sleep(30 * time.Millisecond)

	if _, _, err := store.Insert(ctx, &job.Job{UserID: "u1", JobType: "apply"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if !waitFor(t, 2*time.Second, func() bool { return runner.count() == 1 }) {
		t.Fatalf("poll did not trigger pickup")
	}
}

func TestDispatcherRespectsMaxConcurrent(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	runner := &fakeRunner{block: make(chan struct{})}
	d := NewDispatcher(Config{WorkerID: "w1", PollInterval: 10 * time.Millisecond, MaxConcurrent: 1}, store, runner, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 2; i++ {
		if _, _, err := store.Insert(ctx, &job.Job{UserID: "u1", JobType: "apply"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	go d.Run(ctx)

	if !waitFor(t, 2*time.Second, func() bool { return runner.count() == 1 }) {
		t.Fatalf("first job not picked up")
	}
	time.Sleep(50 * time.Millisecond)
	if runner.count() != 1 {
		t.Fatalf("second job claimed while at capacity")
	}

	close(runner.block)
	if !waitFor(t, 2*time.Second, func() bool { return runner.count() == 2 }) {
		t.Fatalf("completion did not retrigger pickup")
	}
	runner.mu.Lock()
	peak := runner.peak
	runner.mu.Unlock()
	if peak != 1 {
		t.Fatalf("peak concurrency %d, want 1", peak)
	}
}

func TestDispatcherDrainStopsPickup(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	wake := job.NewWakeupMem()
	runner := &fakeRunner{}
	d := NewDispatcher(Config{WorkerID: "w1", PollInterval: 10 * time.Millisecond}, store, runner, wake.C(), nil)
	d.Drain()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	created, _, err := store.Insert(ctx, &job.Job{UserID: "u1", JobType: "apply"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	wake.Notify(created.ID)
	time.Sleep(100 * time.Millisecond)
	if runner.count() != 0 {
		t.Fatalf("draining dispatcher still claimed work")
	}
	cur, _ := store.Get(ctx, created.ID)
	if cur.Status != job.StatusPending {
		t.Fatalf("status %s", cur.Status)
	}
}
