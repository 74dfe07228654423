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
	"testing"
	"time"

	"ghosthands/internal/job"
)

func newTestTracker(t *testing.T) (*Tracker, *job.StoreMem, string, func(time.Duration)) {
	t.Helper()
	store := job.NewStoreMem()
	created, _, err := store.Insert(context.Background(), &job.Job{UserID: "u1", JobType: "apply"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	tr := NewTracker(created.ID, store, nil, 10)
	clock := time.Now()
	tr.now = func() time.Time { return clock }
	tr.startedAt = clock
	advance := func(d time.Duration) { clock = clock.Add(d) }
	return tr, store, created.ID, advance
}

func progressEvents(t *testing.T, store *job.StoreMem, jobID string) []job.JobEvent {
	t.Helper()
	events, err := store.ListEvents(context.Background(), jobID, 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var out []job.JobEvent
	for _, e := range events {
		if e.Type == job.EventProgress {
			out = append(out, e)
		}
	}
	return out
}

func TestStepMonotonic(t *testing.T) {
	tr, store, id, advance := newTestTracker(t)
	ctx := context.Background()

	tr.SetStep(ctx, "navigating")
	advance(3 * time.Second)
	tr.SetStep(ctx, "filling_form")
	advance(3 * time.Second)
	// 回退被忽略
	tr.SetStep(ctx, "initializing")
	advance(3 * time.Second)
	tr.SetStep(ctx, "submitting")

	events := progressEvents(t, store, id)
	last := -1
	for _, e := range events {
		idx := int(e.Metadata["step_index"].(int))
		if idx < last {
			t.Fatalf("step index regressed: %v", events)
		}
		last = idx
	}
	if got := Steps[last]; got != "submitting" {
		t.Fatalf("final step %q", got)
	}
}

func TestThrottleStashesPending(t *testing.T) {
	tr, store, id, advance := newTestTracker(t)
	ctx := context.Background()

	tr.SetStep(ctx, "navigating") // 立即发出
	tr.OnActionStarted(ctx, "type", "")
	tr.OnActionDone(ctx, "type") // 节流期内，暂存

	if n := len(progressEvents(t, store, id)); n != 1 {
		t.Fatalf("throttled emit wrote %d events, want 1", n)
	}

	// 节流期过后下一次调用冲出 pending 状态的最新快照
	advance(3 * time.Second)
	tr.OnActionStarted(ctx, "type", "")
	tr.OnActionDone(ctx, "type")

	events := progressEvents(t, store, id)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	lastAction := int(events[len(events)-1].Metadata["action_index"].(int))
	if lastAction != 2 {
		t.Fatalf("last action index %d, want 2", lastAction)
	}
}

func TestFlushEmitsPending(t *testing.T) {
	tr, store, id, _ := newTestTracker(t)
	ctx := context.Background()

	tr.SetStep(ctx, "navigating")
	tr.OnActionStarted(ctx, "type", "")
	tr.OnActionDone(ctx, "type") // 暂存
	tr.Flush(ctx)

	events := progressEvents(t, store, id)
	if len(events) != 2 {
		t.Fatalf("flush did not emit pending: %d events", len(events))
	}
}

func TestPctCappedAt99(t *testing.T) {
	tr, _, _, advance := newTestTracker(t)
	ctx := context.Background()

	tr.SetStep(ctx, "awaiting_user_review")
	for i := 0; i < 30; i++ {
		tr.OnActionStarted(ctx, "click", "")
		advance(3 * time.Second)
		tr.OnActionDone(ctx, "click")
	}
	tr.mu.Lock()
	snap := tr.snapshotLocked()
	tr.mu.Unlock()
	if snap.Pct > 99 {
		t.Fatalf("pct %d above cap before completion", snap.Pct)
	}
	if snap.ETASeconds <= 0 {
		t.Fatalf("eta not derived after %d actions", snap.ActionIndex)
	}

	tr.SetStep(ctx, "completed")
	tr.mu.Lock()
	snap = tr.snapshotLocked()
	tr.mu.Unlock()
	if snap.Pct != 100 {
		t.Fatalf("completed pct %d", snap.Pct)
	}
}

func TestActionInferenceOnlyAdvances(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	ctx := context.Background()

	tr.SetStep(ctx, "submitting")
	// navigate 推测出的 navigating 在 submitting 之前，不得回退
	tr.OnActionStarted(ctx, "navigate", "")
	tr.mu.Lock()
	idx := tr.stepIndex
	tr.mu.Unlock()
	if Steps[idx] != "submitting" {
		t.Fatalf("inference regressed step to %s", Steps[idx])
	}

	tr.OnActionStarted(ctx, "extract_table", "")
	tr.mu.Lock()
	idx = tr.stepIndex
	tr.mu.Unlock()
	if Steps[idx] != "extracting_results" {
		t.Fatalf("inference did not advance: %s", Steps[idx])
	}
}
