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

package callback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"ghosthands/internal/cost"
	"ghosthands/internal/job"
)

func fastNotifier() *Notifier {
	n := NewNotifier(2*time.Second, nil)
	n.delays = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return n
}

func TestNotifyDeliversPayload(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	j := &job.Job{ID: "job-1", ValetTaskID: "vt-9", ResultSummary: "applied"}
	snap := cost.Snapshot{TotalCostUSD: 0.05, ActionCount: 12, InputTokens: 900, OutputTokens: 100}
	if err := fastNotifier().Notify(context.Background(), srv.URL, CompletedPayload(j, snap)); err != nil {
		t.Fatalf("notify: %v", err)
	}

	if got.JobID != "job-1" || got.Status != "completed" || got.ValetTaskID != "vt-9" {
		t.Fatalf("payload %+v", got)
	}
	if got.Cost == nil || got.Cost.TotalCostUSD != 0.05 || got.Cost.TotalTokens != 1000 {
		t.Fatalf("cost block %+v", got.Cost)
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed payload missing completed_at")
	}
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := fastNotifier().Notify(context.Background(), srv.URL, RunningPayload(&job.Job{ID: "job-1"}))
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("made %d attempts, want 3", calls.Load())
	}
}

func TestNotifyGivesUpAfterFourAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := fastNotifier().Notify(context.Background(), srv.URL, RunningPayload(&job.Job{ID: "job-1"}))
	if err == nil {
		t.Fatalf("exhausted retries reported success")
	}
	if calls.Load() != 4 {
		t.Fatalf("made %d attempts, want 4 (1 initial + 3 retries)", calls.Load())
	}
}

func TestNotifyEmptyURLIsNoop(t *testing.T) {
	if err := fastNotifier().Notify(context.Background(), "", RunningPayload(&job.Job{ID: "job-1"})); err != nil {
		t.Fatalf("empty url: %v", err)
	}
}

func TestFailedPayloadAlwaysCarriesCost(t *testing.T) {
	p := FailedPayload(&job.Job{ID: "job-1"}, "timeout", "deadline exceeded", cost.Snapshot{})
	if p.Cost == nil {
		t.Fatalf("failed payload missing cost block")
	}
	if p.Cost.TotalCostUSD != 0 {
		t.Fatalf("zero-consumption cost %v", p.Cost.TotalCostUSD)
	}
	if p.ErrorCode != "timeout" || p.ErrorMessage == "" {
		t.Fatalf("error fields %+v", p)
	}

	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	if _, ok := decoded["cost"]; !ok {
		t.Fatalf("cost omitted from wire payload: %s", raw)
	}
}

func TestNeedsHumanPayloadShape(t *testing.T) {
	p := NeedsHumanPayload(&job.Job{ID: "job-1"}, Interaction{
		Type:           "captcha",
		ScreenshotURL:  "https://shots/1.png",
		PageURL:        "https://example.com/login",
		TimeoutSeconds: 300,
	})
	if p.Status != "needs_human" || p.Interaction == nil {
		t.Fatalf("payload %+v", p)
	}
	if p.Interaction.Type != "captcha" || p.Interaction.TimeoutSeconds != 300 {
		t.Fatalf("interaction %+v", p.Interaction)
	}
	if p.Cost != nil {
		t.Fatalf("non-terminal payload should not carry cost")
	}
}
