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

package cost

import (
	"errors"
	"testing"

	"ghosthands/internal/job"
)

func TestBudgetKillAtSpeedPreset(t *testing.T) {
	tr := NewTracker("job-1", TaskBudget(PresetSpeed), 50)

	// speed 预算 $0.02：四批 $0.005 恰好打满，放行
	for i := 0; i < 4; i++ {
		if err := tr.RecordTokenUsage(100, 50, 0.003, 0.002, RoleReasoning); err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
	}

	err := tr.RecordTokenUsage(100, 50, 0.003, 0.002, RoleReasoning)
	var be *BudgetExceededError
	if !errors.As(err, &be) {
		t.Fatalf("fifth batch err %v, want BudgetExceededError", err)
	}
	if be.JobID != "job-1" {
		t.Fatalf("error job id %q", be.JobID)
	}
	// 现场必须可取，且反映超额状态
	if be.Snapshot.TotalCostUSD <= TaskBudget(PresetSpeed) {
		t.Fatalf("snapshot cost %v not over budget", be.Snapshot.TotalCostUSD)
	}
	if tr.Snapshot().TotalCostUSD != be.Snapshot.TotalCostUSD {
		t.Fatalf("tracker snapshot diverged from error snapshot")
	}
}

func TestActionLimit(t *testing.T) {
	tr := NewTracker("job-1", 1.0, 3)
	for i := 0; i < 3; i++ {
		if err := tr.RecordAction(); err != nil {
			t.Fatalf("action %d: %v", i, err)
		}
	}
	err := tr.RecordAction()
	var ae *ActionLimitExceededError
	if !errors.As(err, &ae) {
		t.Fatalf("err %v, want ActionLimitExceededError", err)
	}
	if ae.Count != 4 || ae.Limit != 3 {
		t.Fatalf("count=%d limit=%d", ae.Count, ae.Limit)
	}
}

func TestSnapshotIdempotent(t *testing.T) {
	tr := NewTracker("job-1", 1.0, 50)
	_ = tr.RecordTokenUsage(10, 5, 0.001, 0.002, RoleReasoning)
	_ = tr.RecordAction()
	tr.RecordModeStep("magnitude")
	tr.SetMode("magnitude")

	a := tr.Snapshot()
	b := tr.Snapshot()
	if a != b {
		t.Fatalf("repeated snapshots differ: %+v vs %+v", a, b)
	}
	if a.TotalTokens() != 15 {
		t.Fatalf("total tokens %d", a.TotalTokens())
	}
	if a.MagnitudeSteps != 1 || a.Mode != "magnitude" {
		t.Fatalf("mode accounting %+v", a)
	}
}

func TestImageRoleRoutesCost(t *testing.T) {
	tr := NewTracker("job-1", 1.0, 50)
	_ = tr.RecordTokenUsage(10, 0, 0.01, 0, RoleImage)
	_ = tr.RecordTokenUsage(10, 0, 0.02, 0, RoleReasoning)
	s := tr.Snapshot()
	if s.ImageCost != 0.01 {
		t.Fatalf("image cost %v", s.ImageCost)
	}
	if s.ReasoningCost != 0.02 {
		t.Fatalf("reasoning cost %v", s.ReasoningCost)
	}
}

func TestResolvePresetOrder(t *testing.T) {
	j := &job.Job{
		Metadata:  map[string]any{"quality_preset": "quality", "tier": "free"},
		InputData: map[string]any{"quality_preset": "speed"},
	}
	if p := ResolvePreset(j); p != PresetQuality {
		t.Fatalf("metadata preset ignored: %s", p)
	}

	j.Metadata = map[string]any{"tier": "free"}
	if p := ResolvePreset(j); p != PresetSpeed {
		t.Fatalf("input_data preset ignored: %s", p)
	}

	j.InputData = nil
	if p := ResolvePreset(j); p != PresetSpeed {
		t.Fatalf("free tier should map to speed: %s", p)
	}

	j.Metadata = map[string]any{"tier": "premium"}
	if p := ResolvePreset(j); p != PresetQuality {
		t.Fatalf("premium tier should map to quality: %s", p)
	}

	j.Metadata = map[string]any{"tier": "unheard-of"}
	if p := ResolvePreset(j); p != PresetBalanced {
		t.Fatalf("fallback should be balanced: %s", p)
	}

	// 非法档位字符串被忽略
	j.Metadata = map[string]any{"quality_preset": "warp", "tier": "free"}
	if p := ResolvePreset(j); p != PresetSpeed {
		t.Fatalf("invalid preset string not ignored: %s", p)
	}
}

func TestActionLimitLookup(t *testing.T) {
	limits := map[string]int{"scrape": 80}
	if n := ActionLimit("scrape", limits); n != 80 {
		t.Fatalf("configured limit %d", n)
	}
	if n := ActionLimit("apply", limits); n != DefaultActionLimit {
		t.Fatalf("default limit %d", n)
	}
	if n := ActionLimit("apply", nil); n != DefaultActionLimit {
		t.Fatalf("nil map limit %d", n)
	}
}
