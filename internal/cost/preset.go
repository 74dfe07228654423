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

import "ghosthands/internal/job"

// Preset 质量档位，决定单任务 LLM 预算
type Preset string

const (
	PresetSpeed    Preset = "speed"
	PresetBalanced Preset = "balanced"
	PresetQuality  Preset = "quality"
)

// TaskBudgets 各档位单任务预算（美元）
var TaskBudgets = map[Preset]float64{
	PresetSpeed:    0.02,
	PresetBalanced: 0.10,
	PresetQuality:  0.30,
}

// MonthlyBudgets 各 tier 月度预算（美元）
var MonthlyBudgets = map[string]float64{
	"free":       0.50,
	"starter":    2.00,
	"pro":        10.00,
	"premium":    10.00,
	"enterprise": 100.00,
}

// tierPresets tier 未显式指定档位时的映射
var tierPresets = map[string]Preset{
	"free":       PresetSpeed,
	"starter":    PresetBalanced,
	"pro":        PresetBalanced,
	"premium":    PresetQuality,
	"enterprise": PresetQuality,
}

// DefaultActionLimit job_type 未配置时的动作上限
const DefaultActionLimit = 50

// ResolvePreset 档位解析顺序：metadata.quality_preset →
// input_data.quality_preset → tier 映射 → balanced
func ResolvePreset(j *job.Job) Preset {
	if p := presetFrom(j.Metadata); p != "" {
		return p
	}
	if p := presetFrom(j.InputData); p != "" {
		return p
	}
	if p, ok := tierPresets[j.Tier()]; ok {
		return p
	}
	return PresetBalanced
}

func presetFrom(m map[string]any) Preset {
	if m == nil {
		return ""
	}
	s, ok := m["quality_preset"].(string)
	if !ok {
		return ""
	}
	switch p := Preset(s); p {
	case PresetSpeed, PresetBalanced, PresetQuality:
		return p
	}
	return ""
}

// TaskBudget 档位对应的预算，未知档位按 balanced
func TaskBudget(p Preset) float64 {
	if b, ok := TaskBudgets[p]; ok {
		return b
	}
	return TaskBudgets[PresetBalanced]
}

// ActionLimit 按 job_type 查动作上限；limits 可为 nil
func ActionLimit(jobType string, limits map[string]int) int {
	if limits != nil {
		if n, ok := limits[jobType]; ok && n > 0 {
			return n
		}
	}
	return DefaultActionLimit
}

// MonthlyBudget tier 月度预算，未知 tier 按 free
func MonthlyBudget(tier string) float64 {
	if b, ok := MonthlyBudgets[tier]; ok {
		return b
	}
	return MonthlyBudgets["free"]
}
