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
	"sort"
	"sync"
	"time"

	gherr "ghosthands/pkg/errors"
)

// StoreMem 内存实现：map + 事件序列，单进程测试与本地运行用
type StoreMem struct {
	mu      sync.Mutex
	byID    map[string]*Job
	byIdem  map[string]string // idempotency_key -> job id
	events  map[string][]JobEvent
	seq     int64 // 事件自增 ID
	insSeq  map[string]int64
	nextIns int64
}

// NewStoreMem 创建内存 Store
func NewStoreMem() *StoreMem {
	return &StoreMem{
		byID:   make(map[string]*Job),
		byIdem: make(map[string]string),
		events: make(map[string][]JobEvent),
		insSeq: make(map[string]int64),
	}
}

func (s *StoreMem) Insert(ctx context.Context, j *Job) (*Job, bool, error) {
	if j == nil {
		return nil, false, gherr.ErrInvalidArg
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.IdempotencyKey != "" {
		if id, ok := s.byIdem[j.IdempotencyKey]; ok {
			return s.byID[id].Clone(), true, nil
		}
	}
	cp := j.Clone()
	if cp.ID == "" {
		cp.ID = NewID()
	}
	cp.Status = StatusPending
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	if cp.MaxRetries == 0 {
		cp.MaxRetries = 3
	}
	s.byID[cp.ID] = cp
	if cp.IdempotencyKey != "" {
		s.byIdem[cp.IdempotencyKey] = cp.ID
	}
	s.nextIns++
	s.insSeq[cp.ID] = s.nextIns
	s.appendEventLocked(cp.ID, EventJobCreated, map[string]any{"job_type": cp.JobType}, "api")
	return cp.Clone(), false, nil
}

func (s *StoreMem) Get(ctx context.Context, jobID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return nil, gherr.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *StoreMem) ListByUser(ctx context.Context, userID string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []*Job
	for _, j := range s.byID {
		if j.UserID == userID {
			list = append(list, j.Clone())
		}
	}
	sort.Slice(list, func(a, b int) bool { return list[a].CreatedAt.After(list[b].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (s *StoreMem) ClaimNext(ctx context.Context, workerID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var best *Job
	for _, j := range s.byID {
		if j.Status != StatusPending {
			continue
		}
		if !j.ScheduledAt.IsZero() && j.ScheduledAt.After(now) {
			continue
		}
		if best == nil || claimLess(s, j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = StatusQueued
	best.WorkerID = workerID
	best.LastHeartbeat = now
	best.UpdatedAt = now
	return best.Clone(), nil
}

// claimLess 取活排序：priority DESC，再 created_at ASC，再插入序
func claimLess(s *StoreMem, a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return s.insSeq[a.ID] < s.insSeq[b.ID]
}

func (s *StoreMem) TransitionStatus(ctx context.Context, jobID string, from, to Status, patch Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return false, gherr.ErrNotFound
	}
	if j.Status != from || !CanTransition(from, to) {
		return false, nil
	}
	j.Status = to
	applyPatch(j, patch)
	if to.Terminal() {
		if patch.WorkerID == nil {
			// 终态行不再被任何 Worker 持有
			j.WorkerID = ""
		}
		if j.CompletedAt.IsZero() {
			j.CompletedAt = time.Now()
		}
	}
	j.UpdatedAt = time.Now()
	return true, nil
}

func applyPatch(j *Job, p Patch) {
	if p.WorkerID != nil {
		j.WorkerID = *p.WorkerID
	}
	if p.StartedAt != nil {
		j.StartedAt = *p.StartedAt
	}
	if p.CompletedAt != nil {
		j.CompletedAt = *p.CompletedAt
	}
	if p.ScheduledAt != nil {
		j.ScheduledAt = *p.ScheduledAt
	}
	if p.LastHeartbeat != nil {
		j.LastHeartbeat = *p.LastHeartbeat
	}
	if p.RetryCount != nil {
		j.RetryCount = *p.RetryCount
	}
	if p.ErrorCode != nil {
		j.ErrorCode = *p.ErrorCode
	}
	if p.ErrorMessage != nil {
		j.ErrorMessage = *p.ErrorMessage
	}
	if p.ErrorDetails != nil {
		j.ErrorDetails = cloneMap(p.ErrorDetails)
	}
	if p.ResultData != nil {
		j.ResultData = cloneMap(p.ResultData)
	}
	if p.ResultSummary != nil {
		j.ResultSummary = *p.ResultSummary
	}
	if p.ScreenshotURLs != nil {
		j.ScreenshotURLs = append([]string(nil), p.ScreenshotURLs...)
	}
	if p.ActionCount != nil {
		j.ActionCount = *p.ActionCount
	}
	if p.TotalTokens != nil {
		j.TotalTokens = *p.TotalTokens
	}
	if p.CostUSD != nil {
		j.CostUSD = *p.CostUSD
	}
	if p.InteractionData != nil {
		j.InteractionData = cloneMap(p.InteractionData)
	}
}

func (s *StoreMem) Heartbeat(ctx context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok || j.WorkerID != workerID {
		return nil
	}
	j.LastHeartbeat = time.Now()
	j.UpdatedAt = j.LastHeartbeat
	return nil
}

func (s *StoreMem) RecoverStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recovered []string
	for _, j := range s.byID {
		if j.Status != StatusQueued && j.Status != StatusRunning {
			continue
		}
		if j.LastHeartbeat.IsZero() || j.LastHeartbeat.After(olderThan) {
			continue
		}
		prevWorker := j.WorkerID
		j.Status = StatusPending
		j.WorkerID = ""
		j.UpdatedAt = time.Now()
		s.appendEventLocked(j.ID, EventJobRequeued, map[string]any{
			"reason":      ReasonStuckRecovery,
			"prev_worker": prevWorker,
		}, "recovery")
		recovered = append(recovered, j.ID)
	}
	return recovered, nil
}

func (s *StoreMem) ReleaseClaims(ctx context.Context, workerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.byID {
		claimed := j.Status == StatusQueued || j.Status == StatusRunning || j.Status == StatusPaused
		if claimed && j.WorkerID == workerID {
			j.Status = StatusPending
			j.WorkerID = ""
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *StoreMem) AppendEvent(ctx context.Context, jobID, eventType string, metadata map[string]any, actor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[jobID]; !ok {
		return gherr.ErrNotFound
	}
	s.appendEventLocked(jobID, eventType, metadata, actor)
	return nil
}

func (s *StoreMem) appendEventLocked(jobID, eventType string, metadata map[string]any, actor string) {
	s.seq++
	s.events[jobID] = append(s.events[jobID], JobEvent{
		ID:        s.seq,
		JobID:     jobID,
		Type:      eventType,
		Metadata:  cloneMap(metadata),
		Actor:     actor,
		CreatedAt: time.Now(),
	})
}

func (s *StoreMem) ListEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []JobEvent
	for _, e := range s.events[jobID] {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *StoreMem) Cancel(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return false, gherr.ErrNotFound
	}
	if j.Status.Terminal() {
		return false, nil
	}
	j.Status = StatusCancelled
	j.WorkerID = ""
	j.CompletedAt = time.Now()
	j.UpdatedAt = j.CompletedAt
	return true, nil
}

func (s *StoreMem) SubmitResolution(ctx context.Context, jobID, resolutionType string, data map[string]any, resolvedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return gherr.ErrNotFound
	}
	if j.Status != StatusPaused {
		return gherr.ErrInvalidArg
	}
	if j.InteractionData == nil {
		j.InteractionData = make(map[string]any)
	}
	j.InteractionData["resolution_type"] = resolutionType
	j.InteractionData["resolution_data"] = cloneMap(data)
	j.InteractionData["resolved_by"] = resolvedBy
	j.InteractionData["resolved_at"] = time.Now().UTC().Format(time.RFC3339)
	j.UpdatedAt = time.Now()
	return nil
}

func (s *StoreMem) TakeResolution(ctx context.Context, jobID string) (*Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.byID[jobID]
	if !ok {
		return nil, gherr.ErrNotFound
	}
	if j.InteractionData == nil {
		return nil, nil
	}
	rt, ok := j.InteractionData["resolution_type"].(string)
	if !ok || rt == "" {
		return nil, nil
	}
	res := &Resolution{Type: rt}
	if d, ok := j.InteractionData["resolution_data"].(map[string]any); ok {
		res.Data = cloneMap(d)
	}
	if by, ok := j.InteractionData["resolved_by"].(string); ok {
		res.ResolvedBy = by
	}
	if at, ok := j.InteractionData["resolved_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			res.ResolvedAt = t
		}
	}
	delete(j.InteractionData, "resolution_type")
	delete(j.InteractionData, "resolution_data")
	delete(j.InteractionData, "resolved_by")
	delete(j.InteractionData, "resolved_at")
	j.UpdatedAt = time.Now()
	return res, nil
}

func (s *StoreMem) Close() {}
