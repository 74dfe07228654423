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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"

	"ghosthands/internal/job"
	"ghosthands/internal/ratelimit"
)

type testAPI struct {
	h     *server.Hertz
	store *job.StoreMem
	wake  *job.WakeupMem
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := job.NewStoreMem()
	t.Cleanup(store.Close)
	wake := job.NewWakeupMem()
	gateway := ratelimit.NewGateway(ratelimit.NewMemStore(), nil)
	handler := NewHandler(store, gateway, wake, nil, nil, nil)
	h := server.Default(server.WithHostPorts(":0"))
	RegisterRoutes(h, handler, RouterOptions{EnableCORS: true})
	return &testAPI{h: h, store: store, wake: wake}
}

func (a *testAPI) post(t *testing.T, path string, payload any) *ut.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return ut.PerformRequest(a.h.Engine, "POST", path,
		&ut.Body{Body: bytes.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
}

func (a *testAPI) get(t *testing.T, path string) *ut.ResponseRecorder {
	t.Helper()
	return ut.PerformRequest(a.h.Engine, "GET", path, &ut.Body{Body: bytes.NewReader(nil), Len: 0})
}

func decodeJob(t *testing.T, body []byte) JobView {
	t.Helper()
	var v JobView
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	return v
}

func TestCreateJobAndFetch(t *testing.T) {
	a := newTestAPI(t)
	w := a.post(t, "/api/jobs", CreateJobRequest{
		UserID:          "u1",
		JobType:         "apply",
		TargetURL:       "https://jobs.example.com/42",
		TaskDescription: "apply to listing 42",
		Priority:        5,
		MaxRetries:      2,
	})
	resp := w.Result()
	if resp.StatusCode() != 201 {
		t.Fatalf("create: %d %s", resp.StatusCode(), resp.Body())
	}
	created := decodeJob(t, resp.Body())
	if created.ID == "" || created.Status != "pending" || created.Priority != 5 {
		t.Fatalf("view %+v", created)
	}

	select {
	case id := <-a.wake.C():
		if id != created.ID {
			t.Fatalf("wake payload %q", id)
		}
	default:
		t.Fatalf("insert did not emit wake-up")
	}

	w = a.get(t, "/api/jobs/"+created.ID)
	if w.Result().StatusCode() != 200 {
		t.Fatalf("get: %d", w.Result().StatusCode())
	}
	fetched := decodeJob(t, w.Result().Body())
	if fetched.ID != created.ID || fetched.TargetURL != "https://jobs.example.com/42" {
		t.Fatalf("fetched %+v", fetched)
	}
}

func TestCreateJobValidation(t *testing.T) {
	a := newTestAPI(t)
	cases := []CreateJobRequest{
		{JobType: "apply"},                          // 缺 user_id
		{UserID: "u1"},                              // 缺 job_type
		{UserID: "u1", JobType: "apply", TimeoutSeconds: 7200}, // 超时越界
		{UserID: "u1", JobType: "apply", TargetURL: "ftp://x"}, // 非 http(s)
	}
	for i, req := range cases {
		w := a.post(t, "/api/jobs", req)
		if w.Result().StatusCode() != 400 {
			t.Errorf("case %d: %d %s", i, w.Result().StatusCode(), w.Result().Body())
		}
	}
}

func TestCreateJobIdempotentReplay(t *testing.T) {
	a := newTestAPI(t)
	req := CreateJobRequest{UserID: "u1", JobType: "apply", IdempotencyKey: "idem-1"}

	first := a.post(t, "/api/jobs", req).Result()
	if first.StatusCode() != 201 {
		t.Fatalf("first: %d", first.StatusCode())
	}
	second := a.post(t, "/api/jobs", req).Result()
	if second.StatusCode() != 200 {
		t.Fatalf("replay status %d, want 200", second.StatusCode())
	}
	if decodeJob(t, first.Body()).ID != decodeJob(t, second.Body()).ID {
		t.Fatalf("replay returned a different job")
	}
}

func TestCreateJobRateLimited(t *testing.T) {
	a := newTestAPI(t)
	req := CreateJobRequest{UserID: "u-limited", JobType: "apply"} // free tier：3/hour
	for i := 0; i < 3; i++ {
		resp := a.post(t, "/api/jobs", req).Result()
		if resp.StatusCode() != 201 {
			t.Fatalf("request %d: %d", i, resp.StatusCode())
		}
		if resp.Header.Get("X-RateLimit-Remaining") == "" {
			t.Fatalf("allowed response missing rate headers")
		}
	}
	resp := a.post(t, "/api/jobs", req).Result()
	if resp.StatusCode() != 429 {
		t.Fatalf("over-limit status %d, want 429", resp.StatusCode())
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("429 missing Retry-After")
	}
	// 被拒绝的请求没有建行
	jobs, _ := a.store.ListByUser(context.Background(), "u-limited", 10)
	if len(jobs) != 3 {
		t.Fatalf("store has %d jobs, want 3", len(jobs))
	}
}

func TestCancelJobFlow(t *testing.T) {
	a := newTestAPI(t)
	created := decodeJob(t, a.post(t, "/api/jobs", CreateJobRequest{UserID: "u1", JobType: "apply"}).Result().Body())

	if w := a.post(t, "/api/jobs/"+created.ID+"/cancel", nil); w.Result().StatusCode() != 200 {
		t.Fatalf("cancel: %d", w.Result().StatusCode())
	}
	cur, _ := a.store.Get(context.Background(), created.ID)
	if cur.Status != job.StatusCancelled {
		t.Fatalf("status %s", cur.Status)
	}
	// 终态重复取消
	if w := a.post(t, "/api/jobs/"+created.ID+"/cancel", nil); w.Result().StatusCode() != 409 {
		t.Fatalf("repeat cancel: %d", w.Result().StatusCode())
	}
	if w := a.post(t, "/api/jobs/job-missing/cancel", nil); w.Result().StatusCode() != 404 {
		t.Fatalf("missing cancel: %d", w.Result().StatusCode())
	}
}

func TestSubmitResolutionEndpoint(t *testing.T) {
	a := newTestAPI(t)
	ctx := context.Background()
	created := decodeJob(t, a.post(t, "/api/jobs", CreateJobRequest{UserID: "u1", JobType: "apply"}).Result().Body())

	// 未暂停时提交被拒
	w := a.post(t, "/api/jobs/"+created.ID+"/resolution", ResolutionRequest{ResolutionType: "skip"})
	if w.Result().StatusCode() != 409 {
		t.Fatalf("resolution on pending job: %d", w.Result().StatusCode())
	}

	if _, err := a.store.ClaimNext(ctx, "w1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	for _, to := range []job.Status{job.StatusRunning, job.StatusPaused} {
		cur, _ := a.store.Get(ctx, created.ID)
		if ok, err := a.store.TransitionStatus(ctx, created.ID, cur.Status, to, job.Patch{}); err != nil || !ok {
			t.Fatalf("to %s: %v %v", to, ok, err)
		}
	}

	w = a.post(t, "/api/jobs/"+created.ID+"/resolution", ResolutionRequest{
		ResolutionType: "code_entry",
		ResolutionData: map[string]any{"code": "000111"},
		ResolvedBy:     "operator",
	})
	if w.Result().StatusCode() != 200 {
		t.Fatalf("resolution: %d %s", w.Result().StatusCode(), w.Result().Body())
	}
	res, err := a.store.TakeResolution(ctx, created.ID)
	if err != nil || res == nil || res.Type != "code_entry" {
		t.Fatalf("stored resolution %+v %v", res, err)
	}

	// 未知类型
	w = a.post(t, "/api/jobs/"+created.ID+"/resolution", ResolutionRequest{ResolutionType: "bribe"})
	if w.Result().StatusCode() != 400 {
		t.Fatalf("unknown type: %d", w.Result().StatusCode())
	}
}

func TestListEventsEndpoint(t *testing.T) {
	a := newTestAPI(t)
	created := decodeJob(t, a.post(t, "/api/jobs", CreateJobRequest{UserID: "u1", JobType: "apply"}).Result().Body())

	w := a.get(t, "/api/jobs/"+created.ID+"/events")
	if w.Result().StatusCode() != 200 {
		t.Fatalf("events: %d", w.Result().StatusCode())
	}
	var out struct {
		Events []struct {
			EventType string `json:"event_type"`
		} `json:"events"`
	}
	if err := json.Unmarshal(w.Result().Body(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Events) == 0 || out.Events[0].EventType != job.EventJobCreated {
		t.Fatalf("events %+v", out.Events)
	}
}

func TestInteractionViewStripsResolution(t *testing.T) {
	j := &job.Job{
		ID:     "job-x",
		Status: job.StatusPaused,
		InteractionData: map[string]any{
			"type":            "login",
			"page_url":        "https://example.com/login",
			"resolution_type": "credentials",
			"resolution_data": map[string]any{"password": "hunter2"},
		},
	}
	v := jobView(j)
	if _, ok := v.InteractionData["resolution_data"]; ok {
		t.Fatalf("resolution leaked into view: %+v", v.InteractionData)
	}
	if v.InteractionData["type"] != "login" {
		t.Fatalf("interaction context lost: %+v", v.InteractionData)
	}
}
