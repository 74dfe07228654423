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

package hitl

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"ghosthands/internal/browser"
	"ghosthands/internal/job"
	gherr "ghosthands/pkg/errors"
)

func runningJob(t *testing.T, store job.Store) *job.Job {
	t.Helper()
	ctx := context.Background()
	created, _, err := store.Insert(ctx, &job.Job{UserID: "u1", JobType: "apply"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	claimed, err := store.ClaimNext(ctx, "w1")
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}
	ok, err := store.TransitionStatus(ctx, created.ID, job.StatusQueued, job.StatusRunning, job.Patch{})
	if err != nil || !ok {
		t.Fatalf("to running: %v %v", ok, err)
	}
	j, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return j
}

func fastCoordinator(store job.Store) *Coordinator {
	c := NewCoordinator(store, nil, nil)
	c.poll = 5 * time.Millisecond
	return c
}

func TestRequestHumanPauseAndResolve(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	ctx := context.Background()
	j := runningJob(t, store)
	c := fastCoordinator(store)
	session := &browser.NoopSession{}

	go func() {
		time.Sleep(30 * time.Millisecond)
		if err := store.SubmitResolution(ctx, j.ID, "code_entry", map[string]any{"code": "123456"}, "operator"); err != nil {
			t.Errorf("submit resolution: %v", err)
		}
	}()

	res, err := c.RequestHuman(ctx, j, "w1", &InterventionRequired{
		Type:           "two_factor",
		PageURL:        "https://example.com/verify",
		TimeoutSeconds: 10,
	}, session)
	if err != nil {
		t.Fatalf("request human: %v", err)
	}
	if res.Type != "code_entry" || res.ResolvedBy != "operator" {
		t.Fatalf("resolution %+v", res)
	}
	if !session.Paused() {
		t.Fatalf("session not paused while awaiting human")
	}

	cur, _ := store.Get(ctx, j.ID)
	if cur.Status != job.StatusPaused {
		t.Fatalf("status %s during pause window", cur.Status)
	}
	if cur.InteractionData["type"] != "two_factor" {
		t.Fatalf("interaction_data %+v", cur.InteractionData)
	}

	if err := c.Resume(ctx, j, "w1", res, session); err != nil {
		t.Fatalf("resume: %v", err)
	}
	cur, _ = store.Get(ctx, j.ID)
	if cur.Status != job.StatusRunning {
		t.Fatalf("status %s after resume", cur.Status)
	}
	if session.Paused() {
		t.Fatalf("session still paused after resume")
	}
	var sawCode bool
	for _, call := range session.Calls {
		if call == "fill_code:123456" {
			sawCode = true
		}
	}
	if !sawCode {
		t.Fatalf("code not injected: %v", session.Calls)
	}

	// resolution 取出即剥离，不可重放
	again, err := store.TakeResolution(ctx, j.ID)
	if err != nil || again != nil {
		t.Fatalf("resolution replayable: %+v %v", again, err)
	}
}

func TestRequestHumanTimeout(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	ctx := context.Background()
	j := runningJob(t, store)
	c := fastCoordinator(store)

	_, err := c.RequestHuman(ctx, j, "w1", &InterventionRequired{Type: "captcha", TimeoutSeconds: 1}, nil)
	var te *gherr.TaskError
	if !errors.As(err, &te) || te.Code != gherr.CodeHumanTimeout {
		t.Fatalf("timeout error %v", err)
	}
	cur, _ := store.Get(ctx, j.ID)
	if cur.Status != job.StatusFailed || cur.ErrorCode != string(gherr.CodeHumanTimeout) {
		t.Fatalf("status %s code %q after human timeout", cur.Status, cur.ErrorCode)
	}
}

func TestRequestHumanObservesCancel(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	ctx := context.Background()
	j := runningJob(t, store)
	c := fastCoordinator(store)

	go func() {
		time.Sleep(30 * time.Millisecond)
		if _, err := store.Cancel(ctx, j.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}()

	_, err := c.RequestHuman(ctx, j, "w1", &InterventionRequired{Type: "login", TimeoutSeconds: 10}, nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("want ErrCancelled, got %v", err)
	}
}

func TestRequestHumanRequiresRunning(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	ctx := context.Background()
	created, _, err := store.Insert(ctx, &job.Job{UserID: "u1", JobType: "apply"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	c := fastCoordinator(store)
	_, err = c.RequestHuman(ctx, created, "w1", &InterventionRequired{Type: "captcha"}, nil)
	if !errors.Is(err, ErrNotRunning) {
		t.Fatalf("want ErrNotRunning, got %v", err)
	}
}

func TestResumeInjectsCredentials(t *testing.T) {
	store := job.NewStoreMem()
	defer store.Close()
	ctx := context.Background()
	j := runningJob(t, store)
	c := fastCoordinator(store)
	session := &browser.NoopSession{}

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.SubmitResolution(ctx, j.ID, "credentials", map[string]any{
			"username": "alice", "password": "s3cret",
		}, "operator")
	}()
	res, err := c.RequestHuman(ctx, j, "w1", &InterventionRequired{Type: "login", TimeoutSeconds: 10}, session)
	if err != nil {
		t.Fatalf("request human: %v", err)
	}
	if err := c.Resume(ctx, j, "w1", res, session); err != nil {
		t.Fatalf("resume: %v", err)
	}
	var sawCreds bool
	for _, call := range session.Calls {
		if strings.HasPrefix(call, "fill_credentials:alice") {
			sawCreds = true
		}
	}
	if !sawCreds {
		t.Fatalf("credentials not injected: %v", session.Calls)
	}
}
